package scape

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gnas/internal/genotype"
	"gnas/internal/supernet"
)

func TestBatchifyAndWindows(t *testing.T) {
	data := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	source := Batchify(data, 2)
	require.Len(t, source, 5)
	assert.Equal(t, []int{0, 5}, source[0])
	assert.Equal(t, []int{4, 9}, source[4])

	windows := Windows(source, 3)
	require.Len(t, windows, 2)
	assert.Equal(t, source[0:3], windows[0].Inputs)
	assert.Equal(t, source[1:4], windows[0].Targets)
	assert.Len(t, windows[1].Inputs, 1)
	assert.Equal(t, 6, windows[0].Size())
}

func TestLoadCorpus(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("train.txt", "the cat sat\nthe dog\n")
	write("valid.txt", "the cat\n")
	write("test.txt", "a dog\n")

	c, err := LoadCorpus(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 0, 4, 3}, c.Train)
	assert.Equal(t, []int{0, 1, 3}, c.Valid)
	assert.Equal(t, 6, c.Dictionary.Len())
	assert.Equal(t, EndOfSentence, c.Dictionary.Word(3))

	_, err = LoadCorpus(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestSyntheticCorpusIsDeterministic(t *testing.T) {
	a := must.M1(SyntheticCorpus(6, 200, 50, 0.8, 3))
	b := must.M1(SyntheticCorpus(6, 200, 50, 0.8, 3))
	assert.Equal(t, a.Train, b.Train)
	assert.Equal(t, a.Test, b.Test)
	for _, tok := range a.Train {
		assert.Less(t, tok, 6)
	}
	_, err := SyntheticCorpus(1, 200, 50, 0.8, 3)
	assert.Error(t, err)
}

func sequenceFixture(t *testing.T) (*SequenceScape, *supernet.RNNNetwork) {
	t.Helper()
	corpus := must.M1(SyntheticCorpus(5, 120, 60, 0.9, 1))
	s := must.M1(NewSequenceScape(corpus, SequenceConfig{BatchSize: 4, EvalBatchSize: 2, BPTT: 5}))
	space := must.M1(genotype.NewRNNSpace(genotype.RNNOptions{NodeCount: 3}))
	net := must.M1(supernet.NewRNNNetwork(space, supernet.RNNConfig{Emsize: 4, Nhid: 6, Tokens: s.Tokens(), Seed: 2}))
	require.NoError(t, net.SetIndividual(space.GenerateIndividual(rand.New(rand.NewSource(1)))))
	return s, net
}

func TestSequenceScapeLoss(t *testing.T) {
	s, net := sequenceFixture(t)
	ctx := context.Background()
	assert.Equal(t, genotype.KindRNN, s.Kind())

	batches := s.TrainBatches(0)
	require.NotEmpty(t, batches)
	loss, err := s.Loss(ctx, net, batches[0])
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
	assert.False(t, math.IsInf(loss, 0) || math.IsNaN(loss))

	valid, err := s.Evaluate(ctx, net, ModeValidation)
	require.NoError(t, err)
	again, err := s.Evaluate(ctx, net, "valid")
	require.NoError(t, err)
	assert.Equal(t, valid, again)

	_, err = s.Evaluate(ctx, net, "holdout")
	assert.True(t, errors.Is(err, ErrUnknownMode))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Loss(cancelled, net, batches[0])
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSequenceScapeRejectsWrongModel(t *testing.T) {
	s, _ := sequenceFixture(t)
	space := must.M1(genotype.NewCNNSpace(genotype.CNNOptions{NodeCount: 2, Ops: []string{"identity"}}))
	cnn := must.M1(supernet.NewCNNNetwork(space, supernet.CNNConfig{NChannels: 2, InChannels: 1, Classes: 2}))
	_, err := s.Loss(context.Background(), cnn, s.TrainBatches(0)[0])
	assert.Error(t, err)
}

func TestPatternScape(t *testing.T) {
	cfg := DefaultPatternConfig()
	cfg.Train, cfg.Eval, cfg.BatchSize = 10, 4, 4
	s := must.M1(NewPatternScape(cfg))
	assert.Equal(t, genotype.KindCNN, s.Kind())

	batches := s.TrainBatches(0)
	require.Len(t, batches, 3)
	assert.Equal(t, 2, batches[2].Size())
	// shuffling is a pure function of the epoch.
	again := s.TrainBatches(0)
	assert.Equal(t, batches[0].(ImageBatch).Labels, again[0].(ImageBatch).Labels)

	space := must.M1(genotype.NewCNNSpace(genotype.CNNOptions{NodeCount: 2, Ops: []string{"identity", "conv3x3", "avg3x3"}}))
	net := must.M1(supernet.NewCNNNetwork(space, supernet.CNNConfig{NChannels: 2, NBlocks: 0, InChannels: 1, Classes: s.Classes(), Seed: 1}))
	require.NoError(t, net.SetIndividual(space.GenerateIndividual(rand.New(rand.NewSource(3)))))

	loss, err := s.Evaluate(context.Background(), net, ModeTest)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)

	_, err = NewPatternScape(PatternConfig{Classes: 9, Size: 8, Train: 1, Eval: 1, BatchSize: 1})
	assert.Error(t, err)
}
