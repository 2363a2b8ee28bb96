package scape

import (
	"context"

	"github.com/pkg/errors"

	"gnas/internal/genotype"
	"gnas/internal/nn"
	"gnas/internal/supernet"
)

// SequenceModel is a network that predicts the next token at every step.
type SequenceModel interface {
	supernet.Network
	ForwardSequence(tokens [][]int) ([]nn.Tensor, error)
}

type SequenceConfig struct {
	BatchSize     int
	EvalBatchSize int
	BPTT          int
}

// SequenceScape scores language models by next-token cross entropy over bptt
// windows of a corpus.
type SequenceScape struct {
	corpus *Corpus
	train  []SequenceBatch
	valid  []SequenceBatch
	test   []SequenceBatch
}

func NewSequenceScape(corpus *Corpus, cfg SequenceConfig) (*SequenceScape, error) {
	if corpus == nil {
		return nil, errors.New("corpus is required")
	}
	if cfg.BatchSize <= 0 || cfg.BPTT <= 0 {
		return nil, errors.Errorf("batch size and bptt must be > 0, got %d/%d", cfg.BatchSize, cfg.BPTT)
	}
	if cfg.EvalBatchSize <= 0 {
		cfg.EvalBatchSize = cfg.BatchSize
	}
	s := &SequenceScape{
		corpus: corpus,
		train:  Windows(Batchify(corpus.Train, cfg.BatchSize), cfg.BPTT),
		valid:  Windows(Batchify(corpus.Valid, cfg.EvalBatchSize), cfg.BPTT),
		test:   Windows(Batchify(corpus.Test, cfg.EvalBatchSize), cfg.BPTT),
	}
	if len(s.train) == 0 || len(s.valid) == 0 {
		return nil, errors.New("corpus too short for the configured batch size and bptt")
	}
	return s, nil
}

func (s *SequenceScape) Name() string { return "sequence" }

func (s *SequenceScape) Kind() string { return genotype.KindRNN }

// Tokens is the vocabulary size networks must be built with.
func (s *SequenceScape) Tokens() int { return s.corpus.Dictionary.Len() }

func (s *SequenceScape) TrainBatches(int) []Batch {
	out := make([]Batch, len(s.train))
	for i, b := range s.train {
		out[i] = b
	}
	return out
}

func (s *SequenceScape) Loss(ctx context.Context, net supernet.Network, batch Batch) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	model, ok := net.(SequenceModel)
	if !ok {
		return 0, errors.Errorf("%T is not a sequence model", net)
	}
	b, ok := batch.(SequenceBatch)
	if !ok {
		return 0, errors.Errorf("unexpected batch type %T", batch)
	}
	logits, err := model.ForwardSequence(b.Inputs)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for t := range logits {
		loss, err := supernet.SoftmaxCrossEntropy(logits[t].Data, b.Targets[t])
		if err != nil {
			return 0, errors.WithMessagef(err, "step %d", t)
		}
		total += loss
	}
	return total / float64(len(logits)), nil
}

// Evaluate averages the per-window loss weighted by window length.
func (s *SequenceScape) Evaluate(ctx context.Context, net supernet.Network, mode string) (float64, error) {
	mode, err := normalizeMode(mode)
	if err != nil {
		return 0, err
	}
	windows := s.valid
	if mode == ModeTest {
		windows = s.test
	}
	total, steps := 0.0, 0
	for _, w := range windows {
		loss, err := s.Loss(ctx, net, w)
		if err != nil {
			return 0, err
		}
		total += loss * float64(len(w.Inputs))
		steps += len(w.Inputs)
	}
	if steps == 0 {
		return 0, errors.Errorf("no %s data", mode)
	}
	return total / float64(steps), nil
}
