package evo

import (
	"context"
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gnas/internal/genotype"
	"gnas/internal/model"
	"gnas/internal/scape"
	"gnas/internal/supernet"
	"gnas/internal/tuning"
)

type unitBatch struct{}

func (unitBatch) Size() int { return 1 }

// opSumScape scores an individual by the sum of its op indices, read back from
// the network it is evaluated on.
type opSumScape struct {
	kind    string
	batches int

	mu          sync.Mutex
	evaluations int
}

func (s *opSumScape) Name() string { return "op-sum" }

func (s *opSumScape) Kind() string { return s.kind }

func (s *opSumScape) TrainBatches(int) []scape.Batch {
	out := make([]scape.Batch, s.batches)
	for i := range out {
		out[i] = unitBatch{}
	}
	return out
}

func (s *opSumScape) Loss(ctx context.Context, net supernet.Network, _ scape.Batch) (float64, error) {
	return s.Evaluate(ctx, net, scape.ModeValidation)
}

func (s *opSumScape) Evaluate(ctx context.Context, net supernet.Network, _ string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.evaluations++
	s.mu.Unlock()
	ind, ok := net.Individual()
	if !ok {
		return 0, context.Canceled
	}
	sum := 0.0
	for _, g := range ind.Genes {
		sum += float64(g.Op)
	}
	return sum, nil
}

type countingOptimizer struct {
	steps  int
	epochs []int
}

func (o *countingOptimizer) Name() string { return "counting" }

func (o *countingOptimizer) Step(ctx context.Context, net supernet.Network, loss tuning.LossFn) (float64, error) {
	o.steps++
	if !net.Training() {
		return 0, context.Canceled
	}
	return loss(ctx)
}

func (o *countingOptimizer) SetEpoch(epoch, _ int) { o.epochs = append(o.epochs, epoch) }

type recordingSink struct {
	train, evals, generations int
}

func (r *recordingSink) ObserveTrainLoss(float64) { r.train++ }

func (r *recordingSink) ObserveEvaluation(float64) { r.evals++ }

func (r *recordingSink) ObserveGeneration(model.GenerationDiagnostics) { r.generations++ }

func monitorFixture(t *testing.T, workers int) (MonitorConfig, *opSumScape) {
	t.Helper()
	space := testRNNSpace(t, 4)
	pop := newTestPopulation(t, space, 6, 0.34)
	net := must.M1(supernet.NewRNNNetwork(space, supernet.RNNConfig{Emsize: 3, Nhid: 4, Tokens: 5, Seed: 1}))
	s := &opSumScape{kind: genotype.KindRNN, batches: 3}
	cfg := DefaultMonitorConfig()
	cfg.Population = pop
	cfg.Network = net
	cfg.Scape = s
	cfg.Epochs = 3
	cfg.GenerationsPerEpoch = 2
	cfg.Workers = workers
	return cfg, s
}

func TestMonitorRunsAllGenerations(t *testing.T) {
	cfg, s := monitorFixture(t, 1)
	opt := &countingOptimizer{}
	sink := &recordingSink{}
	var reports []GenerationReport
	cfg.Optimizer = opt
	cfg.Metrics = sink
	cfg.OnGeneration = func(_ context.Context, r GenerationReport) error {
		reports = append(reports, r)
		return nil
	}

	res, err := must.M1(NewMonitor(cfg)).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Interrupted)
	assert.Len(t, res.BestByGeneration, 6)
	assert.Len(t, res.Diagnostics, 6)
	assert.Len(t, res.TrainLosses, 3)
	assert.Equal(t, 6, cfg.Population.Generation())

	assert.Equal(t, 9, opt.steps)
	assert.Equal(t, []int{0, 1, 2}, opt.epochs)
	assert.Equal(t, 9, sink.train)
	assert.Equal(t, 36, sink.evals)
	assert.Equal(t, 6, sink.generations)
	assert.Equal(t, 9+36, s.evaluations)

	require.Len(t, reports, 6)
	for i, r := range reports {
		assert.Equal(t, i, r.Generation)
		assert.Equal(t, i/2, r.Epoch)
		assert.LessOrEqual(t, r.BestEver, r.Best)
		assert.LessOrEqual(t, res.BestFitness, res.BestByGeneration[i])
	}
	assert.True(t, reports[0].Improved)

	// the elite survives, so the generation best never gets worse.
	for i := 1; i < len(res.BestByGeneration); i++ {
		assert.LessOrEqual(t, res.BestByGeneration[i], res.BestByGeneration[i-1])
	}
	_, best, ok := cfg.Population.BestEver()
	require.True(t, ok)
	assert.Equal(t, best, res.BestFitness)
	assert.NoError(t, cfg.Population.Space().Validate(res.BestIndividual))
}

func TestMonitorParallelMatchesSerial(t *testing.T) {
	serialCfg, _ := monitorFixture(t, 1)
	parallelCfg, _ := monitorFixture(t, 4)

	serial, err := must.M1(NewMonitor(serialCfg)).Run(context.Background())
	require.NoError(t, err)
	parallel, err := must.M1(NewMonitor(parallelCfg)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, serial.BestByGeneration, parallel.BestByGeneration)
	assert.True(t, serial.BestIndividual.Equal(parallel.BestIndividual))
	for i := 0; i < serialCfg.Population.Size(); i++ {
		assert.True(t, serialCfg.Population.Individual(i).Equal(parallelCfg.Population.Individual(i)), "slot %d", i)
	}
}

func TestMonitorInterruptKeepsBestSoFar(t *testing.T) {
	cfg, _ := monitorFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	cfg.OnGeneration = func(context.Context, GenerationReport) error {
		calls++
		cancel()
		return nil
	}

	res, err := must.M1(NewMonitor(cfg)).Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 1, calls)
	assert.Len(t, res.BestByGeneration, 1)
	assert.Equal(t, res.BestByGeneration[0], res.BestFitness)
	assert.Greater(t, res.BestIndividual.Len(), 0)
}

func TestMonitorCallbackErrorStopsRun(t *testing.T) {
	cfg, _ := monitorFixture(t, 2)
	cfg.OnGeneration = func(context.Context, GenerationReport) error {
		return ErrInvalidPopulation
	}
	_, err := must.M1(NewMonitor(cfg)).Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidPopulation)
}

func TestMonitorConfigValidation(t *testing.T) {
	base, _ := monitorFixture(t, 1)

	cfg := base
	cfg.Population = nil
	_, err := NewMonitor(cfg)
	assert.Error(t, err)

	cfg = base
	cfg.Scape = &opSumScape{kind: genotype.KindCNN}
	_, err = NewMonitor(cfg)
	assert.Error(t, err, "scape kind must match the search space")

	cfg = base
	cfg.Network = must.M1(supernet.NewRNNNetwork(testRNNSpace(t, 3), supernet.RNNConfig{Emsize: 2, Nhid: 2, Tokens: 2}))
	_, err = NewMonitor(cfg)
	assert.Error(t, err, "network space must match the population")

	cfg = base
	cfg.Epochs = 0
	_, err = NewMonitor(cfg)
	assert.Error(t, err)

	cfg = base
	cfg.TrainSampleProbability = 1.5
	_, err = NewMonitor(cfg)
	assert.Error(t, err)

	cfg = base
	cfg.Workers, cfg.GenerationsPerEpoch, cfg.LogInterval = 0, 0, 0
	m, err := NewMonitor(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, m.cfg.Workers)
	assert.Equal(t, 1, m.cfg.GenerationsPerEpoch)
	assert.Equal(t, DefaultMonitorConfig().LogInterval, m.cfg.LogInterval)
}

// installRecorder remembers the individual installed for every training step.
type installRecorder struct {
	installed []model.Individual
}

func (o *installRecorder) Name() string { return "install-recorder" }

func (o *installRecorder) Step(ctx context.Context, net supernet.Network, loss tuning.LossFn) (float64, error) {
	ind, ok := net.Individual()
	if !ok {
		return 0, context.Canceled
	}
	o.installed = append(o.installed, ind)
	return loss(ctx)
}

func TestMonitorStoredChildrenWhenSampleProbabilityIsZero(t *testing.T) {
	cfg, s := monitorFixture(t, 1)
	cfg.TrainSampleProbability = 0
	cfg.Epochs = 1
	cfg.GenerationsPerEpoch = 1
	s.batches = 8
	opt := &installRecorder{}
	cfg.Optimizer = opt
	pop := cfg.Population
	slots := make([]model.Individual, pop.Size())
	for i := range slots {
		slots[i] = pop.Individual(i)
	}

	_, err := must.M1(NewMonitor(cfg)).Run(context.Background())
	require.NoError(t, err)
	diag := pop.diagnostics
	require.NotNil(t, diag)
	assert.Equal(t, 0, diag.TransientsScored)

	// Training walks the stored slots in order and wraps around.
	require.Len(t, opt.installed, 8)
	for i, ind := range opt.installed {
		want := slots[i%len(slots)]
		assert.True(t, ind.Equal(want), "batch %d installed %s, want slot %d %s", i, ind, i%len(slots), want)
	}
}

// cancelAfterScape lets the first limit validation evaluations through and
// cancels the run on the next one.
type cancelAfterScape struct {
	*opSumScape
	limit  int
	cancel context.CancelFunc

	mu     sync.Mutex
	scored []float64
}

func (s *cancelAfterScape) Loss(ctx context.Context, net supernet.Network, _ scape.Batch) (float64, error) {
	return s.opSumScape.Evaluate(ctx, net, scape.ModeValidation)
}

func (s *cancelAfterScape) Evaluate(ctx context.Context, net supernet.Network, mode string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.scored) >= s.limit {
		s.cancel()
		return 0, context.Canceled
	}
	loss, err := s.opSumScape.Evaluate(ctx, net, mode)
	if err != nil {
		return 0, err
	}
	s.scored = append(s.scored, loss)
	return loss, nil
}

func TestMonitorParallelInterruptRecordsFinishedEvaluations(t *testing.T) {
	cfg, inner := monitorFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &cancelAfterScape{opSumScape: inner, limit: 2, cancel: cancel}
	cfg.Scape = s
	cfg.Optimizer = &countingOptimizer{}
	sink := &recordingSink{}
	cfg.Metrics = sink

	res, err := must.M1(NewMonitor(cfg)).Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	require.Len(t, s.scored, 2)

	var recorded []float64
	for i := 0; i < 6; i++ {
		if f, ok := cfg.Population.Fitness(i); ok {
			recorded = append(recorded, f)
		}
	}
	assert.ElementsMatch(t, s.scored, recorded)
	assert.Equal(t, 2, sink.evals)
	assert.Equal(t, min(s.scored[0], s.scored[1]), res.BestFitness)
	assert.Equal(t, 0, cfg.Population.Generation())
}
