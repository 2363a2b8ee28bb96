package evo

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"k8s.io/klog/v2"

	"gnas/internal/model"
	"gnas/internal/scape"
	"gnas/internal/supernet"
	"gnas/internal/tuning"
)

// MetricsSink receives search progress. It is only called from the goroutine
// running the monitor.
type MetricsSink interface {
	ObserveTrainLoss(loss float64)
	ObserveEvaluation(loss float64)
	ObserveGeneration(diag model.GenerationDiagnostics)
}

// GenerationReport is passed to OnGeneration after every UpdatePopulation.
type GenerationReport struct {
	Epoch          int
	Generation     int
	Best           float64
	BestEver       float64
	BestIndividual model.Individual
	// Improved is true when the best-ever loss dropped during this generation.
	Improved    bool
	Diagnostics model.GenerationDiagnostics
}

// Sweep phases reported to Progress.
const (
	PhaseTrain      = "train"
	PhaseValidation = "validation"
)

type MonitorConfig struct {
	Population *Population
	Network    supernet.Network
	Scape      scape.Scape
	// Optimizer updates shared parameters during training sweeps; nil skips
	// training and only evaluates.
	Optimizer              tuning.Optimizer
	Epochs                 int
	GenerationsPerEpoch    int
	TrainSampleProbability float64
	Workers                int
	LogInterval            int
	Metrics                MetricsSink
	OnGeneration           func(ctx context.Context, report GenerationReport) error
	Progress               func(phase string, done, total int)
}

// DefaultMonitorConfig fills in the schedule; the collaborators are left to
// the caller.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Epochs:                 10,
		GenerationsPerEpoch:    1,
		TrainSampleProbability: 1,
		Workers:                1,
		LogInterval:            50,
	}
}

type RunResult struct {
	BestByGeneration []float64
	Diagnostics      []model.GenerationDiagnostics
	BestIndividual   model.Individual
	BestFitness      float64
	// TrainLosses holds the mean training loss of every completed epoch.
	TrainLosses []float64
	Interrupted bool
}

// Monitor drives the search: each epoch trains the shared parameters on
// sampled children, then runs validation sweeps that score the population and
// advance it one generation each.
type Monitor struct {
	cfg MonitorConfig
}

func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Population == nil {
		return nil, errors.New("population is required")
	}
	if cfg.Network == nil {
		return nil, errors.New("network is required")
	}
	if cfg.Scape == nil {
		return nil, errors.New("scape is required")
	}
	space := cfg.Population.Space()
	if cfg.Scape.Kind() != space.Kind() {
		return nil, errors.Errorf("scape %s drives %s spaces, population searches %s", cfg.Scape.Name(), cfg.Scape.Kind(), space.Kind())
	}
	if netSpace := cfg.Network.Space(); netSpace == nil || netSpace.Signature() != space.Signature() {
		return nil, errors.New("network and population use different search spaces")
	}
	if cfg.Epochs <= 0 {
		return nil, errors.New("epochs must be > 0")
	}
	if cfg.GenerationsPerEpoch <= 0 {
		cfg.GenerationsPerEpoch = 1
	}
	if math.IsNaN(cfg.TrainSampleProbability) || cfg.TrainSampleProbability < 0 || cfg.TrainSampleProbability > 1 {
		return nil, errors.Errorf("train sample probability must be in [0,1], got %g", cfg.TrainSampleProbability)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = DefaultMonitorConfig().LogInterval
	}
	return &Monitor{cfg: cfg}, nil
}

// Run executes all epochs. Cancelling ctx stops the search between steps and
// returns what was found so far with Interrupted set.
func (m *Monitor) Run(ctx context.Context) (RunResult, error) {
	pop := m.cfg.Population
	result := RunResult{BestFitness: WorstFitness}
	finish := func(interrupted bool) (RunResult, error) {
		if ind, best, ok := pop.BestEver(); ok {
			result.BestIndividual, result.BestFitness = ind, best
		}
		result.Interrupted = interrupted
		return result, nil
	}

	for epoch := 0; epoch < m.cfg.Epochs; epoch++ {
		if aware, ok := m.cfg.Optimizer.(tuning.EpochAware); ok {
			aware.SetEpoch(epoch, m.cfg.Epochs)
		}
		trainLoss, err := m.trainSweep(ctx, epoch)
		if err != nil {
			if ctx.Err() != nil {
				klog.Warningf("epoch %d: interrupted during training", epoch)
				return finish(true)
			}
			return RunResult{}, errors.WithMessagef(err, "epoch %d training", epoch)
		}
		result.TrainLosses = append(result.TrainLosses, trainLoss)
		klog.Infof("epoch %d: mean train loss %.4f", epoch, trainLoss)

		for g := 0; g < m.cfg.GenerationsPerEpoch; g++ {
			_, prevBest, _ := pop.BestEver()
			if err := m.validationSweep(ctx); err != nil {
				if ctx.Err() != nil {
					klog.Warningf("generation %d: interrupted during validation", pop.Generation())
					return finish(true)
				}
				return RunResult{}, errors.WithMessagef(err, "generation %d validation", pop.Generation())
			}
			generation := pop.Generation()
			best, err := pop.UpdatePopulation()
			if err != nil {
				return RunResult{}, err
			}
			diag, _ := pop.LastDiagnostics()
			result.BestByGeneration = append(result.BestByGeneration, best)
			result.Diagnostics = append(result.Diagnostics, diag)
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.ObserveGeneration(diag)
			}
			bestInd, bestEver, _ := pop.BestEver()
			klog.Infof("generation %d: best %.4f mean %.4f var %.4g best-ever %.4f distinct %d/%d",
				generation, diag.BestFitness, diag.MeanFitness, diag.FitnessVariance, bestEver, diag.DistinctIndividuals, pop.Size())

			if m.cfg.OnGeneration != nil {
				report := GenerationReport{
					Epoch:          epoch,
					Generation:     generation,
					Best:           best,
					BestEver:       bestEver,
					BestIndividual: bestInd,
					Improved:       bestEver < prevBest,
					Diagnostics:    diag,
				}
				if err := m.cfg.OnGeneration(ctx, report); err != nil {
					return RunResult{}, errors.WithMessagef(err, "generation %d callback", generation)
				}
			}
		}
	}
	return finish(false)
}

// trainSweep samples a child per training batch, installs it and lets the
// optimizer update the shared parameters. It returns the mean batch loss.
func (m *Monitor) trainSweep(ctx context.Context, epoch int) (float64, error) {
	pop, net := m.cfg.Population, m.cfg.Network
	batches := m.cfg.Scape.TrainBatches(epoch)
	net.SetTraining(true)
	defer net.SetTraining(false)

	total, intervalTotal := 0.0, 0.0
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		h, err := pop.SampleChild(m.cfg.TrainSampleProbability)
		if err != nil {
			return 0, err
		}
		if err := net.SetIndividual(h.Individual); err != nil {
			return 0, errors.WithMessagef(err, "install %s", h.Individual)
		}
		lossFn := func(ctx context.Context) (float64, error) {
			return m.cfg.Scape.Loss(ctx, net, batch)
		}
		var loss float64
		if m.cfg.Optimizer != nil {
			loss, err = m.cfg.Optimizer.Step(ctx, net, lossFn)
		} else {
			loss, err = lossFn(ctx)
		}
		if err != nil {
			return 0, err
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ObserveTrainLoss(loss)
		}
		total += loss
		intervalTotal += loss
		if (i+1)%m.cfg.LogInterval == 0 {
			klog.Infof("epoch %d batch %d/%d: train loss %.4f", epoch, i+1, len(batches), intervalTotal/float64(m.cfg.LogInterval))
			intervalTotal = 0
		}
		klog.V(1).Infof("epoch %d batch %d: %s loss %.4f", epoch, i, h.Individual, loss)
		m.progress(PhaseTrain, i+1, len(batches))
	}
	if len(batches) == 0 {
		return 0, nil
	}
	return total / float64(len(batches)), nil
}

// validationSweep scores every stored slot of the current generation.
func (m *Monitor) validationSweep(ctx context.Context) error {
	m.cfg.Network.SetTraining(false)
	if m.cfg.Workers > 1 {
		return m.parallelValidation(ctx)
	}
	pop, net := m.cfg.Population, m.cfg.Network
	total := pop.Unscored()
	for done := 0; ; done++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := pop.Current()
		if errors.Is(err, ErrSweepComplete) {
			return nil
		}
		if err != nil {
			return err
		}
		loss, err := m.evaluate(ctx, net, h)
		if err != nil {
			return err
		}
		if err := pop.RecordFitness(h, loss); err != nil {
			return err
		}
		m.progress(PhaseValidation, done+1, total)
	}
}

// parallelValidation evaluates the pending slots on forked views of the
// network and records the losses in slot order once all workers finish. When
// a worker fails, the losses that did complete are still recorded before the
// error is returned.
func (m *Monitor) parallelValidation(ctx context.Context) error {
	pop := m.cfg.Population
	handles := pop.PendingHandles()
	losses := make([]float64, len(handles))
	done := make([]bool, len(handles))
	forks := make([]supernet.Network, len(handles))
	for i := range handles {
		forks[i] = m.cfg.Network.Fork()
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(m.cfg.Workers)
	for i, h := range handles {
		p.Go(func(ctx context.Context) error {
			loss, err := m.evaluate(ctx, forks[i], h)
			if err != nil {
				return err
			}
			losses[i], done[i] = loss, true
			return nil
		})
	}
	evalErr := p.Wait()

	recorded := 0
	for i, h := range handles {
		if !done[i] {
			continue
		}
		if err := pop.RecordFitness(h, losses[i]); err != nil {
			return err
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ObserveEvaluation(losses[i])
		}
		recorded++
		m.progress(PhaseValidation, recorded, len(handles))
	}
	return evalErr
}

func (m *Monitor) evaluate(ctx context.Context, net supernet.Network, h Handle) (float64, error) {
	if err := net.SetIndividual(h.Individual); err != nil {
		return 0, errors.WithMessagef(err, "install %s", h.Individual)
	}
	loss, err := m.cfg.Scape.Evaluate(ctx, net, scape.ModeValidation)
	if err != nil {
		return 0, err
	}
	if m.cfg.Metrics != nil && m.cfg.Workers <= 1 {
		m.cfg.Metrics.ObserveEvaluation(loss)
	}
	return loss, nil
}

func (m *Monitor) progress(phase string, done, total int) {
	if m.cfg.Progress != nil {
		m.cfg.Progress(phase, done, total)
	}
}
