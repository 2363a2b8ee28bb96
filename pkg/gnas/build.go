package gnas

import (
	"math/rand"

	"github.com/pkg/errors"

	"gnas/internal/config"
	"gnas/internal/evo"
	"gnas/internal/genotype"
	"gnas/internal/scape"
	"gnas/internal/supernet"
	"gnas/internal/tuning"
)

// Seed offsets keep the independent random streams of one run apart.
const (
	networkSeedOffset = 101
	dataSeedOffset    = 202
	tunerSeedOffset   = 303
)

// Experiment holds the collaborators of one search.
type Experiment struct {
	Space   *genotype.SearchSpace
	Scape   scape.Scape
	Network supernet.Network
	// Optimizer is nil when tuning is disabled.
	Optimizer tuning.Optimizer
}

// Build constructs the search space, task, shared network and optimizer
// described by cfg.
func Build(cfg config.Config) (*Experiment, error) {
	var (
		exp Experiment
		err error
	)
	seed := cfg.Search.Seed
	switch cfg.Search.Kind {
	case config.KindRNN:
		exp.Space, err = genotype.NewRNNSpace(genotype.RNNOptions{
			NodeCount:      cfg.RNN.NodeCount,
			NonLinearities: cfg.RNN.NonLinearities,
		})
		if err != nil {
			return nil, err
		}
		corpus, err := loadCorpus(cfg)
		if err != nil {
			return nil, err
		}
		seq, err := scape.NewSequenceScape(corpus, scape.SequenceConfig{
			BatchSize:     cfg.RNN.BatchSize,
			EvalBatchSize: cfg.RNN.EvalBatchSize,
			BPTT:          cfg.RNN.BPTT,
		})
		if err != nil {
			return nil, err
		}
		exp.Scape = seq
		exp.Network, err = supernet.NewRNNNetwork(exp.Space, supernet.RNNConfig{
			Emsize:  cfg.RNN.Emsize,
			Nhid:    cfg.RNN.Nhid,
			Tokens:  seq.Tokens(),
			Dropout: cfg.RNN.Dropout,
			Seed:    seed + networkSeedOffset,
		})
		if err != nil {
			return nil, err
		}
	case config.KindCNN:
		exp.Space, err = genotype.NewCNNSpace(genotype.CNNOptions{
			NodeCount: cfg.CNN.NodeCount,
			Ops:       cfg.CNN.Ops,
		})
		if err != nil {
			return nil, err
		}
		patterns, err := scape.NewPatternScape(scape.PatternConfig{
			Classes:   cfg.CNN.Classes,
			Size:      cfg.CNN.ImageSize,
			Train:     cfg.CNN.Train,
			Eval:      cfg.CNN.Eval,
			BatchSize: cfg.CNN.BatchSize,
			Noise:     cfg.CNN.Noise,
			Seed:      seed + dataSeedOffset,
		})
		if err != nil {
			return nil, err
		}
		exp.Scape = patterns
		exp.Network, err = supernet.NewCNNNetwork(exp.Space, supernet.CNNConfig{
			NChannels:  cfg.CNN.NChannels,
			NBlocks:    cfg.CNN.NBlocks,
			InChannels: 1,
			Classes:    patterns.Classes(),
			Dropout:    cfg.CNN.Dropout,
			Seed:       seed + networkSeedOffset,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(config.ErrInvalidConfig, "unsupported search kind %q", cfg.Search.Kind)
	}

	if cfg.Tuning.Enabled {
		tuner, err := HillClimber(cfg.Tuning, seed+tunerSeedOffset)
		if err != nil {
			return nil, err
		}
		exp.Optimizer = tuner
	}
	return &exp, nil
}

func loadCorpus(cfg config.Config) (*scape.Corpus, error) {
	if cfg.Search.CorpusDir != "" {
		return scape.LoadCorpus(cfg.Search.CorpusDir)
	}
	r := cfg.RNN
	return scape.SyntheticCorpus(r.SyntheticVocab, r.SyntheticTrain, r.SyntheticEval, r.SyntheticRegularity, cfg.Search.Seed+dataSeedOffset)
}

// HillClimber builds the shared-parameter tuner from its config section.
func HillClimber(cfg config.TuningConfig, seed int64) (*tuning.HillClimber, error) {
	policy, err := tuning.AttemptPolicyFromConfig(cfg.AttemptPolicy, cfg.AttemptParam)
	if err != nil {
		return nil, err
	}
	h := tuning.DefaultHillClimber(seed)
	h.Attempts = cfg.Attempts
	h.Steps = cfg.Steps
	h.StepSize = cfg.StepSize
	h.PerturbationRange = cfg.PerturbationRange
	h.AnnealingFactor = cfg.AnnealingFactor
	h.MinImprovement = cfg.MinImprovement
	h.BlockSelection = tuning.NormalizeBlockSelectionName(cfg.Selection)
	h.Policy = policy
	return h, nil
}

// PopulationConfig maps the population section onto the GA configuration.
func PopulationConfig(cfg config.Config) (evo.PopulationConfig, error) {
	selector, err := evo.ResolveSelector(cfg.Population.Selection, cfg.Population.Size)
	if err != nil {
		return evo.PopulationConfig{}, err
	}
	operator, err := evo.ResolveOperator(cfg.Population.Operator)
	if err != nil {
		return evo.PopulationConfig{}, err
	}
	return evo.PopulationConfig{
		Size:                cfg.Population.Size,
		EliteFraction:       cfg.Population.EliteFraction,
		MutationProbability: cfg.Population.MutationProbability,
		CrossoverBias:       cfg.Population.CrossoverBias,
		Selector:            selector,
		Operator:            operator,
		Seed:                cfg.Search.Seed,
		Rand:                rand.New(rand.NewSource(cfg.Search.Seed)),
	}, nil
}
