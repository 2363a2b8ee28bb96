// Package config loads search configuration from INI files.
package config

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

var ErrInvalidConfig = errors.New("invalid config")

// Search kinds and the scape each one runs on by default.
const (
	KindRNN = "rnn"
	KindCNN = "cnn"

	ScapeSequence = "sequence"
	ScapePatterns = "patterns"
)

type Config struct {
	Search     SearchConfig
	Population PopulationConfig
	RNN        RNNConfig
	CNN        CNNConfig
	Tuning     TuningConfig
	Store      StoreConfig
}

type SearchConfig struct {
	Kind  string `ini:"kind"`
	Scape string `ini:"scape"`
	// CorpusDir holds train.txt, valid.txt and test.txt; empty uses a
	// synthetic corpus.
	CorpusDir           string `ini:"corpus_dir"`
	Epochs              int    `ini:"epochs"`
	GenerationsPerEpoch int    `ini:"generations_per_epoch"`
	// TrainSampleProbability 1 trains a fresh transient child on every
	// training batch, so stored slots only receive updates through their
	// shared parameters. 0 trains the stored cursor slot instead.
	TrainSampleProbability float64 `ini:"train_sample_probability"`
	Workers                int     `ini:"workers"`
	Seed                   int64   `ini:"seed"`
	LogInterval            int     `ini:"log_interval"`
}

type PopulationConfig struct {
	Size                int     `ini:"size"`
	EliteFraction       float64 `ini:"elite_fraction"`
	MutationProbability float64 `ini:"mutation_probability"`
	CrossoverBias       float64 `ini:"crossover_bias"`
	Selection           string  `ini:"selection"`
	// Operator is crossover_mutate or mutate.
	Operator string `ini:"operator"`
}

type RNNConfig struct {
	NodeCount      int      `ini:"node_count"`
	Emsize         int      `ini:"emsize"`
	Nhid           int      `ini:"nhid"`
	Dropout        float64  `ini:"dropout"`
	NonLinearities []string `ini:"non_linearities" delim:","`
	BatchSize      int      `ini:"batch_size"`
	EvalBatchSize  int      `ini:"eval_batch_size"`
	BPTT           int      `ini:"bptt"`
	// Synthetic corpus shape, used when search.corpus_dir is empty.
	SyntheticVocab      int     `ini:"synthetic_vocab"`
	SyntheticTrain      int     `ini:"synthetic_train"`
	SyntheticEval       int     `ini:"synthetic_eval"`
	SyntheticRegularity float64 `ini:"synthetic_regularity"`
}

type CNNConfig struct {
	NodeCount int      `ini:"node_count"`
	NChannels int      `ini:"n_channels"`
	NBlocks   int      `ini:"n_blocks"`
	Dropout   float64  `ini:"dropout"`
	Ops       []string `ini:"ops" delim:","`
	Classes   int      `ini:"classes"`
	ImageSize int      `ini:"image_size"`
	Train     int      `ini:"train"`
	Eval      int      `ini:"eval"`
	BatchSize int      `ini:"batch_size"`
	Noise     float64  `ini:"noise"`
}

type TuningConfig struct {
	Enabled           bool    `ini:"enabled"`
	Attempts          int     `ini:"attempts"`
	Steps             int     `ini:"steps"`
	StepSize          float64 `ini:"step_size"`
	PerturbationRange float64 `ini:"perturbation_range"`
	AnnealingFactor   float64 `ini:"annealing_factor"`
	MinImprovement    float64 `ini:"min_improvement"`
	Selection         string  `ini:"selection"`
	AttemptPolicy     string  `ini:"attempt_policy"`
	AttemptParam      float64 `ini:"attempt_param"`
}

type StoreConfig struct {
	Kind         string `ini:"kind"`
	DBPath       string `ini:"db_path"`
	ArtifactsDir string `ini:"artifacts_dir"`
	ExportsDir   string `ini:"exports_dir"`
}

// Default is a small search that runs in seconds on a laptop.
func Default() Config {
	return Config{
		Search: SearchConfig{
			Kind:                   KindRNN,
			Epochs:                 10,
			GenerationsPerEpoch:    1,
			TrainSampleProbability: 1,
			Workers:                1,
			Seed:                   1,
			LogInterval:            50,
		},
		Population: PopulationConfig{
			Size:                20,
			EliteFraction:       0.2,
			MutationProbability: 0.1,
			CrossoverBias:       0.5,
			Selection:           "elite",
		},
		RNN: RNNConfig{
			NodeCount:           4,
			Emsize:              16,
			Nhid:                16,
			Dropout:             0,
			BatchSize:           8,
			EvalBatchSize:       4,
			BPTT:                8,
			SyntheticVocab:      24,
			SyntheticTrain:      2000,
			SyntheticEval:       400,
			SyntheticRegularity: 0.8,
		},
		CNN: CNNConfig{
			NodeCount: 3,
			NChannels: 4,
			NBlocks:   1,
			Dropout:   0,
			Classes:   4,
			ImageSize: 8,
			Train:     64,
			Eval:      32,
			BatchSize: 16,
			Noise:     0.3,
		},
		Tuning: TuningConfig{
			Enabled:         true,
			Attempts:        4,
			Steps:           8,
			StepSize:        0.05,
			AnnealingFactor: 1,
			Selection:       "random",
			AttemptPolicy:   "fixed",
		},
		Store: StoreConfig{
			Kind:         "memory",
			DBPath:       "gnas.db",
			ArtifactsDir: "runs",
			ExportsDir:   "exports",
		},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}
	return fromFile(file)
}

// Parse is Load for in-memory INI text.
func Parse(data []byte) (Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	return fromFile(file)
}

func fromFile(file *ini.File) (Config, error) {
	cfg := Default()
	sections := []struct {
		name   string
		target any
	}{
		{"search", &cfg.Search},
		{"population", &cfg.Population},
		{"rnn", &cfg.RNN},
		{"cnn", &cfg.CNN},
		{"tuning", &cfg.Tuning},
		{"store", &cfg.Store},
	}
	for _, s := range sections {
		if !file.HasSection(s.name) {
			continue
		}
		if err := file.Section(s.name).MapTo(s.target); err != nil {
			return Config{}, errors.Wrapf(err, "map [%s] section", s.name)
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Search.Kind = cleanName(c.Search.Kind)
	c.Search.Scape = cleanName(c.Search.Scape)
	if c.Search.Scape == "" {
		c.Search.Scape = DefaultScape(c.Search.Kind)
	}
	c.Population.Selection = cleanName(c.Population.Selection)
	c.Population.Operator = cleanName(c.Population.Operator)
	c.Tuning.Selection = cleanName(c.Tuning.Selection)
	c.Tuning.AttemptPolicy = cleanName(c.Tuning.AttemptPolicy)
	c.Store.Kind = cleanName(c.Store.Kind)
	c.RNN.NonLinearities = cleanList(c.RNN.NonLinearities)
	c.CNN.Ops = cleanList(c.CNN.Ops)
}

// DefaultScape is the built-in task for a search kind.
func DefaultScape(kind string) string {
	switch kind {
	case KindCNN:
		return ScapePatterns
	default:
		return ScapeSequence
	}
}

func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Wrapf(ErrInvalidConfig, format, args...)
	}
	switch c.Search.Kind {
	case KindRNN, KindCNN:
	default:
		return invalid("search.kind must be rnn or cnn, got %q", c.Search.Kind)
	}
	if c.Search.Scape != "" && c.Search.Scape != DefaultScape(c.Search.Kind) {
		return invalid("search.scape %q cannot drive %s searches", c.Search.Scape, c.Search.Kind)
	}
	if c.Search.Epochs <= 0 {
		return invalid("search.epochs must be > 0, got %d", c.Search.Epochs)
	}
	if c.Search.GenerationsPerEpoch <= 0 {
		return invalid("search.generations_per_epoch must be > 0, got %d", c.Search.GenerationsPerEpoch)
	}
	if !unit(c.Search.TrainSampleProbability) {
		return invalid("search.train_sample_probability must be in [0,1], got %g", c.Search.TrainSampleProbability)
	}
	if c.Search.Workers <= 0 {
		return invalid("search.workers must be > 0, got %d", c.Search.Workers)
	}

	if c.Population.Size <= 0 {
		return invalid("population.size must be > 0, got %d", c.Population.Size)
	}
	if !unit(c.Population.EliteFraction) {
		return invalid("population.elite_fraction must be in [0,1], got %g", c.Population.EliteFraction)
	}
	if !unit(c.Population.MutationProbability) {
		return invalid("population.mutation_probability must be in [0,1], got %g", c.Population.MutationProbability)
	}
	if !unit(c.Population.CrossoverBias) {
		return invalid("population.crossover_bias must be in [0,1], got %g", c.Population.CrossoverBias)
	}

	switch c.Search.Kind {
	case KindRNN:
		r := c.RNN
		if r.NodeCount <= 0 || r.Emsize <= 0 || r.Nhid <= 0 {
			return invalid("rnn.node_count, rnn.emsize and rnn.nhid must be > 0, got %d/%d/%d", r.NodeCount, r.Emsize, r.Nhid)
		}
		if r.BatchSize <= 0 || r.BPTT <= 0 {
			return invalid("rnn.batch_size and rnn.bptt must be > 0, got %d/%d", r.BatchSize, r.BPTT)
		}
		if r.Dropout < 0 || r.Dropout >= 1 {
			return invalid("rnn.dropout must be in [0,1), got %g", r.Dropout)
		}
		if c.Search.CorpusDir == "" && (r.SyntheticVocab < 2 || r.SyntheticTrain <= 0 || r.SyntheticEval <= 0) {
			return invalid("synthetic corpus needs vocab >= 2 and positive lengths")
		}
	case KindCNN:
		n := c.CNN
		if n.NodeCount <= 0 || n.NChannels <= 0 || n.NBlocks < 0 {
			return invalid("cnn.node_count and cnn.n_channels must be > 0 and cnn.n_blocks >= 0, got %d/%d/%d", n.NodeCount, n.NChannels, n.NBlocks)
		}
		if n.Dropout < 0 || n.Dropout >= 1 {
			return invalid("cnn.dropout must be in [0,1), got %g", n.Dropout)
		}
		if n.Train <= 0 || n.Eval <= 0 || n.BatchSize <= 0 {
			return invalid("cnn.train, cnn.eval and cnn.batch_size must be > 0")
		}
	}

	if c.Tuning.Enabled {
		t := c.Tuning
		if t.Attempts < 0 || t.Steps <= 0 {
			return invalid("tuning.attempts must be >= 0 and tuning.steps > 0, got %d/%d", t.Attempts, t.Steps)
		}
		if t.StepSize <= 0 || math.IsNaN(t.StepSize) {
			return invalid("tuning.step_size must be > 0, got %g", t.StepSize)
		}
		if t.PerturbationRange < 0 || t.MinImprovement < 0 {
			return invalid("tuning.perturbation_range and tuning.min_improvement must be >= 0")
		}
		if t.AnnealingFactor < 0 || t.AnnealingFactor > 1 {
			return invalid("tuning.annealing_factor must be in [0,1], got %g", t.AnnealingFactor)
		}
	}

	switch c.Store.Kind {
	case "memory", "sqlite":
	default:
		return invalid("store.kind must be memory or sqlite, got %q", c.Store.Kind)
	}
	if c.Store.Kind == "sqlite" && strings.TrimSpace(c.Store.DBPath) == "" {
		return invalid("store.db_path is required for sqlite")
	}
	return nil
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func cleanName(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), `"'`))
}

func cleanList(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
