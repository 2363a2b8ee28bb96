package main

import (
	"flag"
	"fmt"
	"strings"

	"gnas/internal/config"
	"gnas/internal/storage"
)

// runFlags are the search knobs that can override a config file.
type runFlags struct {
	fs *flag.FlagSet

	kind         *string
	corpusDir    *string
	epochs       *int
	gpe          *int
	sampleP      *float64
	workers      *int
	seed         *int64
	logInterval  *int
	pop          *int
	eliteFrac    *float64
	mutationP    *float64
	crossover    *float64
	selection    *string
	operator     *string
	nodeCount    *int
	ops          *string
	emsize       *int
	nhid         *int
	nChannels    *int
	nBlocks      *int
	dropout      *float64
	tune         *bool
	tuneAttempts *int
	tuneSteps    *int
	tuneStepSize *float64
	tuneSelect   *string
	tunePolicy   *string
	tuneParam    *float64
	storeKind    *string
	dbPath       *string
	artifactsDir *string
}

func newRunFlags(fs *flag.FlagSet) *runFlags {
	def := config.Default()
	return &runFlags{
		fs:           fs,
		kind:         fs.String("kind", def.Search.Kind, "search kind: rnn|cnn"),
		corpusDir:    fs.String("corpus-dir", "", "directory with train.txt/valid.txt/test.txt (empty uses a synthetic corpus)"),
		epochs:       fs.Int("epochs", def.Search.Epochs, "epoch count"),
		gpe:          fs.Int("gpe", def.Search.GenerationsPerEpoch, "generations per epoch"),
		sampleP:      fs.Float64("sample-p", def.Search.TrainSampleProbability, "probability of training a freshly sampled child per step"),
		workers:      fs.Int("workers", def.Search.Workers, "validation worker count"),
		seed:         fs.Int64("seed", def.Search.Seed, "rng seed"),
		logInterval:  fs.Int("log-interval", def.Search.LogInterval, "training steps between loss log lines (0 disables)"),
		pop:          fs.Int("pop", def.Population.Size, "population size"),
		eliteFrac:    fs.Float64("elite-fraction", def.Population.EliteFraction, "fraction of the population kept as elites"),
		mutationP:    fs.Float64("mutation-p", def.Population.MutationProbability, "per-gene mutation probability"),
		crossover:    fs.Float64("crossover-bias", def.Population.CrossoverBias, "probability of taking a gene from the first parent"),
		selection:    fs.String("selection", def.Population.Selection, "parent selection: elite|tournament"),
		operator:     fs.String("operator", def.Population.Operator, "reproduction operator: crossover_mutate|mutate"),
		nodeCount:    fs.Int("node-count", 0, "cell node count (0 keeps the config value)"),
		ops:          fs.String("ops", "", "comma separated non-linearities (rnn) or ops (cnn)"),
		emsize:       fs.Int("emsize", def.RNN.Emsize, "rnn embedding size"),
		nhid:         fs.Int("nhid", def.RNN.Nhid, "rnn hidden size"),
		nChannels:    fs.Int("n-channels", def.CNN.NChannels, "cnn channel count"),
		nBlocks:      fs.Int("n-blocks", def.CNN.NBlocks, "cnn cells per block"),
		dropout:      fs.Float64("dropout", 0, "dropout for the selected kind"),
		tune:         fs.Bool("tune", def.Tuning.Enabled, "train the shared parameters between generations"),
		tuneAttempts: fs.Int("tune-attempts", def.Tuning.Attempts, "tuning attempts per training step"),
		tuneSteps:    fs.Int("tune-steps", def.Tuning.Steps, "perturbation steps per attempt"),
		tuneStepSize: fs.Float64("tune-step-size", def.Tuning.StepSize, "perturbation magnitude"),
		tuneSelect:   fs.String("tune-selection", def.Tuning.Selection, "block selection: all|random|active|recent"),
		tunePolicy:   fs.String("tune-policy", def.Tuning.AttemptPolicy, "attempt policy: fixed|linear_decay|topology_scaled"),
		tuneParam:    fs.Float64("tune-param", def.Tuning.AttemptParam, "attempt policy parameter"),
		storeKind:    fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:       fs.String("db-path", def.Store.DBPath, "sqlite database path"),
		artifactsDir: fs.String("artifacts-dir", def.Store.ArtifactsDir, "run artifacts directory"),
	}
}

// apply layers the explicitly set flags over cfg. Without a config file the
// store flags apply even at their defaults.
func (f *runFlags) apply(cfg *config.Config, fromFile bool) error {
	set := make(map[string]bool)
	f.fs.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})
	if !fromFile {
		set["store"] = true
		set["db-path"] = true
		set["artifacts-dir"] = true
	}
	// Kind decides which section the shape flags land in.
	if set["kind"] {
		cfg.Search.Kind = strings.ToLower(strings.TrimSpace(*f.kind))
		cfg.Search.Scape = ""
	}
	cnn := cfg.Search.Kind == config.KindCNN

	for name := range set {
		switch name {
		case "kind":
		case "corpus-dir":
			cfg.Search.CorpusDir = *f.corpusDir
		case "epochs":
			cfg.Search.Epochs = *f.epochs
		case "gpe":
			cfg.Search.GenerationsPerEpoch = *f.gpe
		case "sample-p":
			cfg.Search.TrainSampleProbability = *f.sampleP
		case "workers":
			cfg.Search.Workers = *f.workers
		case "seed":
			cfg.Search.Seed = *f.seed
		case "log-interval":
			cfg.Search.LogInterval = *f.logInterval
		case "pop":
			cfg.Population.Size = *f.pop
		case "elite-fraction":
			cfg.Population.EliteFraction = *f.eliteFrac
		case "mutation-p":
			cfg.Population.MutationProbability = *f.mutationP
		case "crossover-bias":
			cfg.Population.CrossoverBias = *f.crossover
		case "selection":
			cfg.Population.Selection = strings.ToLower(*f.selection)
		case "operator":
			cfg.Population.Operator = strings.ToLower(*f.operator)
		case "node-count":
			if cnn {
				cfg.CNN.NodeCount = *f.nodeCount
			} else {
				cfg.RNN.NodeCount = *f.nodeCount
			}
		case "ops":
			ops := splitList(*f.ops)
			if cnn {
				cfg.CNN.Ops = ops
			} else {
				cfg.RNN.NonLinearities = ops
			}
		case "emsize":
			cfg.RNN.Emsize = *f.emsize
		case "nhid":
			cfg.RNN.Nhid = *f.nhid
		case "n-channels":
			cfg.CNN.NChannels = *f.nChannels
		case "n-blocks":
			cfg.CNN.NBlocks = *f.nBlocks
		case "dropout":
			if cnn {
				cfg.CNN.Dropout = *f.dropout
			} else {
				cfg.RNN.Dropout = *f.dropout
			}
		case "tune":
			cfg.Tuning.Enabled = *f.tune
		case "tune-attempts":
			cfg.Tuning.Attempts = *f.tuneAttempts
		case "tune-steps":
			cfg.Tuning.Steps = *f.tuneSteps
		case "tune-step-size":
			cfg.Tuning.StepSize = *f.tuneStepSize
		case "tune-selection":
			cfg.Tuning.Selection = strings.ToLower(*f.tuneSelect)
		case "tune-policy":
			cfg.Tuning.AttemptPolicy = strings.ToLower(*f.tunePolicy)
		case "tune-param":
			cfg.Tuning.AttemptParam = *f.tuneParam
		case "store":
			cfg.Store.Kind = strings.ToLower(*f.storeKind)
		case "db-path":
			cfg.Store.DBPath = *f.dbPath
		case "artifacts-dir":
			cfg.Store.ArtifactsDir = *f.artifactsDir
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("run config: %w", err)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
