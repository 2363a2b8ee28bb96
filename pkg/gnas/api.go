// Package gnas is the programmatic entry point for running architecture
// searches and reading back their results.
package gnas

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"gnas/internal/config"
	"gnas/internal/evo"
	"gnas/internal/genotype"
	"gnas/internal/model"
	"gnas/internal/stats"
	"gnas/internal/storage"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
}

type Client struct {
	store       storage.Store
	initialized bool

	artifactsDir string
	exportsDir   string
}

type RunRequest struct {
	Config config.Config
	// RunID defaults to a fresh uuid.
	RunID string
	// ContinueFrom resumes the stored population of an earlier run.
	ContinueFrom string
	Metrics      evo.MetricsSink
	Progress     func(phase string, done, total int)
}

type RunSummary struct {
	RunID            string
	ArtifactsDir     string
	Kind             string
	ParamCount       int
	BestByGeneration []float64
	TrainLosses      []float64
	FinalBestFitness float64
	BestFingerprint  string
	BestGenome       [][]int
	Interrupted      bool
}

// HistoryRequest selects a run by id or, with Latest, the newest run in the
// run index.
type HistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type RunItem struct {
	RunID            string
	CreatedAtUTC     string
	Kind             string
	Scape            string
	Seed             int64
	Population       int
	Generations      int
	FinalBestFitness float64
	Interrupted      bool
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	def := config.Default().Store
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = def.DBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = def.ArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = def.ExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{store: store, artifactsDir: artifactsDir, exportsDir: exportsDir}, nil
}

// NewWithStore wraps an existing store, for callers that share one store
// between clients.
func NewWithStore(store storage.Store, artifactsDir, exportsDir string) *Client {
	def := config.Default().Store
	if artifactsDir == "" {
		artifactsDir = def.ArtifactsDir
	}
	if exportsDir == "" {
		exportsDir = def.ExportsDir
	}
	return &Client{store: store, artifactsDir: artifactsDir, exportsDir: exportsDir}
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) ensureStore(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Run executes one search. Cancelling ctx ends the search early; the best
// architecture found so far is still persisted and the summary is marked
// interrupted.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return RunSummary{}, err
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	exp, err := Build(cfg)
	if err != nil {
		return RunSummary{}, err
	}
	pop, err := c.population(ctx, exp, cfg, req.ContinueFrom)
	if err != nil {
		return RunSummary{}, err
	}

	startedAt := time.Now().UTC()
	record := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              runID,
		Kind:            cfg.Search.Kind,
		Scape:           exp.Scape.Name(),
		SpaceSignature:  exp.Space.Signature(),
		Seed:            cfg.Search.Seed,
		StartedAt:       startedAt.Format(time.RFC3339Nano),
	}
	if err := c.store.SaveRun(ctx, record); err != nil {
		return RunSummary{}, err
	}
	klog.Infof("run %s: %s search on %s, %d parameters, population %d",
		runID, cfg.Search.Kind, exp.Scape.Name(), exp.Network.ParamCount(), pop.Size())

	monitorCfg := evo.DefaultMonitorConfig()
	monitorCfg.Population = pop
	monitorCfg.Network = exp.Network
	monitorCfg.Scape = exp.Scape
	monitorCfg.Optimizer = exp.Optimizer
	monitorCfg.Epochs = cfg.Search.Epochs
	monitorCfg.GenerationsPerEpoch = cfg.Search.GenerationsPerEpoch
	monitorCfg.TrainSampleProbability = cfg.Search.TrainSampleProbability
	monitorCfg.Workers = cfg.Search.Workers
	monitorCfg.LogInterval = cfg.Search.LogInterval
	monitorCfg.Metrics = req.Metrics
	monitorCfg.Progress = req.Progress
	monitorCfg.OnGeneration = func(ctx context.Context, report evo.GenerationReport) error {
		// A generation that completed is checkpointed even if ctx was just cancelled.
		ctx = context.WithoutCancel(ctx)
		if err := c.store.SavePopulation(ctx, pop.Snapshot(runID)); err != nil {
			return err
		}
		if !report.Improved {
			return nil
		}
		klog.V(1).Infof("run %s: new best %.4f at generation %d", runID, report.BestEver, report.Generation)
		return c.store.SaveBest(ctx, model.BestRecord{
			VersionedRecord: storage.Versioned(),
			RunID:           runID,
			Generation:      report.Generation,
			Fitness:         report.BestEver,
			Fingerprint:     genotype.Fingerprint(report.BestIndividual),
			Genome:          genotype.EncodeTuples(report.BestIndividual),
		})
	}

	monitor, err := evo.NewMonitor(monitorCfg)
	if err != nil {
		return RunSummary{}, err
	}
	result, err := monitor.Run(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	if result.Interrupted {
		klog.Warningf("run %s interrupted; keeping best %.4f", runID, result.BestFitness)
	}

	// The search context may already be cancelled; persistence still runs.
	persistCtx := context.WithoutCancel(ctx)
	if err := c.persist(persistCtx, runID, pop, result); err != nil {
		return RunSummary{}, err
	}
	record.Completed = !result.Interrupted
	record.Interrupted = result.Interrupted
	if err := c.store.SaveRun(persistCtx, record); err != nil {
		return RunSummary{}, err
	}

	artifacts := stats.RunArtifacts{
		Config:           runConfig(runID, req.ContinueFrom, cfg, exp),
		BestByGeneration: result.BestByGeneration,
		TrainLosses:      result.TrainLosses,
		Diagnostics:      result.Diagnostics,
		FinalBestFitness: result.BestFitness,
		Interrupted:      result.Interrupted,
	}
	summary := RunSummary{
		RunID:            runID,
		Kind:             cfg.Search.Kind,
		ParamCount:       exp.Network.ParamCount(),
		BestByGeneration: append([]float64(nil), result.BestByGeneration...),
		TrainLosses:      append([]float64(nil), result.TrainLosses...),
		FinalBestFitness: result.BestFitness,
		Interrupted:      result.Interrupted,
	}
	if result.BestIndividual.Len() > 0 {
		best, err := stats.NewBestGenome(exp.Space, result.BestIndividual, bestGeneration(result), result.BestFitness)
		if err != nil {
			return RunSummary{}, err
		}
		artifacts.Best = &best
		summary.BestFingerprint = best.Fingerprint
		summary.BestGenome = best.Genome
	}

	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, artifacts)
	if err != nil {
		return RunSummary{}, err
	}
	summary.ArtifactsDir = filepath.Clean(runDir)
	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:            runID,
		Kind:             cfg.Search.Kind,
		Scape:            exp.Scape.Name(),
		PopulationSize:   pop.Size(),
		Epochs:           len(result.TrainLosses),
		Generations:      len(result.BestByGeneration),
		Seed:             cfg.Search.Seed,
		Workers:          cfg.Search.Workers,
		FinalBestFitness: result.BestFitness,
		Interrupted:      result.Interrupted,
		CreatedAtUTC:     startedAt.Format(time.RFC3339Nano),
	}); err != nil {
		return RunSummary{}, err
	}
	return summary, nil
}

func (c *Client) population(ctx context.Context, exp *Experiment, cfg config.Config, continueFrom string) (*evo.Population, error) {
	popCfg, err := PopulationConfig(cfg)
	if err != nil {
		return nil, err
	}
	if continueFrom == "" {
		return evo.NewPopulation(exp.Space, popCfg)
	}
	snap, ok, err := c.store.GetPopulation(ctx, continueFrom)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("population not found for run id: %s", continueFrom)
	}
	pop, err := evo.RestorePopulation(exp.Space, popCfg, snap)
	if err != nil {
		return nil, err
	}
	klog.Infof("continuing population of run %s at generation %d", continueFrom, pop.Generation())
	return pop, nil
}

func (c *Client) persist(ctx context.Context, runID string, pop *evo.Population, result evo.RunResult) error {
	if err := c.store.SavePopulation(ctx, pop.Snapshot(runID)); err != nil {
		return err
	}
	if err := c.store.SaveFitnessHistory(ctx, runID, result.BestByGeneration); err != nil {
		return err
	}
	if err := c.store.SaveGenerationDiagnostics(ctx, runID, result.Diagnostics); err != nil {
		return err
	}
	if result.BestIndividual.Len() == 0 {
		return nil
	}
	return c.store.SaveBest(ctx, model.BestRecord{
		VersionedRecord: storage.Versioned(),
		RunID:           runID,
		Generation:      bestGeneration(result),
		Fitness:         result.BestFitness,
		Fingerprint:     genotype.Fingerprint(result.BestIndividual),
		Genome:          genotype.EncodeTuples(result.BestIndividual),
	})
}

// bestGeneration is the index of the generation whose minimum is the run's
// best, or -1 when the best predates the recorded history.
func bestGeneration(result evo.RunResult) int {
	for _, d := range result.Diagnostics {
		if d.BestFitness == result.BestFitness {
			return d.Generation
		}
	}
	return -1
}

func runConfig(runID, continueFrom string, cfg config.Config, exp *Experiment) stats.RunConfig {
	rc := stats.RunConfig{
		RunID:                  runID,
		ContinueFrom:           continueFrom,
		Kind:                   cfg.Search.Kind,
		Scape:                  exp.Scape.Name(),
		CorpusDir:              cfg.Search.CorpusDir,
		PopulationSize:         cfg.Population.Size,
		EliteFraction:          cfg.Population.EliteFraction,
		MutationProbability:    cfg.Population.MutationProbability,
		CrossoverBias:          cfg.Population.CrossoverBias,
		Selection:              cfg.Population.Selection,
		Operator:               cfg.Population.Operator,
		Epochs:                 cfg.Search.Epochs,
		GenerationsPerEpoch:    cfg.Search.GenerationsPerEpoch,
		TrainSampleProbability: cfg.Search.TrainSampleProbability,
		Workers:                cfg.Search.Workers,
		Seed:                   cfg.Search.Seed,
		ParamCount:             exp.Network.ParamCount(),
		TuningEnabled:          cfg.Tuning.Enabled,
		Store:                  cfg.Store.Kind,
	}
	switch cfg.Search.Kind {
	case config.KindRNN:
		rc.NodeCount = cfg.RNN.NodeCount
		rc.Ops = cfg.RNN.NonLinearities
		rc.Emsize = cfg.RNN.Emsize
		rc.Nhid = cfg.RNN.Nhid
		rc.Dropout = cfg.RNN.Dropout
	case config.KindCNN:
		rc.NodeCount = cfg.CNN.NodeCount
		rc.Ops = cfg.CNN.Ops
		rc.NChannels = cfg.CNN.NChannels
		rc.NBlocks = cfg.CNN.NBlocks
		rc.Dropout = cfg.CNN.Dropout
	}
	if cfg.Tuning.Enabled {
		rc.TuneSelection = cfg.Tuning.Selection
		rc.TuneAttemptPolicy = cfg.Tuning.AttemptPolicy
		rc.TuneAttempts = cfg.Tuning.Attempts
		rc.TuneSteps = cfg.Tuning.Steps
		rc.TuneStepSize = cfg.Tuning.StepSize
	}
	return rc
}

func (c *Client) Runs(_ context.Context, limit int) ([]RunItem, error) {
	if limit <= 0 {
		limit = 20
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:            e.RunID,
			CreatedAtUTC:     e.CreatedAtUTC,
			Kind:             e.Kind,
			Scape:            e.Scape,
			Seed:             e.Seed,
			Population:       e.PopulationSize,
			Generations:      e.Generations,
			FinalBestFitness: e.FinalBestFitness,
			Interrupted:      e.Interrupted,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, runID string, latest bool, outDir string) (ExportSummary, error) {
	if outDir == "" {
		outDir = c.exportsDir
	}
	runID, err := c.resolveRunID(HistoryRequest{RunID: runID, Latest: latest}, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, outDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) FitnessHistory(ctx context.Context, req HistoryRequest) ([]float64, error) {
	runID, err := c.resolveHistory(ctx, req, "fitness history")
	if err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetFitnessHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Memory stores do not outlive the process; fall back to artifacts.
		history, ok, err = stats.ReadFitnessHistory(c.artifactsDir, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("fitness history not found for run id: %s", runID)
		}
	}
	if req.Limit > 0 && len(history) > req.Limit {
		history = history[:req.Limit]
	}
	return append([]float64(nil), history...), nil
}

func (c *Client) Diagnostics(ctx context.Context, req HistoryRequest) ([]model.GenerationDiagnostics, error) {
	runID, err := c.resolveHistory(ctx, req, "diagnostics")
	if err != nil {
		return nil, err
	}
	diagnostics, ok, err := c.store.GetGenerationDiagnostics(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		diagnostics, ok, err = stats.ReadGenerationDiagnostics(c.artifactsDir, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("diagnostics not found for run id: %s", runID)
		}
	}
	if req.Limit > 0 && len(diagnostics) > req.Limit {
		diagnostics = diagnostics[:req.Limit]
	}
	out := make([]model.GenerationDiagnostics, len(diagnostics))
	copy(out, diagnostics)
	return out, nil
}

// Best returns the best architecture persisted for a run.
func (c *Client) Best(ctx context.Context, req HistoryRequest) (model.BestRecord, error) {
	runID, err := c.resolveHistory(ctx, req, "best")
	if err != nil {
		return model.BestRecord{}, err
	}
	best, ok, err := c.store.GetBest(ctx, runID)
	if err != nil {
		return model.BestRecord{}, err
	}
	if ok {
		return best, nil
	}
	genome, ok, err := stats.ReadBestGenome(c.artifactsDir, runID)
	if err != nil {
		return model.BestRecord{}, err
	}
	if !ok {
		return model.BestRecord{}, errors.Errorf("best architecture not found for run id: %s", runID)
	}
	return model.BestRecord{
		VersionedRecord: storage.Versioned(),
		RunID:           runID,
		Generation:      genome.Generation,
		Fitness:         genome.Fitness,
		Fingerprint:     genome.Fingerprint,
		Genome:          genome.Genome,
	}, nil
}

func (c *Client) Population(ctx context.Context, runID string) (model.PopulationSnapshot, error) {
	if runID == "" {
		return model.PopulationSnapshot{}, errors.New("population requires run id")
	}
	if err := c.ensureStore(ctx); err != nil {
		return model.PopulationSnapshot{}, err
	}
	snap, ok, err := c.store.GetPopulation(ctx, runID)
	if err != nil {
		return model.PopulationSnapshot{}, err
	}
	if !ok {
		return model.PopulationSnapshot{}, errors.Errorf("population not found for run id: %s", runID)
	}
	return snap, nil
}

func (c *Client) DeletePopulation(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("population delete requires run id")
	}
	if err := c.ensureStore(ctx); err != nil {
		return err
	}
	return c.store.DeletePopulation(ctx, runID)
}

func (c *Client) resolveHistory(ctx context.Context, req HistoryRequest, what string) (string, error) {
	if req.Limit < 0 {
		return "", errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req, what)
	if err != nil {
		return "", err
	}
	if err := c.ensureStore(ctx); err != nil {
		return "", err
	}
	return runID, nil
}

func (c *Client) resolveRunID(req HistoryRequest, what string) (string, error) {
	if req.RunID != "" && req.Latest {
		return "", errors.New("use either run id or latest")
	}
	if req.Latest {
		return stats.LatestRunID(c.artifactsDir)
	}
	if req.RunID == "" {
		return "", errors.Errorf("%s requires run id or latest", what)
	}
	return req.RunID, nil
}
