package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"gnas/internal/config"
	"gnas/internal/metrics"
	"gnas/internal/storage"
	"gnas/pkg/gnas"
)

func main() {
	err := run(context.Background(), os.Args[1:])
	klog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "fitness":
		return runFitness(ctx, args[1:])
	case "diagnostics":
		return runDiagnostics(ctx, args[1:])
	case "best":
		return runBest(ctx, args[1:])
	case "population":
		return runPopulation(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	klog.InitFlags(fs)
	configPath := fs.String("config", "", "optional INI config path; flags override its values")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	continueFrom := fs.String("continue-from", "", "resume the stored population of an earlier run")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address while running (empty disables)")
	showProgress := fs.Bool("progress", false, "draw a progress bar per sweep on stderr")
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	rf := newRunFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := rf.apply(&cfg, *configPath != ""); err != nil {
		return err
	}
	id := *runID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	client, err := gnas.New(gnas.Options{
		StoreKind:    cfg.Store.Kind,
		DBPath:       cfg.Store.DBPath,
		ArtifactsDir: cfg.Store.ArtifactsDir,
		ExportsDir:   cfg.Store.ExportsDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	req := gnas.RunRequest{Config: cfg, RunID: id, ContinueFrom: *continueFrom}
	if *metricsAddr != "" {
		recorder := metrics.NewRecorder(id)
		req.Metrics = recorder
		shutdown, err := serveMetrics(*metricsAddr, recorder.Handler())
		if err != nil {
			return err
		}
		defer shutdown()
	}
	if *showProgress {
		progress := newSweepProgress(os.Stderr)
		req.Progress = progress.update
		defer progress.finish()
	}

	summary, err := client.Run(ctx, req)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(summary)
	}
	fmt.Printf("run completed run_id=%s kind=%s params=%s pop=%d epochs=%d seed=%d interrupted=%t\n",
		summary.RunID, summary.Kind, humanize.Comma(int64(summary.ParamCount)),
		cfg.Population.Size, cfg.Search.Epochs, cfg.Search.Seed, summary.Interrupted)
	for i, best := range summary.BestByGeneration {
		fmt.Printf("generation=%d best_fitness=%.6f\n", i+1, best)
	}
	fmt.Printf("final_best_fitness=%.6f\n", summary.FinalBestFitness)
	if summary.BestFingerprint != "" {
		fmt.Printf("best_fingerprint=%s\n", summary.BestFingerprint)
	}
	fmt.Printf("artifacts_dir=%s\n", filepath.Clean(summary.ArtifactsDir))
	return nil
}

func serveMetrics(addr string, handler http.Handler) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server: %v", err)
		}
	}()
	klog.Infof("serving metrics on http://%s/metrics", ln.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

// clientFlags are the storage locations shared by the read-only commands.
type clientFlags struct {
	storeKind    *string
	dbPath       *string
	artifactsDir *string
}

func newClientFlags(fs *flag.FlagSet) clientFlags {
	def := config.Default().Store
	return clientFlags{
		storeKind:    fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:       fs.String("db-path", def.DBPath, "sqlite database path"),
		artifactsDir: fs.String("artifacts-dir", def.ArtifactsDir, "run artifacts directory"),
	}
}

func (f clientFlags) open(exportsDir string) (*gnas.Client, error) {
	return gnas.New(gnas.Options{
		StoreKind:    *f.storeKind,
		DBPath:       *f.dbPath,
		ArtifactsDir: *f.artifactsDir,
		ExportsDir:   exportsDir,
	})
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	cf := newClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := cf.open("")
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	if *jsonOut {
		return printJSON(items)
	}
	for _, item := range items {
		fmt.Printf("run_id=%s created=%s kind=%s scape=%s pop=%d gens=%d seed=%d final_best=%.6f interrupted=%t\n",
			item.RunID, createdAgo(item.CreatedAtUTC), item.Kind, item.Scape, item.Population,
			item.Generations, item.Seed, item.FinalBestFitness, item.Interrupted)
	}
	return nil
}

func createdAgo(createdAt string) string {
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return createdAt
	}
	return fmt.Sprintf("%q", humanize.Time(ts))
}

// historyFlags selects one run for the read-back commands.
type historyFlags struct {
	runID   *string
	latest  *bool
	limit   *int
	jsonOut *bool
	client  clientFlags
}

func newHistoryFlags(fs *flag.FlagSet, what string, limit int) historyFlags {
	return historyFlags{
		runID:   fs.String("run-id", "", "run id"),
		latest:  fs.Bool("latest", false, fmt.Sprintf("show %s for the most recent run from run index", what)),
		limit:   fs.Int("limit", limit, "max generations to print (<=0 for all)"),
		jsonOut: fs.Bool("json", false, fmt.Sprintf("emit %s as JSON", what)),
		client:  newClientFlags(fs),
	}
}

func (f historyFlags) request(command string) (gnas.HistoryRequest, error) {
	if *f.runID != "" && *f.latest {
		return gnas.HistoryRequest{}, errors.New("use either --run-id or --latest, not both")
	}
	if *f.runID == "" && !*f.latest {
		return gnas.HistoryRequest{}, fmt.Errorf("%s requires --run-id or --latest", command)
	}
	limit := *f.limit
	if limit < 0 {
		limit = 0
	}
	return gnas.HistoryRequest{RunID: *f.runID, Latest: *f.latest, Limit: limit}, nil
}

func runFitness(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fitness", flag.ContinueOnError)
	hf := newHistoryFlags(fs, "fitness history", 50)
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := hf.request("fitness")
	if err != nil {
		return err
	}

	client, err := hf.client.open("")
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	history, err := client.FitnessHistory(ctx, req)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Println("no fitness history")
		return nil
	}
	if *hf.jsonOut {
		return printJSON(history)
	}
	for i, best := range history {
		fmt.Printf("generation=%d best_fitness=%.6f\n", i+1, best)
	}
	return nil
}

func runDiagnostics(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	hf := newHistoryFlags(fs, "diagnostics", 50)
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := hf.request("diagnostics")
	if err != nil {
		return err
	}

	client, err := hf.client.open("")
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	diagnostics, err := client.Diagnostics(ctx, req)
	if err != nil {
		return err
	}
	if len(diagnostics) == 0 {
		fmt.Println("no diagnostics")
		return nil
	}
	if *hf.jsonOut {
		return printJSON(diagnostics)
	}
	for _, d := range diagnostics {
		fmt.Printf("generation=%d best=%.6f mean=%.6f variance=%.6f max=%.6f best_ever=%.6f distinct=%d failed=%d collapsed=%t\n",
			d.Generation, d.BestFitness, d.MeanFitness, d.FitnessVariance, d.MaxFitness,
			d.BestEverFitness, d.DistinctIndividuals, d.FailedEvaluations, d.Collapsed)
	}
	return nil
}

func runBest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("best", flag.ContinueOnError)
	hf := newHistoryFlags(fs, "best architecture", 0)
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := hf.request("best")
	if err != nil {
		return err
	}

	client, err := hf.client.open("")
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	best, err := client.Best(ctx, req)
	if err != nil {
		return err
	}
	if *hf.jsonOut {
		return printJSON(best)
	}
	fmt.Printf("best run_id=%s generation=%d fitness=%.6f fingerprint=%s\n", best.RunID, best.Generation, best.Fitness, best.Fingerprint)
	for i, block := range best.Genome {
		fmt.Printf("block=%d genes=%v\n", i, block)
	}
	return nil
}

func runPopulation(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("population requires a subcommand: show|delete")
	}
	switch args[0] {
	case "show":
		fs := flag.NewFlagSet("population show", flag.ContinueOnError)
		runID := fs.String("run-id", "", "run id")
		jsonOut := fs.Bool("json", false, "emit the snapshot as JSON")
		cf := newClientFlags(fs)
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *runID == "" {
			return errors.New("population show requires --run-id")
		}

		client, err := cf.open("")
		if err != nil {
			return err
		}
		defer func() {
			_ = client.Close()
		}()

		snap, err := client.Population(ctx, *runID)
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(snap)
		}
		fmt.Printf("population run_id=%s generation=%d size=%d best_ever=%.6f\n", snap.ID, snap.Generation, len(snap.Individuals), snap.BestEver)
		for i, ind := range snap.Individuals {
			fitness, scored := 0.0, false
			if i < len(snap.Fitness) {
				fitness = snap.Fitness[i]
			}
			if i < len(snap.Scored) {
				scored = snap.Scored[i]
			}
			fmt.Printf("individual=%d scored=%t fitness=%.6f genome=%v\n", i, scored, fitness, ind)
		}
		return nil
	case "delete":
		fs := flag.NewFlagSet("population delete", flag.ContinueOnError)
		runID := fs.String("run-id", "", "run id")
		cf := newClientFlags(fs)
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *runID == "" {
			return errors.New("population delete requires --run-id")
		}

		client, err := cf.open("")
		if err != nil {
			return err
		}
		defer func() {
			_ = client.Close()
		}()

		if err := client.DeletePopulation(ctx, *runID); err != nil {
			return err
		}
		fmt.Printf("population deleted run_id=%s\n", *runID)
		return nil
	default:
		return fmt.Errorf("unsupported population subcommand: %s", args[0])
	}
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", config.Default().Store.ExportsDir, "export output directory")
	cf := newClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := cf.open(*outDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, *runID, *latest, *outDir)
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: gnasctl <run|runs|fitness|diagnostics|best|population|export> [flags]", msg)
}
