package stats

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"gnas/internal/genotype"
	"gnas/internal/model"
)

const (
	runIndexFile       = "run_index.json"
	configFile         = "config.json"
	fitnessHistoryFile = "fitness_history.csv"
	trainHistoryFile   = "train_history.csv"
	diagnosticsFile    = "generation_diagnostics.json"
	bestGenomeFile     = "best_genome.json"
)

// RunConfig is the resolved configuration of a run, written next to its
// results so a run can be inspected or repeated.
type RunConfig struct {
	RunID                  string   `json:"run_id"`
	ContinueFrom           string   `json:"continue_from,omitempty"`
	Kind                   string   `json:"kind"`
	Scape                  string   `json:"scape"`
	CorpusDir              string   `json:"corpus_dir,omitempty"`
	PopulationSize         int      `json:"population_size"`
	EliteFraction          float64  `json:"elite_fraction"`
	MutationProbability    float64  `json:"mutation_probability"`
	CrossoverBias          float64  `json:"crossover_bias"`
	Selection              string   `json:"selection"`
	Operator               string   `json:"operator,omitempty"`
	Epochs                 int      `json:"epochs"`
	GenerationsPerEpoch    int      `json:"generations_per_epoch"`
	TrainSampleProbability float64  `json:"train_sample_probability"`
	Workers                int      `json:"workers"`
	Seed                   int64    `json:"seed"`
	NodeCount              int      `json:"node_count"`
	Ops                    []string `json:"ops,omitempty"`
	Emsize                 int      `json:"emsize,omitempty"`
	Nhid                   int      `json:"nhid,omitempty"`
	NChannels              int      `json:"n_channels,omitempty"`
	NBlocks                int      `json:"n_blocks,omitempty"`
	Dropout                float64  `json:"dropout"`
	ParamCount             int      `json:"param_count"`
	TuningEnabled          bool     `json:"tuning_enabled"`
	TuneSelection          string   `json:"tune_selection,omitempty"`
	TuneAttemptPolicy      string   `json:"tune_attempt_policy,omitempty"`
	TuneAttempts           int      `json:"tune_attempts,omitempty"`
	TuneSteps              int      `json:"tune_steps,omitempty"`
	TuneStepSize           float64  `json:"tune_step_size,omitempty"`
	Store                  string   `json:"store"`
}

// BestGenome is the best architecture found by a run together with its
// structural summary.
type BestGenome struct {
	Generation  int                          `json:"generation"`
	Fitness     float64                      `json:"fitness"`
	Fingerprint string                       `json:"fingerprint"`
	Genome      [][]int                      `json:"genome"`
	Summary     genotype.ArchitectureSummary `json:"summary"`
}

type RunArtifacts struct {
	Config           RunConfig                     `json:"config"`
	BestByGeneration []float64                     `json:"best_by_generation"`
	TrainLosses      []float64                     `json:"train_losses"`
	Diagnostics      []model.GenerationDiagnostics `json:"generation_diagnostics,omitempty"`
	FinalBestFitness float64                       `json:"final_best_fitness"`
	Best             *BestGenome                   `json:"best,omitempty"`
	Interrupted      bool                          `json:"interrupted"`
}

type RunIndexEntry struct {
	RunID            string  `json:"run_id"`
	Kind             string  `json:"kind"`
	Scape            string  `json:"scape"`
	PopulationSize   int     `json:"population_size"`
	Epochs           int     `json:"epochs"`
	Generations      int     `json:"generations"`
	Seed             int64   `json:"seed"`
	Workers          int     `json:"workers"`
	FinalBestFitness float64 `json:"final_best_fitness"`
	Interrupted      bool    `json:"interrupted"`
	CreatedAtUTC     string  `json:"created_at_utc"`
}

// NewBestGenome summarizes ind against space.
func NewBestGenome(space *genotype.SearchSpace, ind model.Individual, generation int, fitness float64) (BestGenome, error) {
	sig, err := genotype.ComputeSignature(space, ind)
	if err != nil {
		return BestGenome{}, err
	}
	return BestGenome{
		Generation:  generation,
		Fitness:     fitness,
		Fingerprint: sig.Fingerprint,
		Genome:      genotype.EncodeTuples(ind),
		Summary:     sig.Summary,
	}, nil
}

// WriteRunArtifacts writes the run directory baseDir/<run id> and returns its
// path.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", errors.New("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create run dir")
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeFitnessHistory(filepath.Join(runDir, fitnessHistoryFile), artifacts.BestByGeneration, artifacts.Diagnostics); err != nil {
		return "", err
	}
	if err := writeTrainHistory(filepath.Join(runDir, trainHistoryFile), artifacts.TrainLosses); err != nil {
		return "", err
	}
	diagnostics := artifacts.Diagnostics
	if diagnostics == nil {
		diagnostics = []model.GenerationDiagnostics{}
	}
	if err := writeJSON(filepath.Join(runDir, diagnosticsFile), diagnostics); err != nil {
		return "", err
	}
	if artifacts.Best != nil {
		if err := writeJSON(filepath.Join(runDir, bestGenomeFile), artifacts.Best); err != nil {
			return "", err
		}
	}
	if len(artifacts.BestByGeneration) > 0 {
		summary, err := SummarizeRun(artifacts)
		if err != nil {
			return "", err
		}
		if err := writeJSON(filepath.Join(runDir, summaryFile), summary); err != nil {
			return "", err
		}
	}
	return runDir, nil
}

func writeFitnessHistory(path string, best []float64, diagnostics []model.GenerationDiagnostics) error {
	header := []string{"generation", "best_fitness", "mean_fitness", "fitness_variance", "max_fitness", "best_ever_fitness", "distinct_individuals", "collapsed"}
	rows := make([][]string, 0, len(best))
	for i, b := range best {
		row := []string{strconv.Itoa(i + 1), formatFloat(b)}
		if i < len(diagnostics) {
			d := diagnostics[i]
			row = append(row,
				formatFloat(d.MeanFitness),
				formatFloat(d.FitnessVariance),
				formatFloat(d.MaxFitness),
				formatFloat(d.BestEverFitness),
				strconv.Itoa(d.DistinctIndividuals),
				strconv.FormatBool(d.Collapsed),
			)
		} else {
			row = append(row, "", "", "", "", "", "")
		}
		rows = append(rows, row)
	}
	return writeCSV(path, header, rows)
}

func writeTrainHistory(path string, losses []float64) error {
	rows := make([][]string, 0, len(losses))
	for i, loss := range losses {
		rows = append(rows, []string{strconv.Itoa(i + 1), formatFloat(loss)})
	}
	return writeCSV(path, []string{"epoch", "mean_train_loss"}, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", filepath.Base(path))
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return errors.New("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the indexed runs, newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "decode run index")
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Later appends win ties.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// LatestRunID is the run id of the newest index entry.
func LatestRunID(baseDir string) (string, error) {
	entries, err := ListRunIndex(baseDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs in run index")
	}
	return entries[0].RunID, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", errors.New("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, fitnessHistoryFile, trainHistoryFile, diagnosticsFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{bestGenomeFile, summaryFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = runID
	}
	if cfg.RunID != runID {
		return errors.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, runID)
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

func ReadBestGenome(baseDir, runID string) (BestGenome, bool, error) {
	var best BestGenome
	ok, err := readJSON(filepath.Join(baseDir, runID, bestGenomeFile), &best)
	return best, ok, err
}

func ReadGenerationDiagnostics(baseDir, runID string) ([]model.GenerationDiagnostics, bool, error) {
	var diagnostics []model.GenerationDiagnostics
	ok, err := readJSON(filepath.Join(baseDir, runID, diagnosticsFile), &diagnostics)
	return diagnostics, ok, err
}

// ReadFitnessHistory returns the best fitness column of fitness_history.csv.
func ReadFitnessHistory(baseDir, runID string) ([]float64, bool, error) {
	return readSeries(filepath.Join(baseDir, runID, fitnessHistoryFile), "best_fitness")
}

// ReadTrainHistory returns the mean training loss of every epoch.
func ReadTrainHistory(baseDir, runID string) ([]float64, bool, error) {
	return readSeries(filepath.Join(baseDir, runID, trainHistoryFile), "mean_train_loss")
}

func readSeries(path, column string) ([]float64, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	col := -1
	for i, name := range header {
		if name == column {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, false, errors.Errorf("%s has no %s column", filepath.Base(path), column)
	}

	series := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseFloat(record[col], 64)
		if err != nil {
			return nil, false, errors.Wrapf(err, "%s row %d", filepath.Base(path), len(series)+1)
		}
		series = append(series, value)
	}
	return series, true, nil
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, errors.Wrapf(err, "decode %s", filepath.Base(path))
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", filepath.Base(path))
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
