package stats

import (
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const summaryFile = "summary.json"

// RunSummary condenses the best-by-generation series. Losses are lower is
// better, so Improvement is positive when the search made progress.
type RunSummary struct {
	RunID                string  `json:"run_id"`
	Kind                 string  `json:"kind"`
	Scape                string  `json:"scape"`
	Generations          int     `json:"generations"`
	InitialBest          float64 `json:"initial_best"`
	FinalBest            float64 `json:"final_best"`
	BestMean             float64 `json:"best_mean"`
	BestStd              float64 `json:"best_std"`
	BestMax              float64 `json:"best_max"`
	BestMin              float64 `json:"best_min"`
	Improvement          float64 `json:"improvement"`
	CollapsedGenerations int     `json:"collapsed_generations"`
	FinalTrainLoss       float64 `json:"final_train_loss,omitempty"`
	Interrupted          bool    `json:"interrupted"`
}

func SummarizeRun(artifacts RunArtifacts) (RunSummary, error) {
	series := artifacts.BestByGeneration
	if len(series) == 0 {
		return RunSummary{}, errors.New("run produced empty fitness history")
	}
	// Failed generations score math.MaxFloat64 and would overflow the moments.
	finite := make([]float64, 0, len(series))
	for _, v := range series {
		if v < math.MaxFloat64 {
			finite = append(finite, v)
		}
	}
	mean, std := math.MaxFloat64, 0.0
	if len(finite) > 0 {
		mean, std = stat.MeanStdDev(finite, nil)
		if len(finite) == 1 {
			std = 0
		}
	}
	summary := RunSummary{
		RunID:       artifacts.Config.RunID,
		Kind:        artifacts.Config.Kind,
		Scape:       artifacts.Config.Scape,
		Generations: len(series),
		InitialBest: series[0],
		FinalBest:   artifacts.FinalBestFitness,
		BestMean:    mean,
		BestStd:     std,
		BestMax:     floats.Max(series),
		BestMin:     floats.Min(series),
		Interrupted: artifacts.Interrupted,
	}
	summary.Improvement = summary.InitialBest - summary.FinalBest
	for _, d := range artifacts.Diagnostics {
		if d.Collapsed {
			summary.CollapsedGenerations++
		}
	}
	if n := len(artifacts.TrainLosses); n > 0 {
		summary.FinalTrainLoss = artifacts.TrainLosses[n-1]
	}
	return summary, nil
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	var summary RunSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}
