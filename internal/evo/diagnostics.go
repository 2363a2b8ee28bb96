package evo

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"gnas/internal/model"
)

// summarizeGeneration computes fitness statistics over every ranked entry.
// Failed evaluations (WorstFitness) are counted but left out of the moments
// so one diverged sample does not turn the mean into +Inf.
func summarizeGeneration(generation int, ranked []Scored, slots []slot, elites, transientsScored int) model.GenerationDiagnostics {
	diag := model.GenerationDiagnostics{
		Generation:       generation,
		EliteCount:       elites,
		TransientsScored: transientsScored,
		BestFitness:      WorstFitness,
		MeanFitness:      WorstFitness,
		MaxFitness:       WorstFitness,
	}
	if len(ranked) > 0 {
		diag.BestFitness = ranked[0].Fitness
	}

	values := make([]float64, 0, len(ranked))
	for _, r := range ranked {
		if r.Fitness >= WorstFitness {
			diag.FailedEvaluations++
			continue
		}
		values = append(values, r.Fitness)
	}
	if len(values) > 0 {
		diag.MeanFitness, diag.FitnessVariance = stat.MeanVariance(values, nil)
		if len(values) == 1 {
			diag.FitnessVariance = 0
		}
		diag.MaxFitness = floats.Max(values)
		if diag.FailedEvaluations > 0 {
			diag.MaxFitness = WorstFitness
		}
	}

	distinct := make(map[string]struct{}, len(slots))
	for _, s := range slots {
		distinct[s.individual.Key()] = struct{}{}
	}
	diag.DistinctIndividuals = len(distinct)
	diag.Collapsed = len(slots) > 1 && len(distinct) == 1
	return diag
}
