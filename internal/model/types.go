package model

import (
	"strconv"
	"strings"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Gene is the choice made at one node: an index into the node's operation
// vocabulary and one predecessor slot per input.
type Gene struct {
	Op     int   `json:"op"`
	Inputs []int `json:"inputs"`
}

func (g Gene) Equal(o Gene) bool {
	if g.Op != o.Op || len(g.Inputs) != len(o.Inputs) {
		return false
	}
	for i := range g.Inputs {
		if g.Inputs[i] != o.Inputs[i] {
			return false
		}
	}
	return true
}

func (g Gene) Clone() Gene {
	return Gene{Op: g.Op, Inputs: append([]int(nil), g.Inputs...)}
}

// Individual is an architecture genome: one gene per node, flattened over
// the cells of its search space in cell order.
type Individual struct {
	Genes []Gene `json:"genes"`
}

func (ind Individual) Len() int {
	return len(ind.Genes)
}

func (ind Individual) Equal(o Individual) bool {
	if len(ind.Genes) != len(o.Genes) {
		return false
	}
	for i := range ind.Genes {
		if !ind.Genes[i].Equal(o.Genes[i]) {
			return false
		}
	}
	return true
}

func (ind Individual) Clone() Individual {
	genes := make([]Gene, len(ind.Genes))
	for i, g := range ind.Genes {
		genes[i] = g.Clone()
	}
	return Individual{Genes: genes}
}

// Key is a canonical text form; equal individuals have equal keys.
func (ind Individual) Key() string {
	var b strings.Builder
	for i, g := range ind.Genes {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(g.Op))
		for _, in := range g.Inputs {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(in))
		}
	}
	return b.String()
}

func (ind Individual) String() string {
	return "[" + ind.Key() + "]"
}

// Tuples encodes the individual as ordered (op, predecessor...) tuples.
func (ind Individual) Tuples() [][]int {
	out := make([][]int, len(ind.Genes))
	for i, g := range ind.Genes {
		tuple := make([]int, 0, 1+len(g.Inputs))
		tuple = append(tuple, g.Op)
		tuple = append(tuple, g.Inputs...)
		out[i] = tuple
	}
	return out
}

// IndividualFromTuples is the structural inverse of Tuples. Legality against a
// search space is checked separately.
func IndividualFromTuples(tuples [][]int) Individual {
	genes := make([]Gene, len(tuples))
	for i, tuple := range tuples {
		if len(tuple) == 0 {
			genes[i] = Gene{Op: -1}
			continue
		}
		genes[i] = Gene{Op: tuple[0], Inputs: append([]int(nil), tuple[1:]...)}
	}
	return Individual{Genes: genes}
}

// PopulationSnapshot is the persisted state of a population between sweeps.
type PopulationSnapshot struct {
	VersionedRecord
	ID             string    `json:"id"`
	SpaceSignature string    `json:"space_signature"`
	Generation     int       `json:"generation"`
	Individuals    [][][]int `json:"individuals"`
	Fitness        []float64 `json:"fitness"`
	Scored         []bool    `json:"scored"`
	BestEver       float64   `json:"best_ever"`
	BestIndividual [][]int   `json:"best_individual,omitempty"`
}

type GenerationDiagnostics struct {
	Generation          int     `json:"generation"`
	BestFitness         float64 `json:"best_fitness"`
	MeanFitness         float64 `json:"mean_fitness"`
	FitnessVariance     float64 `json:"fitness_variance"`
	MaxFitness          float64 `json:"max_fitness"`
	BestEverFitness     float64 `json:"best_ever_fitness"`
	EliteCount          int     `json:"elite_count"`
	TransientsScored    int     `json:"transients_scored"`
	FailedEvaluations   int     `json:"failed_evaluations"`
	DistinctIndividuals int     `json:"distinct_individuals"`
	Collapsed           bool    `json:"collapsed"`
	BestFingerprint     string  `json:"best_fingerprint,omitempty"`
}

// RunRecord describes one search run.
type RunRecord struct {
	VersionedRecord
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Scape          string `json:"scape"`
	SpaceSignature string `json:"space_signature"`
	Seed           int64  `json:"seed"`
	StartedAt      string `json:"started_at"`
	Completed      bool   `json:"completed"`
	Interrupted    bool   `json:"interrupted"`
}

// BestRecord is the best architecture seen by a run.
type BestRecord struct {
	VersionedRecord
	RunID       string  `json:"run_id"`
	Generation  int     `json:"generation"`
	Fitness     float64 `json:"fitness"`
	Fingerprint string  `json:"fingerprint"`
	Genome      [][]int `json:"genome"`
}
