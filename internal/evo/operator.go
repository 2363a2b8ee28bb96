package evo

import (
	"math/rand"

	"github.com/pkg/errors"

	"gnas/internal/genotype"
	"gnas/internal/model"
)

// DefaultCrossoverBias takes each gene from either parent with equal odds.
const DefaultCrossoverBias = 0.5

// Operator produces a child from a parent pair. The second parent may equal
// the first for pure mutation operators.
type Operator interface {
	Name() string
	Apply(rng *rand.Rand, a, b model.Individual) (model.Individual, error)
}

// Mutate resamples each gene independently with probability m. The gene is
// redrawn whole (operation and predecessors) from the node's legal choices,
// so the result is valid whenever ind is. m <= 0 returns an equal copy.
func Mutate(rng *rand.Rand, space *genotype.SearchSpace, ind model.Individual, m float64) (model.Individual, error) {
	if rng == nil {
		return model.Individual{}, errors.New("random source is required")
	}
	if ind.Len() != space.NodeCount() {
		return model.Individual{}, errors.Wrapf(genotype.ErrShapeMismatch, "mutate: got %d genes, space has %d nodes", ind.Len(), space.NodeCount())
	}
	out := ind.Clone()
	if m <= 0 {
		return out, nil
	}
	for i := range out.Genes {
		if rng.Float64() < m {
			out.Genes[i] = space.SampleGene(rng, i)
		}
	}
	return out, nil
}

// Crossover builds one child taking, per node, the gene of a with probability
// bias and the gene of b otherwise. A draw is consumed for every node even
// when the parents agree, so the stream stays aligned across calls.
func Crossover(rng *rand.Rand, a, b model.Individual, bias float64) (model.Individual, error) {
	if rng == nil {
		return model.Individual{}, errors.New("random source is required")
	}
	if a.Len() != b.Len() {
		return model.Individual{}, errors.Wrapf(genotype.ErrShapeMismatch, "crossover: parents have %d and %d genes", a.Len(), b.Len())
	}
	if bias < 0 || bias > 1 {
		return model.Individual{}, errors.Errorf("crossover bias must be in [0,1], got %g", bias)
	}
	genes := make([]model.Gene, a.Len())
	for i := range genes {
		if rng.Float64() < bias {
			genes[i] = a.Genes[i].Clone()
		} else {
			genes[i] = b.Genes[i].Clone()
		}
	}
	return model.Individual{Genes: genes}, nil
}

// Reproduction operator names accepted by ResolveOperator.
const (
	OperatorCrossoverMutate = "crossover_mutate"
	OperatorMutate          = "mutate"
)

var ErrOperatorNotFound = errors.New("reproduction operator not found")

// OperatorFactory builds a reproduction operator for a search space.
type OperatorFactory func(space *genotype.SearchSpace, crossoverBias, mutationProbability float64) Operator

// ResolveOperator maps a configured operator name to its factory. An empty
// name selects crossover followed by mutation.
func ResolveOperator(name string) (OperatorFactory, error) {
	switch name {
	case "", OperatorCrossoverMutate:
		return func(space *genotype.SearchSpace, bias, m float64) Operator {
			return Breed{Space: space, CrossoverBias: bias, MutationProbability: m}
		}, nil
	case OperatorMutate:
		return func(space *genotype.SearchSpace, _, m float64) Operator {
			return MutateOnly{Space: space, MutationProbability: m}
		}, nil
	default:
		return nil, errors.Wrap(ErrOperatorNotFound, name)
	}
}

// Breed is the default reproduction step: uniform crossover, then mutation.
type Breed struct {
	Space               *genotype.SearchSpace
	CrossoverBias       float64
	MutationProbability float64
}

func (Breed) Name() string {
	return OperatorCrossoverMutate
}

func (b Breed) Apply(rng *rand.Rand, x, y model.Individual) (model.Individual, error) {
	child, err := Crossover(rng, x, y, b.CrossoverBias)
	if err != nil {
		return model.Individual{}, err
	}
	return Mutate(rng, b.Space, child, b.MutationProbability)
}

// MutateOnly ignores the second parent, so children are mutated copies of a
// single selected parent.
type MutateOnly struct {
	Space               *genotype.SearchSpace
	MutationProbability float64
}

func (MutateOnly) Name() string {
	return OperatorMutate
}

func (o MutateOnly) Apply(rng *rand.Rand, x, _ model.Individual) (model.Individual, error) {
	return Mutate(rng, o.Space, x, o.MutationProbability)
}
