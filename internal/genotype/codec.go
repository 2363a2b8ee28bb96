package genotype

import (
	"gnas/internal/model"
)

// EncodeTuples returns the wire form of ind: one [op, pred...] tuple per node.
func EncodeTuples(ind model.Individual) [][]int {
	return ind.Tuples()
}

// DecodeTuples parses the wire form and validates it against space.
func DecodeTuples(space *SearchSpace, tuples [][]int) (model.Individual, error) {
	ind := model.IndividualFromTuples(tuples)
	if err := space.Validate(ind); err != nil {
		return model.Individual{}, err
	}
	return ind, nil
}
