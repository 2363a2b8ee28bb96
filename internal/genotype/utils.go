package genotype

import (
	"math/rand"

	"github.com/pkg/errors"
)

// RandomElement picks uniformly from values using rng.
func RandomElement[T any](rng *rand.Rand, values []T) (T, error) {
	var zero T
	if len(values) == 0 {
		return zero, errors.New("values are required")
	}
	if rng == nil {
		return zero, errors.New("random source is required")
	}
	return values[rng.Intn(len(values))], nil
}
