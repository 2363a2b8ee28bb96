package nn

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrOperationExists  = errors.New("operation already registered")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrWidthMismatch    = errors.New("operation width mismatch")
)

// Operation is a parameterized unit placed on one node of a search cell.
// Its parameters belong to the operation and survive architecture changes.
type Operation interface {
	Name() string
	Forward(x Tensor) (Tensor, error)
	Params() []*mat.Dense
}

// OperationFactory builds an operation for the given widths. Parameter
// initialization must draw only from rng.
type OperationFactory func(inWidth, outWidth int, rng *rand.Rand) (Operation, error)

// NonLinearityFactory builds a parameterless, shape preserving operation.
type NonLinearityFactory func() Operation

type catalog struct {
	mu     sync.RWMutex
	ops    map[string]OperationFactory
	nonLin map[string]NonLinearityFactory
}

var registry = &catalog{
	ops:    make(map[string]OperationFactory),
	nonLin: make(map[string]NonLinearityFactory),
}

func init() {
	initializeBuiltInOperations()
}

func initializeBuiltInOperations() {
	MustRegisterOperation("conv3x3", convFactory(3, 3, false))
	MustRegisterOperation("conv5x5", convFactory(5, 5, false))
	MustRegisterOperation("dw3x3", convFactory(3, 3, true))
	MustRegisterOperation("dw3x1", convFactory(3, 1, true))
	MustRegisterOperation("dw1x3", convFactory(1, 3, true))
	MustRegisterOperation("dw5x5", convFactory(5, 5, true))
	MustRegisterOperation("max3x3", poolFactory(poolMax))
	MustRegisterOperation("avg3x3", poolFactory(poolAvg))
	MustRegisterOperation("identity", func(in, out int, _ *rand.Rand) (Operation, error) {
		if in != out {
			return nil, errors.Wrapf(ErrWidthMismatch, "identity %d->%d", in, out)
		}
		return identityOp{}, nil
	})
	MustRegisterOperation("linear", func(in, out int, rng *rand.Rand) (Operation, error) {
		return NewLinear(in, out, rng)
	})

	for name, fn := range builtInNonLinearities {
		MustRegisterNonLinearity(name, elementwiseFactory(name, fn))
	}
}

func RegisterOperation(name string, factory OperationFactory) error {
	if name == "" {
		return errors.New("operation name is required")
	}
	if factory == nil {
		return errors.New("operation factory is required")
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.ops[name]; exists {
		return errors.Wrapf(ErrOperationExists, "%s", name)
	}
	registry.ops[name] = factory
	return nil
}

func MustRegisterOperation(name string, factory OperationFactory) {
	if err := RegisterOperation(name, factory); err != nil {
		panic(err)
	}
}

func RegisterNonLinearity(name string, factory NonLinearityFactory) error {
	if name == "" {
		return errors.New("non-linearity name is required")
	}
	if factory == nil {
		return errors.New("non-linearity factory is required")
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.nonLin[name]; exists {
		return errors.Wrapf(ErrOperationExists, "non-linearity %s", name)
	}
	registry.nonLin[name] = factory
	return nil
}

func MustRegisterNonLinearity(name string, factory NonLinearityFactory) {
	if err := RegisterNonLinearity(name, factory); err != nil {
		panic(err)
	}
}

// Build constructs the named catalog operation.
func Build(name string, inWidth, outWidth int, rng *rand.Rand) (Operation, error) {
	registry.mu.RLock()
	factory, ok := registry.ops[name]
	registry.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOperation, "%s", name)
	}
	if inWidth <= 0 || outWidth <= 0 {
		return nil, errors.Wrapf(ErrWidthMismatch, "%s: widths must be > 0, got %d->%d", name, inWidth, outWidth)
	}
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	op, err := factory(inWidth, outWidth, rng)
	if err != nil {
		return nil, errors.WithMessagef(err, "build %s", name)
	}
	return op, nil
}

// BuildNonLinearity constructs the named non-linearity.
func BuildNonLinearity(name string) (Operation, error) {
	registry.mu.RLock()
	factory, ok := registry.nonLin[name]
	registry.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOperation, "non-linearity %s", name)
	}
	return factory(), nil
}

func HasOperation(name string) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	_, ok := registry.ops[name]
	return ok
}

func HasNonLinearity(name string) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	_, ok := registry.nonLin[name]
	return ok
}

func ListOperations() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return sortedKeys(registry.ops)
}

func ListNonLinearities() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return sortedKeys(registry.nonLin)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetRegistryForTests() {
	registry.mu.Lock()
	registry.ops = make(map[string]OperationFactory)
	registry.nonLin = make(map[string]NonLinearityFactory)
	registry.mu.Unlock()
	initializeBuiltInOperations()
}
