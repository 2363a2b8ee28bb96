package evo

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrSelectorExists   = errors.New("selector already registered")
	ErrSelectorNotFound = errors.New("selector not found")
)

// SelectorFactory builds a selector for a population of the given size.
type SelectorFactory func(populationSize int) Selector

var selectorRegistry = struct {
	mu sync.RWMutex
	m  map[string]SelectorFactory
}{
	m: make(map[string]SelectorFactory),
}

func init() {
	registerBuiltInSelectors()
}

func registerBuiltInSelectors() {
	MustRegisterSelector("elite", func(int) Selector { return EliteSelector{} })
	MustRegisterSelector("tournament", func(size int) Selector {
		return TournamentSelector{PoolSize: size, TournamentSize: 3}
	})
}

func RegisterSelector(name string, factory SelectorFactory) error {
	if name == "" {
		return errors.New("selector name is required")
	}
	if factory == nil {
		return errors.New("selector factory is required")
	}

	selectorRegistry.mu.Lock()
	defer selectorRegistry.mu.Unlock()

	if _, exists := selectorRegistry.m[name]; exists {
		return errors.Wrap(ErrSelectorExists, name)
	}
	selectorRegistry.m[name] = factory
	return nil
}

func MustRegisterSelector(name string, factory SelectorFactory) {
	if err := RegisterSelector(name, factory); err != nil {
		panic(err)
	}
}

// ResolveSelector builds the named selector for a population of size n.
func ResolveSelector(name string, n int) (Selector, error) {
	selectorRegistry.mu.RLock()
	factory, ok := selectorRegistry.m[name]
	selectorRegistry.mu.RUnlock()

	if !ok {
		return nil, errors.Wrap(ErrSelectorNotFound, name)
	}
	return factory(n), nil
}

func ListSelectors() []string {
	selectorRegistry.mu.RLock()
	defer selectorRegistry.mu.RUnlock()

	names := make([]string, 0, len(selectorRegistry.m))
	for name := range selectorRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetSelectorRegistryForTests() {
	selectorRegistry.mu.Lock()
	selectorRegistry.m = make(map[string]SelectorFactory)
	selectorRegistry.mu.Unlock()
	registerBuiltInSelectors()
}
