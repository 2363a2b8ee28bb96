package evo

import (
	"errors"
	"testing"
)

func TestResolveBuiltInSelectors(t *testing.T) {
	for _, name := range []string{"elite", "tournament"} {
		s, err := ResolveSelector(name, 10)
		if err != nil {
			t.Fatalf("resolve %s: %v", name, err)
		}
		if s.Name() != name {
			t.Fatalf("unexpected selector: %s", s.Name())
		}
	}
	if _, err := ResolveSelector("roulette", 10); !errors.Is(err, ErrSelectorNotFound) {
		t.Fatalf("expected ErrSelectorNotFound, got: %v", err)
	}
}

func TestRegisterSelectorDuplicate(t *testing.T) {
	resetSelectorRegistryForTests()
	t.Cleanup(resetSelectorRegistryForTests)

	factory := func(int) Selector { return EliteSelector{} }
	if err := RegisterSelector("best_only", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterSelector("best_only", factory); !errors.Is(err, ErrSelectorExists) {
		t.Fatalf("expected ErrSelectorExists, got: %v", err)
	}
	if err := RegisterSelector("", factory); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := RegisterSelector("nil", nil); err == nil {
		t.Fatal("expected nil factory error")
	}

	names := ListSelectors()
	want := []string{"best_only", "elite", "tournament"}
	if len(names) != len(want) {
		t.Fatalf("unexpected selectors: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected selectors: %v", names)
		}
	}
}
