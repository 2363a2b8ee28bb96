package evo

import (
	"math/rand"
	"testing"

	"gnas/internal/model"
)

func rankedFixture(t *testing.T) []Scored {
	t.Helper()
	space := testCNNSpace(t, 4)
	rng := rand.New(rand.NewSource(8))
	fitness := []float64{0.1, 0.2, 0.4, 0.8, 1.6, 3.2}
	out := make([]Scored, len(fitness))
	for i, f := range fitness {
		out[i] = Scored{Individual: space.GenerateIndividual(rng), Fitness: f, Slot: i}
	}
	return out
}

func indexOf(ranked []Scored, ind model.Individual) int {
	for i, r := range ranked {
		if r.Individual.Equal(ind) {
			return i
		}
	}
	return -1
}

func TestEliteSelectorStaysInsideElites(t *testing.T) {
	ranked := rankedFixture(t)
	rng := rand.New(rand.NewSource(1))
	seen := map[int]struct{}{}
	for i := 0; i < 50; i++ {
		parent, err := EliteSelector{}.PickParent(rng, ranked, 2)
		if err != nil {
			t.Fatalf("pick parent: %v", err)
		}
		idx := indexOf(ranked, parent)
		if idx < 0 || idx >= 2 {
			t.Fatalf("parent outside elite set: index %d", idx)
		}
		seen[idx] = struct{}{}
	}
	if len(seen) != 2 {
		t.Fatalf("expected both elites to be picked, got %d", len(seen))
	}
}

func TestTournamentSelectorPrefersLowerLoss(t *testing.T) {
	ranked := rankedFixture(t)
	rng := rand.New(rand.NewSource(2))
	selector := TournamentSelector{PoolSize: len(ranked), TournamentSize: len(ranked)}

	counts := make([]int, len(ranked))
	for i := 0; i < 200; i++ {
		parent, err := selector.PickParent(rng, ranked, 1)
		if err != nil {
			t.Fatalf("pick parent: %v", err)
		}
		counts[indexOf(ranked, parent)]++
	}
	if counts[0] <= counts[len(ranked)-1] {
		t.Fatalf("expected best entry to win more tournaments: %v", counts)
	}
}

func TestSelectorsRejectBadArguments(t *testing.T) {
	ranked := rankedFixture(t)
	for _, s := range []Selector{EliteSelector{}, TournamentSelector{}} {
		if _, err := s.PickParent(nil, ranked, 1); err == nil {
			t.Fatalf("%s: expected error for nil rng", s.Name())
		}
		if _, err := s.PickParent(rand.New(rand.NewSource(1)), ranked, 0); err == nil {
			t.Fatalf("%s: expected error for zero elites", s.Name())
		}
		if _, err := s.PickParent(rand.New(rand.NewSource(1)), ranked, len(ranked)+1); err == nil {
			t.Fatalf("%s: expected error for oversized elite count", s.Name())
		}
	}
}
