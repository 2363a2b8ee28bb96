package storage

import (
	"context"
	"testing"

	"gnas/internal/model"
)

func newInitializedMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	if err := store.SaveRun(context.Background(), model.RunRecord{ID: "r"}); err == nil {
		t.Fatal("expected uninitialized store error")
	}
}

func TestMemoryStorePopulationIsCopied(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)

	input := model.PopulationSnapshot{
		VersionedRecord: Versioned(),
		ID:              "run-1",
		Generation:      2,
		Individuals:     [][][]int{{{0, 0}, {1, 1}}},
		Fitness:         []float64{0.5},
		Scored:          []bool{true},
	}
	if err := store.SavePopulation(ctx, input); err != nil {
		t.Fatalf("save population: %v", err)
	}
	input.Individuals[0][0][0] = 9

	output, ok, err := store.GetPopulation(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get population: ok=%v err=%v", ok, err)
	}
	if output.Individuals[0][0][0] != 0 {
		t.Fatal("stored snapshot aliases the caller's slices")
	}
	output.Fitness[0] = 7
	again, _, _ := store.GetPopulation(ctx, "run-1")
	if again.Fitness[0] != 0.5 {
		t.Fatal("returned snapshot aliases the stored slices")
	}

	if err := store.DeletePopulation(ctx, "run-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.GetPopulation(ctx, "run-1"); ok {
		t.Fatal("expected deleted population")
	}
}

func TestMemoryStoreRunsAreListedByID(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)
	for _, id := range []string{"b", "c", "a"} {
		if err := store.SaveRun(ctx, model.RunRecord{VersionedRecord: Versioned(), ID: id}); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "a" || runs[2].ID != "c" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if _, ok, _ := store.GetRun(ctx, "missing"); ok {
		t.Fatal("expected missing run")
	}
}

func TestMemoryStoreFitnessHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)

	input := []float64{0.3, 0.2, 0.1}
	if err := store.SaveFitnessHistory(ctx, "run-1", input); err != nil {
		t.Fatalf("save history: %v", err)
	}
	output, ok, err := store.GetFitnessHistory(ctx, "run-1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted fitness history")
	}
	if len(output) != len(input) || output[2] != input[2] {
		t.Fatalf("unexpected history: %+v", output)
	}
}

func TestMemoryStoreGenerationDiagnosticsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)

	input := []model.GenerationDiagnostics{
		{Generation: 0, BestFitness: 0.8, MeanFitness: 1.6, DistinctIndividuals: 4},
		{Generation: 1, BestFitness: 0.7, MeanFitness: 0.9, DistinctIndividuals: 1, Collapsed: true},
	}
	if err := store.SaveGenerationDiagnostics(ctx, "run-1", input); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	output, ok, err := store.GetGenerationDiagnostics(ctx, "run-1")
	if err != nil {
		t.Fatalf("get diagnostics: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted diagnostics")
	}
	if len(output) != len(input) || !output[1].Collapsed {
		t.Fatalf("unexpected diagnostics: %+v", output)
	}
}

func TestMemoryStoreBestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)

	best := model.BestRecord{VersionedRecord: Versioned(), RunID: "run-1", Fitness: 1.5, Genome: [][]int{{0, 0}}}
	if err := store.SaveBest(ctx, best); err != nil {
		t.Fatalf("save best: %v", err)
	}
	best.Genome[0][0] = 3
	got, ok, err := store.GetBest(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get best: ok=%v err=%v", ok, err)
	}
	if got.Fitness != 1.5 || got.Genome[0][0] != 0 {
		t.Fatalf("unexpected best: %+v", got)
	}
}
