package storage

import (
	"context"
	"testing"
	"time"

	"ergotype/internal/model"
)

func newInitializedMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func testRun(id string, ordinal uint64, started time.Time) model.RunRecord {
	best := 0.25
	return model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion},
		ID:              id,
		Name:            "run " + id,
		Ordinal:         ordinal,
		Config:          model.RunConfig{Name: "run " + id, PopulationSize: 5, MaxIterations: 3},
		Status:          model.RunStatusCompleted,
		StartedAt:       started,
		FinishedAt:      started.Add(time.Minute),
		Generations:     3,
		StopReason:      "max_iterations",
		BestFitness:     &best,
	}
}

func TestMemoryStoreRunRoundTripAndOrdering(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, run := range []model.RunRecord{
		testRun("c", 3, base.Add(2*time.Hour)),
		testRun("a", 1, base),
		testRun("b", 2, base),
	} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}

	got, ok, err := store.GetRun(ctx, "a")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok || got.Name != "run a" || *got.BestFitness != 0.25 {
		t.Fatalf("unexpected run: %+v", got)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(runs) != len(want) {
		t.Fatalf("expected %d runs, got %d", len(want), len(runs))
	}
	for i, run := range runs {
		if run.ID != want[i] {
			t.Fatalf("position %d: got %s want %s", i, run.ID, want[i])
		}
	}

	if _, ok, _ := store.GetRun(ctx, "missing"); ok {
		t.Fatal("expected missing run")
	}
}

func TestMemoryStoreRunUpdateReplaces(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)

	run := testRun("a", 1, time.Now())
	run.Status = model.RunStatusRunning
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	run.Status = model.RunStatusFailed
	run.Error = "boom"
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	got, _, _ := store.GetRun(ctx, "a")
	if got.Status != model.RunStatusFailed || got.Error != "boom" {
		t.Fatalf("expected updated run, got %+v", got)
	}
}

func TestMemoryStoreFitnessHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)

	input := []float64{0.1, 0.2, 0.3}
	if err := store.SaveFitnessHistory(ctx, "run-1", input); err != nil {
		t.Fatalf("save history: %v", err)
	}
	input[2] = 9
	output, ok, err := store.GetFitnessHistory(ctx, "run-1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted fitness history")
	}
	if len(output) != 3 || output[2] != 0.3 {
		t.Fatalf("unexpected history: %+v", output)
	}
}

func TestMemoryStoreGenerationDiagnosticsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)

	input := []model.GenerationDiagnostics{
		{Generation: 0, BestFitness: 0.8, MeanFitness: 0.6, MinFitness: 0.2, PopulationSize: 5, Evaluated: 5},
		{Generation: 1, BestFitness: 0.9, MeanFitness: 0.7, MinFitness: 0.3, PopulationSize: 5, Evaluated: 4, Missing: 1},
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
	if len(output) != len(input) || output[1].Missing != 1 {
		t.Fatalf("unexpected diagnostics: %+v", output)
	}
}

func TestLatestBestLayoutSkipsRunsWithoutWinner(t *testing.T) {
	ctx := context.Background()
	store := newInitializedMemoryStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, run := range []model.RunRecord{testRun("a", 1, base), testRun("b", 2, base.Add(time.Hour))} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}
	if _, ok, err := LatestBestLayout(ctx, store); err != nil || ok {
		t.Fatalf("expected no layout yet, ok=%v err=%v", ok, err)
	}

	best := model.BestLayout{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion},
		RunID:           "a",
		Name:            "gen_2-13",
		DisplayName:     "run a",
		Genotype:        model.Genotype{"a": "k1", "b": "k2"},
		Fitness:         0.5,
	}
	if err := store.SaveBestLayout(ctx, best); err != nil {
		t.Fatalf("save best: %v", err)
	}
	best.Genotype["a"] = "k9"

	got, ok, err := LatestBestLayout(ctx, store)
	if err != nil || !ok {
		t.Fatalf("latest best: ok=%v err=%v", ok, err)
	}
	if got.RunID != "a" || got.Genotype["a"] != "k1" {
		t.Fatalf("unexpected best layout: %+v", got)
	}
}
