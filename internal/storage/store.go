package storage

import (
	"context"

	"ergotype/internal/model"
)

// Store defines the persistence operations behind run bookkeeping.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns every run ordered by start time.
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveFitnessHistory(ctx context.Context, runID string, history []float64) error
	GetFitnessHistory(ctx context.Context, runID string) ([]float64, bool, error)
	SaveGenerationDiagnostics(ctx context.Context, runID string, diagnostics []model.GenerationDiagnostics) error
	GetGenerationDiagnostics(ctx context.Context, runID string) ([]model.GenerationDiagnostics, bool, error)
	SaveBestLayout(ctx context.Context, best model.BestLayout) error
	GetBestLayout(ctx context.Context, runID string) (model.BestLayout, bool, error)
}

// LatestBestLayout returns the winner of the most recently started run that
// produced one.
func LatestBestLayout(ctx context.Context, store Store) (model.BestLayout, bool, error) {
	runs, err := store.ListRuns(ctx)
	if err != nil {
		return model.BestLayout{}, false, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		best, ok, err := store.GetBestLayout(ctx, runs[i].ID)
		if err != nil {
			return model.BestLayout{}, false, err
		}
		if ok {
			return best, true, nil
		}
	}
	return model.BestLayout{}, false, nil
}
