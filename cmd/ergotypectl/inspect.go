package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"ergotype/internal/model"
	"ergotype/internal/storage"
)

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	common := addCommonFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list, newest first")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.Close(store)
	}()

	runs, err := store.ListRuns(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	newest := make([]model.RunRecord, 0, min(len(runs), *limit))
	for i := len(runs) - 1; i >= 0 && len(newest) < *limit; i-- {
		newest = append(newest, runs[i])
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(newest)
	}
	for _, r := range newest {
		best := "n/a"
		if r.BestFitness != nil {
			best = fmt.Sprintf("%.6f", *r.BestFitness)
		}
		fmt.Printf("run_id=%s name=%s status=%s started=%s generations=%d individuals=%s stop=%s best_fitness=%s\n",
			r.ID,
			r.Name,
			r.Status,
			humanize.Time(r.StartedAt),
			r.Generations,
			humanize.Comma(int64(r.Individuals)),
			orNA(r.StopReason),
			best,
		)
	}
	return nil
}

func runBest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("best", flag.ContinueOnError)
	common := addCommonFlags(fs)
	runID := fs.String("run-id", "", "run id (default: most recent run with a winner)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.Close(store)
	}()

	var (
		best model.BestLayout
		ok   bool
	)
	if *runID != "" {
		best, ok, err = store.GetBestLayout(ctx, *runID)
	} else {
		best, ok, err = storage.LatestBestLayout(ctx, store)
	}
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no best layout found")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(best)
}

func runDiagnostics(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	common := addCommonFlags(fs)
	runID := fs.String("run-id", "", "run id")
	jsonOut := fs.Bool("json", false, "emit diagnostics as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("diagnostics requires --run-id")
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.Close(store)
	}()

	diagnostics, ok, err := store.GetGenerationDiagnostics(ctx, *runID)
	if err != nil {
		return err
	}
	if !ok || len(diagnostics) == 0 {
		fmt.Println("no diagnostics")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(diagnostics)
	}
	for _, d := range diagnostics {
		fmt.Printf("generation=%d phase=%d size=%d evaluated=%d missing=%d best=%.6f mean=%.6f stddev=%.6f min=%.6f best_seen=%.6f stagnation=%d redispatches=%d\n",
			d.Generation,
			d.Phase,
			d.PopulationSize,
			d.Evaluated,
			d.Missing,
			d.BestFitness,
			d.MeanFitness,
			d.StdDevFitness,
			d.MinFitness,
			d.BestSeen,
			d.Stagnation,
			d.Redispatches,
		)
	}
	return nil
}
