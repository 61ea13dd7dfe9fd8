package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"ergotype/internal/corpus"
	"ergotype/internal/dispatch"
	"ergotype/internal/keyboard"
	"ergotype/internal/model"
	"ergotype/internal/simulator"
	"ergotype/internal/storage"
)

type simulateReport struct {
	Keyboard string          `json:"keyboard"`
	Layout   string          `json:"layout"`
	Fitness  float64         `json:"fitness"`
	Stats    simulator.Stats `json:"stats"`
	Genotype model.Genotype  `json:"genotype"`
}

func runSimulate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	common := addCommonFlags(fs)
	runName := fs.String("run", "", "take keyboard, corpus and cost parameters from this configured run")
	keyboardFile := fs.String("keyboard", "", "keyboard file override")
	textFile := fs.String("text", "", "corpus file override")
	layoutFile := fs.String("layout", "", "JSON file with a char to key layout (default: the keyboard's reference layout)")
	bestRunID := fs.String("best-run-id", "", "simulate the stored best layout of this run")
	foldCase := fs.Bool("fold-case", false, "lowercase the corpus before typing")
	jsonOut := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *layoutFile != "" && *bestRunID != "" {
		return errors.New("use either --layout or --best-run-id, not both")
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	run := cfg.Defaults
	if *runName != "" {
		runs, err := selectRuns(cfg.Runs, *runName)
		if err != nil {
			return err
		}
		run = runs[0]
	}
	if *keyboardFile != "" {
		run.KeyboardFile = cfg.Resolve(*keyboardFile)
	}
	if *textFile != "" {
		run.TextFile = cfg.Resolve(*textFile)
	}
	if run.KeyboardFile == "" || run.TextFile == "" {
		return errors.New("simulate needs a keyboard and a corpus (--keyboard/--text or --run)")
	}

	kb, err := keyboard.Load(cfg.Resolve(run.KeyboardFile))
	if err != nil {
		return err
	}
	text, err := corpus.Load(cfg.Resolve(run.TextFile), corpus.Options{FoldCase: *foldCase || cfg.Worker.FoldCase})
	if err != nil {
		return err
	}

	var (
		genotype model.Genotype
		label    string
	)
	switch {
	case *layoutFile != "":
		data, err := os.ReadFile(*layoutFile)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &genotype); err != nil {
			return fmt.Errorf("decode layout %s: %w", *layoutFile, err)
		}
		label = *layoutFile
	case *bestRunID != "":
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		best, ok, err := store.GetBestLayout(ctx, *bestRunID)
		_ = storage.Close(store)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no best layout stored for run %s", *bestRunID)
		}
		genotype = best.Genotype
		label = best.Name
	default:
		reference, ok := kb.Reference()
		if !ok {
			return fmt.Errorf("keyboard %s has no reference layout; pass --layout", kb.Name)
		}
		genotype = reference
		label = "reference"
	}

	msg := dispatch.BuildConfigMessage(1, cfg.Paths.Root, run)
	stats, err := simulator.Evaluate(kb, genotype, text, simulator.ParamsFromConfig(msg))
	if err != nil {
		return err
	}
	report := simulateReport{
		Keyboard: kb.Name,
		Layout:   label,
		Fitness:  simulator.Fitness(stats.Distance, stats.Time, stats.Typed, simulator.WeightsFromConfig(msg)),
		Stats:    stats,
		Genotype: genotype,
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printSimulation(report)
	return nil
}

func printSimulation(r simulateReport) {
	fmt.Printf("keyboard=%s layout=%s fitness=%.6f\n", r.Keyboard, r.Layout, r.Fitness)
	fmt.Printf("chars=%s typed=%s distance=%smm time=%s\n",
		humanize.Comma(int64(r.Stats.Chars)),
		humanize.Comma(int64(r.Stats.Typed)),
		humanize.CommafWithDigits(r.Stats.Distance, 1),
		humanize.CommafWithDigits(r.Stats.Time, 2),
	)
	for _, f := range r.Stats.Fingers {
		if f.Presses == 0 {
			continue
		}
		share := float64(f.Presses) / float64(max(r.Stats.Typed, 1)) * 100
		fmt.Printf("  finger=%-12s presses=%-8s share=%5.1f%% distance=%smm time=%s\n",
			f.Finger,
			humanize.Comma(int64(f.Presses)),
			share,
			humanize.CommafWithDigits(f.Distance, 1),
			humanize.CommafWithDigits(f.Time, 2),
		)
	}
}
