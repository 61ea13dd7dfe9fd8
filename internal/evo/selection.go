package evo

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"ergotype/internal/model"
)

// ErrMissingFitness is returned when a selection has no evaluated individual
// to choose from.
var ErrMissingFitness = errors.New("no individual has a fitness")

// Selector chooses parents for breeding. Individuals without fitness are
// never chosen.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, population []*model.Individual) (*model.Individual, error)
}

// NewSelector builds the selector named in a run config.
func NewSelector(cfg model.RunConfig) (Selector, error) {
	switch cfg.Selection {
	case "", "tournament":
		return TournamentSelector{TournamentSize: cfg.TournamentSize}, nil
	case "elite":
		return EliteSelector{Count: cfg.EliteCount}, nil
	default:
		return nil, fmt.Errorf("unknown selection %q", cfg.Selection)
	}
}

// EliteSelector picks uniformly from the top evaluated individuals.
type EliteSelector struct {
	// Count is the size of the elite set; zero uses the better half.
	Count int
}

func (EliteSelector) Name() string {
	return "elite"
}

func (s EliteSelector) PickParent(rng *rand.Rand, population []*model.Individual) (*model.Individual, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	ranked := rankEvaluated(population)
	if len(ranked) == 0 {
		return nil, ErrMissingFitness
	}
	count := s.Count
	if count <= 0 {
		count = (len(ranked) + 1) / 2
	}
	if count > len(ranked) {
		count = len(ranked)
	}
	return ranked[rng.Intn(count)], nil
}

// TournamentSelector samples candidates and picks the best fitness among them.
type TournamentSelector struct {
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, population []*model.Individual) (*model.Individual, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	candidates := evaluated(population)
	if len(candidates) == 0 {
		return nil, ErrMissingFitness
	}

	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}

	best := candidates[rng.Intn(len(candidates))]
	for i := 1; i < tournamentSize; i++ {
		candidate := candidates[rng.Intn(len(candidates))]
		if *candidate.Fitness > *best.Fitness {
			best = candidate
		}
	}
	return best, nil
}

func evaluated(population []*model.Individual) []*model.Individual {
	out := make([]*model.Individual, 0, len(population))
	for _, ind := range population {
		if ind.Evaluated() {
			out = append(out, ind)
		}
	}
	return out
}

// rankEvaluated returns the evaluated individuals by descending fitness.
func rankEvaluated(population []*model.Individual) []*model.Individual {
	ranked := evaluated(population)
	sort.SliceStable(ranked, func(i, j int) bool {
		return *ranked[i].Fitness > *ranked[j].Fitness
	})
	return ranked
}

// rankAll orders the whole population by descending fitness, with
// unevaluated individuals last in their original order.
func rankAll(population []*model.Individual) []*model.Individual {
	ranked := append([]*model.Individual(nil), population...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		switch {
		case a.Evaluated() && b.Evaluated():
			return *a.Fitness > *b.Fitness
		default:
			return a.Evaluated() && !b.Evaluated()
		}
	})
	return ranked
}
