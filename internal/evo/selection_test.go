package evo

import (
	"errors"
	"math/rand"
	"testing"

	"ergotype/internal/model"
)

func scored(id uint64, fitness float64) *model.Individual {
	f := fitness
	return &model.Individual{ID: id, Name: model.IndividualName(0, id), Fitness: &f}
}

func unscored(id uint64) *model.Individual {
	return &model.Individual{ID: id, Name: model.IndividualName(0, id)}
}

func TestTournamentSelectorNeverPicksMissingFitness(t *testing.T) {
	population := []*model.Individual{
		unscored(0),
		scored(1, 0.2),
		unscored(2),
		scored(3, 0.1),
		unscored(4),
	}
	selector := TournamentSelector{TournamentSize: 2}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		parent, err := selector.PickParent(rng, population)
		if err != nil {
			t.Fatalf("pick parent: %v", err)
		}
		if !parent.Evaluated() {
			t.Fatalf("picked unevaluated individual %s", parent.Name)
		}
	}
}

func TestTournamentSelectorPrefersFitter(t *testing.T) {
	population := []*model.Individual{scored(0, 0.9), scored(1, 0.1), scored(2, 0.2), scored(3, 0.3)}
	selector := TournamentSelector{TournamentSize: 3}
	rng := rand.New(rand.NewSource(3))
	counts := map[uint64]int{}
	for i := 0; i < 1000; i++ {
		parent, err := selector.PickParent(rng, population)
		if err != nil {
			t.Fatalf("pick parent: %v", err)
		}
		counts[parent.ID]++
	}
	if counts[0] <= counts[1] || counts[0] <= counts[2] || counts[0] <= counts[3] {
		t.Fatalf("expected the fittest to win most tournaments: %v", counts)
	}
}

func TestSelectorsFailWithoutFitness(t *testing.T) {
	population := []*model.Individual{unscored(0), unscored(1)}
	rng := rand.New(rand.NewSource(1))
	for _, selector := range []Selector{TournamentSelector{}, EliteSelector{}} {
		if _, err := selector.PickParent(rng, population); !errors.Is(err, ErrMissingFitness) {
			t.Fatalf("%s: expected ErrMissingFitness, got %v", selector.Name(), err)
		}
	}
}

func TestEliteSelectorStaysInTopSet(t *testing.T) {
	population := []*model.Individual{scored(0, 0.1), scored(1, 0.9), unscored(2), scored(3, 0.8), scored(4, 0.2)}
	selector := EliteSelector{Count: 2}
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 200; i++ {
		parent, err := selector.PickParent(rng, population)
		if err != nil {
			t.Fatalf("pick parent: %v", err)
		}
		if parent.ID != 1 && parent.ID != 3 {
			t.Fatalf("picked %s outside the elite set", parent.Name)
		}
	}
}

func TestNewSelector(t *testing.T) {
	cases := map[string]string{"": "tournament", "tournament": "tournament", "elite": "elite"}
	for selection, want := range cases {
		selector, err := NewSelector(model.RunConfig{Selection: selection})
		if err != nil {
			t.Fatalf("selection %q: %v", selection, err)
		}
		if selector.Name() != want {
			t.Fatalf("selection %q: got %s want %s", selection, selector.Name(), want)
		}
	}
	if _, err := NewSelector(model.RunConfig{Selection: "roulette"}); err == nil {
		t.Fatal("expected unknown selection error")
	}
}

func TestRankAllPutsMissingFitnessLast(t *testing.T) {
	ranked := rankAll([]*model.Individual{unscored(0), scored(1, 0.3), unscored(2), scored(3, 0.7)})
	want := []uint64{3, 1, 0, 2}
	for i, ind := range ranked {
		if ind.ID != want[i] {
			t.Fatalf("rank %d: got id %d want %d", i, ind.ID, want[i])
		}
	}
}
