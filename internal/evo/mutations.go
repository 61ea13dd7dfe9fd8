package evo

import (
	"fmt"
	"math/rand"

	"ergotype/internal/model"
)

// SwapMutation visits every character and, with probability Rate, moves it to
// a random key. An occupied key swaps characters; a free key simply takes the
// character.
type SwapMutation struct {
	Rate float64
}

func (SwapMutation) Name() string {
	return "swap"
}

func (m SwapMutation) Apply(rng *rand.Rand, g model.Genotype, space LayoutSpace) (model.Genotype, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if len(space.Slots) == 0 {
		return nil, fmt.Errorf("layout space has no keys")
	}
	child := g.Clone()
	occupied := occupancy(child)
	for _, ch := range g.Chars() {
		if rng.Float64() >= m.Rate {
			continue
		}
		current := child[ch]
		target := space.Slots[rng.Intn(len(space.Slots))]
		if target == current {
			continue
		}
		if other, ok := occupied[target]; ok {
			child[other] = current
			occupied[current] = other
		} else {
			delete(occupied, current)
		}
		child[ch] = target
		occupied[target] = ch
	}
	return child, nil
}

// DominantCrossover builds a child key by key, taking each character's key
// from the dominant parent with probability Bias and from the other parent
// otherwise. Collisions are repaired so the child stays a valid layout.
type DominantCrossover struct {
	Bias float64
}

const DefaultDominanceBias = 0.6

func (DominantCrossover) Name() string {
	return "dominant_uniform"
}

// Dominant orders two parents. A parent without fitness is never preferred;
// when neither or both have equal fitness the first parent leads.
func Dominant(a, b *model.Individual) (*model.Individual, *model.Individual) {
	switch {
	case a.Evaluated() && b.Evaluated():
		if *b.Fitness > *a.Fitness {
			return b, a
		}
		return a, b
	case b.Evaluated():
		return b, a
	default:
		return a, b
	}
}

func (c DominantCrossover) Cross(rng *rand.Rand, a, b *model.Individual, space LayoutSpace) (model.Genotype, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	bias := c.Bias
	if bias <= 0 || bias > 1 {
		bias = DefaultDominanceBias
	}
	dominant, other := Dominant(a, b)

	child := make(model.Genotype, len(space.Chars))
	used := make(map[string]struct{}, len(space.Chars))
	var unplaced []string
	for _, ch := range space.Chars {
		first, second := dominant.Genotype[ch], other.Genotype[ch]
		if rng.Float64() >= bias {
			first, second = second, first
		}
		placed := false
		for _, key := range []string{first, second} {
			if key == "" {
				continue
			}
			if _, taken := used[key]; taken {
				continue
			}
			child[ch] = key
			used[key] = struct{}{}
			placed = true
			break
		}
		if !placed {
			unplaced = append(unplaced, ch)
		}
	}

	if len(unplaced) > 0 {
		free := make([]string, 0, len(space.Slots)-len(used))
		for _, key := range space.Slots {
			if _, taken := used[key]; !taken {
				free = append(free, key)
			}
		}
		for _, ch := range unplaced {
			if len(free) == 0 {
				return nil, fmt.Errorf("no free key left for %q", ch)
			}
			i := rng.Intn(len(free))
			child[ch] = free[i]
			free = append(free[:i], free[i+1:]...)
		}
	}
	return child, nil
}
