package evo

import (
	"fmt"
	"math/rand"

	"ergotype/internal/keyboard"
	"ergotype/internal/model"
)

// LayoutSpace is what a genotype is drawn from: the characters to place and
// the keys they may occupy.
type LayoutSpace struct {
	Chars []string
	Slots []string
}

func NewLayoutSpace(kb *keyboard.Keyboard) (LayoutSpace, error) {
	space := LayoutSpace{Chars: kb.Charset(), Slots: kb.Slots()}
	if err := space.Validate(); err != nil {
		return LayoutSpace{}, fmt.Errorf("keyboard %s: %w", kb.Name, err)
	}
	return space, nil
}

func (s LayoutSpace) Validate() error {
	if len(s.Chars) == 0 {
		return fmt.Errorf("no characters to place")
	}
	if len(s.Slots) < len(s.Chars) {
		return fmt.Errorf("%d characters do not fit %d keys", len(s.Chars), len(s.Slots))
	}
	return nil
}

// RandomGenotype places every character on a distinct random key.
func (s LayoutSpace) RandomGenotype(rng *rand.Rand) model.Genotype {
	perm := rng.Perm(len(s.Slots))
	g := make(model.Genotype, len(s.Chars))
	for i, ch := range s.Chars {
		g[ch] = s.Slots[perm[i]]
	}
	return g
}

// Complete reports whether g places exactly the characters of the space on
// distinct keys of the space.
func (s LayoutSpace) Complete(g model.Genotype) bool {
	if len(g) != len(s.Chars) || g.Validate() != nil {
		return false
	}
	slots := make(map[string]struct{}, len(s.Slots))
	for _, id := range s.Slots {
		slots[id] = struct{}{}
	}
	for _, ch := range s.Chars {
		key, ok := g[ch]
		if !ok {
			return false
		}
		if _, ok := slots[key]; !ok {
			return false
		}
	}
	return true
}

// Operator derives a new genotype from g and leaves g untouched.
type Operator interface {
	Name() string
	Apply(rng *rand.Rand, g model.Genotype, space LayoutSpace) (model.Genotype, error)
}

// occupancy maps key ids back to the character placed on them.
func occupancy(g model.Genotype) map[string]string {
	out := make(map[string]string, len(g))
	for ch, key := range g {
		out[key] = ch
	}
	return out
}
