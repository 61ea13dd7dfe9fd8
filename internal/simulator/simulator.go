// Package simulator types a corpus on a candidate layout and measures how far
// and for how long the fingers travel.
package simulator

import (
	"fmt"
	"math"
	"unicode"

	"ergotype/internal/keyboard"
	"ergotype/internal/model"
)

const (
	DefaultFittsA        = 0.05
	DefaultFittsB        = 0.1
	DefaultResetInterval = 100
)

// DefaultFingerCoefficients slow down the weaker fingers.
var DefaultFingerCoefficients = [model.FingerCount]float64{1.5, 1.3, 1.1, 1.0, 1.0, 1.0, 1.0, 1.1, 1.3, 1.5}

// Params is the movement model.
type Params struct {
	FittsA             float64
	FittsB             float64
	FingerCoefficients [model.FingerCount]float64
	// ResetInterval snaps every finger home after this many presses; zero
	// disables resets.
	ResetInterval int
}

func DefaultParams() Params {
	return Params{
		FittsA:             DefaultFittsA,
		FittsB:             DefaultFittsB,
		FingerCoefficients: DefaultFingerCoefficients,
		ResetInterval:      DefaultResetInterval,
	}
}

// ParamsFromConfig builds the movement model carried by a config message.
func ParamsFromConfig(msg model.ConfigMessage) Params {
	params := Params{
		FittsA:        msg.FittsA,
		FittsB:        msg.FittsB,
		ResetInterval: msg.ResetInterval,
	}
	params.FingerCoefficients = DefaultFingerCoefficients
	if len(msg.FingerCoefficients) == model.FingerCount {
		copy(params.FingerCoefficients[:], msg.FingerCoefficients)
	}
	return params
}

// MovementTime applies Fitts's law. A zero distance costs nothing.
func MovementTime(distance, width, a, b float64) float64 {
	if distance <= 0 {
		return 0
	}
	if width <= 0 {
		width = 1
	}
	return a + b*math.Log2(distance/width+1)
}

// FingerState tracks one finger during a pass over the corpus.
type FingerState struct {
	Current       keyboard.Point
	Home          keyboard.Point
	TotalDistance float64
	TotalTime     float64
	Presses       uint64
}

type FingerStats struct {
	Finger   keyboard.Finger `json:"finger"`
	Distance float64         `json:"distance"`
	Time     float64         `json:"time"`
	Presses  uint64          `json:"presses"`
}

// Stats aggregates one simulation pass. Distance is in millimetres.
type Stats struct {
	Distance float64                        `json:"distance"`
	Time     float64                        `json:"time"`
	Chars    uint64                         `json:"chars"`
	Typed    uint64                         `json:"typed"`
	Fingers  [model.FingerCount]FingerStats `json:"fingers"`
}

// Simulator holds the per-evaluation state. It is not safe for concurrent use;
// concurrent evaluations each build their own.
type Simulator struct {
	kb      *keyboard.Keyboard
	keys    map[rune]*keyboard.Key
	params  Params
	fingers [model.FingerCount]FingerState
	// next finger index for alternating keys
	alternate map[string]int
	pressed   int

	distance float64
	time     float64
	chars    uint64
	typed    uint64
}

func New(kb *keyboard.Keyboard, genotype model.Genotype, params Params) (*Simulator, error) {
	if kb == nil {
		return nil, fmt.Errorf("keyboard is required")
	}
	keys, err := kb.KeyMap(genotype)
	if err != nil {
		return nil, err
	}
	s := &Simulator{kb: kb, keys: keys, params: params}
	s.Reset()
	return s, nil
}

// Reset clears all totals and puts every finger on its home key.
func (s *Simulator) Reset() {
	for i := range s.fingers {
		home := s.kb.Home(keyboard.Finger(i))
		s.fingers[i] = FingerState{Current: home, Home: home}
	}
	s.alternate = map[string]int{}
	s.pressed = 0
	s.distance = 0
	s.time = 0
	s.chars = 0
	s.typed = 0
}

// Press types one character and returns the distance (mm) and time it cost.
// Unprintable and unmapped characters are counted but not typed.
func (s *Simulator) Press(r rune) (float64, float64, bool) {
	s.chars++
	if !unicode.IsPrint(r) {
		return 0, 0, false
	}
	key, ok := s.keys[r]
	if !ok {
		return 0, 0, false
	}

	finger := s.fingerFor(key)
	state := &s.fingers[finger]
	units := keyboard.Distance(state.Current, key.Center)
	distance := units * s.kb.KeyUnitMM
	elapsed := MovementTime(units, key.Width, s.params.FittsA, s.params.FittsB) * s.params.FingerCoefficients[finger]

	state.TotalDistance += distance
	state.TotalTime += elapsed
	state.Presses++
	state.Current = key.Center

	s.distance += distance
	s.time += elapsed
	s.typed++
	s.pressed++
	if s.params.ResetInterval > 0 && s.pressed%s.params.ResetInterval == 0 {
		s.home()
	}
	return distance, elapsed, true
}

// Type presses every rune of text, continuing from the current state.
func (s *Simulator) Type(text string) {
	for _, r := range text {
		s.Press(r)
	}
}

func (s *Simulator) Stats() Stats {
	stats := Stats{
		Distance: s.distance,
		Time:     s.time,
		Chars:    s.chars,
		Typed:    s.typed,
	}
	for i, state := range s.fingers {
		stats.Fingers[i] = FingerStats{
			Finger:   keyboard.Finger(i),
			Distance: state.TotalDistance,
			Time:     state.TotalTime,
			Presses:  state.Presses,
		}
	}
	return stats
}

func (s *Simulator) fingerFor(key *keyboard.Key) keyboard.Finger {
	if len(key.Fingers) == 1 {
		return key.Fingers[0]
	}
	idx := s.alternate[key.ID]
	s.alternate[key.ID] = (idx + 1) % len(key.Fingers)
	return key.Fingers[idx]
}

func (s *Simulator) home() {
	for i := range s.fingers {
		s.fingers[i].Current = s.fingers[i].Home
	}
}

// Evaluate runs one self-contained pass of text over a layout.
func Evaluate(kb *keyboard.Keyboard, genotype model.Genotype, text string, params Params) (Stats, error) {
	sim, err := New(kb, genotype, params)
	if err != nil {
		return Stats{}, err
	}
	sim.Type(text)
	return sim.Stats(), nil
}
