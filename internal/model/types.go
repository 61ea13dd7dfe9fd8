package model

import (
	"fmt"
	"slices"
	"sort"
	"time"
	"unicode/utf8"
)

// VersionedRecord captures schema evolution for persisted and wire records.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
}

// FingerCount is the number of simulated fingers, thumbs included.
const FingerCount = 10

// Genotype assigns characters (single-rune strings) to physical key ids.
type Genotype map[string]string

// Clone returns an independent copy.
func (g Genotype) Clone() Genotype {
	if g == nil {
		return nil
	}
	out := make(Genotype, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

// Chars returns the assigned characters in sorted order.
func (g Genotype) Chars() []string {
	chars := make([]string, 0, len(g))
	for ch := range g {
		chars = append(chars, ch)
	}
	sort.Strings(chars)
	return chars
}

// Validate checks that every entry maps one rune to a non-empty key id and
// that no key is used twice.
func (g Genotype) Validate() error {
	if len(g) == 0 {
		return fmt.Errorf("genotype is empty")
	}
	used := make(map[string]string, len(g))
	for ch, key := range g {
		if utf8.RuneCountInString(ch) != 1 {
			return fmt.Errorf("genotype char %q must be a single rune", ch)
		}
		if key == "" {
			return fmt.Errorf("genotype char %q has empty key id", ch)
		}
		if other, ok := used[key]; ok {
			return fmt.Errorf("key %q assigned to both %q and %q", key, other, ch)
		}
		used[key] = ch
	}
	return nil
}

// Individual is one candidate layout inside a population.
type Individual struct {
	ID         uint64   `json:"id"`
	Generation uint64   `json:"generation"`
	Name       string   `json:"name"`
	Genotype   Genotype `json:"genotype"`
	Fitness    *float64 `json:"fitness,omitempty"`
	Distance   float64  `json:"distance,omitempty"`
	Time       float64  `json:"time,omitempty"`
	Typed      uint64   `json:"typed,omitempty"`
}

// IndividualName derives the display name of an individual.
func IndividualName(generation, id uint64) string {
	return fmt.Sprintf("gen_%d-%d", generation, id)
}

// Evaluated reports whether a fitness value has been applied.
func (i *Individual) Evaluated() bool {
	return i != nil && i.Fitness != nil
}

// Clone returns a deep copy.
func (i *Individual) Clone() *Individual {
	if i == nil {
		return nil
	}
	out := *i
	out.Genotype = i.Genotype.Clone()
	if i.Fitness != nil {
		f := *i.Fitness
		out.Fitness = &f
	}
	return &out
}

// PopulationPhase is one scheduled segment of a phased run.
type PopulationPhase struct {
	Iterations    int `json:"iterations" mapstructure:"iterations"`
	MaxPopulation int `json:"max_population" mapstructure:"max_population"`
}

// RunConfig holds the immutable parameters of a single evolutionary run.
type RunConfig struct {
	Name              string            `json:"name" mapstructure:"name"`
	PopulationSize    int               `json:"population_size" mapstructure:"population_size"`
	MaxIterations     int               `json:"max_iterations" mapstructure:"max_iterations"`
	PopulationPhases  []PopulationPhase `json:"population_phases,omitempty" mapstructure:"population_phases"`
	StagnantLimit     int               `json:"stagnant_limit" mapstructure:"stagnant_limit"`
	// Concurrency caps parallel evaluations per worker for this run; 0 leaves
	// the worker's own limit.
	Concurrency       int               `json:"concurrency" mapstructure:"concurrency"`
	Seed              int64             `json:"seed" mapstructure:"seed"`
	Selection         string            `json:"selection,omitempty" mapstructure:"selection"`
	TournamentSize    int               `json:"tournament_size" mapstructure:"tournament_size"`
	EliteCount        int               `json:"elite_count" mapstructure:"elite_count"`
	CrossoverRate     float64           `json:"crossover_rate" mapstructure:"crossover_rate"`
	MutationRate      float64           `json:"mutation_rate" mapstructure:"mutation_rate"`
	IncludeReference  bool              `json:"include_reference" mapstructure:"include_reference"`
	GenerationTimeout time.Duration     `json:"generation_timeout" mapstructure:"generation_timeout"`

	FittsA             float64   `json:"fitts_a" mapstructure:"fitts_a"`
	FittsB             float64   `json:"fitts_b" mapstructure:"fitts_b"`
	FingerCoefficients []float64 `json:"finger_coefficients" mapstructure:"finger_coefficients"`
	ResetInterval      int       `json:"reset_interval" mapstructure:"reset_interval"`
	DistanceWeight     float64   `json:"distance_weight" mapstructure:"distance_weight"`
	TimeWeight         float64   `json:"time_weight" mapstructure:"time_weight"`

	KeyboardFile string `json:"keyboard_file" mapstructure:"keyboard_file"`
	TextFile     string `json:"text_file" mapstructure:"text_file"`
}

// Phased reports whether the run uses population phases.
func (c RunConfig) Phased() bool {
	return len(c.PopulationPhases) > 0
}

// TotalIterations is the generation budget of the run.
func (c RunConfig) TotalIterations() int {
	if !c.Phased() {
		return c.MaxIterations
	}
	total := 0
	for _, phase := range c.PopulationPhases {
		total += phase.Iterations
	}
	return total
}

// InitialPopulation is the size of generation zero.
func (c RunConfig) InitialPopulation() int {
	if c.Phased() {
		return c.PopulationPhases[0].MaxPopulation
	}
	return c.PopulationSize
}

// Validate checks structural consistency of the run parameters.
func (c RunConfig) Validate() error {
	if c.Phased() {
		for i, phase := range c.PopulationPhases {
			if phase.Iterations <= 0 {
				return fmt.Errorf("run %q phase %d: iterations must be > 0", c.Name, i)
			}
			if phase.MaxPopulation <= 0 {
				return fmt.Errorf("run %q phase %d: max population must be > 0", c.Name, i)
			}
		}
	} else {
		if c.PopulationSize <= 0 {
			return fmt.Errorf("run %q: population size must be > 0", c.Name)
		}
		if c.MaxIterations <= 0 {
			return fmt.Errorf("run %q: max iterations must be > 0", c.Name)
		}
	}
	if c.StagnantLimit < 0 {
		return fmt.Errorf("run %q: stagnant limit must be >= 0", c.Name)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("run %q: concurrency must be >= 0", c.Name)
	}
	switch c.Selection {
	case "", "tournament", "elite":
	default:
		return fmt.Errorf("run %q: unknown selection %q", c.Name, c.Selection)
	}
	if c.EliteCount < 0 {
		return fmt.Errorf("run %q: elite count must be >= 0", c.Name)
	}
	if c.CrossoverRate < 0 || c.CrossoverRate > 1 {
		return fmt.Errorf("run %q: crossover rate must be in [0, 1]", c.Name)
	}
	if c.MutationRate < 0 || c.MutationRate > 1 {
		return fmt.Errorf("run %q: mutation rate must be in [0, 1]", c.Name)
	}
	if n := len(c.FingerCoefficients); n != 0 && n != FingerCount {
		return fmt.Errorf("run %q: finger coefficients need %d values, got %d", c.Name, FingerCount, n)
	}
	if c.KeyboardFile == "" {
		return fmt.Errorf("run %q: keyboard file is required", c.Name)
	}
	if c.TextFile == "" {
		return fmt.Errorf("run %q: text file is required", c.Name)
	}
	return nil
}

// ConfigMessage is the latest-wins evaluation config broadcast to workers.
// File paths are relative to the project root of whichever side reads them.
type ConfigMessage struct {
	Version            uint64    `json:"version"`
	KeyboardFile       string    `json:"keyboard_file"`
	TextFile           string    `json:"text_file"`
	FittsA             float64   `json:"fitts_a"`
	FittsB             float64   `json:"fitts_b"`
	FingerCoefficients []float64 `json:"finger_coefficients"`
	ResetInterval      int       `json:"reset_interval"`
	DistanceWeight     float64   `json:"distance_weight"`
	TimeWeight         float64   `json:"time_weight"`
	// Concurrency caps each worker's parallel evaluations; 0 means no cap.
	Concurrency        int       `json:"concurrency,omitempty"`
}

// Equal reports whether both messages describe the same run inputs.
func (m ConfigMessage) Equal(other ConfigMessage) bool {
	return m.Version == other.Version &&
		m.KeyboardFile == other.KeyboardFile &&
		m.TextFile == other.TextFile &&
		m.FittsA == other.FittsA &&
		m.FittsB == other.FittsB &&
		slices.Equal(m.FingerCoefficients, other.FingerCoefficients) &&
		m.ResetInterval == other.ResetInterval &&
		m.DistanceWeight == other.DistanceWeight &&
		m.TimeWeight == other.TimeWeight &&
		m.Concurrency == other.Concurrency
}

func (m ConfigMessage) Validate() error {
	if m.Version == 0 {
		return fmt.Errorf("config version is required")
	}
	if m.KeyboardFile == "" || m.TextFile == "" {
		return fmt.Errorf("config file references are required")
	}
	if len(m.FingerCoefficients) != FingerCount {
		return fmt.Errorf("config needs %d finger coefficients, got %d", FingerCount, len(m.FingerCoefficients))
	}
	if m.Concurrency < 0 {
		return fmt.Errorf("config concurrency must be >= 0")
	}
	return nil
}

// Job is one evaluation request.
type Job struct {
	IndividualID  uint64   `json:"individual_id"`
	Generation    uint64   `json:"generation"`
	Genotype      Genotype `json:"genotype"`
	ConfigVersion uint64   `json:"config_version"`
}

func (j Job) Validate() error {
	if j.ConfigVersion == 0 {
		return fmt.Errorf("job %d: config version is required", j.IndividualID)
	}
	if err := j.Genotype.Validate(); err != nil {
		return fmt.Errorf("job %d: %w", j.IndividualID, err)
	}
	return nil
}

// Result correlates an evaluation outcome back to one individual.
type Result struct {
	IndividualID uint64  `json:"individual_id"`
	Distance     float64 `json:"distance"`
	Time         float64 `json:"time"`
	Typed        uint64  `json:"typed"`
	Success      bool    `json:"success"`
	Error        string  `json:"error,omitempty"`
}

func (r Result) Validate() error {
	if r.Distance < 0 || r.Time < 0 {
		return fmt.Errorf("result %d: negative totals", r.IndividualID)
	}
	return nil
}
