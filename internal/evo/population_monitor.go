package evo

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"

	"ergotype/internal/model"
)

type State int32

const (
	StateInitializing State = iota
	StateEvaluating
	StateSelecting
	StateBreeding
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateEvaluating:
		return "evaluating"
	case StateSelecting:
		return "selecting"
	case StateBreeding:
		return "breeding"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type StopReason string

const (
	StopMaxIterations StopReason = "max_iterations"
	StopStagnation    StopReason = "stagnation"
)

const DefaultMaxRedispatch = 3

// Evaluator assigns fitness to the unevaluated members of a population. An
// error other than cancellation is not fatal; individuals left without
// fitness are handled by the monitor.
type Evaluator interface {
	Evaluate(ctx context.Context, individuals []*model.Individual) error
}

type EvaluatorFunc func(ctx context.Context, individuals []*model.Individual) error

func (f EvaluatorFunc) Evaluate(ctx context.Context, individuals []*model.Individual) error {
	return f(ctx, individuals)
}

type MonitorConfig struct {
	Run        model.RunConfig
	Space      LayoutSpace
	Reference  model.Genotype
	Evaluator  Evaluator
	RunContext *RunContext
	Selector   Selector
	Mutation   Operator
	Crossover  DominantCrossover
	// MaxRedispatch bounds how often a generation with no evaluated
	// individual is sent out again before the run fails.
	MaxRedispatch int
	OnGeneration  func(model.GenerationDiagnostics, *Population)
	Logger        *slog.Logger
}

type RunResult struct {
	Best                  *model.Individual
	Generations           int
	StopReason            StopReason
	BestByGeneration      []float64
	GenerationDiagnostics []model.GenerationDiagnostics
	FinalPopulation       []*model.Individual
}

// PopulationMonitor drives one evolutionary run through evaluation,
// selection and breeding until its generation budget is spent or the best
// fitness stagnates.
type PopulationMonitor struct {
	cfg      MonitorConfig
	rng      *rand.Rand
	schedule Schedule
	state    atomic.Int32
	logger   *slog.Logger
}

func NewPopulationMonitor(cfg MonitorConfig) (*PopulationMonitor, error) {
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if err := cfg.Space.Validate(); err != nil {
		return nil, fmt.Errorf("layout space: %w", err)
	}
	schedule := NewSchedule(cfg.Run)
	if schedule.Generations() <= 0 {
		return nil, fmt.Errorf("generations must be > 0")
	}
	for gen := 0; gen < schedule.Generations(); gen++ {
		if schedule.Size(gen) <= 0 {
			return nil, fmt.Errorf("population size must be > 0 (generation %d)", gen)
		}
	}
	if cfg.Run.StagnantLimit < 0 {
		return nil, fmt.Errorf("stagnant limit must be >= 0")
	}
	if cfg.Run.EliteCount < 0 {
		return nil, fmt.Errorf("elite count must be >= 0")
	}
	if cfg.RunContext == nil {
		cfg.RunContext = NewRunContext()
	}
	if cfg.Selector == nil {
		selector, err := NewSelector(cfg.Run)
		if err != nil {
			return nil, err
		}
		cfg.Selector = selector
	}
	if cfg.Mutation == nil {
		cfg.Mutation = SwapMutation{Rate: cfg.Run.MutationRate}
	}
	if cfg.MaxRedispatch <= 0 {
		cfg.MaxRedispatch = DefaultMaxRedispatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PopulationMonitor{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Run.Seed)),
		schedule: schedule,
		logger:   logger.With("component", "evo", "run", cfg.Run.Name),
	}, nil
}

func (m *PopulationMonitor) State() State {
	return State(m.state.Load())
}

func (m *PopulationMonitor) setState(s State) {
	m.state.Store(int32(s))
}

func (m *PopulationMonitor) Run(ctx context.Context) (RunResult, error) {
	m.setState(StateInitializing)
	pop := &Population{Individuals: m.initialPopulation()}
	total := m.schedule.Generations()

	result := RunResult{
		BestByGeneration:      make([]float64, 0, total),
		GenerationDiagnostics: make([]model.GenerationDiagnostics, 0, total),
	}

	for {
		if err := ctx.Err(); err != nil {
			return m.finish(result, pop), err
		}

		m.setState(StateEvaluating)
		redispatches, err := m.evaluate(ctx, pop)
		if err != nil {
			return m.finish(result, pop), err
		}

		m.setState(StateSelecting)
		pop.Observe()
		gen := int(pop.Generation)
		diag := summarizeGeneration(pop, m.schedule.Phase(gen), redispatches)
		result.GenerationDiagnostics = append(result.GenerationDiagnostics, diag)
		result.BestByGeneration = append(result.BestByGeneration, diag.BestFitness)
		m.logger.Info("generation complete",
			"generation", gen,
			"size", diag.PopulationSize,
			"evaluated", diag.Evaluated,
			"best", diag.BestFitness,
			"mean", diag.MeanFitness,
			"stagnation", diag.Stagnation,
		)
		if m.cfg.OnGeneration != nil {
			m.cfg.OnGeneration(diag, pop)
		}

		completed := gen + 1
		if completed >= total {
			result.StopReason = StopMaxIterations
			break
		}
		if limit := m.cfg.Run.StagnantLimit; limit > 0 && pop.StagnationCount >= limit {
			result.StopReason = StopStagnation
			m.logger.Info("stopping on stagnation", "generation", gen, "limit", limit)
			break
		}

		m.setState(StateBreeding)
		next, err := m.nextGeneration(pop, m.schedule.Size(completed))
		if err != nil {
			return m.finish(result, pop), err
		}
		pop.Individuals = next
		pop.Generation++
	}

	m.setState(StateDone)
	return m.finish(result, pop), nil
}

// finish fills in what a run produced so far, also when it ends early.
func (m *PopulationMonitor) finish(result RunResult, pop *Population) RunResult {
	if pop.BestSeen != nil {
		result.Best = pop.BestSeen.Clone()
	}
	result.Generations = len(result.GenerationDiagnostics)
	result.FinalPopulation = pop.Individuals
	return result
}

// evaluate sends the population out until at least one individual has a
// fitness, or the redispatch budget is spent.
func (m *PopulationMonitor) evaluate(ctx context.Context, pop *Population) (int, error) {
	redispatches := 0
	for {
		if len(pop.Unevaluated()) > 0 {
			if err := m.cfg.Evaluator.Evaluate(ctx, pop.Individuals); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return redispatches, ctxErr
				}
				m.logger.Warn("evaluation incomplete", "generation", pop.Generation, "error", err)
			}
		}
		if pop.Best() != nil {
			return redispatches, nil
		}
		if redispatches >= m.cfg.MaxRedispatch {
			return redispatches, fmt.Errorf("generation %d: %w after %d redispatches", pop.Generation, ErrMissingFitness, redispatches)
		}
		redispatches++
		m.logger.Warn("no individual evaluated, redispatching", "generation", pop.Generation, "attempt", redispatches)
	}
}

func (m *PopulationMonitor) initialPopulation() []*model.Individual {
	size := m.schedule.Size(0)
	out := make([]*model.Individual, 0, size)
	if m.cfg.Run.IncludeReference && m.cfg.Reference != nil && m.cfg.Space.Complete(m.cfg.Reference) {
		out = append(out, m.newIndividual(0, m.cfg.Reference.Clone()))
	}
	for len(out) < size {
		out = append(out, m.newIndividual(0, m.cfg.Space.RandomGenotype(m.rng)))
	}
	return out
}

// nextGeneration resizes and breeds. A shrinking population keeps only its
// fittest members as parents; a growing one breeds at its current size and
// is topped up with random layouts.
func (m *PopulationMonitor) nextGeneration(pop *Population, target int) ([]*model.Individual, error) {
	generation := pop.Generation + 1
	parents := pop.Individuals
	if target < len(parents) {
		parents = rankAll(parents)[:target]
	}
	if target != len(pop.Individuals) {
		m.logger.Info("resizing population", "generation", generation, "from", len(pop.Individuals), "to", target)
	}

	next, err := m.breed(parents, min(len(parents), target), generation)
	if err != nil {
		return nil, err
	}
	for len(next) < target {
		next = append(next, m.newIndividual(generation, m.cfg.Space.RandomGenotype(m.rng)))
	}
	return next, nil
}

func (m *PopulationMonitor) breed(parents []*model.Individual, n int, generation uint64) ([]*model.Individual, error) {
	next := make([]*model.Individual, 0, n)

	elites := min(m.cfg.Run.EliteCount, n)
	for _, elite := range rankEvaluated(parents) {
		if len(next) >= elites {
			break
		}
		next = append(next, elite.Clone())
	}

	for len(next) < n {
		first, err := m.cfg.Selector.PickParent(m.rng, parents)
		if err != nil {
			return nil, fmt.Errorf("select parent: %w", err)
		}
		genotype := first.Genotype
		if m.rng.Float64() < m.cfg.Run.CrossoverRate {
			second, err := m.cfg.Selector.PickParent(m.rng, parents)
			if err != nil {
				return nil, fmt.Errorf("select parent: %w", err)
			}
			genotype, err = m.cfg.Crossover.Cross(m.rng, first, second, m.cfg.Space)
			if err != nil {
				return nil, fmt.Errorf("crossover: %w", err)
			}
		}
		child, err := m.cfg.Mutation.Apply(m.rng, genotype, m.cfg.Space)
		if err != nil {
			return nil, fmt.Errorf("%s mutation: %w", m.cfg.Mutation.Name(), err)
		}
		next = append(next, m.newIndividual(generation, child))
	}
	return next, nil
}

func (m *PopulationMonitor) newIndividual(generation uint64, g model.Genotype) *model.Individual {
	id := m.cfg.RunContext.NextID()
	return &model.Individual{
		ID:         id,
		Generation: generation,
		Name:       model.IndividualName(generation, id),
		Genotype:   g,
	}
}
