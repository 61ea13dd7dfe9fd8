package evo

import (
	"ergotype/internal/model"
)

// Population is one generation of individuals plus the run-wide progress
// markers carried from generation to generation.
type Population struct {
	Individuals     []*model.Individual
	Generation      uint64
	StagnationCount int
	// BestSeen is a copy of the best individual of the run so far.
	BestSeen *model.Individual
}

// Best returns the fittest evaluated individual of the current generation.
func (p *Population) Best() *model.Individual {
	var best *model.Individual
	for _, ind := range p.Individuals {
		if !ind.Evaluated() {
			continue
		}
		if best == nil || *ind.Fitness > *best.Fitness {
			best = ind
		}
	}
	return best
}

// Unevaluated returns the individuals still waiting for a fitness.
func (p *Population) Unevaluated() []*model.Individual {
	out := make([]*model.Individual, 0, len(p.Individuals))
	for _, ind := range p.Individuals {
		if !ind.Evaluated() {
			out = append(out, ind)
		}
	}
	return out
}

// Observe folds the current generation into BestSeen and the stagnation
// count. It returns true when the best fitness strictly improved.
func (p *Population) Observe() bool {
	best := p.Best()
	if best != nil && (p.BestSeen == nil || *best.Fitness > *p.BestSeen.Fitness) {
		p.BestSeen = best.Clone()
		p.StagnationCount = 0
		return true
	}
	p.StagnationCount++
	return false
}

// Schedule maps generations to population sizes.
type Schedule struct {
	fixed  int
	phases []model.PopulationPhase
	total  int
}

func NewSchedule(cfg model.RunConfig) Schedule {
	return Schedule{
		fixed:  cfg.PopulationSize,
		phases: append([]model.PopulationPhase(nil), cfg.PopulationPhases...),
		total:  cfg.TotalIterations(),
	}
}

// Generations is the total generation budget.
func (s Schedule) Generations() int {
	return s.total
}

// Phase returns the index of the phase that generation belongs to; fixed
// schedules have a single phase 0.
func (s Schedule) Phase(generation int) int {
	if len(s.phases) == 0 {
		return 0
	}
	end := 0
	for i, phase := range s.phases {
		end += phase.Iterations
		if generation < end {
			return i
		}
	}
	return len(s.phases) - 1
}

// Size is the population size of generation.
func (s Schedule) Size(generation int) int {
	if len(s.phases) == 0 {
		return s.fixed
	}
	return s.phases[s.Phase(generation)].MaxPopulation
}
