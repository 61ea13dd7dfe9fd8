package evo

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"ergotype/internal/model"
)

func summarizeGeneration(pop *Population, phase, redispatches int) model.GenerationDiagnostics {
	diag := model.GenerationDiagnostics{
		Generation:     pop.Generation,
		Phase:          phase,
		PopulationSize: len(pop.Individuals),
		Stagnation:     pop.StagnationCount,
		Redispatches:   redispatches,
	}
	if pop.BestSeen != nil {
		diag.BestSeen = *pop.BestSeen.Fitness
	}

	fitness := make([]float64, 0, len(pop.Individuals))
	for _, ind := range pop.Individuals {
		if ind.Evaluated() {
			fitness = append(fitness, *ind.Fitness)
		}
	}
	diag.Evaluated = len(fitness)
	diag.Missing = len(pop.Individuals) - len(fitness)
	if len(fitness) == 0 {
		return diag
	}

	diag.BestFitness = floats.Max(fitness)
	diag.MinFitness = floats.Min(fitness)
	diag.MeanFitness = stat.Mean(fitness, nil)
	if len(fitness) > 1 {
		diag.StdDevFitness = stat.StdDev(fitness, nil)
	}
	if best := pop.Best(); best != nil {
		diag.BestName = best.Name
	}
	return diag
}
