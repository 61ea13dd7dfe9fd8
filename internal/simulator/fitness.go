package simulator

import "ergotype/internal/model"

const (
	DefaultDistanceWeight = 0.05
	DefaultTimeWeight     = 5.0
)

// Weights trade distance (per mm) against time when scoring a layout.
type Weights struct {
	Distance float64
	Time     float64
}

func DefaultWeights() Weights {
	return Weights{Distance: DefaultDistanceWeight, Time: DefaultTimeWeight}
}

func WeightsFromConfig(msg model.ConfigMessage) Weights {
	return Weights{Distance: msg.DistanceWeight, Time: msg.TimeWeight}
}

// Fitness maps the per-character effort of a layout into (0, 1]; higher is
// better. A layout that typed nothing scores 0.
func Fitness(distance, elapsed float64, typed uint64, w Weights) float64 {
	if typed == 0 {
		return 0
	}
	cost := (w.Distance*distance + w.Time*elapsed) / float64(typed)
	if cost < 0 {
		cost = 0
	}
	return 1 / (1 + cost)
}
