package model

import "time"

// GenerationDiagnostics summarizes the fitness spread of one generation.
type GenerationDiagnostics struct {
	Generation     uint64  `json:"generation"`
	Phase          int     `json:"phase"`
	PopulationSize int     `json:"population_size"`
	Evaluated      int     `json:"evaluated"`
	Missing        int     `json:"missing"`
	BestFitness    float64 `json:"best_fitness"`
	MeanFitness    float64 `json:"mean_fitness"`
	StdDevFitness  float64 `json:"stddev_fitness"`
	MinFitness     float64 `json:"min_fitness"`
	BestName       string  `json:"best_name,omitempty"`
	BestSeen       float64 `json:"best_seen"`
	Stagnation     int     `json:"stagnation"`
	Redispatches   int     `json:"redispatches,omitempty"`
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunRecord is the persisted outline of one run.
type RunRecord struct {
	VersionedRecord
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Ordinal     uint64    `json:"ordinal"`
	Config      RunConfig `json:"config"`
	Status      RunStatus `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Generations int       `json:"generations"`
	Individuals uint64    `json:"individuals"`
	StopReason  string    `json:"stop_reason,omitempty"`
	BestFitness *float64  `json:"best_fitness,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// BestLayout is the finalized winner of a run, in the form renderers consume.
type BestLayout struct {
	VersionedRecord
	RunID        string   `json:"run_id"`
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	KeyboardFile string   `json:"keyboard_file"`
	Genotype     Genotype `json:"genotype"`
	Fitness      float64  `json:"fitness"`
	Distance     float64  `json:"distance"`
	Time         float64  `json:"time"`
	Typed        uint64   `json:"typed"`
}
