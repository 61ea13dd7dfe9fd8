package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

type SupervisorPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts of zero restarts forever.
	MaxRestarts int
}

func (p SupervisorPolicy) normalize() SupervisorPolicy {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = max(5*time.Second, p.InitialBackoff)
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 2
	}
	return p
}

type RestartPolicy string

const (
	// RestartAlways restarts a task whenever it returns before its context
	// is done. Long-lived servers use it.
	RestartAlways RestartPolicy = "always"
	// RestartOnFailure restarts only after an error or a panic; a nil return
	// finishes the task.
	RestartOnFailure RestartPolicy = "on_failure"
)

type TaskSpec struct {
	Name    string
	Restart RestartPolicy
}

// TaskStatus is a snapshot of one supervised task, finished tasks included.
type TaskStatus struct {
	Name      string        `json:"name"`
	Restart   RestartPolicy `json:"restart"`
	Running   bool          `json:"running"`
	Restarts  int           `json:"restarts"`
	LastError string        `json:"last_error,omitempty"`
	GaveUp    bool          `json:"gave_up"`
}

type SupervisorHooks struct {
	OnRestart func(name string, err error, restarts int)
	// OnGiveUp fires once a task used up MaxRestarts.
	OnGiveUp func(name string, err error, restarts int)
}

// Supervisor keeps worker sessions and the metrics endpoint alive, restarting
// each task on its own with exponential backoff.
type Supervisor struct {
	policy SupervisorPolicy
	hooks  SupervisorHooks
	wg     conc.WaitGroup

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	spec     TaskSpec
	cancel   context.CancelFunc
	running  bool
	restarts int
	lastErr  error
	gaveUp   bool
}

func NewSupervisor(policy SupervisorPolicy, hooks SupervisorHooks) *Supervisor {
	return &Supervisor{
		policy: policy.normalize(),
		hooks:  hooks,
		tasks:  make(map[string]*task),
	}
}

// Go runs fn under spec until ctx is done or the restart policy lets it
// finish. Names must be unique among running tasks.
func (s *Supervisor) Go(ctx context.Context, spec TaskSpec, fn func(ctx context.Context) error) error {
	if spec.Name == "" {
		return errors.New("task name is required")
	}
	if fn == nil {
		return errors.New("task function is required")
	}
	if spec.Restart != RestartAlways {
		spec.Restart = RestartOnFailure
	}

	s.mu.Lock()
	if prev, ok := s.tasks[spec.Name]; ok && prev.running {
		s.mu.Unlock()
		return fmt.Errorf("task already running: %s", spec.Name)
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{spec: spec, cancel: cancel, running: true}
	s.tasks[spec.Name] = t
	s.mu.Unlock()

	s.wg.Go(func() {
		defer cancel()
		s.supervise(taskCtx, t, fn)
		s.mu.Lock()
		t.running = false
		s.mu.Unlock()
	})
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, t *task, fn func(ctx context.Context) error) {
	backoff := s.policy.InitialBackoff
	for {
		err := runRecovered(ctx, fn)
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		if err != nil {
			t.lastErr = err
		}
		restarts := t.restarts
		s.mu.Unlock()
		if err == nil && t.spec.Restart == RestartOnFailure {
			return
		}

		if s.policy.MaxRestarts > 0 && restarts >= s.policy.MaxRestarts {
			s.mu.Lock()
			t.gaveUp = true
			s.mu.Unlock()
			if s.hooks.OnGiveUp != nil {
				s.hooks.OnGiveUp(t.spec.Name, err, restarts)
			}
			return
		}
		restarts++
		s.mu.Lock()
		t.restarts = restarts
		s.mu.Unlock()
		if s.hooks.OnRestart != nil {
			s.hooks.OnRestart(t.spec.Name, err, restarts)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(time.Duration(float64(backoff)*s.policy.BackoffFactor), s.policy.MaxBackoff)
	}
}

// runRecovered turns a panicking task into an error.
func runRecovered(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	if recovered := panics.Try(func() { err = fn(ctx) }); recovered != nil {
		return recovered.AsError()
	}
	return err
}

// StopAll cancels every task and waits for them to return.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for _, t := range s.tasks {
		t.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Wait blocks until every task has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Statuses lists every task started so far, sorted by name.
func (s *Supervisor) Statuses() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		status := TaskStatus{
			Name:     t.spec.Name,
			Restart:  t.spec.Restart,
			Running:  t.running,
			Restarts: t.restarts,
			GaveUp:   t.gaveUp,
		}
		if t.lastErr != nil {
			status.LastError = t.lastErr.Error()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
