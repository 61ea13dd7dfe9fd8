package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ergotype/internal/model"
)

type MemoryOptions struct {
	// AckWait returns unresolved deliveries to the queue after this long.
	// Zero keeps them in flight until resolved.
	AckWait time.Duration
	Logger  *slog.Logger
}

type memoryMessage struct {
	tag  uint64
	data []byte
}

type inflightMessage struct {
	msg      memoryMessage
	deadline time.Time
}

// MemoryQueue is the in-process queue used when no broker is reachable.
// Messages are stored encoded so both backends validate payloads the same way.
type MemoryQueue struct {
	mu      sync.Mutex
	changed chan struct{}

	config   []byte
	jobs     []memoryMessage
	inflight map[uint64]inflightMessage
	results  [][]byte
	nextTag  uint64

	ackWait time.Duration
	logger  *slog.Logger
}

func NewMemoryQueue(opts MemoryOptions) *MemoryQueue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		changed:  make(chan struct{}),
		inflight: make(map[uint64]inflightMessage),
		ackWait:  opts.AckWait,
		logger:   logger,
	}
}

func (q *MemoryQueue) Backend() string {
	return "memory"
}

func (q *MemoryQueue) PushConfig(_ context.Context, cfg model.ConfigMessage) error {
	data, err := EncodeConfig(cfg)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.config = data
	q.notifyLocked()
	return nil
}

func (q *MemoryQueue) GetConfig(ctx context.Context, timeout time.Duration) (model.ConfigMessage, bool) {
	var data []byte
	ok := q.wait(ctx, timeout, func() bool {
		data = q.config
		return data != nil
	})
	if !ok {
		return model.ConfigMessage{}, false
	}
	cfg, err := DecodeConfig(data)
	if err != nil {
		q.logger.Warn("dropping malformed config", "error", err)
		return model.ConfigMessage{}, false
	}
	return cfg, true
}

func (q *MemoryQueue) PushJob(_ context.Context, job model.Job) error {
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextTag++
	q.jobs = append(q.jobs, memoryMessage{tag: q.nextTag, data: data})
	q.notifyLocked()
	return nil
}

func (q *MemoryQueue) PullJob(ctx context.Context, timeout time.Duration) (model.Job, *Delivery, bool) {
	var (
		job model.Job
		tag uint64
	)
	ok := q.wait(ctx, timeout, func() bool {
		q.reclaimExpiredLocked(time.Now())
		for len(q.jobs) > 0 {
			msg := q.jobs[0]
			q.jobs = q.jobs[1:]
			decoded, err := DecodeJob(msg.data)
			if err != nil {
				q.logger.Warn("dropping malformed job", "error", err)
				continue
			}
			entry := inflightMessage{msg: msg}
			if q.ackWait > 0 {
				entry.deadline = time.Now().Add(q.ackWait)
			}
			q.inflight[msg.tag] = entry
			job, tag = decoded, msg.tag
			return true
		}
		return false
	})
	if !ok {
		return model.Job{}, nil, false
	}
	return job, newDelivery(memorySettler{q: q, tag: tag}), true
}

func (q *MemoryQueue) PushResult(_ context.Context, result model.Result) error {
	data, err := EncodeResult(result)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.results = append(q.results, data)
	q.notifyLocked()
	return nil
}

func (q *MemoryQueue) PullResult(ctx context.Context, timeout time.Duration) (model.Result, bool) {
	var result model.Result
	ok := q.wait(ctx, timeout, func() bool {
		for len(q.results) > 0 {
			data := q.results[0]
			q.results = q.results[1:]
			decoded, err := DecodeResult(data)
			if err != nil {
				q.logger.Warn("dropping malformed result", "error", err)
				continue
			}
			result = decoded
			return true
		}
		return false
	})
	return result, ok
}

func (q *MemoryQueue) PurgeAll(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.config = nil
	q.jobs = nil
	q.results = nil
	q.inflight = make(map[uint64]inflightMessage)
	q.notifyLocked()
	return nil
}

func (q *MemoryQueue) ApproximateDepth(_ context.Context, ch Channel) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch ch {
	case ChannelConfig:
		if q.config != nil {
			return 1
		}
		return 0
	case ChannelJobs:
		return len(q.jobs)
	case ChannelResults:
		return len(q.results)
	default:
		return 0
	}
}

func (q *MemoryQueue) Close() error {
	return nil
}

func (q *MemoryQueue) settle(tag uint64, requeue bool, drop bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[tag]
	if !ok {
		return fmt.Errorf("%w: tag %d", ErrUnknownDelivery, tag)
	}
	delete(q.inflight, tag)
	if !drop && requeue {
		q.jobs = append([]memoryMessage{entry.msg}, q.jobs...)
		q.notifyLocked()
	}
	return nil
}

// reclaimExpiredLocked requeues deliveries whose ack deadline passed, the way
// a broker redelivers after its ack wait.
func (q *MemoryQueue) reclaimExpiredLocked(now time.Time) {
	for tag, entry := range q.inflight {
		if entry.deadline.IsZero() || now.Before(entry.deadline) {
			continue
		}
		delete(q.inflight, tag)
		q.jobs = append(q.jobs, entry.msg)
	}
}

func (q *MemoryQueue) nextDeadlineLocked() (time.Time, bool) {
	var next time.Time
	for _, entry := range q.inflight {
		if entry.deadline.IsZero() {
			continue
		}
		if next.IsZero() || entry.deadline.Before(next) {
			next = entry.deadline
		}
	}
	return next, !next.IsZero()
}

func (q *MemoryQueue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// wait calls try under the lock until it succeeds, the timeout elapses or ctx
// is done. try runs at least once.
func (q *MemoryQueue) wait(ctx context.Context, timeout time.Duration, try func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if try() {
			q.mu.Unlock()
			return true
		}
		changed := q.changed
		sleep := time.Until(deadline)
		if next, ok := q.nextDeadlineLocked(); ok {
			if d := time.Until(next); d < sleep {
				sleep = d
			}
		}
		q.mu.Unlock()

		if time.Until(deadline) <= 0 {
			return false
		}
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

type memorySettler struct {
	q   *MemoryQueue
	tag uint64
}

func (s memorySettler) ack() error {
	return s.q.settle(s.tag, false, true)
}

func (s memorySettler) nack(requeue bool) error {
	return s.q.settle(s.tag, requeue, false)
}
