// Package queue carries evaluation config, jobs and results between the
// master and its workers. A broker-backed implementation and an in-process
// implementation expose the same semantics; Open picks one once and callers
// never need to know which.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"ergotype/internal/model"
)

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrAlreadyResolved   = errors.New("delivery already resolved")
	ErrUnknownDelivery   = errors.New("unknown delivery")
)

type Channel string

const (
	ChannelConfig  Channel = "config"
	ChannelJobs    Channel = "jobs"
	ChannelResults Channel = "results"
)

// Queue is the message substrate of the evaluation protocol.
//
// Config is latest-wins and read without consuming. Jobs are durable and must
// be acknowledged through the returned Delivery. Results are delivered at most
// once. Transport failures are logged and surface as absence: pulls report
// ok=false and pushes return an error, nothing panics.
type Queue interface {
	Backend() string

	PushConfig(ctx context.Context, cfg model.ConfigMessage) error
	GetConfig(ctx context.Context, timeout time.Duration) (model.ConfigMessage, bool)

	PushJob(ctx context.Context, job model.Job) error
	PullJob(ctx context.Context, timeout time.Duration) (model.Job, *Delivery, bool)

	PushResult(ctx context.Context, result model.Result) error
	PullResult(ctx context.Context, timeout time.Duration) (model.Result, bool)

	PurgeAll(ctx context.Context) error
	// ApproximateDepth counts pending messages, excluding in-flight jobs. It
	// is for display only.
	ApproximateDepth(ctx context.Context, ch Channel) int

	Close() error
}

type settler interface {
	ack() error
	nack(requeue bool) error
}

// Delivery is the acknowledgment handle of one pulled job. It must be
// resolved exactly once with Ack or Nack; later calls return
// ErrAlreadyResolved and do nothing.
type Delivery struct {
	settle   settler
	resolved atomic.Bool
}

func newDelivery(s settler) *Delivery {
	return &Delivery{settle: s}
}

// Ack marks the job as done.
func (d *Delivery) Ack() error {
	if !d.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	return d.settle.ack()
}

// Nack rejects the job. With requeue the same job becomes pullable again,
// otherwise it is dropped.
func (d *Delivery) Nack(requeue bool) error {
	if !d.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	return d.settle.nack(requeue)
}

func (d *Delivery) Resolved() bool {
	return d.resolved.Load()
}
