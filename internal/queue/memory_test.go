package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryQueue(t *testing.T) {
	runQueueCases(t, func(*testing.T) Queue {
		return NewMemoryQueue(MemoryOptions{AckWait: testAckWait})
	})
}

func TestMemoryForgetsStaleDeliveries(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(MemoryOptions{AckWait: 30 * time.Millisecond})
	require.NoError(t, q.PushJob(ctx, testJob(3)))

	_, stale, ok := q.PullJob(ctx, shortWait)
	require.True(t, ok)
	job, d, ok := q.PullJob(ctx, time.Second)
	require.True(t, ok)
	require.Equal(t, uint64(3), job.IndividualID)
	require.NoError(t, d.Ack())
	require.ErrorIs(t, stale.Ack(), ErrUnknownDelivery)

	require.NoError(t, q.PushJob(ctx, testJob(4)))
	_, d, ok = q.PullJob(ctx, shortWait)
	require.True(t, ok)
	require.NoError(t, q.PurgeAll(ctx))
	require.ErrorIs(t, d.Ack(), ErrUnknownDelivery, "purged deliveries are forgotten")
}

func TestMemoryDropsMalformedJobs(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(MemoryOptions{})

	q.mu.Lock()
	q.nextTag++
	q.jobs = append(q.jobs, memoryMessage{tag: q.nextTag, data: []byte(`{"kind":"jobs","schema_version":1,"payload":{"bogus":true}}`)})
	q.mu.Unlock()
	require.NoError(t, q.PushJob(ctx, testJob(9)))

	job, d, ok := q.PullJob(ctx, shortWait)
	require.True(t, ok)
	require.Equal(t, uint64(9), job.IndividualID)
	require.NoError(t, d.Ack())
	require.Zero(t, q.ApproximateDepth(ctx, ChannelJobs))
}
