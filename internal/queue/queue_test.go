package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ergotype/internal/model"
)

const (
	shortWait   = 20 * time.Millisecond
	testAckWait = 300 * time.Millisecond
)

func testConfig(version uint64) model.ConfigMessage {
	return model.ConfigMessage{
		Version:            version,
		KeyboardFile:       "data/keyboards/ansi.toml",
		TextFile:           "data/corpus/sample.txt",
		FittsA:             0.05,
		FittsB:             0.1,
		FingerCoefficients: []float64{1.5, 1.3, 1.1, 1, 1, 1, 1, 1.1, 1.3, 1.5},
		ResetInterval:      100,
		DistanceWeight:     0.05,
		TimeWeight:         5,
	}
}

func testJob(id uint64) model.Job {
	return model.Job{
		IndividualID:  id,
		Generation:    0,
		Genotype:      model.Genotype{"a": "k1", "b": "k2"},
		ConfigVersion: 1,
	}
}

// queueCase is a behaviour every backend must share. Queues handed to run
// are empty and redeliver unresolved jobs after testAckWait.
type queueCase struct {
	name string
	run  func(t *testing.T, q Queue)
}

func runQueueCases(t *testing.T, open func(t *testing.T) Queue) {
	for _, tc := range queueCases() {
		t.Run(tc.name, func(t *testing.T) {
			q := open(t)
			defer q.Close()
			tc.run(t, q)
		})
	}
}

func queueCases() []queueCase {
	return []queueCase{
		{name: "config peek is idempotent", run: func(t *testing.T, q Queue) {
			ctx := context.Background()
			_, ok := q.GetConfig(ctx, shortWait)
			require.False(t, ok, "empty queue has no config")

			require.NoError(t, q.PushConfig(ctx, testConfig(1)))
			for i := 0; i < 3; i++ {
				cfg, ok := q.GetConfig(ctx, shortWait)
				require.True(t, ok)
				require.Equal(t, uint64(1), cfg.Version)
			}

			require.NoError(t, q.PushConfig(ctx, testConfig(2)))
			cfg, ok := q.GetConfig(ctx, shortWait)
			require.True(t, ok)
			require.Equal(t, uint64(2), cfg.Version, "latest config wins")
			require.Equal(t, testConfig(2).FingerCoefficients, cfg.FingerCoefficients)
			require.Equal(t, 1, q.ApproximateDepth(ctx, ChannelConfig))
		}},
		{name: "nack requeues or drops", run: func(t *testing.T, q Queue) {
			ctx := context.Background()
			require.NoError(t, q.PushJob(ctx, testJob(7)))

			job, d, ok := q.PullJob(ctx, shortWait)
			require.True(t, ok)
			require.Equal(t, uint64(7), job.IndividualID)
			require.NoError(t, d.Nack(true))

			again, d, ok := q.PullJob(ctx, shortWait)
			require.True(t, ok, "requeued job must be pullable again")
			require.Equal(t, job.IndividualID, again.IndividualID)
			require.Equal(t, job.Genotype, again.Genotype)
			require.NoError(t, d.Nack(false))

			_, _, ok = q.PullJob(ctx, shortWait)
			require.False(t, ok, "dropped job must not come back")
		}},
		{name: "pending count excludes in-flight jobs", run: func(t *testing.T, q Queue) {
			ctx := context.Background()
			for id := uint64(0); id < 3; id++ {
				require.NoError(t, q.PushJob(ctx, testJob(id)))
			}
			require.Equal(t, 3, q.ApproximateDepth(ctx, ChannelJobs))

			_, d, ok := q.PullJob(ctx, shortWait)
			require.True(t, ok)
			require.Equal(t, 2, q.ApproximateDepth(ctx, ChannelJobs))
			require.NoError(t, d.Ack())
			require.Equal(t, 2, q.ApproximateDepth(ctx, ChannelJobs))
		}},
		{name: "delivery resolves once", run: func(t *testing.T, q Queue) {
			ctx := context.Background()
			require.NoError(t, q.PushJob(ctx, testJob(1)))

			_, d, ok := q.PullJob(ctx, shortWait)
			require.True(t, ok)
			require.False(t, d.Resolved())
			require.NoError(t, d.Ack())
			require.True(t, d.Resolved())
			require.ErrorIs(t, d.Ack(), ErrAlreadyResolved)
			require.ErrorIs(t, d.Nack(true), ErrAlreadyResolved)

			_, _, ok = q.PullJob(ctx, shortWait)
			require.False(t, ok, "second resolution must not requeue")
		}},
		{name: "redelivers after ack wait", run: func(t *testing.T, q Queue) {
			ctx := context.Background()
			require.NoError(t, q.PushJob(ctx, testJob(3)))

			_, _, ok := q.PullJob(ctx, shortWait)
			require.True(t, ok)

			job, d, ok := q.PullJob(ctx, 5*testAckWait)
			require.True(t, ok, "unresolved job must be redelivered")
			require.Equal(t, uint64(3), job.IndividualID)
			require.NoError(t, d.Ack())
		}},
		{name: "results are consumed once", run: func(t *testing.T, q Queue) {
			ctx := context.Background()
			require.NoError(t, q.PushResult(ctx, model.Result{IndividualID: 4, Distance: 10, Time: 1, Typed: 3, Success: true}))

			res, ok := q.PullResult(ctx, shortWait)
			require.True(t, ok)
			require.Equal(t, uint64(4), res.IndividualID)
			require.Equal(t, uint64(3), res.Typed)
			require.True(t, res.Success)

			_, ok = q.PullResult(ctx, shortWait)
			require.False(t, ok)
		}},
		{name: "pull wakes on push", run: func(t *testing.T, q Queue) {
			ctx := context.Background()
			var wg sync.WaitGroup
			wg.Add(1)
			var got model.Job
			var ok bool
			go func() {
				defer wg.Done()
				got, _, ok = q.PullJob(ctx, 2*time.Second)
			}()
			time.Sleep(10 * time.Millisecond)
			require.NoError(t, q.PushJob(ctx, testJob(11)))
			wg.Wait()
			require.True(t, ok)
			require.Equal(t, uint64(11), got.IndividualID)
		}},
		{name: "pull honours cancellation", run: func(t *testing.T, q Queue) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			start := time.Now()
			_, _, ok := q.PullJob(ctx, time.Minute)
			require.False(t, ok)
			_, ok = q.PullResult(ctx, time.Minute)
			require.False(t, ok)
			require.Less(t, time.Since(start), time.Second)
		}},
		{name: "purge empties every channel", run: func(t *testing.T, q Queue) {
			ctx := context.Background()
			require.NoError(t, q.PushConfig(ctx, testConfig(1)))
			require.NoError(t, q.PushJob(ctx, testJob(1)))
			require.NoError(t, q.PushJob(ctx, testJob(2)))
			require.NoError(t, q.PushResult(ctx, model.Result{IndividualID: 1, Success: true}))

			_, _, ok := q.PullJob(ctx, shortWait)
			require.True(t, ok)
			require.NoError(t, q.PurgeAll(ctx))

			for _, ch := range []Channel{ChannelConfig, ChannelJobs, ChannelResults} {
				require.Zero(t, q.ApproximateDepth(ctx, ch), ch)
			}
			_, ok = q.GetConfig(ctx, shortWait)
			require.False(t, ok)
			_, ok = q.PullResult(ctx, shortWait)
			require.False(t, ok)

			// the queue stays usable after a purge
			require.NoError(t, q.PushConfig(ctx, testConfig(3)))
			cfg, ok := q.GetConfig(ctx, shortWait)
			require.True(t, ok)
			require.Equal(t, uint64(3), cfg.Version)
		}},
		{name: "invalid jobs are dropped on pull", run: func(t *testing.T, q Queue) {
			ctx := context.Background()
			bad := testJob(1)
			bad.ConfigVersion = 0
			require.NoError(t, q.PushJob(ctx, bad), "pushes encode without validating")
			require.NoError(t, q.PushJob(ctx, testJob(2)))

			job, d, ok := q.PullJob(ctx, time.Second)
			require.True(t, ok)
			require.Equal(t, uint64(2), job.IndividualID)
			require.NoError(t, d.Ack())

			_, _, ok = q.PullJob(ctx, shortWait)
			require.False(t, ok, "invalid job is not redelivered")
		}},
	}
}
