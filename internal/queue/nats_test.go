package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"
)

// runBroker starts an embedded JetStream server that lives for the test.
func runBroker(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	ns.Start()
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded broker not ready")
	}
	return ns
}

// brokerQueues opens queues on ns, each on its own set of streams.
func brokerQueues(ns *server.Server) func(t *testing.T) Queue {
	var seq atomic.Int32
	return func(t *testing.T) Queue {
		t.Helper()
		q := Open(context.Background(), BrokerConfig{
			Enabled:        true,
			URL:            ns.ClientURL(),
			ConnectTimeout: 2 * time.Second,
			AckWait:        testAckWait,
			StreamPrefix:   fmt.Sprintf("test%d", seq.Add(1)),
		}, nil)
		require.Equal(t, "nats", q.Backend(), "expected the embedded broker, got the fallback")
		return q
	}
}

func TestNATSQueue(t *testing.T) {
	runQueueCases(t, brokerQueues(runBroker(t)))
}

func TestNATSQueuesShareStreamsByPrefix(t *testing.T) {
	ns := runBroker(t)
	cfg := BrokerConfig{Enabled: true, URL: ns.ClientURL(), AckWait: testAckWait, StreamPrefix: "shared"}
	ctx := context.Background()

	master := Open(ctx, cfg, nil)
	defer master.Close()
	worker := Open(ctx, cfg, nil)
	defer worker.Close()
	require.Equal(t, "nats", master.Backend())
	require.Equal(t, "nats", worker.Backend())

	require.NoError(t, master.PushConfig(ctx, testConfig(5)))
	require.NoError(t, master.PushJob(ctx, testJob(1)))

	cfgMsg, ok := worker.GetConfig(ctx, shortWait)
	require.True(t, ok)
	require.Equal(t, uint64(5), cfgMsg.Version)
	job, d, ok := worker.PullJob(ctx, time.Second)
	require.True(t, ok)
	require.Equal(t, uint64(1), job.IndividualID)
	require.NoError(t, d.Ack())
}

func TestNATSGetConfigWaitsOutTimeoutOnError(t *testing.T) {
	q := brokerQueues(runBroker(t))(t)
	defer q.Close()
	q.(*NATSQueue).nc.Close()

	const timeout = 150 * time.Millisecond
	start := time.Now()
	_, ok := q.GetConfig(context.Background(), timeout)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), timeout, "a failing broker must not be polled in a tight loop")

	start = time.Now()
	_, _, ok = q.PullJob(context.Background(), shortWait)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), minFetchWait)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	_, ok = q.GetConfig(ctx, time.Minute)
	require.False(t, ok)
	require.Less(t, time.Since(start), time.Second)
}
