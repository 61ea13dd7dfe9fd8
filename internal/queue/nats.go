package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"ergotype/internal/model"
)

const (
	workersConsumer = "workers"
	masterConsumer  = "master"
	minFetchWait    = 100 * time.Millisecond
)

// NATSQueue maps the three channels onto JetStream streams: a last-value
// config stream, and work-queue streams for jobs and results.
type NATSQueue struct {
	nc *natsgo.Conn
	js jetstream.JetStream

	configStream   jetstream.Stream
	jobStream      jetstream.Stream
	resultStream   jetstream.Stream
	jobConsumer    jetstream.Consumer
	resultConsumer jetstream.Consumer

	configSubject string
	jobSubject    string
	resultSubject string

	logger *slog.Logger
}

func dialNATS(ctx context.Context, cfg BrokerConfig, logger *slog.Logger) (*NATSQueue, error) {
	nc, err := natsgo.Connect(cfg.URL,
		natsgo.Name(cfg.ClientName),
		natsgo.Timeout(cfg.ConnectTimeout),
		natsgo.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrBrokerUnavailable, cfg.URL, err)
	}
	q, err := declareStreams(ctx, nc, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func declareStreams(ctx context.Context, nc *natsgo.Conn, cfg BrokerConfig, logger *slog.Logger) (*NATSQueue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("%w: jetstream: %v", ErrBrokerUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	q := &NATSQueue{
		nc:            nc,
		js:            js,
		configSubject: cfg.subject(ChannelConfig),
		jobSubject:    cfg.subject(ChannelJobs),
		resultSubject: cfg.subject(ChannelResults),
		logger:        logger,
	}

	q.configStream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              cfg.streamName(ChannelConfig),
		Subjects:          []string{q.configSubject},
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		Storage:           jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: declare config stream: %v", ErrBrokerUnavailable, err)
	}
	q.jobStream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.streamName(ChannelJobs),
		Subjects:  []string{q.jobSubject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: declare job stream: %v", ErrBrokerUnavailable, err)
	}
	q.resultStream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.streamName(ChannelResults),
		Subjects:  []string{q.resultSubject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: declare result stream: %v", ErrBrokerUnavailable, err)
	}

	q.jobConsumer, err = q.jobStream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   workersConsumer,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   cfg.AckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: declare job consumer: %v", ErrBrokerUnavailable, err)
	}
	// work-queue streams require explicit acks; results are acked on receipt
	q.resultConsumer, err = q.resultStream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   masterConsumer,
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: declare result consumer: %v", ErrBrokerUnavailable, err)
	}
	return q, nil
}

func (q *NATSQueue) Backend() string {
	return "nats"
}

func (q *NATSQueue) PushConfig(ctx context.Context, cfg model.ConfigMessage) error {
	data, err := EncodeConfig(cfg)
	if err != nil {
		return err
	}
	return q.publish(ctx, q.configSubject, data)
}

func (q *NATSQueue) GetConfig(ctx context.Context, timeout time.Duration) (model.ConfigMessage, bool) {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := q.configStream.GetLastMsgForSubject(ctx, q.configSubject)
		switch {
		case err == nil:
			cfg, decodeErr := DecodeConfig(msg.Data)
			if decodeErr != nil {
				q.logger.Warn("dropping malformed config", "error", decodeErr)
				return model.ConfigMessage{}, false
			}
			return cfg, true
		case errors.Is(err, jetstream.ErrMsgNotFound):
		default:
			q.logger.Warn("config read failed", "error", err)
			idle(ctx, time.Until(deadline))
			return model.ConfigMessage{}, false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return model.ConfigMessage{}, false
		}
		select {
		case <-ctx.Done():
			return model.ConfigMessage{}, false
		case <-time.After(min(remaining, minFetchWait)):
		}
	}
}

func (q *NATSQueue) PushJob(ctx context.Context, job model.Job) error {
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	return q.publish(ctx, q.jobSubject, data)
}

func (q *NATSQueue) PullJob(ctx context.Context, timeout time.Duration) (model.Job, *Delivery, bool) {
	deadline := time.Now().Add(timeout)
	for {
		msg, ok := q.fetch(ctx, q.jobConsumer, time.Until(deadline))
		if !ok {
			return model.Job{}, nil, false
		}
		job, err := DecodeJob(msg.Data())
		if err == nil {
			return job, newDelivery(natsSettler{msg: msg}), true
		}
		q.logger.Warn("terminating malformed job", "error", err)
		if termErr := msg.Term(); termErr != nil {
			q.logger.Warn("terminate job failed", "error", termErr)
		}
		if time.Until(deadline) <= 0 {
			return model.Job{}, nil, false
		}
	}
}

func (q *NATSQueue) PushResult(ctx context.Context, result model.Result) error {
	data, err := EncodeResult(result)
	if err != nil {
		return err
	}
	return q.publish(ctx, q.resultSubject, data)
}

func (q *NATSQueue) PullResult(ctx context.Context, timeout time.Duration) (model.Result, bool) {
	deadline := time.Now().Add(timeout)
	for {
		msg, ok := q.fetch(ctx, q.resultConsumer, time.Until(deadline))
		if !ok {
			return model.Result{}, false
		}
		if err := msg.Ack(); err != nil {
			q.logger.Warn("ack result failed", "error", err)
		}
		result, err := DecodeResult(msg.Data())
		if err == nil {
			return result, true
		}
		q.logger.Warn("dropping malformed result", "error", err)
		if time.Until(deadline) <= 0 {
			return model.Result{}, false
		}
	}
}

func (q *NATSQueue) PurgeAll(ctx context.Context) error {
	var errs []error
	for _, stream := range []jetstream.Stream{q.configStream, q.jobStream, q.resultStream} {
		if err := stream.Purge(ctx); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", stream.CachedInfo().Config.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (q *NATSQueue) ApproximateDepth(ctx context.Context, ch Channel) int {
	switch ch {
	case ChannelConfig:
		info, err := q.configStream.Info(ctx)
		if err != nil {
			return 0
		}
		return int(info.State.Msgs)
	case ChannelJobs:
		return consumerPending(ctx, q.jobConsumer)
	case ChannelResults:
		return consumerPending(ctx, q.resultConsumer)
	default:
		return 0
	}
}

func (q *NATSQueue) Close() error {
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
		return err
	}
	return nil
}

func (q *NATSQueue) publish(ctx context.Context, subject string, data []byte) error {
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		q.logger.Warn("publish failed", "subject", subject, "error", err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (q *NATSQueue) fetch(ctx context.Context, cons jetstream.Consumer, wait time.Duration) (jetstream.Msg, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	if wait < minFetchWait {
		wait = minFetchWait
	}
	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		q.logger.Warn("fetch failed", "error", err)
		idle(ctx, wait)
		return nil, false
	}
	for msg := range batch.Messages() {
		return msg, true
	}
	if err := batch.Error(); err != nil && !errors.Is(err, natsgo.ErrTimeout) {
		q.logger.Warn("fetch failed", "error", err)
	}
	return nil, false
}

// idle blocks for d or until ctx is done, so callers polling a failing
// broker wait out their timeout instead of spinning.
func idle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func consumerPending(ctx context.Context, cons jetstream.Consumer) int {
	info, err := cons.Info(ctx)
	if err != nil {
		return 0
	}
	return int(info.NumPending)
}

type natsSettler struct {
	msg jetstream.Msg
}

func (s natsSettler) ack() error {
	return s.msg.Ack()
}

func (s natsSettler) nack(requeue bool) error {
	if requeue {
		return s.msg.Nak()
	}
	return s.msg.Term()
}
