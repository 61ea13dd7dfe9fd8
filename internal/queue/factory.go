package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultBrokerURL      = "nats://127.0.0.1:4222"
	DefaultConnectTimeout = 2 * time.Second
	DefaultAckWait        = 5 * time.Minute
	DefaultStreamPrefix   = "ERGOTYPE"
	DefaultClientName     = "ergotype"
)

// BrokerConfig selects and parameterizes the broker backend.
type BrokerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AckWait        time.Duration `mapstructure:"ack_wait"`
	StreamPrefix   string        `mapstructure:"stream_prefix"`
	ClientName     string        `mapstructure:"client_name"`
}

func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Enabled:        true,
		URL:            DefaultBrokerURL,
		ConnectTimeout: DefaultConnectTimeout,
		AckWait:        DefaultAckWait,
		StreamPrefix:   DefaultStreamPrefix,
		ClientName:     DefaultClientName,
	}
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	def := DefaultBrokerConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.AckWait <= 0 {
		c.AckWait = def.AckWait
	}
	if c.StreamPrefix == "" {
		c.StreamPrefix = def.StreamPrefix
	}
	if c.ClientName == "" {
		c.ClientName = def.ClientName
	}
	return c
}

func (c BrokerConfig) streamName(ch Channel) string {
	return strings.ToUpper(c.StreamPrefix + "_" + string(ch))
}

func (c BrokerConfig) subject(ch Channel) string {
	return strings.ToLower(c.StreamPrefix) + "." + string(ch)
}

// Open returns a broker-backed queue when one is configured and reachable,
// otherwise an in-memory queue. The choice is made once; a queue never
// switches backend afterwards.
func Open(ctx context.Context, cfg BrokerConfig, logger *slog.Logger) Queue {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "queue")
	cfg = cfg.withDefaults()

	if !cfg.Enabled {
		logger.Info("broker disabled, using in-memory queue")
		return NewMemoryQueue(MemoryOptions{AckWait: cfg.AckWait, Logger: logger})
	}

	q, err := dialNATS(ctx, cfg, logger)
	if err != nil {
		logger.Warn("broker unavailable, falling back to in-memory queue", "url", cfg.URL, "error", err)
		return NewMemoryQueue(MemoryOptions{AckWait: cfg.AckWait, Logger: logger})
	}
	logger.Info("connected to broker", "url", cfg.URL, "streams", fmt.Sprintf("%s_*", strings.ToUpper(cfg.StreamPrefix)))
	return q
}
