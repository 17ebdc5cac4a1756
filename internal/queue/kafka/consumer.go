// Package kafka consumes discovered URLs from a Kafka topic and admits them
// into the frontier.
package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/queue"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the topic and consumer group.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads discovery messages, enqueues them, and commits each message
// once it has been handled. Malformed messages are logged and committed so
// they never block the partition.
type Consumer struct {
	reader   messageReader
	enqueuer queue.Enqueuer
	onAdmit  func()
	logger   *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithBackoff sets the retry delay after a broker error. It doubles on each
// consecutive failure up to max.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Consumer) {
		c.minBackoff, c.maxBackoff = minDelay, maxDelay
	}
}

// NewConsumer creates a consumer-group reader for cfg.
func NewConsumer(cfg Config, enqueuer queue.Enqueuer, onAdmit func(), logger *zap.Logger, opts ...Option) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	return NewConsumerWithReader(reader, enqueuer, onAdmit, logger, opts...)
}

// NewConsumerWithReader builds a consumer using a custom reader (tests).
func NewConsumerWithReader(reader messageReader, enqueuer queue.Enqueuer, onAdmit func(), logger *zap.Logger, opts ...Option) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onAdmit == nil {
		onAdmit = func() {}
	}
	c := &Consumer{
		reader:     reader,
		enqueuer:   enqueuer,
		onAdmit:    onAdmit,
		logger:     logger.Named("discovery"),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = c.minBackoff
	}
	return c
}

// Run consumes until ctx ends. Broker errors are logged and retried with
// backoff. A message whose commit failed is not re-handled; the next
// successful commit covers its offset, and a redelivery is deduplicated by the
// frontier.
func (c *Consumer) Run(ctx context.Context) error {
	delay := c.minBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("fetch discovery message failed; retrying",
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			delay = min(delay*2, c.maxBackoff)
			continue
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("commit discovery message failed; retrying",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			delay = min(delay*2, c.maxBackoff)
			continue
		}
		delay = c.minBackoff
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	m, err := queue.Parse(msg.Value)
	if err != nil {
		c.logger.Warn("skipping malformed discovery message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return
	}
	admitted, err := c.enqueuer.EnqueueEntry(ctx, m.Entry())
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		c.logger.Debug("discovered url rejected", zap.String("url", m.URL), zap.Error(err))
	case admitted:
		c.onAdmit()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
