// Package pubsub consumes discovered URLs from a Google Cloud Pub/Sub
// subscription and admits them into the frontier.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/queue"
)

// Config selects the project and subscription.
type Config struct {
	ProjectID      string
	Subscription   string
	MaxOutstanding int
}

// Consumer receives discovery messages and acks each one once it has been
// handled. Malformed messages are logged and acked so they are not
// redelivered.
type Consumer struct {
	client   *pubsub.Client
	sub      *pubsub.Subscription
	enqueuer queue.Enqueuer
	onAdmit  func()
	logger   *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithBackoff sets the delay before Receive is restarted after an error. It
// doubles on each consecutive failure up to max.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Consumer) {
		c.minBackoff, c.maxBackoff = minDelay, maxDelay
	}
}

// NewConsumer creates a client for cfg using Application Default Credentials.
func NewConsumer(ctx context.Context, cfg Config, enqueuer queue.Enqueuer, onAdmit func(), logger *zap.Logger, opts ...Option) (*Consumer, error) {
	if cfg.ProjectID == "" || cfg.Subscription == "" {
		return nil, fmt.Errorf("pubsub project and subscription are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	c := NewConsumerWithClient(client, cfg.Subscription, enqueuer, onAdmit, logger, opts...)
	if cfg.MaxOutstanding > 0 {
		c.sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	return c, nil
}

// NewConsumerWithClient receives from subscriptionID through an existing
// client. Close closes the client.
func NewConsumerWithClient(client *pubsub.Client, subscriptionID string, enqueuer queue.Enqueuer, onAdmit func(), logger *zap.Logger, opts ...Option) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onAdmit == nil {
		onAdmit = func() {}
	}
	c := &Consumer{
		client:     client,
		sub:        client.Subscription(subscriptionID),
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

// Run receives until ctx ends. Receive errors are logged and Receive is
// restarted with backoff.
func (c *Consumer) Run(ctx context.Context) error {
	delay := c.minBackoff
	for {
		startedAt := time.Now()
		err := c.sub.Receive(ctx, c.handle)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(startedAt) > c.maxBackoff {
			delay = c.minBackoff
		}
		c.logger.Warn("discovery subscription stopped; restarting",
			zap.String("subscription", c.sub.ID()),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if !sleepCtx(ctx, delay) {
			return nil
		}
		delay = min(delay*2, c.maxBackoff)
	}
}

func (c *Consumer) handle(ctx context.Context, msg *pubsub.Message) {
	defer msg.Ack()
	m, err := queue.Parse(msg.Data)
	if err != nil {
		c.logger.Warn("skipping malformed discovery message",
			zap.String("message_id", msg.ID),
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

// Close closes the client.
func (c *Consumer) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
