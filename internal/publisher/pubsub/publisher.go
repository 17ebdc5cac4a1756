// Package pubsub hands fetched documents to the content parser over Google
// Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Config selects the project and topic.
type Config struct {
	ProjectID string
	Topic     string
}

// Publisher writes documents as JSON with the host as ordering key, so a
// host's documents are delivered in fetch order.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New creates a client for cfg using Application Default Credentials.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewWithClient(client, cfg.Topic), nil
}

// NewWithClient publishes to topicID through an existing client. Close closes
// the client.
func NewWithClient(client *pubsub.Client, topicID string) *Publisher {
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = true
	return &Publisher{client: client, topic: topic}
}

// Handle publishes doc and waits for the server to accept it. It returns no
// links.
func (p *Publisher) Handle(ctx context.Context, doc crawler.Document) ([]string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	msg := &pubsub.Message{
		Data:        payload,
		OrderingKey: doc.Host,
		Attributes: map[string]string{
			"url":          doc.URL,
			"host":         doc.Host,
			"content_hash": doc.ContentHash,
		},
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		// A failed publish pauses the ordering key until it is resumed.
		p.topic.ResumePublish(doc.Host)
		return nil, fmt.Errorf("publish document %s: %w", doc.URL, err)
	}
	return nil, nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
