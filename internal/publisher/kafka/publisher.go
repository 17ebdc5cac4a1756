// Package kafka hands fetched documents to the content parser over Kafka.
// Parsed links come back asynchronously on the discovery topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the brokers and topic. BatchBytes must fit the largest
// document body.
type Config struct {
	Brokers    []string
	Topic      string
	BatchBytes int64
}

// Publisher writes documents as JSON keyed by host, so a host's documents
// stay on one partition.
type Publisher struct {
	writer messageWriter
}

// New creates a Publisher for cfg.
func New(cfg Config) *Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}
	if cfg.BatchBytes > 0 {
		w.BatchBytes = cfg.BatchBytes
	}
	return NewWithWriter(w)
}

// NewWithWriter builds a publisher using a custom writer (tests).
func NewWithWriter(writer messageWriter) *Publisher {
	return &Publisher{writer: writer}
}

// Handle publishes doc. It returns no links.
func (p *Publisher) Handle(ctx context.Context, doc crawler.Document) ([]string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(doc.Host),
		Value: payload,
		Time:  doc.FetchedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return nil, fmt.Errorf("publish document %s: %w", doc.URL, err)
	}
	return nil, nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
