// Package queue defines the discovered-URL message format shared by the ingest
// consumers and the admin API.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawl-scheduler/internal/frontier"
)

// ErrEmptyMessage is returned for a message with no URL.
var ErrEmptyMessage = errors.New("empty discovery message")

// Message is one discovered URL. On the wire it is either a bare URL or a
// JSON object.
type Message struct {
	URL      string `json:"url"`
	Priority int    `json:"priority,omitempty"`
}

// Entry converts m into a frontier entry.
func (m Message) Entry() frontier.Entry {
	return frontier.Entry{URL: m.URL, Priority: m.Priority}
}

// Parse decodes a message value.
func Parse(value []byte) (Message, error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 {
		return Message{}, ErrEmptyMessage
	}
	if value[0] != '{' {
		return Message{URL: string(value)}, nil
	}
	var m Message
	if err := json.Unmarshal(value, &m); err != nil {
		return Message{}, fmt.Errorf("decode discovery message: %w", err)
	}
	if m.URL == "" {
		return Message{}, ErrEmptyMessage
	}
	return m, nil
}

// Enqueuer admits entries into the frontier.
type Enqueuer interface {
	EnqueueEntry(ctx context.Context, e frontier.Entry) (bool, error)
}
