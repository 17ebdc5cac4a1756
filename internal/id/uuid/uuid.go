// Package uuid generates node identifiers.
package uuid

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NodeID returns the identifier this process announces in the membership
// view. A configured value wins; otherwise the hostname is combined with a
// fresh UUIDv7 so restarts register as new members.
func (g Generator) NodeID(configured string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return id, nil
	}
	return host + "-" + id, nil
}
