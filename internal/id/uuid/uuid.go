// Package uuid generates fetch request ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings. v7 ids carry their creation time, so
// request ids sort in dispatch order in logs and on the wire.
type Generator struct {
	source func() (uuid.UUID, error)
}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{source: uuid.NewV7}
}

// NewID implements pages.IDGenerator.
func (g *Generator) NewID() (string, error) {
	id, err := g.source()
	if err != nil {
		return "", fmt.Errorf("generate fetch request id: %w", err)
	}
	return id.String(), nil
}
