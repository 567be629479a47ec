// Package uuid issues worker session access keys.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates random access keys.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewAccessKey returns a random (v4) UUID string.
func (Generator) NewAccessKey() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate access key: %w", err)
	}
	return id.String(), nil
}
