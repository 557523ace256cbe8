// Package uuid generates render IDs and download filename tokens.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 identifiers.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
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

// Compact strips the dashes from id, suitable for filenames.
func Compact(id string) string {
	return strings.ReplaceAll(id, "-", "")
}

// Random creates UUIDv4 identifiers with no time component.
type Random struct{}

// NewRandom creates a new Random generator.
func NewRandom() *Random {
	return &Random{}
}

// NewID returns a dash-less UUIDv4 string.
func (Random) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return Compact(id.String()), nil
}

// Bytes parses a UUID string into its 16-byte form, returning the zero value
// for malformed input.
func Bytes(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return parsed
}
