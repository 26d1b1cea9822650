// Package uuidgen provides the UUIDv4 id source.
package uuidgen

import (
	"github.com/google/uuid"

	"github.com/aegisflow/aegis/internal/port/outbound"
)

// Source mints UUIDv4 identifiers.
type Source struct{}

// NewID returns a new random UUID string.
func (Source) NewID() string { return uuid.NewString() }

// Compile-time interface verification.
var _ outbound.IDSource = Source{}
