// Package outbound defines the interfaces the core consumes from its
// host. Everything here is a capability, not a library: adapters under
// internal/adapter/outbound provide the implementations.
package outbound

import (
	"context"
	"time"

	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/execution"
	"github.com/aegisflow/aegis/internal/domain/policy"
)

// PolicySource supplies the policy corpus.
type PolicySource interface {
	// ListActive returns every active policy.
	ListActive(ctx context.Context) ([]policy.Policy, error)
	// Find returns a policy by id, optionally pinned to a version.
	// Returns nil when no such policy exists.
	Find(ctx context.Context, id, version string) (*policy.Policy, error)
}

// PolicyStore extends PolicySource with mutations. Mutations are
// serialized per policy id by the storage layer.
type PolicyStore interface {
	PolicySource
	// List returns all policies regardless of status.
	List(ctx context.Context) ([]policy.Policy, error)
	// Save creates or replaces a policy, archiving the prior version.
	Save(ctx context.Context, p *policy.Policy) error
	// Delete soft-deletes by marking the policy archived.
	Delete(ctx context.Context, id string) error
}

// Ack is the record sink's acceptance receipt.
type Ack struct {
	Accepted bool
	Reason   string
}

// RecordSink absorbs decision events and audit entries. Writes are
// best-effort: a sink failure never alters a returned decision.
type RecordSink interface {
	PersistEvent(ctx context.Context, e decision.Event) Ack
	PersistAudit(ctx context.Context, e audit.Entry) Ack
}

// TelemetrySink exports spans and events, best-effort.
type TelemetrySink interface {
	EmitSpan(ctx context.Context, s execution.Span)
	EmitEvent(ctx context.Context, e decision.Event)
}

// Clock provides wall-clock and monotonic time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// IDSource mints unique identifiers for events and spans.
type IDSource interface {
	NewID() string
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }
