package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aegisflow/aegis/internal/domain/audit"
)

// AuditStore implements audit.Store in memory. The type exposes no way
// to modify or remove an appended entry.
type AuditStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

// NewAuditStore creates an empty in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Append stores one immutable entry.
func (s *AuditStore) Append(ctx context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// ListByPolicy returns the entries for one policy ordered by timestamp.
func (s *AuditStore) ListByPolicy(ctx context.Context, policyID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.PolicyID == policyID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Len returns the total entry count.
func (s *AuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Compile-time interface verification.
var _ audit.Store = (*AuditStore)(nil)
