// Package memory provides in-memory implementations of the outbound
// ports for development and testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/port/outbound"
)

// ErrPolicyNotFound reports a lookup for a policy that does not exist.
var ErrPolicyNotFound = errors.New("policy not found")

// PolicyStore implements outbound.PolicyStore with an in-memory map.
// Thread-safe for concurrent access.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*policy.Policy
	// versions keeps archived snapshots per (id, internal version).
	versions map[string][]*policy.Policy
}

// NewPolicyStore creates an empty in-memory policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{
		policies: make(map[string]*policy.Policy),
		versions: make(map[string][]*policy.Policy),
	}
}

// Seed loads policies without the mutation path, for boot and tests.
func (s *PolicyStore) Seed(policies ...policy.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range policies {
		p := policies[i].Clone()
		s.policies[p.ID] = p
	}
}

// ListActive returns every active policy.
func (s *PolicyStore) ListActive(ctx context.Context) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []policy.Policy
	for _, p := range s.policies {
		if p.Active() {
			out = append(out, *p.Clone())
		}
	}
	sortPolicies(out)
	return out, nil
}

// List returns all policies regardless of status.
func (s *PolicyStore) List(ctx context.Context) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]policy.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, *p.Clone())
	}
	sortPolicies(out)
	return out, nil
}

// Find returns a policy by id, optionally pinned to a version string.
// Returns nil when absent.
func (s *PolicyStore) Find(ctx context.Context, id, version string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, nil
	}
	if version != "" && p.Version != version {
		for _, v := range s.versions[id] {
			if v.Version == version {
				return v.Clone(), nil
			}
		}
		return nil, nil
	}
	return p.Clone(), nil
}

// Save creates or replaces a policy, archiving the prior state.
func (s *PolicyStore) Save(ctx context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.policies[p.ID]; ok {
		s.versions[p.ID] = append(s.versions[p.ID], prior)
	}
	s.policies[p.ID] = p.Clone()
	return nil
}

// Delete marks a policy archived.
func (s *PolicyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return ErrPolicyNotFound
	}
	s.versions[id] = append(s.versions[id], p.Clone())
	p.Status = policy.StatusArchived
	return nil
}

func sortPolicies(policies []policy.Policy) {
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
}

// Compile-time interface verification.
var _ outbound.PolicyStore = (*PolicyStore)(nil)
