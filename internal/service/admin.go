package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/port/outbound"
)

// GovernanceRejectionError carries the fail-closed validator verdict for
// a rejected mutation.
type GovernanceRejectionError struct {
	Result GovernanceResult
}

func (e *GovernanceRejectionError) Error() string {
	return fmt.Sprintf("governance validation failed with %d violations (risk %s)",
		len(e.Result.Violations), e.Result.RiskLevel)
}

// PolicyAdminService performs authenticated policy mutations. Create and
// Update pass the governance validator before touching the store; Archive
// does not run the validator. Every mutation appends an audit entry
// atomically with the change. Mutations are serialized per policy id.
type PolicyAdminService struct {
	store      outbound.PolicyStore
	auditStore audit.Store
	governance *GovernanceValidator
	engine     *Engine
	ids        outbound.IDSource
	clock      outbound.Clock
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPolicyAdminService wires the mutation path.
func NewPolicyAdminService(
	store outbound.PolicyStore,
	auditStore audit.Store,
	governance *GovernanceValidator,
	engine *Engine,
	ids outbound.IDSource,
	clock outbound.Clock,
	logger *slog.Logger,
) *PolicyAdminService {
	return &PolicyAdminService{
		store:      store,
		auditStore: auditStore,
		governance: governance,
		engine:     engine,
		ids:        ids,
		clock:      clock,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

// policyLock returns the per-policy mutation lock.
func (s *PolicyAdminService) policyLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create validates and stores a new policy. The audit chain for the
// policy opens with before_hash "null".
func (s *PolicyAdminService) Create(ctx context.Context, p *policy.Policy, actor, correlationID string) (GovernanceResult, error) {
	lock := s.policyLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.store.Find(ctx, p.ID, "")
	if err != nil {
		return GovernanceResult{}, fmt.Errorf("lookup policy %s: %w", p.ID, err)
	}
	if existing != nil {
		return GovernanceResult{}, fmt.Errorf("policy %s already exists", p.ID)
	}

	result := s.governance.Validate(p, p.Status == policy.StatusActive)
	if !result.Valid {
		return result, &GovernanceRejectionError{Result: result}
	}

	now := s.clock.Now().UTC()
	p.InternalVersion = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	p.CreatedBy = actor

	if err := s.commit(ctx, nil, p, audit.ActionCreate, actor, correlationID); err != nil {
		return result, err
	}
	return result, s.reload(ctx)
}

// Update validates and stores a replacement policy state, archiving the
// prior version. InternalVersion strictly increases.
func (s *PolicyAdminService) Update(ctx context.Context, p *policy.Policy, actor, correlationID string) (GovernanceResult, error) {
	lock := s.policyLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	prior, err := s.store.Find(ctx, p.ID, "")
	if err != nil {
		return GovernanceResult{}, fmt.Errorf("lookup policy %s: %w", p.ID, err)
	}
	if prior == nil {
		return GovernanceResult{}, fmt.Errorf("policy %s not found", p.ID)
	}

	enabling := prior.Status != policy.StatusActive && p.Status == policy.StatusActive
	result := s.governance.Validate(p, enabling)
	if !result.Valid {
		return result, &GovernanceRejectionError{Result: result}
	}

	p.InternalVersion = prior.InternalVersion + 1
	p.CreatedAt = prior.CreatedAt
	p.UpdatedAt = s.clock.Now().UTC()

	action := audit.ActionEdit
	switch {
	case enabling:
		action = audit.ActionEnable
	case prior.Status == policy.StatusActive && p.Status != policy.StatusActive:
		action = audit.ActionDisable
	case prior.Version != p.Version:
		action = audit.ActionVersionUpdate
	}

	if err := s.commit(ctx, prior, p, action, actor, correlationID); err != nil {
		return result, err
	}
	return result, s.reload(ctx)
}

// Archive soft-deletes a policy by marking it archived.
func (s *PolicyAdminService) Archive(ctx context.Context, id, actor, correlationID string) error {
	lock := s.policyLock(id)
	lock.Lock()
	defer lock.Unlock()

	prior, err := s.store.Find(ctx, id, "")
	if err != nil {
		return fmt.Errorf("lookup policy %s: %w", id, err)
	}
	if prior == nil {
		return fmt.Errorf("policy %s not found", id)
	}

	next := prior.Clone()
	next.Status = policy.StatusArchived
	next.InternalVersion = prior.InternalVersion + 1
	next.UpdatedAt = s.clock.Now().UTC()

	if err := s.commit(ctx, prior, next, audit.ActionDelete, actor, correlationID); err != nil {
		return err
	}
	return s.reload(ctx)
}

// commit writes the policy and its audit entry. The audit append is part
// of the mutation: a failed append fails the mutation.
func (s *PolicyAdminService) commit(ctx context.Context, prior, next *policy.Policy, action, actor, correlationID string) error {
	if err := s.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save policy %s: %w", next.ID, err)
	}

	entry := audit.Entry{
		ID:            s.ids.NewID(),
		PolicyID:      next.ID,
		PolicyVersion: next.Version,
		Action:        action,
		Actor:         actor,
		Timestamp:     s.clock.Now().UTC(),
		BeforeHash:    audit.HashPolicy(prior),
		AfterHash:     audit.HashPolicy(next),
		CorrelationID: correlationID,
	}
	if err := s.auditStore.Append(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry for %s: %w", next.ID, err)
	}

	s.logger.Info("policy mutated",
		"policy_id", next.ID,
		"action", action,
		"actor", actor,
		"internal_version", next.InternalVersion,
	)
	return nil
}

// reload republishes the engine snapshot so the next evaluation observes
// the mutation; the cache generation bump rides along.
func (s *PolicyAdminService) reload(ctx context.Context) error {
	if s.engine == nil {
		return nil
	}
	if err := s.engine.Reload(ctx); err != nil {
		return fmt.Errorf("reload after mutation: %w", err)
	}
	return nil
}

// VerifyAuditChain checks the hash chain for one policy and returns any
// gaps. Gaps are reported, never rejected.
func (s *PolicyAdminService) VerifyAuditChain(ctx context.Context, policyID string) ([]audit.Gap, error) {
	entries, err := s.auditStore.ListByPolicy(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for %s: %w", policyID, err)
	}
	return audit.VerifyChain(entries), nil
}
