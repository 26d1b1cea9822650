package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/port/outbound"
)

// AgentInfo is the registration metadata for one agent sharing the
// evaluation substrate.
type AgentInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	DecisionType string    `json:"decision_type"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	Status       string    `json:"status"`
}

// AgentRegistry tracks registered agents in memory and announces
// registrations to the record sink. Safe for concurrent use.
type AgentRegistry struct {
	mu      sync.RWMutex
	agents  map[string]*AgentInfo
	records outbound.RecordSink
	clock   outbound.Clock
	ids     outbound.IDSource
	logger  *slog.Logger
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry(records outbound.RecordSink, clock outbound.Clock, ids outbound.IDSource, logger *slog.Logger) *AgentRegistry {
	return &AgentRegistry{
		agents:  make(map[string]*AgentInfo),
		records: records,
		clock:   clock,
		ids:     ids,
		logger:  logger,
	}
}

// Register adds or updates an agent and announces it to the record sink,
// best-effort.
func (r *AgentRegistry) Register(ctx context.Context, info AgentInfo) AgentInfo {
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = r.clock.Now().UTC()
	}
	info.Status = "registered"

	r.mu.Lock()
	copied := info
	r.agents[info.ID] = &copied
	r.mu.Unlock()

	if r.records != nil {
		event := decision.Event{
			EventID:            r.ids.NewID(),
			AgentID:            info.ID,
			AgentVersion:       info.Version,
			DecisionType:       info.DecisionType,
			Outputs:            map[string]any{"registered": true, "name": info.Name},
			Confidence:         1,
			ConstraintsApplied: []string{},
			Timestamp:          info.RegisteredAt.Format(time.RFC3339Nano),
		}
		if ack := r.records.PersistEvent(ctx, event); !ack.Accepted {
			r.logger.Warn("record sink rejected agent registration",
				"agent_id", info.ID,
				"reason", ack.Reason,
			)
		}
	}

	r.logger.Info("agent registered", "agent_id", info.ID, "name", info.Name)
	return info
}

// Get returns one agent by id.
func (r *AgentRegistry) Get(id string) (*AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	copied := *a
	return &copied, true
}

// List returns all registered agents sorted by name.
func (r *AgentRegistry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BuiltinAgents describes the three agents this repository hosts.
func BuiltinAgents(version string) []AgentInfo {
	return []AgentInfo{
		{
			ID:           AgentPolicyEnforcement,
			Name:         "Policy Enforcement Agent",
			Version:      version,
			DecisionType: decision.TypePolicyEnforcement,
			Capabilities: []string{"evaluate", "dry_run", "trace"},
		},
		{
			ID:           AgentConstraintSolver,
			Name:         "Constraint Solver Agent",
			Version:      version,
			DecisionType: decision.TypeConstraintResolution,
			Capabilities: []string{"resolve"},
		},
		{
			ID:           AgentApprovalRouter,
			Name:         "Approval Routing Agent",
			Version:      version,
			DecisionType: decision.TypeApprovalRouting,
			Capabilities: []string{"route", "auto_approve", "escalation"},
		},
	}
}
