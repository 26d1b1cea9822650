package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegisflow/aegis/internal/domain/constraint"
	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/execution"
	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/port/outbound"
)

// ConstraintSolverAgent detects and resolves conflicts between
// simultaneously applied constraints.
type ConstraintSolverAgent struct {
	engine  *Engine
	builder *decision.Builder
	ids     outbound.IDSource
	clock   outbound.Clock
	sinks   sinkSet
	logger  *slog.Logger
}

// NewConstraintSolverAgent wires the solver to the engine and sinks.
func NewConstraintSolverAgent(
	engine *Engine,
	builder *decision.Builder,
	ids outbound.IDSource,
	clock outbound.Clock,
	records outbound.RecordSink,
	telemetry outbound.TelemetrySink,
	logger *slog.Logger,
) *ConstraintSolverAgent {
	return &ConstraintSolverAgent{
		engine:  engine,
		builder: builder,
		ids:     ids,
		clock:   clock,
		sinks:   sinkSet{records: records, telemetry: telemetry, logger: logger},
		logger:  logger,
	}
}

// Resolve evaluates the policy set, reifies matched rules as applied
// constraints, identifies pairwise conflicts, applies a resolution
// strategy, and computes effective constraints.
func (a *ConstraintSolverAgent) Resolve(ctx context.Context, exec ExecutionInput, req EvaluateRequest) (*AgentResponse, error) {
	tracker := execution.NewTracker(RepoName, exec.ParentSpanID, a.ids.NewID, a.clock.Now)
	agentSpan := tracker.StartAgent(AgentConstraintSolver)

	_, contributions := a.engine.EvaluateUncached(req)
	constraints := appliedConstraints(contributions)
	result := Solve(constraints, a.ids.NewID)

	mixed := hasMixedSatisfaction(constraints)
	confidence := decision.Confidence(decision.ConfidenceInput{
		NoPoliciesMatched: len(constraints) == 0,
		MixedConstraints:  mixed,
	})

	outputs := map[string]any{
		"outcome":               result.Outcome,
		"strategy":              string(result.Strategy),
		"conflicts_resolved":    result.ConflictsResolved,
		"conflicts_unresolved":  result.ConflictsUnresolved,
		"constraints":           result.Constraints,
		"conflicts":             result.Conflicts,
		"effective_constraints": result.EffectiveConstraints,
	}

	inputs := map[string]any{
		"agent":      AgentConstraintSolver,
		"context":    map[string]any(redactContext(req.Context)),
		"policy_set": sortedIDs(req.PolicyIDs),
	}

	constraintIDs := make([]string, 0, len(constraints))
	for _, c := range constraints {
		constraintIDs = append(constraintIDs, c.ID)
	}

	tracker.AttachArtifact(agentSpan, "constraint_resolution", result.Outcome)
	tracker.FinishAgent(agentSpan, "")
	if err := tracker.Finish(""); err != nil {
		a.logger.Error("span invariant violated", "request_id", req.RequestID, "error", err)
	}

	event := a.builder.Build(
		decision.TypeConstraintResolution,
		inputs,
		outputs,
		confidence,
		constraintIDs,
		decision.ExecutionRef{
			RequestID: req.RequestID,
			TraceID:   exec.ExecutionID,
			SpanID:    agentSpan.SpanID,
			SessionID: exec.SessionID,
		},
	)

	resp := &AgentResponse{
		Event:      event,
		RepoSpan:   tracker.RepoSpan(),
		AgentSpans: tracker.AgentSpans(),
		Allowed:    result.Outcome != constraint.OutcomeConstraintsViolated,
	}
	a.sinks.emit(ctx, resp, req.DryRun)

	a.logger.Debug("constraint resolution completed",
		"request_id", req.RequestID,
		"outcome", result.Outcome,
		"constraints", len(constraints),
		"conflicts", len(result.Conflicts),
	)
	return resp, nil
}

// appliedConstraints reifies matched rules as applied constraints. A
// constraint is satisfied when its rule does not deny; severity derives
// from the action.
func appliedConstraints(contributions []matched) []constraint.Applied {
	out := make([]constraint.Applied, 0, len(contributions))
	for _, m := range contributions {
		out = append(out, constraint.Applied{
			ID:        m.PolicyID + "/" + m.RuleID,
			Name:      m.RuleName,
			Type:      constraintType(m),
			Severity:  constraint.SeverityForDecision(string(m.Action.Decision)),
			Scope:     constraintScope(m),
			Satisfied: m.Action.Decision != policy.DecisionDeny,
			Reason:    m.Action.Reason,
		})
	}
	return out
}

// constraintType derives the constraint type from the owning policy's
// classification.
func constraintType(m matched) constraint.Type {
	p := &policy.Policy{Namespace: m.Namespace, Tags: m.Tags}
	switch ClassifyPolicy(p) {
	case TypeSecurity:
		return constraint.TypeSecurityRule
	case TypeCost:
		return constraint.TypeBudgetLimit
	case TypeCompliance:
		return constraint.TypeGovernanceRule
	default:
		return constraint.TypePolicyRule
	}
}

// constraintScope picks the narrowest scope referenced by the rule's
// condition fields: user beats project beats namespace beats global.
func constraintScope(m matched) constraint.Scope {
	scope := constraint.ScopeGlobal
	if m.Namespace != "" {
		scope = constraint.ScopeNamespace
	}
	for _, leaf := range m.Condition.Leaves(nil) {
		switch {
		case strings.HasPrefix(leaf.Field, "user."):
			return constraint.ScopeUser
		case strings.HasPrefix(leaf.Field, "project."):
			scope = constraint.ScopeProject
		}
	}
	return scope
}

// Solve identifies pairwise conflicts, selects a strategy, resolves what
// it can, and computes the effective constraint set.
func Solve(constraints []constraint.Applied, newID func() string) constraint.Result {
	result := constraint.Result{
		Constraints:          constraints,
		EffectiveConstraints: constraints,
		Strategy:             constraint.StrategyPriorityBased,
	}

	if len(constraints) == 0 {
		result.Outcome = constraint.OutcomeNoConstraints
		result.Constraints = []constraint.Applied{}
		result.EffectiveConstraints = []constraint.Applied{}
		return result
	}

	// Pairwise conflict detection: mixed satisfaction is a priority
	// conflict; same scope and type on distinct constraints overlaps.
	var conflicts []constraint.Conflict
	for i := 0; i < len(constraints); i++ {
		for j := i + 1; j < len(constraints); j++ {
			a, b := constraints[i], constraints[j]
			var ctype constraint.ConflictType
			switch {
			case a.Satisfied != b.Satisfied:
				ctype = constraint.ConflictPriority
			case a.Scope == b.Scope && a.Type == b.Type && a.ID != b.ID:
				ctype = constraint.ConflictScopeOverlap
			default:
				continue
			}
			conflicts = append(conflicts, constraint.Conflict{
				ID:            newID(),
				Type:          ctype,
				ConstraintIDs: [2]string{a.ID, b.ID},
				Severity:      maxSeverity(a.Severity, b.Severity),
				Description:   fmt.Sprintf("%s between %s and %s", ctype, a.ID, b.ID),
			})
		}
	}

	result.Strategy = selectStrategy(constraints, conflicts)

	for i := range conflicts {
		if result.Strategy == constraint.StrategyManualRequired {
			continue
		}
		conflicts[i].Resolved = true
		conflicts[i].Strategy = result.Strategy
	}
	result.Conflicts = conflicts

	unresolvedIDs := make(map[string]bool)
	for _, c := range conflicts {
		if c.Resolved {
			result.ConflictsResolved++
		} else {
			result.ConflictsUnresolved++
			unresolvedIDs[c.ConstraintIDs[0]] = true
			unresolvedIDs[c.ConstraintIDs[1]] = true
		}
	}

	if len(unresolvedIDs) > 0 {
		effective := make([]constraint.Applied, 0, len(constraints))
		for _, c := range constraints {
			if !unresolvedIDs[c.ID] {
				effective = append(effective, c)
			}
		}
		result.EffectiveConstraints = effective
	}

	result.Outcome = solverOutcome(constraints, conflicts, result.ConflictsUnresolved)
	return result
}

// selectStrategy picks the resolution strategy: critical severity forces
// most_restrictive, priority conflicts force priority_based, scope
// overlaps select scope_narrowing, priority_based otherwise.
func selectStrategy(constraints []constraint.Applied, conflicts []constraint.Conflict) constraint.Strategy {
	for _, c := range constraints {
		if c.Severity == constraint.SeverityCritical {
			return constraint.StrategyMostRestrictive
		}
	}
	hasScopeOverlap := false
	for _, c := range conflicts {
		if c.Type == constraint.ConflictPriority {
			return constraint.StrategyPriorityBased
		}
		if c.Type == constraint.ConflictScopeOverlap {
			hasScopeOverlap = true
		}
	}
	if hasScopeOverlap {
		return constraint.StrategyScopeNarrowing
	}
	return constraint.StrategyPriorityBased
}

// solverOutcome derives the closed outcome set in precedence order.
func solverOutcome(constraints []constraint.Applied, conflicts []constraint.Conflict, unresolved int) string {
	if unresolved > 0 {
		return constraint.OutcomePartialResolution
	}
	allSatisfied := true
	for _, c := range constraints {
		if !c.Satisfied {
			allSatisfied = false
			break
		}
	}
	switch {
	case allSatisfied && len(conflicts) == 0:
		return constraint.OutcomeSatisfied
	case allSatisfied:
		return constraint.OutcomeResolved
	case len(conflicts) > 0:
		return constraint.OutcomeResolved
	default:
		return constraint.OutcomeConstraintsViolated
	}
}

func hasMixedSatisfaction(constraints []constraint.Applied) bool {
	var sat, unsat bool
	for _, c := range constraints {
		if c.Satisfied {
			sat = true
		} else {
			unsat = true
		}
	}
	return sat && unsat
}

func maxSeverity(a, b constraint.Severity) constraint.Severity {
	rank := map[constraint.Severity]int{
		constraint.SeverityInfo:     0,
		constraint.SeverityWarning:  1,
		constraint.SeverityError:    2,
		constraint.SeverityCritical: 3,
	}
	if rank[a] >= rank[b] {
		return a
	}
	return b
}
