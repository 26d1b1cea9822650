package service

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/execution"
	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/port/outbound"
)

// RepoName identifies this repository in execution span trees.
const RepoName = "aegis-policy-engine"

// Agent names used in span trees and event envelopes.
const (
	AgentPolicyEnforcement = "policy-enforcement-agent"
	AgentConstraintSolver  = "constraint-solver-agent"
	AgentApprovalRouter    = "approval-routing-agent"
)

// ExecutionInput carries the orchestrator-supplied execution context that
// upstream middleware extracted from headers.
type ExecutionInput struct {
	ExecutionID   string
	ParentSpanID  string
	CorrelationID string
	SessionID     string
}

// AgentResponse is the uniform result every agent invocation produces:
// exactly one event plus the span tree, or an error event when the
// invocation failed.
type AgentResponse struct {
	Event      decision.Event   `json:"event"`
	RepoSpan   execution.Span   `json:"repo_span"`
	AgentSpans []execution.Span `json:"agent_spans"`
	Allowed    bool             `json:"allowed"`
	Cached     bool             `json:"cached"`
	Trace      *policy.Trace    `json:"trace,omitempty"`
}

// sinkSet bundles the best-effort outbound sinks.
type sinkSet struct {
	records     outbound.RecordSink
	telemetry   outbound.TelemetrySink
	sinkTimeout time.Duration
	logger      *slog.Logger
}

// emit persists the event and exports the spans. Failures degrade to
// warnings; the decision already belongs to the caller.
func (s *sinkSet) emit(ctx context.Context, resp *AgentResponse, dryRun bool) {
	if s.telemetry != nil {
		s.telemetry.EmitSpan(ctx, resp.RepoSpan)
		for _, span := range resp.AgentSpans {
			s.telemetry.EmitSpan(ctx, span)
		}
		s.telemetry.EmitEvent(ctx, resp.Event)
	}

	if s.records == nil || dryRun {
		return
	}
	writeCtx := ctx
	if s.sinkTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.sinkTimeout)
		defer cancel()
	}
	if ack := s.records.PersistEvent(writeCtx, resp.Event); !ack.Accepted {
		s.logger.Warn("record sink rejected decision event",
			"event_id", resp.Event.EventID,
			"reason", ack.Reason,
		)
	}
}

// PolicyEnforcementAgent evaluates rules over a context and produces the
// primary decision event.
type PolicyEnforcementAgent struct {
	engine  *Engine
	builder *decision.Builder
	ids     outbound.IDSource
	clock   outbound.Clock
	sinks   sinkSet
	logger  *slog.Logger
}

// NewPolicyEnforcementAgent wires the agent to the engine and sinks.
func NewPolicyEnforcementAgent(
	engine *Engine,
	builder *decision.Builder,
	ids outbound.IDSource,
	clock outbound.Clock,
	records outbound.RecordSink,
	telemetry outbound.TelemetrySink,
	sinkTimeout time.Duration,
	logger *slog.Logger,
) *PolicyEnforcementAgent {
	return &PolicyEnforcementAgent{
		engine:  engine,
		builder: builder,
		ids:     ids,
		clock:   clock,
		sinks: sinkSet{
			records:     records,
			telemetry:   telemetry,
			sinkTimeout: sinkTimeout,
			logger:      logger,
		},
		logger: logger,
	}
}

// Evaluate runs one policy enforcement request end to end: span tree,
// evaluation, outcome mapping, event assembly, and best-effort emission.
// A well-formed event is returned even when evaluation fails.
func (a *PolicyEnforcementAgent) Evaluate(ctx context.Context, exec ExecutionInput, req EvaluateRequest) (*AgentResponse, error) {
	tracker := execution.NewTracker(RepoName, exec.ParentSpanID, a.ids.NewID, a.clock.Now)
	agentSpan := tracker.StartAgent(AgentPolicyEnforcement)

	d, _, cached := a.engine.Evaluate(req)

	outcome := enforcementOutcome(d.Decision)
	outputs := map[string]any{
		"outcome":          outcome,
		"allowed":          d.Allowed,
		"reason":           d.Reason,
		"matched_policies": d.MatchedPolicies,
		"matched_rules":    d.MatchedRules,
	}
	if len(d.Modifications) > 0 {
		outputs["modifications"] = d.Modifications
	}

	confidence := decision.Confidence(decision.ConfidenceInput{
		NoPoliciesMatched: len(d.MatchedPolicies) == 0,
		Outcome:           string(d.Decision),
	})

	inputs := map[string]any{
		"agent":      AgentPolicyEnforcement,
		"context":    map[string]any(redactContext(req.Context)),
		"policy_set": sortedIDs(req.PolicyIDs),
	}

	tracker.AttachArtifact(agentSpan, "decision", outcome)
	tracker.FinishAgent(agentSpan, "")
	if err := tracker.Finish(""); err != nil {
		a.logger.Error("span invariant violated", "request_id", req.RequestID, "error", err)
	}

	event := a.builder.Build(
		decision.TypePolicyEnforcement,
		inputs,
		outputs,
		confidence,
		append([]string{}, d.MatchedRules...),
		decision.ExecutionRef{
			RequestID: req.RequestID,
			TraceID:   exec.ExecutionID,
			SpanID:    agentSpan.SpanID,
			SessionID: exec.SessionID,
		},
	)
	event.Metadata = map[string]any{
		"evaluation_time_ms": d.EvaluationTimeMS,
		"cached":             cached,
		"dry_run":            req.DryRun,
	}
	if exec.CorrelationID != "" {
		event.Metadata["correlation_id"] = exec.CorrelationID
	}

	resp := &AgentResponse{
		Event:      event,
		RepoSpan:   tracker.RepoSpan(),
		AgentSpans: tracker.AgentSpans(),
		Allowed:    d.Allowed,
		Cached:     cached,
		Trace:      d.Trace,
	}
	a.sinks.emit(ctx, resp, req.DryRun)

	a.logger.Debug("policy enforcement decision",
		"request_id", req.RequestID,
		"outcome", outcome,
		"matched_policies", len(d.MatchedPolicies),
		"cached", cached,
	)
	return resp, nil
}

// EvaluateError emits the error event required when evaluation could not
// run (for example a policy source failure): outcome policy_deny,
// confidence zero, reason set to the error message.
func (a *PolicyEnforcementAgent) EvaluateError(ctx context.Context, exec ExecutionInput, req EvaluateRequest, cause error) *AgentResponse {
	tracker := execution.NewTracker(RepoName, exec.ParentSpanID, a.ids.NewID, a.clock.Now)
	agentSpan := tracker.StartAgent(AgentPolicyEnforcement)
	tracker.FinishAgent(agentSpan, cause.Error())
	_ = tracker.Finish(cause.Error())

	event := a.builder.Build(
		decision.TypePolicyEnforcement,
		map[string]any{
			"agent":   AgentPolicyEnforcement,
			"context": map[string]any(redactContext(req.Context)),
		},
		map[string]any{
			"outcome": decision.OutcomePolicyDeny,
			"allowed": false,
			"reason":  cause.Error(),
		},
		0,
		nil,
		decision.ExecutionRef{
			RequestID: req.RequestID,
			TraceID:   exec.ExecutionID,
			SpanID:    agentSpan.SpanID,
			SessionID: exec.SessionID,
		},
	)
	event.Metadata = map[string]any{"error": cause.Error()}

	resp := &AgentResponse{
		Event:      event,
		RepoSpan:   tracker.RepoSpan(),
		AgentSpans: tracker.AgentSpans(),
	}
	a.sinks.emit(ctx, resp, req.DryRun)
	return resp
}

// enforcementOutcome maps a decision type to the agent's closed outcome
// set.
func enforcementOutcome(d policy.DecisionType) string {
	switch d {
	case policy.DecisionDeny:
		return decision.OutcomePolicyDeny
	case policy.DecisionWarn, policy.DecisionModify:
		return decision.OutcomeConditionalAllow
	default:
		return decision.OutcomePolicyAllow
	}
}

func sortedIDs(ids []string) []string {
	out := append([]string{}, ids...)
	sort.Strings(out)
	return out
}

// sensitiveKeywords mark metadata keys whose values are redacted before
// contexts are fingerprinted or persisted.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// redactContext returns a copy of ctx with sensitive metadata values
// masked. Only the metadata branch is redacted: conventional branches
// carry identifiers, not secrets.
func redactContext(ctx policy.EvaluationContext) policy.EvaluationContext {
	meta, ok := ctx["metadata"].(map[string]any)
	if !ok || len(meta) == 0 {
		return ctx
	}
	out := make(policy.EvaluationContext, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	redacted := make(map[string]any, len(meta))
	for k, v := range meta {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	out["metadata"] = redacted
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
