package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aegisflow/aegis/internal/domain/approval"
	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/execution"
	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/port/outbound"
)

// Requester identifies who is asking for a gated action.
type Requester struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// RouteRequest is one approval routing call.
type RouteRequest struct {
	RequestID     string                   `json:"request_id"`
	ActionContext policy.EvaluationContext `json:"action_context"`
	Requester     Requester                `json:"requester"`
	Priority      string                   `json:"priority,omitempty"`
	RuleFilter    []string                 `json:"rule_filter,omitempty"`
	DryRun        bool                     `json:"dry_run,omitempty"`
}

// ApprovalRouterAgent decides whether a policy-gated action requires
// approval and constructs the approval chain.
type ApprovalRouterAgent struct {
	rules    []approval.Rule
	timezone *time.Location
	builder  *decision.Builder
	ids      outbound.IDSource
	clock    outbound.Clock
	sinks    sinkSet
	logger   *slog.Logger
}

// NewApprovalRouterAgent loads routing rules (from configuration) and
// wires the agent to the sinks. Invalid rules are rejected up front.
func NewApprovalRouterAgent(
	rules []approval.Rule,
	timezone *time.Location,
	builder *decision.Builder,
	ids outbound.IDSource,
	clock outbound.Clock,
	records outbound.RecordSink,
	telemetry outbound.TelemetrySink,
	logger *slog.Logger,
) (*ApprovalRouterAgent, error) {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("approval rule %s: %w", rules[i].ID, err)
		}
		if rules[i].Combinator == "" {
			rules[i].Combinator = approval.CombinatorAll
		}
	}
	if timezone == nil {
		timezone = time.Local
	}
	return &ApprovalRouterAgent{
		rules:    rules,
		timezone: timezone,
		builder:  builder,
		ids:      ids,
		clock:    clock,
		sinks:    sinkSet{records: records, telemetry: telemetry, logger: logger},
		logger:   logger,
	}, nil
}

// Route matches approval rules, checks auto-approve conditions, and
// builds the approval chain with its escalation ladder.
func (a *ApprovalRouterAgent) Route(ctx context.Context, exec ExecutionInput, req RouteRequest) (*AgentResponse, error) {
	tracker := execution.NewTracker(RepoName, exec.ParentSpanID, a.ids.NewID, a.clock.Now)
	agentSpan := tracker.StartAgent(AgentApprovalRouter)

	result := a.route(req)

	confidence := decision.Confidence(decision.ConfidenceInput{
		NoPoliciesMatched: len(result.RulesMatched) == 0,
	})

	outputs := map[string]any{
		"outcome":                result.Outcome,
		"approval_chain":         result.Chain,
		"rules_matched":          result.RulesMatched,
		"justification_required": result.JustificationRequired,
		"risk_score":             result.RiskScore,
	}
	if result.AutoApproveReason != "" {
		outputs["auto_approve_reason"] = result.AutoApproveReason
	}

	inputs := map[string]any{
		"agent":          AgentApprovalRouter,
		"action_context": map[string]any(redactContext(req.ActionContext)),
		"requester":      req.Requester,
		"priority":       req.Priority,
		"rule_filter":    sortedIDs(req.RuleFilter),
	}

	tracker.AttachArtifact(agentSpan, "approval_routing", result.Outcome)
	tracker.FinishAgent(agentSpan, "")
	if err := tracker.Finish(""); err != nil {
		a.logger.Error("span invariant violated", "request_id", req.RequestID, "error", err)
	}

	event := a.builder.Build(
		decision.TypeApprovalRouting,
		inputs,
		outputs,
		confidence,
		append([]string{}, result.RulesMatched...),
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
		Allowed:    result.Outcome == approval.OutcomeAutoApproved || result.Outcome == approval.OutcomeApprovalBypassed,
	}
	a.sinks.emit(ctx, resp, req.DryRun)

	a.logger.Debug("approval routing completed",
		"request_id", req.RequestID,
		"outcome", result.Outcome,
		"rules_matched", len(result.RulesMatched),
	)
	return resp, nil
}

// Status exposes the approval-state lookup contract. State tracking is
// owned by the approval-state collaborator; the router returns nil until
// one is attached.
func (a *ApprovalRouterAgent) Status(ctx context.Context, approvalRequestID string) (*approval.Status, error) {
	return nil, nil
}

// route is the pure routing pass.
func (a *ApprovalRouterAgent) route(req RouteRequest) approval.Result {
	filter := make(map[string]bool, len(req.RuleFilter))
	for _, id := range req.RuleFilter {
		filter[id] = true
	}

	var matchedRules []approval.Rule
	for i := range a.rules {
		r := &a.rules[i]
		if !r.Active {
			continue
		}
		if len(filter) > 0 && !filter[r.ID] {
			continue
		}
		if a.ruleMatches(r, req.ActionContext) {
			matchedRules = append(matchedRules, *r)
		}
	}

	// Highest priority first.
	sort.SliceStable(matchedRules, func(i, j int) bool {
		return matchedRules[i].Priority > matchedRules[j].Priority
	})

	matchedIDs := make([]string, 0, len(matchedRules))
	for _, r := range matchedRules {
		matchedIDs = append(matchedIDs, r.ID)
	}

	result := approval.Result{
		RulesMatched: matchedIDs,
		RiskScore:    riskScore(req, matchedRules),
	}

	for _, r := range matchedRules {
		if reason := a.autoApproveReason(&r, req); reason != "" {
			result.Outcome = approval.OutcomeAutoApproved
			result.AutoApproveReason = reason
			result.Chain = approval.Chain{Steps: []approval.ChainStep{}}
			return result
		}
	}

	if len(matchedRules) == 0 {
		result.Outcome = approval.OutcomeApprovalBypassed
		result.Chain = approval.Chain{Steps: []approval.ChainStep{}}
		return result
	}

	result.Chain = buildChain(matchedRules)
	switch req.Priority {
	case "critical", "high", "emergency":
		result.Outcome = approval.OutcomeEscalationRequired
	default:
		result.Outcome = approval.OutcomeApprovalRequired
	}

	for _, r := range matchedRules {
		if r.Priority >= 80 {
			result.JustificationRequired = true
			break
		}
	}
	return result
}

// ruleMatches evaluates the rule's match list under its combinator.
func (a *ApprovalRouterAgent) ruleMatches(r *approval.Rule, ctx policy.EvaluationContext) bool {
	if len(r.Match) == 0 {
		return true
	}
	if r.Combinator == approval.CombinatorAny {
		for i := range r.Match {
			if policy.EvaluateCondition(r.Match[i], ctx) {
				return true
			}
		}
		return false
	}
	for i := range r.Match {
		if !policy.EvaluateCondition(r.Match[i], ctx) {
			return false
		}
	}
	return true
}

// autoApproveReason runs the order-sensitive auto-approval checks; the
// first satisfied check wins. Returns the reason or empty.
func (a *ApprovalRouterAgent) autoApproveReason(r *approval.Rule, req RouteRequest) string {
	aa := r.AutoApprove
	if aa.Empty() {
		return ""
	}

	if len(aa.AllowedRoles) > 0 {
		for _, role := range req.Requester.Roles {
			for _, allowed := range aa.AllowedRoles {
				if role == allowed {
					return fmt.Sprintf("requester role %q is auto-approved by rule %s", role, r.ID)
				}
			}
		}
	}

	if len(aa.AllowedResourceTypes) > 0 {
		if rt, ok := req.ActionContext.Resolve("resource_type"); ok {
			if s, ok := rt.(string); ok {
				for _, allowed := range aa.AllowedResourceTypes {
					if s == allowed {
						return fmt.Sprintf("resource type %q is auto-approved by rule %s", s, r.ID)
					}
				}
			}
		}
	}

	if len(aa.AllowedOperations) > 0 {
		if op, ok := req.ActionContext.Resolve("operation"); ok {
			if s, ok := op.(string); ok {
				for _, allowed := range aa.AllowedOperations {
					if s == allowed {
						return fmt.Sprintf("operation %q is auto-approved by rule %s", s, r.ID)
					}
				}
			}
		}
	}

	if aa.MaxValue != nil {
		if v, ok := req.ActionContext.Resolve("details.value"); ok {
			if f, ok := asNumber(v); ok && f <= *aa.MaxValue {
				return fmt.Sprintf("value %.2f is under the auto-approve cap of rule %s", f, r.ID)
			}
		}
	}

	if tw := aa.TimeRestrictions; tw != nil {
		now := a.clock.Now().In(a.timezone)
		if withinWindow(tw, now) {
			return fmt.Sprintf("request inside approved time window of rule %s", r.ID)
		}
	}
	return ""
}

// withinWindow checks the hour range and weekday set of a time window.
func withinWindow(tw *approval.TimeWindow, now time.Time) bool {
	hour := now.Hour()
	if hour < tw.StartHour || hour >= tw.EndHour {
		return false
	}
	if len(tw.Weekdays) == 0 {
		return true
	}
	wd := int(now.Weekday())
	for _, allowed := range tw.Weekdays {
		if wd == allowed {
			return true
		}
	}
	return false
}

// buildChain appends one step per rule with available approvers and
// merges escalation ladders across rules by level.
func buildChain(rules []approval.Rule) approval.Chain {
	var chain approval.Chain
	totalTimeout := 0

	for _, r := range rules {
		available := make([]approval.Approver, 0, len(r.ApproverPool))
		for _, ap := range r.ApproverPool {
			if ap.Available {
				available = append(available, ap)
			}
		}
		if len(available) == 0 {
			continue
		}

		stepType := approval.StepAnyOf
		if r.RequiredApprovers > 1 {
			stepType = approval.StepParallel
		}
		chain.Steps = append(chain.Steps, approval.ChainStep{
			RuleID:              r.ID,
			StepType:            stepType,
			Approvers:           available,
			RequiredApprovals:   max(r.RequiredApprovers, 1),
			TimeoutSeconds:      r.TimeoutSeconds,
			EscalationOnTimeout: r.Escalation != nil && r.Escalation.Enabled,
		})
		totalTimeout += r.TimeoutSeconds
	}
	if chain.Steps == nil {
		chain.Steps = []approval.ChainStep{}
	}

	chain.EscalationLevels = mergeEscalations(rules)
	for _, lvl := range chain.EscalationLevels {
		totalTimeout += lvl.TimeoutSeconds
	}
	chain.TotalTimeoutSeconds = totalTimeout
	return chain
}

// mergeEscalations merges ladders across rules by level: approvers are
// unioned by id, the timeout is the minimum across contributors.
func mergeEscalations(rules []approval.Rule) []approval.EscalationLevel {
	byLevel := make(map[int]*approval.EscalationLevel)
	for _, r := range rules {
		if r.Escalation == nil || !r.Escalation.Enabled {
			continue
		}
		for _, lvl := range r.Escalation.Levels {
			merged, ok := byLevel[lvl.Level]
			if !ok {
				cp := approval.EscalationLevel{
					Level:          lvl.Level,
					Approvers:      append([]approval.Approver(nil), lvl.Approvers...),
					TimeoutSeconds: lvl.TimeoutSeconds,
				}
				byLevel[lvl.Level] = &cp
				continue
			}
			seen := make(map[string]bool, len(merged.Approvers))
			for _, ap := range merged.Approvers {
				seen[ap.ID] = true
			}
			for _, ap := range lvl.Approvers {
				if !seen[ap.ID] {
					merged.Approvers = append(merged.Approvers, ap)
				}
			}
			if lvl.TimeoutSeconds < merged.TimeoutSeconds {
				merged.TimeoutSeconds = lvl.TimeoutSeconds
			}
		}
	}

	levels := make([]approval.EscalationLevel, 0, len(byLevel))
	for _, lvl := range byLevel {
		levels = append(levels, *lvl)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	return levels
}

// riskScore computes the bounded [0,100] routing risk score.
func riskScore(req RouteRequest, matchedRules []approval.Rule) float64 {
	score := 0.0
	if op, ok := req.ActionContext.Resolve("operation"); ok {
		switch op {
		case "delete":
			score += 30
		case "execute":
			score += 25
		case "update":
			score += 20
		case "create":
			score += 15
		}
	}
	score += 10 * float64(len(matchedRules))
	for _, r := range matchedRules {
		score += float64(r.Priority) / 10
	}
	if score > 100 {
		return 100
	}
	return score
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
