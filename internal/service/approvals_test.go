package service

import (
	"context"
	"testing"
	"time"

	"github.com/aegisflow/aegis/internal/adapter/outbound/memory"
	"github.com/aegisflow/aegis/internal/domain/approval"
	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/policy"
)

func prodChangeRule() approval.Rule {
	return approval.Rule{
		ID:   "ar-prod",
		Name: "Production changes",
		Match: []policy.Condition{
			policy.Equals("resource_type", "policy"),
		},
		Combinator:        approval.CombinatorAll,
		RequiredApprovers: 2,
		ApproverPool: []approval.Approver{
			{ID: "alice", Name: "Alice", Available: true},
			{ID: "bob", Name: "Bob", Available: true},
			{ID: "carol", Name: "Carol", Available: false},
		},
		TimeoutSeconds: 3600,
		Escalation: &approval.EscalationConfig{
			Enabled: true,
			Levels: []approval.EscalationLevel{
				{Level: 1, Approvers: []approval.Approver{{ID: "dave", Available: true}}, TimeoutSeconds: 1800},
			},
		},
		AutoApprove: &approval.AutoApproveConditions{
			AllowedRoles: []string{"platform-admin"},
		},
		Priority: 90,
		Active:   true,
	}
}

func newTestRouter(t *testing.T, rules ...approval.Rule) (*ApprovalRouterAgent, *memory.RecordSink, *testClock) {
	t.Helper()
	clock := newTestClock()
	ids := &seqIDs{pre: "id"}
	records := memory.NewRecordSink(100)
	builder := &decision.Builder{
		AgentID:      AgentApprovalRouter,
		AgentVersion: "test",
		Environment:  "dev",
		NewID:        ids.NewID,
		Now:          clock.Now,
	}
	router, err := NewApprovalRouterAgent(rules, time.UTC, builder, ids, clock, records, nil, testLogger())
	if err != nil {
		t.Fatalf("NewApprovalRouterAgent: %v", err)
	}
	return router, records, clock
}

func testExec() ExecutionInput {
	return ExecutionInput{ExecutionID: "exec-1", ParentSpanID: "ext-span"}
}

// Scenario: a requester holding an allowed role is auto-approved with an
// empty chain and high confidence.
func TestAutoApprovalByRole(t *testing.T) {
	router, _, _ := newTestRouter(t, prodChangeRule())

	resp, err := router.Route(context.Background(), testExec(), RouteRequest{
		RequestID:     "req-1",
		ActionContext: mustContext(t, `{"resource_type":"policy","operation":"update"}`),
		Requester:     Requester{ID: "u-1", Roles: []string{"platform-admin"}},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	outputs := resp.Event.Outputs
	if outputs["outcome"] != approval.OutcomeAutoApproved {
		t.Fatalf("outcome = %v", outputs["outcome"])
	}
	chain := outputs["approval_chain"].(approval.Chain)
	if len(chain.Steps) != 0 {
		t.Errorf("auto-approved chain must be empty: %+v", chain)
	}
	matched := outputs["rules_matched"].([]string)
	if len(matched) != 1 || matched[0] != "ar-prod" {
		t.Errorf("rules_matched = %v", matched)
	}
	if resp.Event.Confidence < 0.95 {
		t.Errorf("confidence = %f, want >= 0.95", resp.Event.Confidence)
	}
	if !resp.Allowed {
		t.Error("auto-approved must be allowed")
	}
}

// No matching rules bypasses approval.
func TestApprovalBypass(t *testing.T) {
	router, _, _ := newTestRouter(t, prodChangeRule())

	resp, err := router.Route(context.Background(), testExec(), RouteRequest{
		RequestID:     "req-2",
		ActionContext: mustContext(t, `{"resource_type":"dashboard"}`),
		Requester:     Requester{ID: "u-2"},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Event.Outputs["outcome"] != approval.OutcomeApprovalBypassed {
		t.Errorf("outcome = %v", resp.Event.Outputs["outcome"])
	}
}

// A matched rule without auto-approval builds a chain: parallel step for
// required_approvers > 1, only available approvers, escalation merged.
func TestChainConstruction(t *testing.T) {
	router, _, _ := newTestRouter(t, prodChangeRule())

	resp, err := router.Route(context.Background(), testExec(), RouteRequest{
		RequestID:     "req-3",
		ActionContext: mustContext(t, `{"resource_type":"policy","operation":"update"}`),
		Requester:     Requester{ID: "u-3", Roles: []string{"developer"}},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	outputs := resp.Event.Outputs
	if outputs["outcome"] != approval.OutcomeApprovalRequired {
		t.Fatalf("outcome = %v", outputs["outcome"])
	}

	chain := outputs["approval_chain"].(approval.Chain)
	if len(chain.Steps) != 1 {
		t.Fatalf("steps = %+v", chain.Steps)
	}
	step := chain.Steps[0]
	if step.StepType != approval.StepParallel {
		t.Errorf("step type = %s, want parallel", step.StepType)
	}
	if len(step.Approvers) != 2 {
		t.Errorf("unavailable approvers must be excluded: %+v", step.Approvers)
	}
	if !step.EscalationOnTimeout {
		t.Error("escalation_on_timeout must be set")
	}
	if chain.TotalTimeoutSeconds != 3600+1800 {
		t.Errorf("total timeout = %d", chain.TotalTimeoutSeconds)
	}

	// Priority 90 rule requires justification.
	if outputs["justification_required"] != true {
		t.Error("justification must be required for priority >= 80")
	}
}

// Critical/high/emergency priorities escalate.
func TestEscalationRequired(t *testing.T) {
	router, _, _ := newTestRouter(t, prodChangeRule())

	for _, priority := range []string{"critical", "high", "emergency"} {
		resp, err := router.Route(context.Background(), testExec(), RouteRequest{
			RequestID:     "req-esc",
			ActionContext: mustContext(t, `{"resource_type":"policy"}`),
			Requester:     Requester{ID: "u", Roles: []string{"developer"}},
			Priority:      priority,
		})
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if resp.Event.Outputs["outcome"] != approval.OutcomeEscalationRequired {
			t.Errorf("priority %s: outcome = %v", priority, resp.Event.Outputs["outcome"])
		}
	}
}

// Escalation ladders merge by level: approvers union by id, timeout is
// the minimum across contributors.
func TestEscalationMerge(t *testing.T) {
	r1 := prodChangeRule()
	r2 := prodChangeRule()
	r2.ID = "ar-second"
	r2.Priority = 50
	r2.TimeoutSeconds = 600
	r2.Escalation = &approval.EscalationConfig{
		Enabled: true,
		Levels: []approval.EscalationLevel{
			{Level: 1, Approvers: []approval.Approver{
				{ID: "dave", Available: true},
				{ID: "erin", Available: true},
			}, TimeoutSeconds: 900},
		},
	}

	chain := buildChain([]approval.Rule{r1, r2})
	if len(chain.EscalationLevels) != 1 {
		t.Fatalf("levels = %+v", chain.EscalationLevels)
	}
	lvl := chain.EscalationLevels[0]
	if len(lvl.Approvers) != 2 {
		t.Errorf("approvers must union by id: %+v", lvl.Approvers)
	}
	if lvl.TimeoutSeconds != 900 {
		t.Errorf("timeout = %d, want min 900", lvl.TimeoutSeconds)
	}
	if chain.TotalTimeoutSeconds != 3600+600+900 {
		t.Errorf("total timeout = %d", chain.TotalTimeoutSeconds)
	}
}

func TestRiskScore(t *testing.T) {
	rules := []approval.Rule{prodChangeRule()}
	req := RouteRequest{ActionContext: mustContext(t, `{"operation":"delete"}`)}
	// 30 (delete) + 10 (one rule) + 9 (priority 90 / 10)
	if got := riskScore(req, rules); got != 49 {
		t.Errorf("risk = %f, want 49", got)
	}

	// Capped at 100.
	many := make([]approval.Rule, 12)
	for i := range many {
		many[i] = prodChangeRule()
	}
	if got := riskScore(req, many); got != 100 {
		t.Errorf("risk = %f, want capped 100", got)
	}
}

// Auto-approval by value threshold and time window.
func TestAutoApproveValueAndTimeWindow(t *testing.T) {
	maxValue := 100.0
	rule := approval.Rule{
		ID: "ar-value", Name: "Small changes", Active: true,
		ApproverPool:   []approval.Approver{{ID: "alice", Available: true}},
		TimeoutSeconds: 60,
		AutoApprove: &approval.AutoApproveConditions{
			MaxValue: &maxValue,
			TimeRestrictions: &approval.TimeWindow{
				StartHour: 9, EndHour: 17, Weekdays: []int{1, 2, 3, 4, 5},
			},
		},
	}
	router, _, clock := newTestRouter(t, rule)

	// Under the cap auto-approves regardless of time.
	resp, err := router.Route(context.Background(), testExec(), RouteRequest{
		RequestID:     "req-v",
		ActionContext: mustContext(t, `{"details":{"value":50}}`),
		Requester:     Requester{ID: "u"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Event.Outputs["outcome"] != approval.OutcomeAutoApproved {
		t.Errorf("outcome = %v", resp.Event.Outputs["outcome"])
	}

	// Over the cap inside business hours still auto-approves on time.
	clock.Set(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) // Monday 10:00 UTC
	resp, err = router.Route(context.Background(), testExec(), RouteRequest{
		RequestID:     "req-t",
		ActionContext: mustContext(t, `{"details":{"value":5000}}`),
		Requester:     Requester{ID: "u"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Event.Outputs["outcome"] != approval.OutcomeAutoApproved {
		t.Errorf("outcome inside window = %v", resp.Event.Outputs["outcome"])
	}

	// Outside the window, the chain is built instead.
	clock.Set(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)) // Sunday 03:00 UTC
	resp, err = router.Route(context.Background(), testExec(), RouteRequest{
		RequestID:     "req-t2",
		ActionContext: mustContext(t, `{"details":{"value":5000}}`),
		Requester:     Requester{ID: "u"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Event.Outputs["outcome"] != approval.OutcomeApprovalRequired {
		t.Errorf("outcome outside window = %v", resp.Event.Outputs["outcome"])
	}
}

// The status lookup exposes the contract only.
func TestApprovalStatusContract(t *testing.T) {
	router, _, _ := newTestRouter(t)
	status, err := router.Status(context.Background(), "approval-1")
	if err != nil || status != nil {
		t.Errorf("Status = (%+v, %v), want (nil, nil)", status, err)
	}
}

// An active rule with no approvers and no auto-approve fails validation.
func TestInvalidRuleRejected(t *testing.T) {
	bad := approval.Rule{ID: "bad", Name: "bad", Active: true}
	clock := newTestClock()
	ids := &seqIDs{pre: "id"}
	builder := &decision.Builder{AgentID: "a", AgentVersion: "t", NewID: ids.NewID, Now: clock.Now}
	if _, err := NewApprovalRouterAgent([]approval.Rule{bad}, time.UTC, builder, ids, clock, nil, nil, testLogger()); err == nil {
		t.Fatal("expected validation error")
	}
}
