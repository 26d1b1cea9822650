package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aegisflow/aegis/internal/adapter/outbound/memory"
	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/execution"
	"github.com/aegisflow/aegis/internal/domain/policy"
)

func newTestEnforcement(t *testing.T, policies ...policy.Policy) (*PolicyEnforcementAgent, *memory.RecordSink) {
	t.Helper()
	engine, _, _ := newTestEngine(t, policies...)
	clock := newTestClock()
	ids := &seqIDs{pre: "id"}
	records := memory.NewRecordSink(100)
	builder := &decision.Builder{
		AgentID:      AgentPolicyEnforcement,
		AgentVersion: "test",
		Environment:  "dev",
		NewID:        ids.NewID,
		Now:          clock.Now,
	}
	agent := NewPolicyEnforcementAgent(engine, builder, ids, clock, records, nil, time.Second, testLogger())
	return agent, records
}

func TestEnforcementEventEnvelope(t *testing.T) {
	agent, records := newTestEnforcement(t, tokenLimitPolicy())
	ctx := mustContext(t, `{"llm":{"provider":"openai","model":"gpt-4","maxTokens":2000}}`)

	resp, err := agent.Evaluate(context.Background(), testExec(), EvaluateRequest{
		RequestID: "req-1", Context: ctx,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	e := resp.Event
	if e.EventID == "" || e.AgentID != AgentPolicyEnforcement || e.DecisionType != decision.TypePolicyEnforcement {
		t.Errorf("envelope = %+v", e)
	}
	if len(e.InputsHash) != 16 {
		t.Errorf("inputs_hash = %q, want 16 hex chars", e.InputsHash)
	}
	if e.Outputs["outcome"] != decision.OutcomePolicyDeny {
		t.Errorf("outcome = %v", e.Outputs["outcome"])
	}
	if e.Outputs["allowed"] != false || resp.Allowed {
		t.Error("deny must not be allowed")
	}
	if e.Confidence <= 0 || e.Confidence > 1 {
		t.Errorf("confidence = %f", e.Confidence)
	}
	if e.ExecutionRef.RequestID != "req-1" || e.ExecutionRef.Environment != "dev" {
		t.Errorf("execution ref = %+v", e.ExecutionRef)
	}
	if _, err := time.Parse(time.RFC3339Nano, e.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", e.Timestamp, err)
	}

	// Exactly one event persisted per invocation.
	if got := len(records.Events()); got != 1 {
		t.Errorf("persisted events = %d, want 1", got)
	}
}

// Identical inputs hash identically across invocations; key order in the
// context does not matter.
func TestInputsHashStability(t *testing.T) {
	agent, _ := newTestEnforcement(t, tokenLimitPolicy())

	ctxA := mustContext(t, `{"llm":{"provider":"openai","maxTokens":2000},"user":{"id":"u-1"}}`)
	ctxB := mustContext(t, `{"user":{"id":"u-1"},"llm":{"maxTokens":2000,"provider":"openai"}}`)

	respA, err := agent.Evaluate(context.Background(), testExec(), EvaluateRequest{RequestID: "a", Context: ctxA, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	respB, err := agent.Evaluate(context.Background(), testExec(), EvaluateRequest{RequestID: "b", Context: ctxB, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}

	if respA.Event.InputsHash != respB.Event.InputsHash {
		t.Errorf("hash differs under key reordering: %s vs %s", respA.Event.InputsHash, respB.Event.InputsHash)
	}
	if respA.Event.EventID == respB.Event.EventID {
		t.Error("event ids must be unique per invocation")
	}
}

// Empty corpus: allow, confidence exactly one reduction (0.8), no
// matches.
func TestEnforcementEmptyCorpus(t *testing.T) {
	agent, _ := newTestEnforcement(t)

	resp, err := agent.Evaluate(context.Background(), testExec(), EvaluateRequest{
		RequestID: "req-c", Context: policy.EvaluationContext{},
	})
	if err != nil {
		t.Fatal(err)
	}
	e := resp.Event
	if e.Outputs["outcome"] != decision.OutcomePolicyAllow {
		t.Errorf("outcome = %v", e.Outputs["outcome"])
	}
	if e.Confidence != 0.8 {
		t.Errorf("confidence = %f, want 0.8", e.Confidence)
	}
	if got := e.Outputs["matched_policies"].([]string); len(got) != 0 {
		t.Errorf("matched = %v", got)
	}
}

// Every successful response carries a repo span and at least one agent
// span, parented correctly.
func TestEnforcementSpans(t *testing.T) {
	agent, _ := newTestEnforcement(t, tokenLimitPolicy())

	resp, err := agent.Evaluate(context.Background(), testExec(), EvaluateRequest{
		RequestID: "req-s", Context: mustContext(t, `{"llm":{"maxTokens":1}}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.RepoSpan.Type != execution.SpanRepo || resp.RepoSpan.ParentSpanID != "ext-span" {
		t.Errorf("repo span = %+v", resp.RepoSpan)
	}
	if resp.RepoSpan.Status != execution.StatusCompleted {
		t.Errorf("repo status = %s", resp.RepoSpan.Status)
	}
	if len(resp.AgentSpans) < 1 {
		t.Fatal("at least one agent span required")
	}
	a := resp.AgentSpans[0]
	if a.ParentSpanID != resp.RepoSpan.SpanID || a.AgentName != AgentPolicyEnforcement {
		t.Errorf("agent span = %+v", a)
	}
	if resp.Event.ExecutionRef.SpanID != a.SpanID {
		t.Errorf("event span ref = %s, want %s", resp.Event.ExecutionRef.SpanID, a.SpanID)
	}
}

// Error events carry confidence zero, outcome policy_deny, and the error
// message as reason.
func TestEnforcementErrorEvent(t *testing.T) {
	agent, records := newTestEnforcement(t, tokenLimitPolicy())

	resp := agent.EvaluateError(context.Background(), testExec(), EvaluateRequest{
		RequestID: "req-e", Context: policy.EvaluationContext{},
	}, errors.New("policy source unavailable"))

	e := resp.Event
	if e.Confidence != 0 {
		t.Errorf("error event confidence = %f, want 0", e.Confidence)
	}
	if e.Outputs["outcome"] != decision.OutcomePolicyDeny {
		t.Errorf("outcome = %v", e.Outputs["outcome"])
	}
	if e.Outputs["reason"] != "policy source unavailable" {
		t.Errorf("reason = %v", e.Outputs["reason"])
	}
	if len(records.Events()) != 1 {
		t.Error("error events must still be emitted")
	}
}

// Dry-run evaluations skip the record sink but still return the event.
func TestDryRunSkipsPersistence(t *testing.T) {
	agent, records := newTestEnforcement(t, tokenLimitPolicy())

	resp, err := agent.Evaluate(context.Background(), testExec(), EvaluateRequest{
		RequestID: "req-d",
		Context:   mustContext(t, `{"llm":{"maxTokens":2000}}`),
		DryRun:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Event.EventID == "" {
		t.Error("dry run must still build the event")
	}
	if got := len(records.Events()); got != 0 {
		t.Errorf("dry run persisted %d events", got)
	}
}

// Sensitive metadata keys are redacted before fingerprinting.
func TestContextRedaction(t *testing.T) {
	ctx := mustContext(t, `{"metadata":{"api_token":"sk-123","note":"fine"}}`)
	redacted := redactContext(ctx)

	meta := redacted["metadata"].(map[string]any)
	if meta["api_token"] != "***REDACTED***" {
		t.Errorf("api_token = %v", meta["api_token"])
	}
	if meta["note"] != "fine" {
		t.Errorf("note = %v", meta["note"])
	}
	// The original context is untouched.
	orig := ctx["metadata"].(map[string]any)
	if orig["api_token"] != "sk-123" {
		t.Error("redaction mutated the source context")
	}
}

// Warn and modify map to conditional_allow and reduce confidence.
func TestOutcomeMappingAndConfidence(t *testing.T) {
	warnPolicy := policy.Policy{
		ID: "W1", Name: "warn", Version: "1", Namespace: "ns", Priority: 10,
		Status: policy.StatusActive,
		Rules: []policy.Rule{{
			ID: "w-r", Enabled: true,
			Condition: policy.Exists("llm.model"),
			Action:    policy.Action{Decision: policy.DecisionWarn, Reason: "heads up"},
		}},
	}
	agent, _ := newTestEnforcement(t, warnPolicy)

	resp, err := agent.Evaluate(context.Background(), testExec(), EvaluateRequest{
		RequestID: "req-w", Context: mustContext(t, `{"llm":{"model":"gpt-4"}}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Event.Outputs["outcome"] != decision.OutcomeConditionalAllow {
		t.Errorf("outcome = %v", resp.Event.Outputs["outcome"])
	}
	if resp.Event.Confidence != 0.9 {
		t.Errorf("warn confidence = %f, want 0.9", resp.Event.Confidence)
	}
}
