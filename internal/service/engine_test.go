package service

import (
	"context"
	"testing"
	"time"

	"github.com/aegisflow/aegis/internal/domain/policy"
)

// Scenario: a context over the token limit denies with the configured
// reason and matched-rule provenance.
func TestEvaluateTokenLimitDeny(t *testing.T) {
	engine, _, _ := newTestEngine(t, tokenLimitPolicy())
	ctx := mustContext(t, `{"llm":{"provider":"openai","model":"gpt-4","maxTokens":2000}}`)

	d, _, cached := engine.Evaluate(EvaluateRequest{RequestID: "req-1", Context: ctx})
	if cached {
		t.Fatal("first evaluation cannot be cached")
	}
	if d.Allowed || d.Decision != policy.DecisionDeny {
		t.Fatalf("decision = %+v, want deny", d)
	}
	if d.Reason != "Request exceeds token limit" {
		t.Errorf("reason = %q", d.Reason)
	}
	if len(d.MatchedPolicies) != 1 || d.MatchedPolicies[0] != "P1" {
		t.Errorf("matched policies = %v", d.MatchedPolicies)
	}
	if len(d.MatchedRules) != 1 || d.MatchedRules[0] != "R1" {
		t.Errorf("matched rules = %v", d.MatchedRules)
	}
	if d.EvaluationTimeMS < 0 {
		t.Errorf("evaluation time = %f", d.EvaluationTimeMS)
	}
}

// Scenario: under the limit the allowlist rule matches and the deny rule
// does not.
func TestEvaluateAllowPath(t *testing.T) {
	engine, _, _ := newTestEngine(t, tokenLimitPolicy(), providerAllowPolicy())
	ctx := mustContext(t, `{"llm":{"provider":"openai","model":"gpt-4","maxTokens":500}}`)

	d, _, _ := engine.Evaluate(EvaluateRequest{RequestID: "req-2", Context: ctx})
	if !d.Allowed || d.Decision != policy.DecisionAllow {
		t.Fatalf("decision = %+v, want allow", d)
	}
	if !contains(d.MatchedRules, "R2") {
		t.Errorf("matched rules %v should include R2", d.MatchedRules)
	}
	if contains(d.MatchedRules, "R1") {
		t.Errorf("matched rules %v must not include R1", d.MatchedRules)
	}
}

// Scenario: an empty corpus fails open with the canonical reason.
func TestEvaluateEmptyCorpus(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	d, _, _ := engine.Evaluate(EvaluateRequest{RequestID: "req-3", Context: policy.EvaluationContext{}})
	if !d.Allowed || d.Reason != "no matching policy" {
		t.Fatalf("decision = %+v", d)
	}
	if len(d.MatchedPolicies) != 0 {
		t.Errorf("matched policies = %v, want empty", d.MatchedPolicies)
	}
}

// Deny must dominate allow regardless of declaration or priority order.
func TestDenyDominates(t *testing.T) {
	allowFirst := providerAllowPolicy()
	allowFirst.Priority = 500 // processed before the deny policy

	engine, _, _ := newTestEngine(t, allowFirst, tokenLimitPolicy())
	ctx := mustContext(t, `{"llm":{"provider":"openai","maxTokens":5000}}`)

	d, _, _ := engine.Evaluate(EvaluateRequest{RequestID: "req-4", Context: ctx})
	if d.Allowed || d.Decision != policy.DecisionDeny {
		t.Fatalf("deny must dominate: %+v", d)
	}
}

// Modify contributions merge right-biased: later policies win collisions.
func TestModifyMergeRightBias(t *testing.T) {
	modifyPolicy := func(id string, priority int, created time.Time, mods map[string]any) policy.Policy {
		return policy.Policy{
			ID: id, Name: id, Version: "1.0.0", Namespace: "llm-ops",
			Priority: priority, Status: policy.StatusActive, CreatedAt: created,
			Rules: []policy.Rule{{
				ID: id + "-r", Enabled: true,
				Condition: policy.Exists("llm.model"),
				Action:    policy.Action{Decision: policy.DecisionModify, Modifications: mods},
			}},
		}
	}

	first := modifyPolicy("M1", 200, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		map[string]any{"llm.maxTokens": 1000, "llm.temperature": 0.5})
	second := modifyPolicy("M2", 100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		map[string]any{"llm.maxTokens": 500})

	engine, _, _ := newTestEngine(t, first, second)
	ctx := mustContext(t, `{"llm":{"model":"gpt-4"}}`)

	d, _, _ := engine.Evaluate(EvaluateRequest{RequestID: "req-5", Context: ctx})
	if d.Decision != policy.DecisionModify || !d.Allowed {
		t.Fatalf("decision = %+v, want modify", d)
	}
	if got := d.Modifications["llm.maxTokens"]; got != 500 {
		t.Errorf("later policy must win collision: llm.maxTokens = %v, want 500", got)
	}
	if got := d.Modifications["llm.temperature"]; got != 0.5 {
		t.Errorf("non-colliding key lost: %v", got)
	}
}

// Disabled rules never match even when their condition holds.
func TestDisabledRuleInert(t *testing.T) {
	p := tokenLimitPolicy()
	p.Rules[0].Enabled = false

	engine, _, _ := newTestEngine(t, p)
	ctx := mustContext(t, `{"llm":{"maxTokens":9999}}`)

	d, _, _ := engine.Evaluate(EvaluateRequest{RequestID: "req-6", Context: ctx})
	if !d.Allowed {
		t.Fatal("disabled rule must be inert")
	}
	if contains(d.MatchedRules, "R1") {
		t.Errorf("disabled rule appears in matched rules: %v", d.MatchedRules)
	}
}

// Policy ordering: priority desc, created_at desc on ties, id asc.
func TestPolicyOrdering(t *testing.T) {
	mk := func(id string, priority int, created time.Time) policy.Policy {
		return policy.Policy{
			ID: id, Name: id, Version: "1", Namespace: "ns",
			Priority: priority, Status: policy.StatusActive, CreatedAt: created,
			Rules: []policy.Rule{{
				ID: id + "-r", Enabled: true,
				Condition: policy.Exists("llm.model"),
				Action:    policy.Action{Decision: policy.DecisionAllow},
			}},
		}
	}
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	engine, _, _ := newTestEngine(t,
		mk("b-low", 10, older),
		mk("a-tie", 100, older),
		mk("z-newer", 100, newer),
		mk("m-tie", 100, older),
	)
	ctx := mustContext(t, `{"llm":{"model":"gpt-4"}}`)

	d, _, _ := engine.Evaluate(EvaluateRequest{RequestID: "req-7", Context: ctx})
	want := []string{"z-newer", "a-tie", "m-tie", "b-low"}
	if len(d.MatchedPolicies) != len(want) {
		t.Fatalf("matched = %v", d.MatchedPolicies)
	}
	for i, id := range want {
		if d.MatchedPolicies[i] != id {
			t.Fatalf("order = %v, want %v", d.MatchedPolicies, want)
		}
	}
}

// Restricting set limits evaluation to the named policies.
func TestRestrictingPolicySet(t *testing.T) {
	engine, _, _ := newTestEngine(t, tokenLimitPolicy(), providerAllowPolicy())
	ctx := mustContext(t, `{"llm":{"provider":"openai","maxTokens":5000}}`)

	d, _, _ := engine.Evaluate(EvaluateRequest{
		RequestID: "req-8",
		Context:   ctx,
		PolicyIDs: []string{"P2"},
	})
	if !d.Allowed {
		t.Fatalf("restricted evaluation should skip P1: %+v", d)
	}
	if contains(d.MatchedPolicies, "P1") {
		t.Errorf("P1 evaluated despite restriction: %v", d.MatchedPolicies)
	}
}

// Identical inputs produce identical outputs across runs on the same
// snapshot.
func TestEvaluateDeterminism(t *testing.T) {
	engine, _, _ := newTestEngine(t, tokenLimitPolicy(), providerAllowPolicy())
	ctx := mustContext(t, `{"llm":{"provider":"openai","maxTokens":2000}}`)

	d1, _, _ := engine.Evaluate(EvaluateRequest{RequestID: "a", Context: ctx, DryRun: true})
	d2, _, _ := engine.Evaluate(EvaluateRequest{RequestID: "b", Context: ctx, DryRun: true})

	if d1.Decision != d2.Decision || d1.Reason != d2.Reason {
		t.Errorf("outcomes differ: %+v vs %+v", d1, d2)
	}
	if len(d1.MatchedRules) != len(d2.MatchedRules) {
		t.Errorf("matched rules differ: %v vs %v", d1.MatchedRules, d2.MatchedRules)
	}
}

// Scenario: mutating a matched policy invalidates the cache before the
// next evaluation observes the new snapshot.
func TestCacheCoherenceOnMutation(t *testing.T) {
	engine, store, _ := newTestEngine(t, tokenLimitPolicy())
	ctx := mustContext(t, `{"llm":{"provider":"openai","maxTokens":2000}}`)
	req := EvaluateRequest{RequestID: "req-9", Context: ctx}

	d1, _, _ := engine.Evaluate(req)
	if d1.Allowed {
		t.Fatal("expected deny before mutation")
	}

	// Warm the cache, then raise the limit so the same context passes.
	if _, _, cached := engine.Evaluate(req); !cached {
		t.Fatal("second evaluation should be served from cache")
	}

	updated := tokenLimitPolicy()
	updated.Rules[0].Condition = policy.GreaterThan("llm.maxTokens", 100000)
	updated.InternalVersion = 2
	if err := store.Save(context.Background(), &updated); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := engine.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	d2, _, cached := engine.Evaluate(req)
	if cached {
		t.Fatal("stale cache entry served after mutation")
	}
	if !d2.Allowed {
		t.Fatalf("decision should reflect mutated policy: %+v", d2)
	}
}

// Trace populates rule steps and bypasses the cache.
func TestTraceBypassesCache(t *testing.T) {
	engine, _, _ := newTestEngine(t, tokenLimitPolicy(), providerAllowPolicy())
	ctx := mustContext(t, `{"llm":{"provider":"openai","maxTokens":2000}}`)

	req := EvaluateRequest{RequestID: "req-10", Context: ctx, Trace: true}
	d, _, cached := engine.Evaluate(req)
	if cached {
		t.Fatal("traced evaluation must not come from cache")
	}
	if d.Trace == nil || d.Trace.RulesEvaluated == 0 {
		t.Fatalf("trace missing: %+v", d.Trace)
	}

	// Traced runs count every policy in the snapshot as evaluated.
	if d.Trace.PoliciesEvaluated != 2 {
		t.Errorf("policies evaluated = %d, want 2", d.Trace.PoliciesEvaluated)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
