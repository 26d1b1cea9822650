package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aegisflow/aegis/internal/adapter/outbound/memory"
	"github.com/aegisflow/aegis/internal/cache"
	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/policy"
)

// testClock is a deterministic clock advancing on every read.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set pins the clock for time-window tests.
func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// seqIDs mints deterministic ids.
type seqIDs struct {
	mu  sync.Mutex
	n   int
	pre string
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.pre, s.n)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tokenLimitPolicy() policy.Policy {
	return policy.Policy{
		ID:        "P1",
		Name:      "Token limits",
		Version:   "1.0.0",
		Namespace: "llm-ops",
		Priority:  100,
		Status:    policy.StatusActive,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Rules: []policy.Rule{{
			ID:        "R1",
			Name:      "cap max tokens",
			Enabled:   true,
			Condition: policy.GreaterThan("llm.maxTokens", 1000),
			Action:    policy.Action{Decision: policy.DecisionDeny, Reason: "Request exceeds token limit"},
		}},
	}
}

func providerAllowPolicy() policy.Policy {
	return policy.Policy{
		ID:        "P2",
		Name:      "Provider allowlist",
		Version:   "1.0.0",
		Namespace: "llm-ops",
		Priority:  50,
		Status:    policy.StatusActive,
		CreatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Rules: []policy.Rule{{
			ID:        "R2",
			Name:      "allow openai",
			Enabled:   true,
			Condition: policy.Equals("llm.provider", "openai"),
			Action:    policy.Action{Decision: policy.DecisionAllow},
		}},
	}
}

// newTestEngine builds an engine over an in-memory store seeded with the
// given policies.
func newTestEngine(t *testing.T, policies ...policy.Policy) (*Engine, *memory.PolicyStore, *cache.DecisionCache[decision.Decision]) {
	t.Helper()
	store := memory.NewPolicyStore()
	store.Seed(policies...)
	dcache := cache.New(time.Minute, 100)
	engine, err := NewEngine(context.Background(), store, newTestClock(), testLogger(), WithDecisionCache(dcache))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, store, dcache
}

func mustContext(t *testing.T, raw string) policy.EvaluationContext {
	t.Helper()
	ctx, err := policy.ParseContext([]byte(raw))
	if err != nil {
		t.Fatalf("parse context: %v", err)
	}
	return ctx
}
