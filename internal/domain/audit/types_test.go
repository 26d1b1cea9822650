package audit

import (
	"testing"
	"time"

	"github.com/aegisflow/aegis/internal/domain/policy"
)

func samplePolicy(version string) *policy.Policy {
	return &policy.Policy{
		ID:        "pol-1",
		Name:      "Sample",
		Version:   version,
		Namespace: "llm-ops",
		Status:    policy.StatusActive,
		Rules: []policy.Rule{{
			ID:        "r1",
			Enabled:   true,
			Condition: policy.Exists("user.id"),
			Action:    policy.Action{Decision: policy.DecisionAllow},
		}},
	}
}

func TestHashPolicy(t *testing.T) {
	if got := HashPolicy(nil); got != HashNull {
		t.Errorf("HashPolicy(nil) = %q, want %q", got, HashNull)
	}

	h1 := HashPolicy(samplePolicy("1.0.0"))
	h2 := HashPolicy(samplePolicy("1.0.0"))
	h3 := HashPolicy(samplePolicy("1.0.1"))
	if h1 != h2 {
		t.Error("identical states must hash identically")
	}
	if h1 == h3 {
		t.Error("different versions must hash differently")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}
}

func TestVerifyChain(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := func(id, action, before, after string, offset int) Entry {
		return Entry{
			ID:         id,
			PolicyID:   "pol-1",
			Action:     action,
			Timestamp:  base.Add(time.Duration(offset) * time.Minute),
			BeforeHash: before,
			AfterHash:  after,
		}
	}

	t.Run("intact chain", func(t *testing.T) {
		entries := []Entry{
			entry("e1", ActionCreate, HashNull, "h1", 0),
			entry("e2", ActionEdit, "h1", "h2", 1),
			entry("e3", ActionDisable, "h2", "h3", 2),
		}
		if gaps := VerifyChain(entries); len(gaps) != 0 {
			t.Errorf("unexpected gaps: %+v", gaps)
		}
	})

	t.Run("broken link", func(t *testing.T) {
		entries := []Entry{
			entry("e1", ActionCreate, HashNull, "h1", 0),
			entry("e2", ActionEdit, "h-unrelated", "h2", 1),
		}
		gaps := VerifyChain(entries)
		if len(gaps) != 1 {
			t.Fatalf("gaps = %d, want 1", len(gaps))
		}
		if gaps[0].EntryID != "e2" || gaps[0].PrevID != "e1" {
			t.Errorf("gap = %+v", gaps[0])
		}
	})

	t.Run("create restarts chain", func(t *testing.T) {
		entries := []Entry{
			entry("e1", ActionCreate, HashNull, "h1", 0),
			entry("e2", ActionDelete, "h1", "h2", 1),
			entry("e3", ActionCreate, HashNull, "h9", 2),
			entry("e4", ActionEdit, "h9", "h10", 3),
		}
		if gaps := VerifyChain(entries); len(gaps) != 0 {
			t.Errorf("create must open a new chain, gaps: %+v", gaps)
		}
	})

	t.Run("empty and singleton", func(t *testing.T) {
		if gaps := VerifyChain(nil); len(gaps) != 0 {
			t.Error("empty chain has no gaps")
		}
		if gaps := VerifyChain([]Entry{entry("e1", ActionCreate, HashNull, "h1", 0)}); len(gaps) != 0 {
			t.Error("singleton chain has no gaps")
		}
	})
}
