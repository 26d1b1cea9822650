package policy

import (
	"encoding/json"
	"testing"
)

func testContext(t *testing.T, raw string) EvaluationContext {
	t.Helper()
	var ctx EvaluationContext
	if err := json.Unmarshal([]byte(raw), &ctx); err != nil {
		t.Fatalf("parse context: %v", err)
	}
	return ctx
}

func TestResolvePath(t *testing.T) {
	ctx := testContext(t, `{
		"llm": {"provider": "openai", "model": "gpt-4", "maxTokens": 2000},
		"user": {"id": "u-1", "roles": ["admin"]},
		"metadata": {"nullable": null}
	}`)

	tests := []struct {
		path    string
		defined bool
	}{
		{"llm.provider", true},
		{"llm.maxTokens", true},
		{"user.roles", true},
		{"llm.missing", false},
		{"missing", false},
		{"llm.provider.deeper", false},
		{"metadata.nullable", false},
		{"", false},
	}
	for _, tt := range tests {
		if _, ok := ctx.Resolve(tt.path); ok != tt.defined {
			t.Errorf("Resolve(%q) defined = %v, want %v", tt.path, ok, tt.defined)
		}
	}
}

func TestLeafOperators(t *testing.T) {
	ctx := testContext(t, `{
		"llm": {"provider": "openai", "model": "gpt-4", "maxTokens": 2000, "temperature": 0.7},
		"user": {"id": "u-1", "roles": ["admin", "developer"], "email": "dev@example.com"}
	}`)

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Equals("llm.provider", "openai"), true},
		{"equals mismatch", Equals("llm.provider", "anthropic"), false},
		{"equals missing field", Equals("llm.nope", "x"), false},
		{"equals int against json float", Equals("llm.maxTokens", 2000), true},
		{"not_equals", Condition{Operator: OpNotEquals, Field: "llm.model", Value: "gpt-3.5"}, true},
		{"greater_than", GreaterThan("llm.maxTokens", 1000), true},
		{"greater_than false", GreaterThan("llm.maxTokens", 3000), false},
		{"greater_than non-numeric", GreaterThan("llm.provider", 10), false},
		{"less_than", LessThan("llm.temperature", 1), true},
		{"gte equal", Condition{Operator: OpGreaterThanOrEqual, Field: "llm.maxTokens", Value: 2000}, true},
		{"lte equal", Condition{Operator: OpLessThanOrEqual, Field: "llm.maxTokens", Value: 2000}, true},
		{"contains substring", Contains("user.email", "@example"), true},
		{"contains element", Contains("user.roles", "admin"), true},
		{"contains miss", Contains("user.roles", "guest"), false},
		{"contains non-string right on string left", Contains("llm.provider", 5), false},
		{"in", In("llm.provider", "openai", "anthropic"), true},
		{"in miss", In("llm.provider", "cohere"), false},
		{"in non-sequence", Condition{Operator: OpIn, Field: "llm.provider", Value: "openai"}, false},
		{"not_in", Condition{Operator: OpNotIn, Field: "llm.provider", Value: []any{"cohere"}}, true},
		{"starts_with", Condition{Operator: OpStartsWith, Field: "llm.model", Value: "gpt"}, true},
		{"ends_with", Condition{Operator: OpEndsWith, Field: "user.email", Value: ".com"}, true},
		{"exists", Exists("llm.model"), true},
		{"exists missing", Exists("team.id"), false},
		{"not_exists", Condition{Operator: OpNotExists, Field: "team.id"}, true},
		{"matches", Matches("llm.model", `gpt-[0-9]`), true},
		{"matches anchored left", Matches("llm.model", `pt-4`), false},
		{"matches explicit anchor", Matches("llm.model", `^gpt-4$`), true},
		{"matches invalid regex", Matches("llm.model", `([`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateCondition(tt.cond, ctx); got != tt.want {
				t.Errorf("EvaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompositeConditions(t *testing.T) {
	ctx := testContext(t, `{"llm": {"provider": "openai", "model": "gpt-4"}}`)

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"all true", All(Equals("llm.provider", "openai"), Equals("llm.model", "gpt-4")), true},
		{"all one false", All(Equals("llm.provider", "openai"), Equals("llm.model", "claude-3")), false},
		{"any", Any(Equals("llm.model", "claude-3"), Equals("llm.model", "gpt-4")), true},
		{"any all false", Any(Equals("llm.model", "claude-3"), Equals("llm.model", "gemini")), false},
		{"not", Not(Equals("llm.provider", "anthropic")), true},
		{"nested", All(Any(Equals("llm.model", "gpt-4"), Equals("llm.model", "gpt-4o")), Not(Exists("user.id"))), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateCondition(tt.cond, ctx); got != tt.want {
				t.Errorf("EvaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestShortCircuit verifies that a failed left child stops evaluation of
// the right child: the skipped leaf never appears in the trace.
func TestShortCircuit(t *testing.T) {
	ctx := testContext(t, `{"llm": {"model": "gpt-4"}}`)

	spy := Matches("llm.model", "spy-pattern-never-evaluated")
	cond := All(Equals("llm.model", "claude-3"), spy)

	trace := &Trace{}
	if got := EvaluateConditionTraced(cond, ctx, trace); got {
		t.Fatal("expected composite to evaluate false")
	}

	for _, step := range trace.Steps {
		if step.ID == "matches:llm.model" {
			t.Fatalf("short-circuit violated: spy leaf was evaluated (trace: %+v)", trace.Steps)
		}
	}

	// The any combinator short-circuits on first true the same way.
	trace = &Trace{}
	cond = Any(Equals("llm.model", "gpt-4"), spy)
	if got := EvaluateConditionTraced(cond, ctx, trace); !got {
		t.Fatal("expected composite to evaluate true")
	}
	for _, step := range trace.Steps {
		if step.ID == "matches:llm.model" {
			t.Fatal("short-circuit violated: spy leaf was evaluated after first true")
		}
	}
}

func TestConditionValidate(t *testing.T) {
	tests := []struct {
		name    string
		cond    Condition
		wantErr bool
	}{
		{"valid leaf", Equals("a.b", 1), false},
		{"leaf missing field", Condition{Operator: OpEquals, Value: 1}, true},
		{"leaf missing value", Condition{Operator: OpEquals, Field: "a"}, true},
		{"exists needs only field", Exists("a"), false},
		{"empty all", Condition{Operator: OpAll}, true},
		{"not with two children", Condition{Operator: OpNot, Conditions: []Condition{Exists("a"), Exists("b")}}, true},
		{"unknown operator", Condition{Operator: "fuzzy", Field: "a", Value: 1}, true},
		{"valid nested", All(Any(Exists("a")), Not(Equals("b", 2))), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cond.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNumericPromotion(t *testing.T) {
	ctx := testContext(t, `{"llm": {"maxTokens": 1000}}`)

	// JSON decodes 1000 as float64; int literals must still compare equal.
	if !EvaluateCondition(Equals("llm.maxTokens", 1000), ctx) {
		t.Error("int literal should equal json float")
	}
	if !EvaluateCondition(Equals("llm.maxTokens", 1000.0), ctx) {
		t.Error("float literal should equal json float")
	}
	if EvaluateCondition(Equals("llm.maxTokens", "1000"), ctx) {
		t.Error("string should not equal number")
	}
}
