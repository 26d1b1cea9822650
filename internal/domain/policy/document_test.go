package policy

import (
	"encoding/json"
	"testing"
)

const validDocJSON = `{
	"version": "1",
	"policies": [{
		"id": "pol-tokens",
		"name": "Token limits",
		"version": "1.0.0",
		"namespace": "llm-ops",
		"priority": 100,
		"status": "active",
		"rules": [{
			"id": "r-max",
			"name": "cap tokens",
			"enabled": true,
			"condition": {"operator": "greater_than", "field": "llm.maxTokens", "value": 1000},
			"action": {"decision": "deny", "reason": "Request exceeds token limit"}
		}]
	}]
}`

func TestParseJSON(t *testing.T) {
	doc, violations := ParseJSON([]byte(validDocJSON))
	if len(violations) > 0 {
		t.Fatalf("unexpected violations: %v", violations)
	}
	if len(doc.Policies) != 1 {
		t.Fatalf("policies = %d, want 1", len(doc.Policies))
	}
	p := doc.Policies[0]
	if p.ID != "pol-tokens" || p.Status != StatusActive || len(p.Rules) != 1 {
		t.Errorf("unexpected policy: %+v", p)
	}
	if p.Rules[0].Condition.Operator != OpGreaterThan {
		t.Errorf("operator = %s, want greater_than", p.Rules[0].Condition.Operator)
	}
}

func TestParseJSONSinglePolicy(t *testing.T) {
	single := `{
		"id": "p1", "name": "P1", "version": "1.0.0", "namespace": "ns",
		"status": "active",
		"rules": [{"id": "r1", "enabled": true,
			"condition": {"operator": "exists", "field": "user.id"},
			"action": {"decision": "allow"}}]
	}`
	doc, violations := ParseJSON([]byte(single))
	if len(violations) > 0 {
		t.Fatalf("unexpected violations: %v", violations)
	}
	if len(doc.Policies) != 1 || doc.Policies[0].ID != "p1" {
		t.Fatalf("single-policy wrap failed: %+v", doc)
	}
}

func TestParseYAML(t *testing.T) {
	yamlDoc := `
policies:
  - id: pol-yaml
    name: YAML policy
    version: 1.0.0
    namespace: llm-ops
    status: active
    rules:
      - id: r1
        enabled: true
        condition:
          operator: and
          conditions:
            - operator: equals
              field: llm.provider
              value: openai
            - operator: less_than
              field: llm.maxTokens
              value: 4000
        action:
          decision: allow
`
	doc, violations := ParseYAML([]byte(yamlDoc))
	if len(violations) > 0 {
		t.Fatalf("unexpected violations: %v", violations)
	}
	cond := doc.Policies[0].Rules[0].Condition
	if cond.Operator != OpAll {
		t.Errorf("and alias not normalized: %s", cond.Operator)
	}
	if len(cond.Conditions) != 2 {
		t.Errorf("children = %d, want 2", len(cond.Conditions))
	}
}

func TestParseViolations(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantCode string
	}{
		{
			"malformed json",
			`{"policies": [`,
			CodeParseError,
		},
		{
			"missing namespace",
			`{"policies": [{"id": "p", "name": "n", "version": "1", "status": "active",
				"rules": [{"id": "r", "enabled": true,
					"condition": {"operator": "exists", "field": "a"},
					"action": {"decision": "allow"}}]}]}`,
			CodeMissingField,
		},
		{
			"bad status",
			`{"policies": [{"id": "p", "name": "n", "version": "1", "namespace": "ns", "status": "enabled",
				"rules": [{"id": "r", "enabled": true,
					"condition": {"operator": "exists", "field": "a"},
					"action": {"decision": "allow"}}]}]}`,
			CodeInvalidStatus,
		},
		{
			"unknown operator",
			`{"policies": [{"id": "p", "name": "n", "version": "1", "namespace": "ns", "status": "active",
				"rules": [{"id": "r", "enabled": true,
					"condition": {"operator": "fuzzy_match", "field": "a", "value": 1},
					"action": {"decision": "allow"}}]}]}`,
			CodeUnknownOperator,
		},
		{
			"duplicate rule id",
			`{"policies": [{"id": "p", "name": "n", "version": "1", "namespace": "ns", "status": "active",
				"rules": [
					{"id": "r", "enabled": true, "condition": {"operator": "exists", "field": "a"}, "action": {"decision": "allow"}},
					{"id": "r", "enabled": true, "condition": {"operator": "exists", "field": "b"}, "action": {"decision": "allow"}}
				]}]}`,
			CodeDuplicateRuleID,
		},
		{
			"deny without reason",
			`{"policies": [{"id": "p", "name": "n", "version": "1", "namespace": "ns", "status": "active",
				"rules": [{"id": "r", "enabled": true,
					"condition": {"operator": "exists", "field": "a"},
					"action": {"decision": "deny"}}]}]}`,
			CodeMissingField,
		},
		{
			"modify without modifications",
			`{"policies": [{"id": "p", "name": "n", "version": "1", "namespace": "ns", "status": "active",
				"rules": [{"id": "r", "enabled": true,
					"condition": {"operator": "exists", "field": "a"},
					"action": {"decision": "modify"}}]}]}`,
			CodeMissingField,
		},
		{
			"no rules",
			`{"policies": [{"id": "p", "name": "n", "version": "1", "namespace": "ns", "status": "active", "rules": []}]}`,
			CodeNoRules,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, violations := ParseJSON([]byte(tt.doc))
			if len(violations) == 0 {
				t.Fatal("expected violations")
			}
			found := false
			for _, v := range violations {
				if v.Code == tt.wantCode {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("violations %v missing code %s", violations, tt.wantCode)
			}
		})
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	doc, violations := ParseJSON([]byte(validDocJSON))
	if len(violations) > 0 {
		t.Fatalf("parse: %v", violations)
	}

	data, err := doc.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	doc2, violations := ParseJSON(data)
	if len(violations) > 0 {
		t.Fatalf("reparse: %v", violations)
	}

	a, _ := json.Marshal(doc)
	b, _ := json.Marshal(doc2)
	if string(a) != string(b) {
		t.Errorf("round trip mismatch:\n%s\n%s", a, b)
	}
}
