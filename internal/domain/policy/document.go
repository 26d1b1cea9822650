package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Violation codes produced by schema validation.
const (
	CodeParseError      = "PARSE_ERROR"
	CodeMissingField    = "MISSING_FIELD"
	CodeInvalidStatus   = "INVALID_STATUS"
	CodeInvalidDecision = "INVALID_DECISION"
	CodeUnknownOperator = "UNKNOWN_OPERATOR"
	CodeInvalidRule     = "INVALID_RULE"
	CodeDuplicateRuleID = "DUPLICATE_RULE_ID"
	CodeNoRules         = "NO_RULES"
)

// Severity levels for violations.
const (
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Violation is one structured validation failure. Parse and schema errors
// are reported as violation lists, never as panics or bare errors.
type Violation struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
}

func (v Violation) Error() string {
	if v.Path == "" {
		return fmt.Sprintf("%s: %s", v.Code, v.Message)
	}
	return fmt.Sprintf("%s at %s: %s", v.Code, v.Path, v.Message)
}

// Document is a parsed policy file: one or more policies plus optional
// document-level metadata.
type Document struct {
	Version  string         `json:"version,omitempty" yaml:"version,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Policies []Policy       `json:"policies" yaml:"policies"`
}

// ParseJSON decodes a policy document from JSON. A bare single policy
// object (no "policies" key) is accepted and wrapped into a document.
func ParseJSON(data []byte) (*Document, []Violation) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, []Violation{{Code: CodeParseError, Severity: SeverityError, Message: err.Error()}}
	}
	if len(doc.Policies) == 0 {
		var single Policy
		if err := json.Unmarshal(data, &single); err == nil && single.ID != "" {
			doc = Document{Policies: []Policy{single}}
		}
	}
	return finishParse(&doc)
}

// ParseYAML decodes a policy document from YAML with the same single-policy
// fallback as ParseJSON.
func ParseYAML(data []byte) (*Document, []Violation) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, []Violation{{Code: CodeParseError, Severity: SeverityError, Message: err.Error()}}
	}
	if len(doc.Policies) == 0 {
		var single Policy
		if err := yaml.Unmarshal(data, &single); err == nil && single.ID != "" {
			doc = Document{Policies: []Policy{single}}
		}
	}
	return finishParse(&doc)
}

// LoadFile reads a policy document from disk, dispatching on extension
// (.json, .yaml, .yml).
func LoadFile(path string) (*Document, []Violation) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []Violation{{Code: CodeParseError, Severity: SeverityError, Message: err.Error()}}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	default:
		return ParseYAML(data)
	}
}

// finishParse normalizes operator aliases and runs schema validation.
func finishParse(doc *Document) (*Document, []Violation) {
	for i := range doc.Policies {
		for j := range doc.Policies[i].Rules {
			normalizeConditionTree(&doc.Policies[i].Rules[j].Condition)
		}
	}
	if violations := doc.Validate(); len(violations) > 0 {
		return nil, violations
	}
	return doc, nil
}

// normalizeConditionTree rewrites alias operator names in place. Unknown
// names are left untouched for validation to report.
func normalizeConditionTree(c *Condition) {
	if op, ok := NormalizeOperator(string(c.Operator)); ok {
		c.Operator = op
	}
	for i := range c.Conditions {
		normalizeConditionTree(&c.Conditions[i])
	}
}

// Validate runs structural schema checks over the whole document.
func (d *Document) Validate() []Violation {
	var out []Violation
	for i := range d.Policies {
		out = append(out, ValidatePolicy(&d.Policies[i])...)
	}
	return out
}

// ValidatePolicy checks the minimal required schema for one policy:
// non-empty id, name, version, namespace, at least one rule, a valid
// status, and well-formed rules with ids unique within the policy.
func ValidatePolicy(p *Policy) []Violation {
	var out []Violation
	prefix := "policy"
	if p.ID != "" {
		prefix = "policy/" + p.ID
	}

	require := func(field, value string) {
		if value == "" {
			out = append(out, Violation{
				Code:     CodeMissingField,
				Severity: SeverityError,
				Path:     prefix + "." + field,
				Message:  field + " is required",
			})
		}
	}
	require("id", p.ID)
	require("name", p.Name)
	require("version", p.Version)
	require("namespace", p.Namespace)

	if !ValidStatus(p.Status) {
		out = append(out, Violation{
			Code:     CodeInvalidStatus,
			Severity: SeverityError,
			Path:     prefix + ".status",
			Message:  fmt.Sprintf("status %q is not one of draft, active, deprecated, archived", p.Status),
		})
	}

	if len(p.Rules) == 0 {
		out = append(out, Violation{
			Code:     CodeNoRules,
			Severity: SeverityError,
			Path:     prefix + ".rules",
			Message:  "policy requires at least one rule",
		})
	}

	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		rulePath := fmt.Sprintf("%s.rules[%d]", prefix, i)
		if r.ID == "" {
			out = append(out, Violation{
				Code:     CodeMissingField,
				Severity: SeverityError,
				Path:     rulePath + ".id",
				Message:  "rule id is required",
			})
		} else if seen[r.ID] {
			out = append(out, Violation{
				Code:     CodeDuplicateRuleID,
				Severity: SeverityError,
				Path:     rulePath + ".id",
				Message:  fmt.Sprintf("rule id %q duplicated within policy", r.ID),
			})
		} else {
			seen[r.ID] = true
		}

		out = append(out, validateRule(r, rulePath)...)
	}
	return out
}

// validateRule checks one rule's condition tree and action.
func validateRule(r *Rule, path string) []Violation {
	var out []Violation

	if _, ok := NormalizeOperator(string(r.Condition.Operator)); !ok {
		out = append(out, Violation{
			Code:     CodeUnknownOperator,
			Severity: SeverityError,
			Path:     path + ".condition",
			Message:  fmt.Sprintf("unknown operator %q", r.Condition.Operator),
		})
	} else if err := r.Condition.Validate(); err != nil {
		code := CodeInvalidRule
		if strings.Contains(err.Error(), "unknown operator") {
			code = CodeUnknownOperator
		}
		out = append(out, Violation{
			Code:     code,
			Severity: SeverityError,
			Path:     path + ".condition",
			Message:  err.Error(),
		})
	}

	if !ValidDecisionType(r.Action.Decision) {
		out = append(out, Violation{
			Code:     CodeInvalidDecision,
			Severity: SeverityError,
			Path:     path + ".action.decision",
			Message:  fmt.Sprintf("decision %q is not one of allow, deny, warn, modify", r.Action.Decision),
		})
	}
	if r.Action.Decision == DecisionDeny && r.Action.Reason == "" {
		out = append(out, Violation{
			Code:     CodeMissingField,
			Severity: SeverityError,
			Path:     path + ".action.reason",
			Message:  "deny actions require a reason",
		})
	}
	if r.Action.Decision == DecisionModify && len(r.Action.Modifications) == 0 {
		out = append(out, Violation{
			Code:     CodeMissingField,
			Severity: SeverityError,
			Path:     path + ".action.modifications",
			Message:  "modify actions require a non-empty modification map",
		})
	}
	return out
}

// MarshalJSON/YAML round-trips rely on the struct tags; Serialize is a
// convenience for callers that persist documents.
func (d *Document) Serialize() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
