package service

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegisflow/aegis/internal/domain/policy"
)

// Governance violation codes. These extend the schema codes in the policy
// package with the fail-closed structural checks applied before a policy
// may become active.
const (
	CodeMissingCondition     = "MISSING_CONDITION"
	CodeEmptyComposite       = "EMPTY_COMPOSITE"
	CodeDenyWithoutScope     = "DENY_WITHOUT_SCOPE"
	CodeCriticalResourceDeny = "CRITICAL_RESOURCE_DENY"
	CodeConflictingRules     = "CONFLICTING_RULES"
)

// PolicyType classifies a policy for risk assessment.
type PolicyType string

const (
	TypeSecurity    PolicyType = "security"
	TypeCompliance  PolicyType = "compliance"
	TypeCost        PolicyType = "cost"
	TypeOperational PolicyType = "operational"
	TypeGeneral     PolicyType = "general"
)

// RiskLevel of enacting a mutation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// GovernanceResult is the fail-closed verdict on a proposed mutation.
type GovernanceResult struct {
	Valid            bool               `json:"valid"`
	Violations       []policy.Violation `json:"violations"`
	RequiresApproval bool               `json:"requires_approval"`
	ApprovalReason   string             `json:"approval_reason,omitempty"`
	RiskLevel        RiskLevel          `json:"risk_level"`
	PolicyType       PolicyType         `json:"policy_type"`
	Production       bool               `json:"production"`
}

// criticalResourceTokens flag deny rules that touch sensitive surfaces.
var criticalResourceTokens = []string{
	"admin", "root", "system", "database", "credentials", "secret",
	"key", "token", "password", "auth", "pii", "financial", "payment",
	"ssn", "health", "hipaa",
}

// scopeTokens satisfy the deny-without-scope check when present in a
// condition field path.
var scopeTokens = []string{"scope", "namespace", "environment"}

// nonProdTags mark a policy as explicitly not production.
var nonProdTags = []string{"dev", "development", "staging", "test", "qa"}

// GovernanceValidator applies the structural, type-aware checks that gate
// every policy mutation. It is fail-closed: any error-severity violation
// rejects the mutation.
type GovernanceValidator struct {
	WarningThresholdPercent  float64
	CriticalThresholdPercent float64
	logger                   *slog.Logger
}

// NewGovernanceValidator builds a validator with the configured budget
// alert thresholds.
func NewGovernanceValidator(warningPct, criticalPct float64, logger *slog.Logger) *GovernanceValidator {
	if warningPct <= 0 {
		warningPct = 80
	}
	if criticalPct <= 0 {
		criticalPct = 95
	}
	return &GovernanceValidator{
		WarningThresholdPercent:  warningPct,
		CriticalThresholdPercent: criticalPct,
		logger:                   logger,
	}
}

// Validate runs every governance check against a proposed policy state.
// The enabling flag distinguishes activation (which triggers approval
// inference) from plain edits.
func (g *GovernanceValidator) Validate(p *policy.Policy, enabling bool) GovernanceResult {
	violations := policy.ValidatePolicy(p)
	violations = append(violations, checkConditionStructure(p)...)
	violations = append(violations, checkDenyScope(p)...)
	violations = append(violations, checkConflictingRules(p)...)
	violations = append(violations, g.checkBudgetThresholds(p)...)

	ptype := ClassifyPolicy(p)
	production := isProduction(p)

	result := GovernanceResult{
		Violations: violations,
		PolicyType: ptype,
		Production: production,
	}

	// Approval inference: security and compliance enables need approval
	// authority; enabling deny rules in production does too.
	if enabling {
		switch {
		case ptype == TypeSecurity || ptype == TypeCompliance:
			result.RequiresApproval = true
			result.ApprovalReason = fmt.Sprintf("enabling a %s policy requires approval", ptype)
		case production && hasDenyRule(p):
			result.RequiresApproval = true
			result.ApprovalReason = "enabling deny rules in production requires approval"
		}
	}

	result.RiskLevel = assessRisk(violations, ptype, production)
	result.Valid = true
	for _, v := range violations {
		if v.Severity == policy.SeverityError || v.Severity == policy.SeverityCritical {
			result.Valid = false
			break
		}
	}

	if !result.Valid {
		g.logger.Warn("governance validation rejected policy",
			"policy_id", p.ID,
			"violations", len(violations),
			"risk_level", result.RiskLevel,
		)
	}
	return result
}

// checkConditionStructure verifies every leaf has a field path and every
// composite has children.
func checkConditionStructure(p *policy.Policy) []policy.Violation {
	var out []policy.Violation
	for i := range p.Rules {
		r := &p.Rules[i]
		path := fmt.Sprintf("policy/%s.rules[%d]", p.ID, i)
		walkCondition(r.Condition, func(c policy.Condition) {
			if c.Operator.IsComposite() {
				if len(c.Conditions) == 0 {
					out = append(out, policy.Violation{
						Code:     CodeEmptyComposite,
						Severity: policy.SeverityError,
						Path:     path,
						Message:  fmt.Sprintf("%s node has no children", c.Operator),
					})
				}
			} else if c.Field == "" {
				out = append(out, policy.Violation{
					Code:     CodeMissingCondition,
					Severity: policy.SeverityError,
					Path:     path,
					Message:  "condition leaf has no field path",
				})
			}
		})
	}
	return out
}

func walkCondition(c policy.Condition, visit func(policy.Condition)) {
	visit(c)
	for i := range c.Conditions {
		walkCondition(c.Conditions[i], visit)
	}
}

// checkDenyScope flags deny rules that mention critical resource tokens
// without an environment tag or a scope-narrowing condition.
func checkDenyScope(p *policy.Policy) []policy.Violation {
	var out []policy.Violation
	envTagged := hasEnvironmentTag(p)

	for i := range p.Rules {
		r := &p.Rules[i]
		if r.Action.Decision != policy.DecisionDeny {
			continue
		}
		token := criticalToken(r)
		if token == "" {
			continue
		}
		if envTagged || hasScopeCondition(r.Condition) {
			continue
		}
		path := fmt.Sprintf("policy/%s.rules[%d]", p.ID, i)
		out = append(out,
			policy.Violation{
				Code:     CodeDenyWithoutScope,
				Severity: policy.SeverityCritical,
				Path:     path,
				Message:  fmt.Sprintf("deny rule touching %q has no environment tag or scope-narrowing condition", token),
			},
			policy.Violation{
				Code:     CodeCriticalResourceDeny,
				Severity: policy.SeverityCritical,
				Path:     path,
				Message:  fmt.Sprintf("deny rule references critical resource token %q", token),
			},
		)
	}
	return out
}

// criticalToken returns the first critical resource token mentioned in
// the rule's name, description, or condition field paths.
func criticalToken(r *policy.Rule) string {
	var texts []string
	texts = append(texts, strings.ToLower(r.Name), strings.ToLower(r.Description))
	for _, leaf := range r.Condition.Leaves(nil) {
		texts = append(texts, strings.ToLower(leaf.Field))
	}
	for _, token := range criticalResourceTokens {
		for _, t := range texts {
			if strings.Contains(t, token) {
				return token
			}
		}
	}
	return ""
}

// hasScopeCondition reports whether any leaf field path narrows scope.
func hasScopeCondition(c policy.Condition) bool {
	for _, leaf := range c.Leaves(nil) {
		f := strings.ToLower(leaf.Field)
		for _, token := range scopeTokens {
			if strings.Contains(f, token) {
				return true
			}
		}
	}
	return false
}

// hasEnvironmentTag reports whether the policy carries an explicit
// environment tag (prod or otherwise).
func hasEnvironmentTag(p *policy.Policy) bool {
	envTags := append([]string{"prod", "production"}, nonProdTags...)
	for _, tag := range p.Tags {
		lower := strings.ToLower(tag)
		for _, env := range envTags {
			if lower == env || strings.HasPrefix(lower, "env:") {
				return true
			}
		}
	}
	return false
}

// BudgetAlertCode marks a budget-style rule whose trigger sits above
// the configured alert thresholds.
const BudgetAlertCode = "BUDGET_THRESHOLD_ALERT"

// checkBudgetThresholds inspects cost policies for numeric percent
// triggers above the warning and critical thresholds. These surface as
// advisory violations so operators see which rules only fire after a
// budget is nearly exhausted.
func (g *GovernanceValidator) checkBudgetThresholds(p *policy.Policy) []policy.Violation {
	if ClassifyPolicy(p) != TypeCost {
		return nil
	}
	var out []policy.Violation
	for i := range p.Rules {
		r := &p.Rules[i]
		for _, leaf := range r.Condition.Leaves(nil) {
			field := strings.ToLower(leaf.Field)
			if !strings.Contains(field, "percent") && !strings.Contains(field, "budget") {
				continue
			}
			value, ok := leaf.Value.(float64)
			if !ok {
				if n, isInt := leaf.Value.(int); isInt {
					value, ok = float64(n), true
				}
			}
			if !ok {
				continue
			}
			switch {
			case value >= g.CriticalThresholdPercent:
				out = append(out, policy.Violation{
					Code:     BudgetAlertCode,
					Severity: policy.SeverityWarning,
					Path:     fmt.Sprintf("policy/%s.rules[%d]", p.ID, i),
					Message:  fmt.Sprintf("rule triggers at %.0f%%, above the critical alert threshold (%.0f%%)", value, g.CriticalThresholdPercent),
				})
			case value >= g.WarningThresholdPercent:
				out = append(out, policy.Violation{
					Code:     BudgetAlertCode,
					Severity: policy.SeverityWarning,
					Path:     fmt.Sprintf("policy/%s.rules[%d]", p.ID, i),
					Message:  fmt.Sprintf("rule triggers at %.0f%%, above the warning alert threshold (%.0f%%)", value, g.WarningThresholdPercent),
				})
			}
		}
	}
	return out
}

// checkConflictingRules reports fields with both an allow and a deny on
// the same literal value across enabled rules. Numeric range overlaps via
// opposed comparison operators are intentionally not reported.
func checkConflictingRules(p *policy.Policy) []policy.Violation {
	type entry struct {
		decision policy.DecisionType
		ruleID   string
	}
	byFieldValue := make(map[string][]entry)

	for i := range p.Rules {
		r := &p.Rules[i]
		if !r.Enabled {
			continue
		}
		for _, leaf := range r.Condition.Leaves(nil) {
			if leaf.Field == "" {
				continue
			}
			key := leaf.Field + "\x00" + fmt.Sprintf("%v", leaf.Value)
			byFieldValue[key] = append(byFieldValue[key], entry{r.Action.Decision, r.ID})
		}
	}

	var out []policy.Violation
	reported := make(map[string]bool)
	for key, entries := range byFieldValue {
		var allow, deny string
		for _, e := range entries {
			switch e.decision {
			case policy.DecisionAllow:
				allow = e.ruleID
			case policy.DecisionDeny:
				deny = e.ruleID
			}
		}
		if allow != "" && deny != "" && !reported[key] {
			reported[key] = true
			field := key[:strings.IndexByte(key, '\x00')]
			out = append(out, policy.Violation{
				Code:     CodeConflictingRules,
				Severity: policy.SeverityError,
				Path:     "policy/" + p.ID,
				Message:  fmt.Sprintf("rules %q and %q allow and deny the same value on field %q", allow, deny, field),
			})
		}
	}
	return out
}

// ClassifyPolicy derives the policy type from tags, then namespace
// substrings, then rule actions (any deny implies security).
func ClassifyPolicy(p *policy.Policy) PolicyType {
	match := func(s string) PolicyType {
		s = strings.ToLower(s)
		switch {
		case strings.Contains(s, "security"):
			return TypeSecurity
		case strings.Contains(s, "compliance"):
			return TypeCompliance
		case strings.Contains(s, "cost") || strings.Contains(s, "budget"):
			return TypeCost
		case strings.Contains(s, "operational") || strings.Contains(s, "ops"):
			return TypeOperational
		}
		return TypeGeneral
	}

	for _, tag := range p.Tags {
		if t := match(tag); t != TypeGeneral {
			return t
		}
	}
	if t := match(p.Namespace); t != TypeGeneral {
		return t
	}
	if hasDenyRule(p) {
		return TypeSecurity
	}
	return TypeGeneral
}

func hasDenyRule(p *policy.Policy) bool {
	for i := range p.Rules {
		if p.Rules[i].Action.Decision == policy.DecisionDeny {
			return true
		}
	}
	return false
}

// isProduction applies the conservative production heuristic: explicit
// prod markers imply production, and so does the absence of any explicit
// non-prod tag.
func isProduction(p *policy.Policy) bool {
	ns := strings.ToLower(p.Namespace)
	if strings.Contains(ns, "prod") {
		return true
	}
	for _, tag := range p.Tags {
		lower := strings.ToLower(tag)
		if strings.Contains(lower, "prod") {
			return true
		}
	}
	for _, tag := range p.Tags {
		lower := strings.ToLower(tag)
		for _, np := range nonProdTags {
			if lower == np || strings.Contains(lower, np) {
				return false
			}
		}
	}
	return true
}

// assessRisk escalates the risk level from violations, type, and
// production context.
func assessRisk(violations []policy.Violation, ptype PolicyType, production bool) RiskLevel {
	for _, v := range violations {
		if v.Severity == policy.SeverityCritical {
			return RiskCritical
		}
	}
	for _, v := range violations {
		if v.Severity == policy.SeverityError {
			return RiskHigh
		}
	}
	if ptype == TypeSecurity {
		return RiskHigh
	}
	if production || ptype == TypeCompliance {
		return RiskMedium
	}
	return RiskLow
}
