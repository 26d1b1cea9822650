// Package decision holds the synthesized evaluation outcome and the
// canonical, fingerprinted event envelope emitted for every agent
// invocation.
package decision

import (
	"github.com/aegisflow/aegis/internal/domain/policy"
)

// Decision is the synthesized outcome of evaluating a context against the
// active policy corpus. Matched ids appear in evaluation order.
type Decision struct {
	Decision         policy.DecisionType `json:"decision"`
	Allowed          bool                `json:"allowed"`
	Reason           string              `json:"reason,omitempty"`
	MatchedPolicies  []string            `json:"matched_policies"`
	MatchedRules     []string            `json:"matched_rules"`
	Modifications    map[string]any      `json:"modifications,omitempty"`
	Metadata         map[string]any      `json:"metadata,omitempty"`
	EvaluationTimeMS float64             `json:"evaluation_time_ms"`
	Trace            *policy.Trace       `json:"trace,omitempty"`
}

// Allow builds a default allow decision.
func Allow() Decision {
	return Decision{
		Decision:        policy.DecisionAllow,
		Allowed:         true,
		MatchedPolicies: []string{},
		MatchedRules:    []string{},
	}
}

// Deny builds a deny decision with the given reason.
func Deny(reason string) Decision {
	d := Allow()
	d.Decision = policy.DecisionDeny
	d.Allowed = false
	d.Reason = reason
	return d
}

// Warn builds a warn decision with the given reason.
func Warn(reason string) Decision {
	d := Allow()
	d.Decision = policy.DecisionWarn
	d.Reason = reason
	return d
}

// Modify builds a modify decision carrying the given modifications.
func Modify(mods map[string]any) Decision {
	d := Allow()
	d.Decision = policy.DecisionModify
	d.Modifications = mods
	return d
}
