// Package approval models approval routing rules, chains, and escalation
// ladders.
package approval

import (
	"errors"

	"github.com/aegisflow/aegis/internal/domain/policy"
)

// ErrNoApprovers reports an active rule with no way to route or resolve.
var ErrNoApprovers = errors.New("active approval rule requires an approver pool or auto-approve conditions")

// Outcome codes for the approval routing agent.
const (
	OutcomeApprovalRequired   = "approval_required"
	OutcomeAutoApproved       = "auto_approved"
	OutcomeEscalationRequired = "escalation_required"
	OutcomeApprovalBypassed   = "approval_bypassed"
	OutcomePendingApproval    = "pending_approval"
)

// Combinator joins a rule's match conditions.
type Combinator string

const (
	CombinatorAll Combinator = "all"
	CombinatorAny Combinator = "any"
)

// Approver is a member of an approver pool.
type Approver struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role,omitempty"`
	Available bool   `json:"available"`
}

// EscalationLevel is one rung of an escalation ladder.
type EscalationLevel struct {
	Level          int        `json:"level"`
	Approvers      []Approver `json:"approvers"`
	TimeoutSeconds int        `json:"timeout_seconds"`
}

// EscalationConfig enables escalation for a rule.
type EscalationConfig struct {
	Enabled bool              `json:"enabled" yaml:"enabled"`
	Levels  []EscalationLevel `json:"levels,omitempty" yaml:"levels,omitempty"`
}

// TimeWindow restricts auto-approval to certain hours and weekdays.
// Hours are half-open [Start, End) in the configured timezone; weekdays
// use time.Weekday numbering (Sunday = 0).
type TimeWindow struct {
	StartHour int   `json:"start_hour" yaml:"start_hour"`
	EndHour   int   `json:"end_hour" yaml:"end_hour"`
	Weekdays  []int `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
}

// AutoApproveConditions short-circuit routing when satisfied. Checks run
// in declared field order; the first satisfied check wins.
type AutoApproveConditions struct {
	AllowedRoles         []string    `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	AllowedResourceTypes []string    `json:"allowed_resource_types,omitempty" yaml:"allowed_resource_types,omitempty"`
	AllowedOperations    []string    `json:"allowed_operations,omitempty" yaml:"allowed_operations,omitempty"`
	MaxValue             *float64    `json:"max_value,omitempty" yaml:"max_value,omitempty"`
	TimeRestrictions     *TimeWindow `json:"time_restrictions,omitempty" yaml:"time_restrictions,omitempty"`
}

// Empty reports whether no auto-approve checks are configured.
func (a *AutoApproveConditions) Empty() bool {
	return a == nil || (len(a.AllowedRoles) == 0 && len(a.AllowedResourceTypes) == 0 &&
		len(a.AllowedOperations) == 0 && a.MaxValue == nil && a.TimeRestrictions == nil)
}

// Rule is an approval routing rule loaded from configuration.
type Rule struct {
	ID                string                 `json:"id" yaml:"id" validate:"required"`
	Name              string                 `json:"name" yaml:"name" validate:"required"`
	Match             []policy.Condition     `json:"match" yaml:"match"`
	Combinator        Combinator             `json:"combinator,omitempty" yaml:"combinator,omitempty"`
	RequiredApprovers int                    `json:"required_approvers" yaml:"required_approvers" validate:"gte=0"`
	ApproverPool      []Approver             `json:"approver_pool,omitempty" yaml:"approver_pool,omitempty"`
	TimeoutSeconds    int                    `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
	Escalation        *EscalationConfig      `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	AutoApprove       *AutoApproveConditions `json:"auto_approve_conditions,omitempty" yaml:"auto_approve_conditions,omitempty"`
	Priority          int                    `json:"priority" yaml:"priority"`
	Active            bool                   `json:"active" yaml:"active"`
}

// Validate enforces the rule invariant: an active rule needs approvers or
// auto-approve conditions.
func (r *Rule) Validate() error {
	if r.Active && len(r.ApproverPool) == 0 && r.AutoApprove.Empty() {
		return ErrNoApprovers
	}
	return nil
}

// StepType describes how approvers within a chain step are polled.
type StepType string

const (
	StepSequential StepType = "sequential"
	StepParallel   StepType = "parallel"
	StepAnyOf      StepType = "any_of"
)

// ChainStep is one stage of an approval chain.
type ChainStep struct {
	RuleID              string     `json:"rule_id"`
	StepType            StepType   `json:"step_type"`
	Approvers           []Approver `json:"approvers"`
	RequiredApprovals   int        `json:"required_approvals"`
	TimeoutSeconds      int        `json:"timeout_seconds"`
	EscalationOnTimeout bool       `json:"escalation_on_timeout"`
}

// Chain is the full approval path for a gated action.
type Chain struct {
	Steps               []ChainStep       `json:"steps"`
	EscalationLevels    []EscalationLevel `json:"escalation_levels,omitempty"`
	TotalTimeoutSeconds int               `json:"total_timeout_seconds"`
}

// Result is the output of one approval routing invocation.
type Result struct {
	Outcome               string   `json:"outcome"`
	Chain                 Chain    `json:"approval_chain"`
	RulesMatched          []string `json:"rules_matched"`
	AutoApproveReason     string   `json:"auto_approve_reason,omitempty"`
	JustificationRequired bool     `json:"justification_required"`
	RiskScore             float64  `json:"risk_score"`
}

// Status is the contract for approval state lookups. Tracking approval
// state is owned by an external collaborator; the router only exposes the
// shape.
type Status struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
}
