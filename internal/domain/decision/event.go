package decision

import (
	"time"

	"github.com/aegisflow/aegis/internal/canonical"
)

// DecisionType identifies which agent produced an event.
const (
	TypePolicyEnforcement    = "policy_enforcement_decision"
	TypeConstraintResolution = "constraint_resolution"
	TypeApprovalRouting      = "approval_routing_decision"
)

// Outcome codes for the policy enforcement agent.
const (
	OutcomePolicyAllow         = "policy_allow"
	OutcomePolicyDeny          = "policy_deny"
	OutcomeApprovalRequired    = "approval_required"
	OutcomeConditionalAllow    = "conditional_allow"
	OutcomeConstraintViolation = "constraint_violation"
)

// ExecutionRef ties an event to the umbrella execution that requested it.
type ExecutionRef struct {
	RequestID   string `json:"request_id"`
	TraceID     string `json:"trace_id,omitempty"`
	SpanID      string `json:"span_id,omitempty"`
	Environment string `json:"environment"`
	SessionID   string `json:"session_id,omitempty"`
}

// Event is the canonical, auditable record of one agent decision. Exactly
// one is emitted per agent invocation, success or failure. Identical
// inputs always produce the same InputsHash.
type Event struct {
	EventID            string         `json:"event_id"`
	AgentID            string         `json:"agent_id"`
	AgentVersion       string         `json:"agent_version"`
	DecisionType       string         `json:"decision_type"`
	InputsHash         string         `json:"inputs_hash"`
	Outputs            map[string]any `json:"outputs"`
	Confidence         float64        `json:"confidence"`
	ConstraintsApplied []string       `json:"constraints_applied"`
	ExecutionRef       ExecutionRef   `json:"execution_ref"`
	Timestamp          string         `json:"timestamp"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// ConfidenceInput captures the evaluation facts the confidence score is
// derived from.
type ConfidenceInput struct {
	NoPoliciesMatched bool
	MixedConstraints  bool
	Outcome           string
	IsError           bool
}

// Confidence computes the multiplicative confidence score, clamped to
// [0, 1]. Error events always score zero.
func Confidence(in ConfidenceInput) float64 {
	if in.IsError {
		return 0
	}
	score := 1.0
	if in.NoPoliciesMatched {
		score *= 0.8
	}
	if in.MixedConstraints {
		score *= 0.9
	}
	switch in.Outcome {
	case "modify":
		score *= 0.95
	case "warn":
		score *= 0.9
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Builder assembles events with host-supplied identity, clock, and id
// source so the envelope is deterministic under test.
type Builder struct {
	AgentID      string
	AgentVersion string
	Environment  string
	NewID        func() string
	Now          func() time.Time
}

// Build fingerprints the inputs and assembles the event envelope.
// Fingerprinting failures degrade to an empty hash rather than aborting
// the decision.
func (b *Builder) Build(decisionType string, inputs any, outputs map[string]any, confidence float64, constraints []string, ref ExecutionRef) Event {
	hash, err := canonical.Fingerprint(inputs)
	if err != nil {
		hash = ""
	}
	if ref.Environment == "" {
		ref.Environment = b.Environment
	}
	if constraints == nil {
		constraints = []string{}
	}
	return Event{
		EventID:            b.NewID(),
		AgentID:            b.AgentID,
		AgentVersion:       b.AgentVersion,
		DecisionType:       decisionType,
		InputsHash:         hash,
		Outputs:            outputs,
		Confidence:         confidence,
		ConstraintsApplied: constraints,
		ExecutionRef:       ref,
		Timestamp:          b.Now().UTC().Format(time.RFC3339Nano),
	}
}
