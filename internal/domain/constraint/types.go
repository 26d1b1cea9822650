// Package constraint models applied constraints, pairwise conflicts, and
// the resolution strategies the constraint solver agent applies.
package constraint

// Type classifies where a constraint came from.
type Type string

const (
	TypePolicyRule     Type = "policy_rule"
	TypeApprovalGate   Type = "approval_gate"
	TypeRateLimit      Type = "rate_limit"
	TypeBudgetLimit    Type = "budget_limit"
	TypeSecurityRule   Type = "security_rule"
	TypeGovernanceRule Type = "governance_rule"
)

// Severity of a constraint or conflict.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Scope narrows where a constraint applies.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeNamespace Scope = "namespace"
	ScopeProject   Scope = "project"
	ScopeUser      Scope = "user"
)

// Applied is a matched rule reified as a satisfiable item.
type Applied struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      Type     `json:"type"`
	Severity  Severity `json:"severity"`
	Scope     Scope    `json:"scope"`
	Satisfied bool     `json:"satisfied"`
	Reason    string   `json:"reason,omitempty"`
}

// ConflictType classifies a pairwise constraint conflict.
type ConflictType string

const (
	ConflictMutualExclusion    ConflictType = "mutual_exclusion"
	ConflictPriority           ConflictType = "priority_conflict"
	ConflictScopeOverlap       ConflictType = "scope_overlap"
	ConflictTemporal           ConflictType = "temporal_conflict"
	ConflictResourceContention ConflictType = "resource_contention"
)

// Strategy names a conflict resolution approach.
type Strategy string

const (
	StrategyMostRestrictive Strategy = "most_restrictive"
	StrategyPriorityBased   Strategy = "priority_based"
	StrategyScopeNarrowing  Strategy = "scope_narrowing"
	StrategyManualRequired  Strategy = "manual_required"
)

// Conflict is a detected incompatibility between two constraints.
type Conflict struct {
	ID            string       `json:"id"`
	Type          ConflictType `json:"type"`
	ConstraintIDs [2]string    `json:"constraint_ids"`
	Severity      Severity     `json:"severity"`
	Resolved      bool         `json:"resolved"`
	Strategy      Strategy     `json:"strategy,omitempty"`
	Description   string       `json:"description,omitempty"`
}

// Outcome codes for the constraint solver agent.
const (
	OutcomeNoConstraints       = "no_constraints"
	OutcomeSatisfied           = "constraints_satisfied"
	OutcomeResolved            = "constraints_resolved"
	OutcomePartialResolution   = "partial_resolution"
	OutcomeConstraintsViolated = "constraints_violated"
)

// Result is the output of one constraint solver invocation.
type Result struct {
	Outcome              string     `json:"outcome"`
	Constraints          []Applied  `json:"constraints"`
	Conflicts            []Conflict `json:"conflicts"`
	EffectiveConstraints []Applied  `json:"effective_constraints"`
	Strategy             Strategy   `json:"strategy"`
	ConflictsResolved    int        `json:"conflicts_resolved"`
	ConflictsUnresolved  int        `json:"conflicts_unresolved"`
}

// SeverityForDecision maps a matched rule's action to constraint severity.
func SeverityForDecision(decision string) Severity {
	switch decision {
	case "deny":
		return SeverityError
	case "warn", "modify":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
