// Package audit contains the append-only audit chain for policy
// mutations: entries with cryptographic before/after hashes and chain
// verification.
package audit

import (
	"context"
	"time"

	"github.com/aegisflow/aegis/internal/canonical"
	"github.com/aegisflow/aegis/internal/domain/policy"
)

// Mutation actions recorded in the audit trail.
const (
	ActionCreate        = "create"
	ActionEdit          = "edit"
	ActionEnable        = "enable"
	ActionDisable       = "disable"
	ActionDelete        = "delete"
	ActionVersionUpdate = "version_update"
)

// HashNull is the before-hash of a chain-opening create entry.
const HashNull = "null"

// Entry is one immutable audit record. Entries are appended atomically
// with the mutation they describe and are never updated or deleted.
type Entry struct {
	ID            string         `json:"id"`
	PolicyID      string         `json:"policy_id"`
	PolicyVersion string         `json:"policy_version"`
	Action        string         `json:"action"`
	Actor         string         `json:"actor"`
	Timestamp     time.Time      `json:"timestamp"`
	BeforeHash    string         `json:"before_hash"`
	AfterHash     string         `json:"after_hash"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// HashPolicy computes the audit hash of a policy state: the SHA-256 of
// the canonical JSON of its identity-bearing fields. A nil policy hashes
// to the literal "null".
func HashPolicy(p *policy.Policy) string {
	if p == nil {
		return HashNull
	}
	h, err := canonical.Hash(map[string]any{
		"id":        p.ID,
		"name":      p.Name,
		"version":   p.Version,
		"namespace": p.Namespace,
		"status":    string(p.Status),
		"rules":     p.Rules,
	})
	if err != nil {
		return HashNull
	}
	return h
}

// Store persists audit entries. Implementations must reject updates and
// deletes at the storage layer.
type Store interface {
	// Append writes one entry. The entry is immutable after this call.
	Append(ctx context.Context, e Entry) error
	// ListByPolicy returns all entries for a policy ordered by timestamp.
	ListByPolicy(ctx context.Context, policyID string) ([]Entry, error)
}

// Gap describes a break in the hash chain between two adjacent entries.
type Gap struct {
	PolicyID  string `json:"policy_id"`
	EntryID   string `json:"entry_id"`
	PrevID    string `json:"prev_entry_id"`
	AfterHash string `json:"after_hash"`
	// BeforeHash is the next entry's before hash that failed to link.
	BeforeHash string `json:"before_hash"`
}

// VerifyChain checks that entries, ordered by timestamp, link
// after_hash(n) = before_hash(n+1), except where a create begins a new
// chain. Gaps are reported, not rejected.
func VerifyChain(entries []Entry) []Gap {
	var gaps []Gap
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if cur.Action == ActionCreate {
			continue
		}
		if prev.AfterHash != cur.BeforeHash {
			gaps = append(gaps, Gap{
				PolicyID:   cur.PolicyID,
				EntryID:    cur.ID,
				PrevID:     prev.ID,
				AfterHash:  prev.AfterHash,
				BeforeHash: cur.BeforeHash,
			})
		}
	}
	return gaps
}
