// Package sqlite provides the persistent store: policies, archived
// policy versions, the append-only audit trail, and per-decision
// evaluation records.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/port/outbound"
)

// schema creates the persistent layout. policy_audit_trail is append-only
// at the storage layer: triggers reject UPDATE and DELETE so no sequence
// of application calls can rewrite history.
const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	version          TEXT NOT NULL,
	namespace        TEXT NOT NULL,
	tags             TEXT NOT NULL DEFAULT '[]',
	priority         INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	rules            TEXT NOT NULL,
	created_by       TEXT NOT NULL DEFAULT '',
	internal_version INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_versions (
	policy_id        TEXT NOT NULL,
	internal_version INTEGER NOT NULL,
	snapshot         TEXT NOT NULL,
	archived_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (policy_id, internal_version)
);

CREATE TABLE IF NOT EXISTS policy_audit_trail (
	id             TEXT PRIMARY KEY,
	policy_id      TEXT NOT NULL,
	policy_version TEXT NOT NULL,
	action         TEXT NOT NULL CHECK (action IN ('create','edit','enable','disable','delete','version_update')),
	actor          TEXT NOT NULL,
	timestamp      TIMESTAMP NOT NULL,
	before_hash    TEXT NOT NULL,
	after_hash     TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audit_policy ON policy_audit_trail (policy_id, timestamp);

CREATE TRIGGER IF NOT EXISTS policy_audit_no_update
BEFORE UPDATE ON policy_audit_trail
BEGIN
	SELECT RAISE(ABORT, 'policy_audit_trail is append-only');
END;

CREATE TRIGGER IF NOT EXISTS policy_audit_no_delete
BEFORE DELETE ON policy_audit_trail
BEGIN
	SELECT RAISE(ABORT, 'policy_audit_trail is append-only');
END;

CREATE TABLE IF NOT EXISTS policy_evaluations (
	event_id           TEXT PRIMARY KEY,
	request_id         TEXT NOT NULL,
	agent_id           TEXT NOT NULL,
	decision_type      TEXT NOT NULL,
	inputs_hash        TEXT NOT NULL,
	outcome            TEXT NOT NULL,
	allowed            INTEGER NOT NULL,
	reason             TEXT NOT NULL DEFAULT '',
	matched_policies   TEXT NOT NULL DEFAULT '[]',
	matched_rules      TEXT NOT NULL DEFAULT '[]',
	confidence         REAL NOT NULL,
	outputs            TEXT NOT NULL,
	execution_ref      TEXT NOT NULL,
	evaluation_time_ms REAL NOT NULL DEFAULT 0,
	cached             INTEGER NOT NULL DEFAULT 0,
	metadata           TEXT NOT NULL DEFAULT '{}',
	created_at         TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_request ON policy_evaluations (request_id);
`

// Store is the SQLite-backed persistence adapter. It implements
// outbound.PolicyStore, audit.Store, and outbound.RecordSink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("sqlite store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// ListActive returns every active policy.
func (s *Store) ListActive(ctx context.Context) ([]policy.Policy, error) {
	return s.list(ctx, "WHERE status = 'active'")
}

// List returns all policies regardless of status.
func (s *Store) List(ctx context.Context) ([]policy.Policy, error) {
	return s.list(ctx, "")
}

func (s *Store) list(ctx context.Context, where string) ([]policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, version, namespace, tags, priority,
		       status, rules, created_by, internal_version, created_at, updated_at
		FROM policies `+where+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Find returns a policy by id, optionally pinned to a version string.
// Returns nil when absent.
func (s *Store) Find(ctx context.Context, id, version string) (*policy.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, version, namespace, tags, priority,
		       status, rules, created_by, internal_version, created_at, updated_at
		FROM policies WHERE id = ?`, id)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if version != "" && p.Version != version {
		return s.findArchivedVersion(ctx, id, version)
	}
	return p, nil
}

// findArchivedVersion searches policy_versions snapshots for a matching
// version string.
func (s *Store) findArchivedVersion(ctx context.Context, id, version string) (*policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM policy_versions
		WHERE policy_id = ? ORDER BY internal_version DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("list policy versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var p policy.Policy
		if err := json.Unmarshal([]byte(snapshot), &p); err != nil {
			return nil, fmt.Errorf("decode policy snapshot: %w", err)
		}
		if p.Version == version {
			return &p, nil
		}
	}
	return nil, rows.Err()
}

// Save creates or replaces a policy, archiving the prior state into
// policy_versions inside the same transaction.
func (s *Store) Save(ctx context.Context, p *policy.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, name, description, version, namespace, tags, priority,
		       status, rules, created_by, internal_version, created_at, updated_at
		FROM policies WHERE id = ?`, p.ID)
	prior, err := scanPolicy(row)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if prior != nil {
		snapshot, err := json.Marshal(prior)
		if err != nil {
			return fmt.Errorf("encode policy snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO policy_versions (policy_id, internal_version, snapshot, archived_at)
			VALUES (?, ?, ?, ?)`,
			prior.ID, prior.InternalVersion, string(snapshot), time.Now().UTC()); err != nil {
			return fmt.Errorf("archive policy version: %w", err)
		}
	}

	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO policies (id, name, description, version, namespace, tags, priority,
		                      status, rules, created_by, internal_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			namespace = excluded.namespace,
			tags = excluded.tags,
			priority = excluded.priority,
			status = excluded.status,
			rules = excluded.rules,
			internal_version = excluded.internal_version,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Description, p.Version, p.Namespace, string(tags), p.Priority,
		string(p.Status), string(rules), p.CreatedBy, p.InternalVersion, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("save policy %s: %w", p.ID, err)
	}

	return tx.Commit()
}

// Delete marks a policy archived.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET status = 'archived', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("archive policy %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("policy %s not found", id)
	}
	return nil
}

// Append writes one audit entry. The append-only triggers make the row
// immutable from here on.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	metadata, err := json.Marshal(orEmptyMap(e.Metadata))
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_audit_trail (id, policy_id, policy_version, action, actor,
		                                timestamp, before_hash, after_hash, correlation_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PolicyID, e.PolicyVersion, e.Action, e.Actor,
		e.Timestamp, e.BeforeHash, e.AfterHash, e.CorrelationID, string(metadata))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListByPolicy returns the audit entries for one policy ordered by
// timestamp.
func (s *Store) ListByPolicy(ctx context.Context, policyID string) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_id, policy_version, action, actor, timestamp,
		       before_hash, after_hash, correlation_id, metadata
		FROM policy_audit_trail WHERE policy_id = ? ORDER BY timestamp, id`, policyID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e        audit.Entry
			metadata string
		)
		if err := rows.Scan(&e.ID, &e.PolicyID, &e.PolicyVersion, &e.Action, &e.Actor,
			&e.Timestamp, &e.BeforeHash, &e.AfterHash, &e.CorrelationID, &metadata); err != nil {
			return nil, err
		}
		if metadata != "" && metadata != "{}" {
			_ = json.Unmarshal([]byte(metadata), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PersistEvent writes a decision event into policy_evaluations.
// Best-effort contract: failures return a rejecting Ack, never an error
// that could abort a decision.
func (s *Store) PersistEvent(ctx context.Context, e decision.Event) outbound.Ack {
	outputs, err := json.Marshal(orEmptyMap(e.Outputs))
	if err != nil {
		return outbound.Ack{Reason: err.Error()}
	}
	execRef, err := json.Marshal(e.ExecutionRef)
	if err != nil {
		return outbound.Ack{Reason: err.Error()}
	}
	metadata, err := json.Marshal(orEmptyMap(e.Metadata))
	if err != nil {
		return outbound.Ack{Reason: err.Error()}
	}

	outcome, _ := e.Outputs["outcome"].(string)
	allowed, _ := e.Outputs["allowed"].(bool)
	reason, _ := e.Outputs["reason"].(string)
	matchedPolicies := marshalStringList(e.Outputs["matched_policies"])
	matchedRules := marshalStringList(e.Outputs["matched_rules"])
	evalTime, _ := e.Metadata["evaluation_time_ms"].(float64)
	cached, _ := e.Metadata["cached"].(bool)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_evaluations (event_id, request_id, agent_id, decision_type,
		        inputs_hash, outcome, allowed, reason, matched_policies, matched_rules,
		        confidence, outputs, execution_ref, evaluation_time_ms, cached, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.ExecutionRef.RequestID, e.AgentID, e.DecisionType,
		e.InputsHash, outcome, boolToInt(allowed), reason, matchedPolicies, matchedRules,
		e.Confidence, string(outputs), string(execRef), evalTime, boolToInt(cached),
		string(metadata), time.Now().UTC())
	if err != nil {
		s.logger.Warn("persist decision event failed", "event_id", e.EventID, "error", err)
		return outbound.Ack{Reason: err.Error()}
	}
	return outbound.Ack{Accepted: true}
}

// PersistAudit writes an audit entry through the best-effort sink
// contract.
func (s *Store) PersistAudit(ctx context.Context, e audit.Entry) outbound.Ack {
	if err := s.Append(ctx, e); err != nil {
		s.logger.Warn("persist audit entry failed", "entry_id", e.ID, "error", err)
		return outbound.Ack{Reason: err.Error()}
	}
	return outbound.Ack{Accepted: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*policy.Policy, error) {
	var (
		p           policy.Policy
		tags, rules string
		status      string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Version, &p.Namespace,
		&tags, &p.Priority, &status, &rules, &p.CreatedBy,
		&p.InternalVersion, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = policy.Status(status)
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return nil, fmt.Errorf("decode rules for %s: %w", p.ID, err)
	}
	return &p, nil
}

func marshalStringList(v any) string {
	if v == nil {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface verification.
var (
	_ outbound.PolicyStore = (*Store)(nil)
	_ outbound.RecordSink  = (*Store)(nil)
	_ audit.Store          = (*Store)(nil)
)
