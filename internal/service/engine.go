// Package service contains the application services: the policy engine,
// the three agents, governance, administration, and maintenance.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	"github.com/aegisflow/aegis/internal/adapter/outbound/celexpr"
	"github.com/aegisflow/aegis/internal/cache"
	"github.com/aegisflow/aegis/internal/canonical"
	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/port/outbound"
)

// EvaluateRequest is one evaluation call into the engine.
type EvaluateRequest struct {
	RequestID string                   `json:"request_id"`
	Context   policy.EvaluationContext `json:"context"`
	// PolicyIDs optionally restricts evaluation to a subset of the
	// active corpus.
	PolicyIDs []string `json:"policy_ids,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
	Trace     bool     `json:"trace,omitempty"`
}

// compiledRule pairs a rule with its optional compiled expression.
type compiledRule struct {
	rule    policy.Rule
	program cel.Program
}

// compiledPolicy is one policy ready for evaluation.
type compiledPolicy struct {
	policy *policy.Policy
	rules  []compiledRule
}

// snapshot is the immutable active policy set readers evaluate against.
type snapshot struct {
	policies    []compiledPolicy
	fingerprint string
}

// matched is one policy's contribution to a decision.
type matched struct {
	PolicyID  string
	RuleID    string
	RuleName  string
	Namespace string
	Tags      []string
	Action    policy.Action
	Condition policy.Condition
}

// Engine matches rules against contexts, orders and conflict-resolves
// them, and synthesizes decisions. The active policy set is held behind
// an atomic pointer: readers see a stable snapshot for a whole
// evaluation, writers publish replacements after validation.
type Engine struct {
	source    outbound.PolicySource
	evaluator *celexpr.Evaluator
	clock     outbound.Clock
	logger    *slog.Logger

	snap  atomic.Value // *snapshot
	mu    sync.Mutex   // serializes Reload
	cache *cache.DecisionCache[decision.Decision]
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDecisionCache installs the decision memo.
func WithDecisionCache(c *cache.DecisionCache[decision.Decision]) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// NewEngine loads and compiles the active corpus from source.
func NewEngine(ctx context.Context, source outbound.PolicySource, clock outbound.Clock, logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	evaluator, err := celexpr.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	e := &Engine{
		source:    source,
		evaluator: evaluator,
		clock:     clock,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload republishes the snapshot from the policy source. Compilation
// happens outside the lock; the swap itself is atomic. The decision
// cache generation is bumped so stale entries become invisible.
func (e *Engine) Reload(ctx context.Context) error {
	policies, err := e.source.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	snap, err := e.buildSnapshot(policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.snap.Store(snap)
	e.mu.Unlock()

	if e.cache != nil {
		e.cache.Invalidate()
	}

	e.logger.Info("policy engine reloaded",
		"policies", len(snap.policies),
		"policy_set_fingerprint", snap.fingerprint,
	)
	return nil
}

// buildSnapshot orders policies deterministically and compiles rule
// expressions.
func (e *Engine) buildSnapshot(policies []policy.Policy) (*snapshot, error) {
	ordered := make([]*policy.Policy, 0, len(policies))
	for i := range policies {
		if policies[i].Active() {
			ordered = append(ordered, policies[i].Clone())
		}
	}

	// Priority descending, newer first on ties, id ascending last so the
	// order is fully deterministic.
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	snap := &snapshot{}
	ids := make([]string, 0, len(ordered))
	for _, p := range ordered {
		cp := compiledPolicy{policy: p, rules: make([]compiledRule, 0, len(p.Rules))}
		for _, r := range p.Rules {
			cr := compiledRule{rule: r}
			if r.Expression != "" {
				prg, err := e.evaluator.Compile(r.Expression)
				if err != nil {
					return nil, fmt.Errorf("failed to compile rule %s/%s: %w", p.ID, r.ID, err)
				}
				cr.program = prg
			}
			cp.rules = append(cp.rules, cr)
		}
		snap.policies = append(snap.policies, cp)
		ids = append(ids, p.ID)
	}

	sort.Strings(ids)
	fp, err := canonical.Fingerprint(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint policy set: %w", err)
	}
	snap.fingerprint = fp
	return snap, nil
}

// loadSnapshot returns the current snapshot (lock-free).
func (e *Engine) loadSnapshot() *snapshot {
	return e.snap.Load().(*snapshot)
}

// PolicySetFingerprint returns the fingerprint of the active snapshot.
func (e *Engine) PolicySetFingerprint() string {
	return e.loadSnapshot().fingerprint
}

// PolicyCount returns the number of policies in the active snapshot.
func (e *Engine) PolicyCount() int {
	return len(e.loadSnapshot().policies)
}

// CacheStats reports decision cache effectiveness, if caching is on.
func (e *Engine) CacheStats() *cache.Stats {
	if e.cache == nil {
		return nil
	}
	s := e.cache.Stats()
	return &s
}

// Evaluate runs one request against the active snapshot and returns the
// synthesized decision plus per-policy contributions. The cache is
// consulted only for plain evaluations: trace and dry-run requests always
// compute fresh. The boolean reports whether the decision was served from
// cache (contributions are nil in that case; the decision itself carries
// the matched ids).
func (e *Engine) Evaluate(req EvaluateRequest) (decision.Decision, []matched, bool) {
	snap := e.loadSnapshot()

	if e.cache != nil && !req.Trace && !req.DryRun {
		ctxFP, err := canonical.Fingerprint(map[string]any(req.Context))
		if err == nil {
			key := cache.NewKey(ctxFP, subsetFingerprint(snap, req.PolicyIDs))
			d, fromCache, err := e.cache.Do(key, func() (decision.Decision, error) {
				d, _ := e.evaluateSnapshot(snap, req)
				return d, nil
			})
			if err == nil {
				return d, nil, fromCache
			}
		}
	}

	d, contributions := e.evaluateSnapshot(snap, req)
	return d, contributions, false
}

// EvaluateUncached always computes fresh and returns contributions. Used
// by the constraint solver, which needs the full matched-rule set.
func (e *Engine) EvaluateUncached(req EvaluateRequest) (decision.Decision, []matched) {
	return e.evaluateSnapshot(e.loadSnapshot(), req)
}

// subsetFingerprint fingerprints the restricting id set, or the whole
// snapshot when no restriction applies.
func subsetFingerprint(snap *snapshot, ids []string) string {
	if len(ids) == 0 {
		return snap.fingerprint
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	fp, err := canonical.Fingerprint(sorted)
	if err != nil {
		return snap.fingerprint
	}
	return fp
}

// evaluateSnapshot is the pure evaluation pass: selection, per-policy
// rule walks, and cross-policy synthesis.
func (e *Engine) evaluateSnapshot(snap *snapshot, req EvaluateRequest) (decision.Decision, []matched) {
	start := e.clock.Now()

	var trace *policy.Trace
	if req.Trace {
		trace = &policy.Trace{}
	}

	restrict := make(map[string]bool, len(req.PolicyIDs))
	for _, id := range req.PolicyIDs {
		restrict[id] = true
	}

	var contributions []matched
	for i := range snap.policies {
		cp := &snap.policies[i]
		if len(restrict) > 0 && !restrict[cp.policy.ID] {
			continue
		}
		if trace != nil {
			trace.PoliciesEvaluated++
		}
		if m, ok := e.evaluatePolicy(cp, req.Context, trace); ok {
			contributions = append(contributions, m)
		}
	}

	d := synthesize(contributions)
	d.EvaluationTimeMS = float64(e.clock.Since(start).Microseconds()) / 1000.0
	d.Trace = trace
	return d, contributions
}

// evaluatePolicy walks a policy's enabled rules in declaration order and
// returns the first match. With tracing on, remaining rules are still
// walked so the trace covers the whole policy.
func (e *Engine) evaluatePolicy(cp *compiledPolicy, ctx policy.EvaluationContext, trace *policy.Trace) (matched, bool) {
	var (
		result matched
		found  bool
	)
	for i := range cp.rules {
		cr := &cp.rules[i]
		if !cr.rule.Enabled {
			continue
		}
		if found && trace == nil {
			break
		}
		if trace != nil {
			trace.RulesEvaluated++
		}

		ok := e.ruleMatches(cr, cp.policy.Namespace, ctx, trace)
		if trace != nil {
			trace.Add(policy.TraceStep{
				StepType: "rule",
				ID:       cp.policy.ID + "/" + cr.rule.ID,
				Result:   matchResult(ok),
			})
		}
		if ok && !found {
			found = true
			result = matched{
				PolicyID:  cp.policy.ID,
				RuleID:    cr.rule.ID,
				RuleName:  cr.rule.Name,
				Namespace: cp.policy.Namespace,
				Tags:      cp.policy.Tags,
				Action:    cr.rule.Action,
				Condition: cr.rule.Condition,
			}
		}
	}
	return result, found
}

// ruleMatches evaluates the condition tree and, when present, the
// compiled expression. Both must hold. Expression failures count as a
// non-match rather than failing the evaluation.
func (e *Engine) ruleMatches(cr *compiledRule, namespace string, ctx policy.EvaluationContext, trace *policy.Trace) bool {
	var condOK bool
	if trace != nil {
		condOK = policy.EvaluateConditionTraced(cr.rule.Condition, ctx, trace)
	} else {
		condOK = policy.EvaluateCondition(cr.rule.Condition, ctx)
	}
	if !condOK {
		return false
	}

	if cr.program != nil {
		ok, err := e.evaluator.Evaluate(cr.program, ctx, namespace)
		if err != nil {
			e.logger.Warn("rule expression evaluation failed",
				"rule", cr.rule.ID,
				"error", err,
			)
			return false
		}
		return ok
	}
	return true
}

func matchResult(ok bool) string {
	if ok {
		return "matched"
	}
	return "no_match"
}

// synthesize resolves cross-policy contributions into one decision:
// deny wins, then modify with right-biased merge, then warn, then allow.
// No matches fail open at this level only.
func synthesize(contributions []matched) decision.Decision {
	d := decision.Allow()
	for _, m := range contributions {
		d.MatchedPolicies = append(d.MatchedPolicies, m.PolicyID)
		d.MatchedRules = append(d.MatchedRules, m.RuleID)
	}

	if len(contributions) == 0 {
		d.Reason = "no matching policy"
		return d
	}

	pick := func(dt policy.DecisionType) (matched, bool) {
		for _, m := range contributions {
			if m.Action.Decision == dt {
				return m, true
			}
		}
		return matched{}, false
	}

	if m, ok := pick(policy.DecisionDeny); ok {
		d.Decision = policy.DecisionDeny
		d.Allowed = false
		d.Reason = actionReason(m, "Denied by rule: ")
		d.Metadata = m.Action.Metadata
		return d
	}

	if first, ok := pick(policy.DecisionModify); ok {
		d.Decision = policy.DecisionModify
		d.Reason = actionReason(first, "Modified by rule: ")
		// Later policies win on key collision.
		mods := make(map[string]any)
		for _, m := range contributions {
			if m.Action.Decision != policy.DecisionModify {
				continue
			}
			for k, v := range m.Action.Modifications {
				mods[k] = v
			}
		}
		d.Modifications = mods
		return d
	}

	if m, ok := pick(policy.DecisionWarn); ok {
		d.Decision = policy.DecisionWarn
		d.Reason = actionReason(m, "Warning from rule: ")
		d.Metadata = m.Action.Metadata
		return d
	}

	m := contributions[0]
	d.Reason = m.Action.Reason
	if d.Reason == "" {
		d.Reason = "allowed by rule: " + ruleLabel(m)
	}
	return d
}

func actionReason(m matched, fallbackPrefix string) string {
	if m.Action.Reason != "" {
		return m.Action.Reason
	}
	return fallbackPrefix + ruleLabel(m)
}

func ruleLabel(m matched) string {
	if m.RuleName != "" {
		return m.RuleName
	}
	return m.RuleID
}
