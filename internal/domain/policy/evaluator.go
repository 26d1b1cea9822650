package policy

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// regexCache holds compiled patterns keyed by their raw source. Patterns
// come from committed policies, so the population is small and stable.
var regexCache sync.Map // string -> *regexp.Regexp (nil for invalid)

// compilePattern compiles a regex with left anchoring applied when the
// pattern carries no explicit anchors. Invalid patterns are cached as nil
// so repeated evaluation does not recompile them.
func compilePattern(pattern string) *regexp.Regexp {
	if cached, ok := regexCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	src := pattern
	if !strings.Contains(pattern, "^") && !strings.Contains(pattern, "$") {
		src = "^(?:" + pattern + ")"
	}
	re, err := regexp.Compile(src)
	if err != nil {
		regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	regexCache.Store(pattern, re)
	return re
}

// TraceStep records one evaluated node for debugging traces.
type TraceStep struct {
	StepType string        `json:"step_type"` // policy, rule, condition
	ID       string        `json:"id"`
	Result   string        `json:"result"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Trace collects evaluation steps when tracing is requested.
type Trace struct {
	Steps             []TraceStep `json:"steps"`
	PoliciesEvaluated int         `json:"policies_evaluated"`
	RulesEvaluated    int         `json:"rules_evaluated"`
	Cached            bool        `json:"cached"`
}

// Add appends a step. Nil traces swallow steps so callers do not branch.
func (t *Trace) Add(step TraceStep) {
	if t == nil {
		return
	}
	t.Steps = append(t.Steps, step)
}

// EvaluateCondition evaluates a condition tree against a context. The
// function is pure and re-entrant: it reads only its arguments and the
// shared regex cache. Composites short-circuit left to right; a failure
// inside a child (such as a malformed regex) evaluates as false for that
// child.
func EvaluateCondition(c Condition, ctx EvaluationContext) bool {
	switch c.Operator {
	case OpAll:
		for i := range c.Conditions {
			if !EvaluateCondition(c.Conditions[i], ctx) {
				return false
			}
		}
		return true
	case OpAny:
		for i := range c.Conditions {
			if EvaluateCondition(c.Conditions[i], ctx) {
				return true
			}
		}
		return false
	case OpNot:
		if len(c.Conditions) != 1 {
			return false
		}
		return !EvaluateCondition(c.Conditions[0], ctx)
	}
	return evaluateLeaf(c, ctx)
}

// EvaluateConditionTraced is EvaluateCondition with per-node step
// recording. Composites still short-circuit, so children skipped by a
// short-circuit never appear in the trace.
func EvaluateConditionTraced(c Condition, ctx EvaluationContext, trace *Trace) bool {
	start := time.Now()
	var result bool
	switch c.Operator {
	case OpAll:
		result = true
		for i := range c.Conditions {
			if !EvaluateConditionTraced(c.Conditions[i], ctx, trace) {
				result = false
				break
			}
		}
	case OpAny:
		result = false
		for i := range c.Conditions {
			if EvaluateConditionTraced(c.Conditions[i], ctx, trace) {
				result = true
				break
			}
		}
	case OpNot:
		result = len(c.Conditions) == 1 && !EvaluateConditionTraced(c.Conditions[0], ctx, trace)
	default:
		result = evaluateLeaf(c, ctx)
	}

	id := string(c.Operator)
	if c.Field != "" {
		id += ":" + c.Field
	}
	trace.Add(TraceStep{
		StepType: "condition",
		ID:       id,
		Result:   boolResult(result),
		Duration: time.Since(start),
	})
	return result
}

func boolResult(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// evaluateLeaf resolves the field path and applies the leaf operator.
// An undefined field fails every comparison, fails exists, and satisfies
// not_exists.
func evaluateLeaf(c Condition, ctx EvaluationContext) bool {
	actual, defined := ctx.Resolve(c.Field)

	switch c.Operator {
	case OpExists:
		return defined
	case OpNotExists:
		return !defined
	}

	if !defined {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpNotEquals:
		return !valuesEqual(actual, c.Value)
	case OpGreaterThan:
		return compareNumeric(actual, c.Value, func(a, b float64) bool { return a > b })
	case OpGreaterThanOrEqual:
		return compareNumeric(actual, c.Value, func(a, b float64) bool { return a >= b })
	case OpLessThan:
		return compareNumeric(actual, c.Value, func(a, b float64) bool { return a < b })
	case OpLessThanOrEqual:
		return compareNumeric(actual, c.Value, func(a, b float64) bool { return a <= b })
	case OpContains:
		return evalContains(actual, c.Value)
	case OpIn:
		return evalIn(actual, c.Value)
	case OpNotIn:
		return !evalIn(actual, c.Value)
	case OpStartsWith:
		a, aok := actual.(string)
		e, eok := c.Value.(string)
		return aok && eok && strings.HasPrefix(a, e)
	case OpEndsWith:
		a, aok := actual.(string)
		e, eok := c.Value.(string)
		return aok && eok && strings.HasSuffix(a, e)
	case OpMatches:
		a, aok := actual.(string)
		p, pok := c.Value.(string)
		if !aok || !pok {
			return false
		}
		re := compilePattern(p)
		if re == nil {
			return false
		}
		return re.MatchString(a)
	}
	return false
}

// evalContains implements substring match for string pairs and element
// membership when the left side is a sequence.
func evalContains(actual, expected any) bool {
	if a, ok := actual.(string); ok {
		if e, ok := expected.(string); ok {
			return strings.Contains(a, e)
		}
		return false
	}
	if seq, ok := asSequence(actual); ok {
		for _, item := range seq {
			if valuesEqual(item, expected) {
				return true
			}
		}
	}
	return false
}

// evalIn tests membership of actual in the expected sequence.
func evalIn(actual, expected any) bool {
	seq, ok := asSequence(expected)
	if !ok {
		return false
	}
	for _, item := range seq {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}

// asSequence normalizes slice shapes from JSON/YAML decoding and builder
// construction to []any.
func asSequence(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

// valuesEqual implements deep equality with int/float promotion. Strings
// and booleans compare exactly; sequences compare element-wise in order;
// mappings compare key by key.
func valuesEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	aseq, aok := asSequence(a)
	bseq, bok := asSequence(b)
	if aok && bok {
		if len(aseq) != len(bseq) {
			return false
		}
		for i := range aseq {
			if !valuesEqual(aseq[i], bseq[i]) {
				return false
			}
		}
		return true
	}
	amap, aok := asStringMap(a)
	bmap, bok := asStringMap(b)
	if aok && bok {
		if len(amap) != len(bmap) {
			return false
		}
		for k, av := range amap {
			bv, ok := bmap[k]
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// compareNumeric applies cmp when both sides are numeric, false otherwise.
func compareNumeric(actual, expected any, cmp func(a, b float64) bool) bool {
	a, aok := asFloat(actual)
	b, bok := asFloat(expected)
	if !aok || !bok {
		return false
	}
	return cmp(a, b)
}

// asFloat promotes any numeric representation the decoders produce.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
