// Package celexpr provides the CEL evaluator behind rule-level
// expressions. Expressions are compiled once at snapshot build and
// evaluated per request.
package celexpr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/aegisflow/aegis/internal/domain/policy"
)

// maxExpressionLength caps rule expressions to keep the policy store
// free of pathological inputs.
const maxExpressionLength = 1024

// maxCostBudget bounds CEL runtime cost per evaluation.
const maxCostBudget = 100_000

// maxNestingDepth caps parenthesis/bracket nesting in expressions.
const maxNestingDepth = 50

// evalTimeout bounds a single expression evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often comprehension loops check cancellation.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL expressions against evaluation
// contexts.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator builds the CEL environment. Expressions see the whole
// evaluation context as the `context` map plus `namespace` for the
// owning policy.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("namespace", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks an expression into a runnable program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// ValidateExpression checks an expression for syntactic validity and
// safety limits before it is allowed into the policy store.
func (e *Evaluator) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid expression: %w", err)
	}
	return nil
}

// validateNesting rejects expressions nested deeper than maxNestingDepth.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Evaluate runs a compiled program against the context. Non-boolean
// results and evaluation failures report as errors; callers treat both
// as a non-match.
func (e *Evaluator) Evaluate(prg cel.Program, evalCtx policy.EvaluationContext, namespace string) (bool, error) {
	activation := map[string]any{
		"context":   map[string]any(evalCtx),
		"namespace": namespace,
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}
