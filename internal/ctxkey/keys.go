// Package ctxkey defines the context keys shared between middleware and
// handlers.
package ctxkey

import "context"

type executionIDKey struct{}
type parentSpanIDKey struct{}
type correlationIDKey struct{}

// WithExecutionID stores the orchestrator execution id.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// ExecutionID retrieves the execution id, or empty.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey{}).(string)
	return v
}

// WithParentSpanID stores the orchestrator parent span id.
func WithParentSpanID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, parentSpanIDKey{}, id)
}

// ParentSpanID retrieves the parent span id, or empty.
func ParentSpanID(ctx context.Context) string {
	v, _ := ctx.Value(parentSpanIDKey{}).(string)
	return v
}

// WithCorrelationID stores the request correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID retrieves the correlation id, or empty.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey{}).(string)
	return v
}
