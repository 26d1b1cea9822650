// Package telemetry exports execution spans and decision events through
// OpenTelemetry. Emission is best-effort: export failures log and drop.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/execution"
	"github.com/aegisflow/aegis/internal/port/outbound"
)

// OtelSink implements outbound.TelemetrySink over an OTel tracer.
type OtelSink struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewOtelSink builds a sink with a stdout trace exporter. Pretty-printing
// is off so exported spans stay one line per span.
func NewOtelSink(serviceName string, logger *slog.Logger) (*OtelSink, error) {
	exporter, err := stdouttrace.New()
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	return &OtelSink{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		logger:   logger,
	}, nil
}

// EmitSpan exports one finished execution span.
func (s *OtelSink) EmitSpan(ctx context.Context, span execution.Span) {
	start := span.StartTime
	end := start
	if span.EndTime != nil {
		end = *span.EndTime
	}

	_, otelSpan := s.tracer.Start(ctx, span.Type+":"+spanName(span),
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String("aegis.span_id", span.SpanID),
			attribute.String("aegis.parent_span_id", span.ParentSpanID),
			attribute.String("aegis.repo", span.RepoName),
			attribute.String("aegis.status", span.Status),
			attribute.Int("aegis.artifacts", len(span.Artifacts)),
		),
	)
	if span.Status == execution.StatusFailed {
		otelSpan.SetStatus(codes.Error, span.Error)
	}
	otelSpan.End(trace.WithTimestamp(end))
}

// EmitEvent exports a decision event as a zero-duration span carrying the
// event identity.
func (s *OtelSink) EmitEvent(ctx context.Context, e decision.Event) {
	_, otelSpan := s.tracer.Start(ctx, "event:"+e.DecisionType,
		trace.WithAttributes(
			attribute.String("aegis.event_id", e.EventID),
			attribute.String("aegis.agent_id", e.AgentID),
			attribute.String("aegis.inputs_hash", e.InputsHash),
			attribute.Float64("aegis.confidence", e.Confidence),
		),
	)
	otelSpan.End()
}

// Shutdown flushes pending exports.
func (s *OtelSink) Shutdown(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}

func spanName(span execution.Span) string {
	if span.AgentName != "" {
		return span.AgentName
	}
	return span.RepoName
}

// NopSink drops everything; used when telemetry is disabled.
type NopSink struct{}

func (NopSink) EmitSpan(context.Context, execution.Span)  {}
func (NopSink) EmitEvent(context.Context, decision.Event) {}

// Compile-time interface verification.
var (
	_ outbound.TelemetrySink = (*OtelSink)(nil)
	_ outbound.TelemetrySink = NopSink{}
)
