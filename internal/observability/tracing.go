package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps the globally configured OpenTelemetry tracer. Without an SDK
// installed by the embedding process it is a no-op, so instrumentation is
// always safe to leave on.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer for the given instrumentation name.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// StartTurn opens a span covering one agent turn.
func (t *Tracer) StartTurn(ctx context.Context, sessionID, threadID, model string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("thread.id", threadID),
			attribute.String("model", model),
		))
}

// EndTurn closes a turn span, recording the error if any.
func (t *Tracer) EndTurn(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
