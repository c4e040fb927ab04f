package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/felixgeelhaar/foundry"

// StartJobSpan creates the root span of one job run.
//
// Usage:
//
//	ctx, span := telemetry.StartJobSpan(ctx, job.ID)
//	defer span.End()
func StartJobSpan(ctx context.Context, jobID string) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer(instrumentation)
	return tracer.Start(ctx, "job.run",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("component", "runner"),
		),
	)
}

// StartPhaseSpan creates a span for one workflow phase
func StartPhaseSpan(ctx context.Context, jobID, phase string) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer(instrumentation)
	return tracer.Start(ctx, "phase."+phase,
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("phase", phase),
		),
	)
}

// StartLLMSpan creates a span for one model attempt
func StartLLMSpan(ctx context.Context, agent, model string, attempt int) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer(instrumentation)
	return tracer.Start(ctx, "llm.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agent", agent),
			attribute.String("model", model),
			attribute.Int("attempt", attempt),
		),
	)
}

// RecordSuccess marks a span as successful with optional result attributes.
//
// Usage:
//
//	telemetry.RecordSuccess(span,
//	    attribute.Int("tokens.prompt", 1234),
//	    attribute.String("model", "gpt-4o-mini"),
//	)
func RecordSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "")
}

// RecordError records an error in a span and sets error status.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
