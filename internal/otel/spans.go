package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for fleet spans.
var (
	AttrTaskID     = attribute.Key("fleet.task.id")
	AttrOperatorID = attribute.Key("fleet.operator.id")
	AttrAgentType  = attribute.Key("fleet.agent.type")
	AttrTier       = attribute.Key("fleet.tier")
	AttrStep       = attribute.Key("fleet.saga.step")
	AttrEventType  = attribute.Key("fleet.event.type")
	AttrCommand    = attribute.Key("fleet.command")
	AttrMode       = attribute.Key("fleet.lifecycle.mode")
)

// StartSpan starts an internal span with common attributes. A nil tracer yields a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (CLI, container runtime, external bus).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
