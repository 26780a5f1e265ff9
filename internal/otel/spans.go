package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for agora spans.
var (
	AttrAgentID = attribute.Key("agora.agent.id")
	AttrCycle   = attribute.Key("agora.cycle")
	AttrStream  = attribute.Key("agora.stream")
	AttrKind    = attribute.Key("agora.action.kind")
	AttrStatus  = attribute.Key("agora.action.status")
	AttrBackend = attribute.Key("agora.inference.backend")
	AttrChannel = attribute.Key("agora.channel")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (forum, inference backend).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
