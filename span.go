package aiqa

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ActiveSpan returns the span attached to ctx. With no span in ctx it
// returns a no-op span, never nil.
func ActiveSpan(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// TraceID returns the 32-character hex trace id of the active span, or ""
// when ctx carries no valid trace.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanID returns the 16-character hex span id of the active span, or ""
// when ctx carries no valid span.
func SpanID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}

// SetSpanAttribute records a reduced attribute on the active span.
// Returns false when no recording span is attached to ctx or the value
// reduces to nothing.
func SetSpanAttribute(ctx context.Context, key string, value any) bool {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return false
	}
	val, ok := reduceValue(value)
	if !ok {
		return false
	}
	span.SetAttributes(attribute.KeyValue{Key: attribute.Key(key), Value: val})
	return true
}

// SetSpanName renames the active span. Returns false when no recording span
// is attached to ctx.
func SetSpanName(ctx context.Context, name string) bool {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return false
	}
	span.SetName(name)
	return true
}

// SetConversationID tags the active span with the conversation it belongs
// to, so the collector can group related traces.
func SetConversationID(ctx context.Context, id string) bool {
	return SetSpanAttribute(ctx, "gen_ai.conversation.id", id)
}

// SetTokenUsage records token usage counters on the active span. Negative
// counts are skipped. Returns true when at least one counter was recorded.
func SetTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens int) bool {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return false
	}
	set := 0
	if inputTokens >= 0 {
		span.SetAttributes(attribute.Int("gen_ai.usage.input_tokens", inputTokens))
		set++
	}
	if outputTokens >= 0 {
		span.SetAttributes(attribute.Int("gen_ai.usage.output_tokens", outputTokens))
		set++
	}
	if totalTokens >= 0 {
		span.SetAttributes(attribute.Int("gen_ai.usage.total_tokens", totalTokens))
		set++
	}
	return set > 0
}

// SetProviderAndModel records which model served the active span. Empty
// strings are skipped. Returns true when at least one was recorded.
func SetProviderAndModel(ctx context.Context, provider, model string) bool {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return false
	}
	set := 0
	if provider != "" {
		span.SetAttributes(attribute.String("gen_ai.provider.name", provider))
		set++
	}
	if model != "" {
		span.SetAttributes(attribute.String("gen_ai.request.model", model))
		set++
	}
	return set > 0
}

// ContinueTrace starts a span that joins an existing trace, linking work in
// this process to a trace begun elsewhere. The parent span id may be empty;
// a placeholder parent is synthesized then, because a trace id alone does
// not make a valid remote parent. The caller must End the returned span.
func ContinueTrace(ctx context.Context, traceID, parentSpanID, name string) (context.Context, trace.Span, error) {
	return continueTrace(ctx, tracer, traceID, parentSpanID, name)
}

// continueTrace is ContinueTrace on an explicit tracer, so a Client with a
// private provider can join traces through its own pipeline.
func continueTrace(ctx context.Context, tr trace.Tracer, traceID, parentSpanID, name string) (context.Context, trace.Span, error) {
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return ctx, nil, fmt.Errorf("aiqa: parse trace id %q: %w", traceID, err)
	}

	cfg := trace.SpanContextConfig{
		TraceID:    tid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}
	if parentSpanID != "" {
		sid, err := trace.SpanIDFromHex(parentSpanID)
		if err != nil {
			return ctx, nil, fmt.Errorf("aiqa: parse parent span id %q: %w", parentSpanID, err)
		}
		cfg.SpanID = sid
	} else {
		u := uuid.New()
		copy(cfg.SpanID[:], u[:8])
	}

	ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(cfg))
	ctx, span := tr.Start(ctx, name)
	if tag := currentComponentTag(); tag != "" {
		span.SetAttributes(attribute.String("component", tag))
	}
	return ctx, span, nil
}

// Inject writes the active trace context into carrier in the W3C
// traceparent format, for hand-off to another process.
func Inject(ctx context.Context, carrier map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(carrier))
}

// Extract returns a context carrying the trace context read from carrier.
// Spans started from it continue the injected trace.
func Extract(ctx context.Context, carrier map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}
