package exporter

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// SpanRecord is the wire format for a single span as ingested by the
// collector at POST /span. Field names and value encodings follow the
// collector's contract, not the SDK's: span kinds count from internal=0,
// status codes are unset=0/ok=1/error=2, and timestamps are
// [seconds, nanoseconds] pairs.
type SpanRecord struct {
	Name         string         `json:"name"`
	Kind         int            `json:"kind"`
	ParentSpanID *string        `json:"parentSpanId"`
	StartTime    TimeParts      `json:"startTime"`
	EndTime      *TimeParts     `json:"endTime"`
	Status       SpanStatus     `json:"status"`
	Attributes   map[string]any `json:"attributes"`
	Links        []SpanLink     `json:"links"`
	Events       []SpanEvent    `json:"events"`
	Resource     SpanResource   `json:"resource"`
	TraceID      string         `json:"traceId"`
	SpanID       string         `json:"spanId"`
	TraceFlags   int            `json:"traceFlags"`
	Duration     *TimeParts     `json:"duration"`
	Ended        bool           `json:"ended"`
	Scope        SpanScope      `json:"instrumentationLibrary"`
}

// TimeParts is a timestamp split into whole seconds since the Unix epoch
// and nanoseconds within the second. Marshals as a two-element JSON array.
type TimeParts [2]int64

// SpanStatus mirrors the span status with collector wire codes.
type SpanStatus struct {
	Code    int     `json:"code"`
	Message *string `json:"message"`
}

// SpanEvent is a timestamped event attached to a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Time       TimeParts      `json:"time"`
	Attributes map[string]any `json:"attributes"`
}

// SpanLink references another span together with link attributes.
type SpanLink struct {
	Context    SpanLinkContext `json:"context"`
	Attributes map[string]any  `json:"attributes"`
}

// SpanLinkContext identifies the linked span.
type SpanLinkContext struct {
	TraceID string `json:"traceId"`
	SpanID  string `json:"spanId"`
}

// SpanResource carries the resource attributes shared by all spans of a
// provider (service name, component tag, ...).
type SpanResource struct {
	Attributes map[string]any `json:"attributes"`
}

// SpanScope names the instrumentation that produced the span.
type SpanScope struct {
	Name    string  `json:"name"`
	Version *string `json:"version"`
}

// Key returns the identity of the record used for deduplication.
func (r SpanRecord) Key() SpanKey {
	return SpanKey{TraceID: r.TraceID, SpanID: r.SpanID}
}

// SpanKey is the (traceId, spanId) pair identifying a span.
type SpanKey struct {
	TraceID string
	SpanID  string
}

// NewSpanRecord converts a finished SDK span into its wire record.
// The conversion is total: it never fails and never drops information the
// collector understands.
func NewSpanRecord(s sdktrace.ReadOnlySpan) SpanRecord {
	sc := s.SpanContext()

	rec := SpanRecord{
		Name:       s.Name(),
		Kind:       wireKind(s.SpanKind()),
		StartTime:  timeParts(s.StartTime()),
		Status:     wireStatus(s.Status()),
		Attributes: attrMap(s.Attributes()),
		Links:      wireLinks(s.Links()),
		Events:     wireEvents(s.Events()),
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		TraceFlags: int(sc.TraceFlags()),
		Resource:   SpanResource{Attributes: map[string]any{}},
		Scope:      wireScope(s),
	}

	if parent := s.Parent(); parent.HasSpanID() {
		id := parent.SpanID().String()
		rec.ParentSpanID = &id
	}

	if end := s.EndTime(); !end.IsZero() {
		endParts := timeParts(end)
		rec.EndTime = &endParts
		dur := durationParts(end.Sub(s.StartTime()))
		rec.Duration = &dur
		rec.Ended = true
	}

	if res := s.Resource(); res != nil {
		rec.Resource = SpanResource{Attributes: attrMap(res.Attributes())}
	}

	return rec
}

// wireKind maps the SDK span kind (which counts from unspecified=0,
// internal=1) onto the collector's enumeration (internal=0 ... consumer=4).
func wireKind(k trace.SpanKind) int {
	switch k {
	case trace.SpanKindServer:
		return 1
	case trace.SpanKindClient:
		return 2
	case trace.SpanKindProducer:
		return 3
	case trace.SpanKindConsumer:
		return 4
	default:
		return 0
	}
}

// wireStatus maps SDK status codes (unset=0, error=1, ok=2) onto the
// collector's (unset=0, ok=1, error=2).
func wireStatus(s sdktrace.Status) SpanStatus {
	st := SpanStatus{}
	switch s.Code {
	case codes.Ok:
		st.Code = 1
	case codes.Error:
		st.Code = 2
	default:
		st.Code = 0
	}
	if s.Description != "" {
		msg := s.Description
		st.Message = &msg
	}
	return st
}

func wireEvents(events []sdktrace.Event) []SpanEvent {
	out := make([]SpanEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, SpanEvent{
			Name:       ev.Name,
			Time:       timeParts(ev.Time),
			Attributes: attrMap(ev.Attributes),
		})
	}
	return out
}

func wireLinks(links []sdktrace.Link) []SpanLink {
	out := make([]SpanLink, 0, len(links))
	for _, l := range links {
		out = append(out, SpanLink{
			Context: SpanLinkContext{
				TraceID: l.SpanContext.TraceID().String(),
				SpanID:  l.SpanContext.SpanID().String(),
			},
			Attributes: attrMap(l.Attributes),
		})
	}
	return out
}

func wireScope(s sdktrace.ReadOnlySpan) SpanScope {
	scope := s.InstrumentationScope()
	out := SpanScope{Name: scope.Name}
	if scope.Version != "" {
		v := scope.Version
		out.Version = &v
	}
	return out
}

func attrMap(kvs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func timeParts(t time.Time) TimeParts {
	return TimeParts{t.Unix(), int64(t.Nanosecond())}
}

func durationParts(d time.Duration) TimeParts {
	return TimeParts{int64(d / time.Second), int64(d % time.Second)}
}
