package aiqa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewPrefersOptionsOverEnvironment(t *testing.T) {
	t.Setenv("AIQA_SERVER_URL", "http://env.example/api/")
	t.Setenv("AIQA_SERVICE_NAME", "env-service")

	c, err := New(
		WithServerURL("http://opt.example/api/"),
		WithComponentTag("tag-x"),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.cfg.ServerURL != "http://opt.example/api" {
		t.Fatalf("option should win and lose its trailing slash: %q", c.cfg.ServerURL)
	}
	if c.cfg.ServiceName != "env-service" {
		t.Fatalf("env should fill unset options: %q", c.cfg.ServiceName)
	}
	if c.cfg.ComponentTag != "tag-x" {
		t.Fatalf("unexpected component tag: %q", c.cfg.ComponentTag)
	}
	if c.cfg.FlushInterval != 5*time.Second {
		t.Fatalf("unexpected default flush interval: %s", c.cfg.FlushInterval)
	}
}

func TestNewClampsSamplingRate(t *testing.T) {
	c, err := New(WithSamplingRate(1.5))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.cfg.SamplingRate != 1 {
		t.Fatalf("expected clamp to 1, got %v", c.cfg.SamplingRate)
	}

	c, err = New(WithSamplingRate(-0.2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.cfg.SamplingRate != 0 {
		t.Fatalf("expected clamp to 0, got %v", c.cfg.SamplingRate)
	}
}

func TestNewRejectsNonPositiveDurations(t *testing.T) {
	t.Setenv("AIQA_FLUSH_INTERVAL", "-5s")
	if _, err := New(); err == nil || !strings.Contains(err.Error(), "flush interval") {
		t.Fatalf("expected flush interval error, got %v", err)
	}
	t.Setenv("AIQA_FLUSH_INTERVAL", "")

	t.Setenv("AIQA_SHUTDOWN_TIMEOUT", "0s")
	if _, err := New(); err == nil || !strings.Contains(err.Error(), "shutdown timeout") {
		t.Fatalf("expected shutdown timeout error, got %v", err)
	}
}

func TestClientLifecycleDeliversSpans(t *testing.T) {
	var mu sync.Mutex
	var names []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /span", func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		for _, rec := range batch {
			if name, ok := rec["name"].(string); ok {
				names = append(names, name)
			}
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// A long interval keeps the background loops quiet so the explicit
	// Flush below is the only delivery path.
	c, err := New(
		WithServerURL(srv.URL),
		WithAPIKey("test-key"),
		WithFlushInterval(time.Hour),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush before Start should be a no-op: %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown before Start should be a no-op: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	provider := c.TracerProvider()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if c.TracerProvider() != provider {
		t.Fatal("second Start must not rebuild the pipeline")
	}

	tr := provider.Tracer("lifecycle-test")
	_, span := tr.Start(context.Background(), "e2e.unit")
	span.End()

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	mu.Lock()
	delivered := len(names) == 1 && names[0] == "e2e.unit"
	mu.Unlock()
	if !delivered {
		t.Fatalf("expected delivered span e2e.unit, got %v", names)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if c.Started() {
		t.Fatal("client must report stopped after Shutdown")
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("repeated Shutdown must be a no-op: %v", err)
	}
}

func TestWithoutGlobalProviderKeepsPipelinePrivate(t *testing.T) {
	var mu sync.Mutex
	var names []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /span", func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		for _, rec := range batch {
			if name, ok := rec["name"].(string); ok {
				names = append(names, name)
			}
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	global := otel.GetTracerProvider()
	c, err := New(
		WithServerURL(srv.URL),
		WithFlushInterval(time.Hour),
		WithoutGlobalProvider(),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = c.Shutdown(context.Background()) }()

	if otel.GetTracerProvider() != global {
		t.Fatal("Start must leave the global provider alone")
	}

	// Spans from the client's own tracer flow through its private pipeline.
	_, span := c.Tracer().Start(context.Background(), "private.pipeline")
	span.End()
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	mu.Lock()
	delivered := len(names) == 1 && names[0] == "private.pipeline"
	mu.Unlock()
	if !delivered {
		t.Fatalf("expected delivered span private.pipeline, got %v", names)
	}
	if hasEndedSpan("private.pipeline") {
		t.Fatal("span leaked into the global provider")
	}
}

func TestTracerFallsBackToGlobalBeforeStart(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))

	c, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, span := c.Tracer().Start(context.Background(), "prestart.unit")
	span.End()

	found := false
	for _, s := range rec.Ended() {
		if s.Name() == "prestart.unit" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the fallback tracer to use the global provider")
	}
}

func TestFeedbackKind(t *testing.T) {
	up, down := true, false
	if (Feedback{}).kind() != "neutral" {
		t.Fatal("nil thumbs should be neutral")
	}
	if (Feedback{ThumbsUp: &up}).kind() != "positive" {
		t.Fatal("thumbs up should be positive")
	}
	if (Feedback{ThumbsUp: &down}).kind() != "negative" {
		t.Fatal("thumbs down should be negative")
	}
}

func TestSubmitFeedbackDeliversSpanOnTrace(t *testing.T) {
	var mu sync.Mutex
	var batches [][]map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /span", func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(WithServerURL(srv.URL), WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = c.Shutdown(context.Background()) }()

	const tid = "aabbccddeeff00112233445566778899"
	up := true
	if err := c.SubmitFeedback(context.Background(), Feedback{
		TraceID:  tid,
		ThumbsUp: &up,
		Comment:  "solid answer",
	}); err != nil {
		t.Fatalf("SubmitFeedback failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected one delivered span, got %v", batches)
	}
	rec := batches[0][0]
	if rec["name"] != "feedback" || rec["traceId"] != tid {
		t.Fatalf("feedback did not join the trace: %v", rec)
	}
	attrs, _ := rec["attributes"].(map[string]any)
	if attrs["feedback.type"] != "positive" {
		t.Fatalf("unexpected feedback.type: %v", attrs["feedback.type"])
	}
	if attrs["feedback.thumbs_up"] != true {
		t.Fatalf("unexpected feedback.thumbs_up: %v", attrs["feedback.thumbs_up"])
	}
	if attrs["feedback.comment"] != "solid answer" {
		t.Fatalf("unexpected feedback.comment: %v", attrs["feedback.comment"])
	}
	if attrs["aiqa.span_type"] != "feedback" {
		t.Fatalf("unexpected aiqa.span_type: %v", attrs["aiqa.span_type"])
	}
}

func TestSubmitFeedbackUsesClientPipeline(t *testing.T) {
	var mu sync.Mutex
	var names []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /span", func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		for _, rec := range batch {
			if name, ok := rec["name"].(string); ok {
				names = append(names, name)
			}
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(
		WithServerURL(srv.URL),
		WithFlushInterval(time.Hour),
		WithoutGlobalProvider(),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = c.Shutdown(context.Background()) }()

	const tid = "00112233445566778899aabbccddeeff"
	if err := c.SubmitFeedback(context.Background(), Feedback{TraceID: tid, Comment: "ok"}); err != nil {
		t.Fatalf("SubmitFeedback failed: %v", err)
	}

	mu.Lock()
	delivered := len(names) == 1 && names[0] == "feedback"
	mu.Unlock()
	if !delivered {
		t.Fatalf("expected feedback delivered through the client pipeline, got %v", names)
	}
	for _, s := range recorder.Ended() {
		if s.SpanContext().TraceID().String() == tid {
			t.Fatal("feedback span leaked into the global provider")
		}
	}
}

func TestSubmitFeedbackRejectsBadTraceID(t *testing.T) {
	t.Setenv("AIQA_SERVER_URL", "")
	c, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = c.Shutdown(context.Background()) }()

	err = c.SubmitFeedback(context.Background(), Feedback{TraceID: "short"})
	if err == nil || !strings.Contains(err.Error(), "parse trace id") {
		t.Fatalf("expected trace id parse error, got %v", err)
	}
}
