// Package aiqa instruments Go applications for the AIQA tracing platform.
//
// It layers a buffering span exporter on top of the OpenTelemetry SDK:
// finished spans are converted to AIQA wire records, deduplicated, and
// delivered to the collector by a background flush loop. A failed delivery
// restores the batch for the next cycle, so spans survive transient
// collector outages.
//
//	client, err := aiqa.New(
//	    aiqa.WithServerURL("https://app.aiqa.dev/api"),
//	    aiqa.WithAPIKey(apiKey),
//	)
//	if err != nil { ... }
//	if err := client.Start(ctx); err != nil { ... }
//	defer client.Shutdown(context.Background())
//
//	add := aiqa.Traced(func(ctx context.Context, r AddRequest) (int, error) {
//	    return r.A + r.B, nil
//	})
//	sum, err := add(ctx, AddRequest{A: 1, B: 2})
//
// Configuration comes from AIQA_* environment variables (a .env file is
// loaded when present); With* options override the environment.
package aiqa

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiqa-dev/aiqa-go/exporter"
	"github.com/aiqa-dev/aiqa-go/internal/config"
)

// Version is the client version reported in the User-Agent header and as
// the instrumentation scope version on every span.
const Version = "0.3.2"

// Client owns the tracing pipeline: tracer provider, batch processor, and
// the buffering exporter. Construct with New(), bring up with Start().
// Client has no public fields; configure it with New() options.
type Client struct {
	cfg        config.Config
	logger     *slog.Logger
	httpClient *http.Client
	noGlobal   bool

	mu       sync.Mutex
	started  bool
	provider *sdktrace.TracerProvider
	exp      *exporter.Exporter
}

// New builds a Client from environment variables and option overrides.
// It does not start goroutines or install global providers; that happens
// in Start(). A missing server URL is tolerated here; the exporter drops
// spans at flush time and warns.
func New(opts ...Option) (*Client, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg := config.FromEnv()
	if o.serverURL != "" {
		cfg.ServerURL = strings.TrimRight(o.serverURL, "/")
	}
	if o.apiKey != "" {
		cfg.APIKey = o.apiKey
	}
	if o.organisationID != "" {
		cfg.OrganisationID = o.organisationID
	}
	if o.serviceName != "" {
		cfg.ServiceName = o.serviceName
	}
	if o.componentTag != "" {
		cfg.ComponentTag = o.componentTag
	}
	if o.samplingRate != nil {
		cfg.SamplingRate = *o.samplingRate
	}
	if o.flushInterval > 0 {
		cfg.FlushInterval = o.flushInterval
	}
	if o.shutdownTimeout > 0 {
		cfg.ShutdownTimeout = o.shutdownTimeout
	}
	if o.sampleLimit != nil {
		cfg.SampleLimit = *o.sampleLimit
	}

	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("aiqa: flush interval must be positive, got %s", cfg.FlushInterval)
	}
	if cfg.ShutdownTimeout <= 0 {
		return nil, fmt.Errorf("aiqa: shutdown timeout must be positive, got %s", cfg.ShutdownTimeout)
	}
	if cfg.SamplingRate < 0 || cfg.SamplingRate > 1 {
		logger.Warn("aiqa: sampling rate out of range, clamping",
			"rate", cfg.SamplingRate)
		cfg.SamplingRate = min(1, max(0, cfg.SamplingRate))
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
		noGlobal:   o.noGlobal,
	}, nil
}

// Start brings up the tracing pipeline and installs it as the global
// OpenTelemetry tracer provider (unless WithoutGlobalProvider was given).
// It is idempotent: concurrent and repeated calls initialise the pipeline
// exactly once. Safe to call lazily from any operation that needs tracing.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		c.logger.Debug("aiqa: client already started")
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(c.cfg.ServiceName),
			semconv.ServiceVersionKey.String(Version),
		),
	)
	if err != nil {
		return fmt.Errorf("aiqa: create resource: %w", err)
	}

	exp := exporter.New(exporter.Config{
		ServerURL:       c.cfg.ServerURL,
		APIKey:          c.cfg.APIKey,
		FlushInterval:   c.cfg.FlushInterval,
		ShutdownTimeout: c.cfg.ShutdownTimeout,
		HTTPClient:      c.httpClient,
		Logger:          c.logger,
	})

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(c.cfg.FlushInterval),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(c.cfg.SamplingRate),
		)),
	)
	if !c.noGlobal {
		otel.SetTracerProvider(tp)

		// Register W3C Trace Context and Baggage propagators so Inject and
		// Extract interoperate with other instrumented services.
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			),
		)
	}

	// Seed process-wide span defaults from configuration.
	if c.cfg.ComponentTag != "" {
		SetComponentTag(c.cfg.ComponentTag)
	}
	if c.cfg.SampleLimit > 0 {
		ambientSampleLimit.Store(int32(c.cfg.SampleLimit))
	}

	c.provider = tp
	c.exp = exp
	c.started = true

	c.logger.Info("aiqa: client started",
		"service", c.cfg.ServiceName,
		"server_url", c.cfg.ServerURL,
		"sampling_rate", c.cfg.SamplingRate,
		"flush_interval", c.cfg.FlushInterval,
	)
	return nil
}

// Flush pushes every finished span through to the collector: it drains the
// batch processor into the exporter buffer, then delivers the buffer. Safe
// to call on a client that was never started.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	tp, exp := c.provider, c.exp
	c.mu.Unlock()

	if tp == nil {
		return nil
	}
	if err := tp.ForceFlush(ctx); err != nil {
		return fmt.Errorf("aiqa: force flush: %w", err)
	}
	return exp.Flush(ctx)
}

// Shutdown tears the pipeline down: the provider drains its batch queue
// into the exporter, the flush loop stops, and one final blocking delivery
// runs. Returns the final delivery error, if any. Idempotent; a client that
// was never started returns nil.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false

	// Provider shutdown cascades into exporter.Shutdown via the batch
	// processor, which runs the final flush. The direct call after it is a
	// no-op on that path; it stops the flush loop when the context expired
	// before the cascade reached the exporter.
	err := c.provider.Shutdown(ctx)
	if serr := c.exp.Shutdown(ctx); err == nil {
		err = serr
	}
	c.provider = nil
	c.exp = nil
	if err != nil {
		return fmt.Errorf("aiqa: shutdown: %w", err)
	}
	return nil
}

// Started reports whether the pipeline is up.
func (c *Client) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// TracerProvider returns the provider installed by Start, or nil before
// Start / after Shutdown.
func (c *Client) TracerProvider() trace.TracerProvider {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider == nil {
		return nil
	}
	return c.provider
}

// Tracer returns a tracer bound to the client's own provider, regardless of
// what is installed globally. Before Start / after Shutdown it falls back to
// the global provider's tracer.
func (c *Client) Tracer() trace.Tracer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider == nil {
		return otel.Tracer(tracerName, trace.WithInstrumentationVersion(Version))
	}
	return c.provider.Tracer(tracerName, trace.WithInstrumentationVersion(Version))
}

// Exporter exposes the buffering exporter for inspection, or nil before
// Start / after Shutdown.
func (c *Client) Exporter() *exporter.Exporter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exp
}

// ── Feedback ──────────────────────────────────────────────────────────────────

// Feedback attaches a user verdict to an existing trace.
type Feedback struct {
	TraceID  string // 32 hex characters, as returned by TraceID().
	ThumbsUp *bool  // nil means neutral.
	Comment  string
}

func (f Feedback) kind() string {
	switch {
	case f.ThumbsUp == nil:
		return "neutral"
	case *f.ThumbsUp:
		return "positive"
	default:
		return "negative"
	}
}

// SubmitFeedback records feedback as a span on the given trace and flushes
// it immediately. The client is started lazily if needed. The span goes
// through the client's own pipeline, so it is delivered even when the
// client does not own the global provider.
func (c *Client) SubmitFeedback(ctx context.Context, f Feedback) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	ctx, span, err := continueTrace(ctx, c.Tracer(), f.TraceID, "", "feedback")
	if err != nil {
		return err
	}

	attrs := []attribute.KeyValue{
		attribute.String("feedback.type", f.kind()),
		attribute.String("aiqa.span_type", "feedback"),
	}
	if f.ThumbsUp != nil {
		attrs = append(attrs, attribute.Bool("feedback.thumbs_up", *f.ThumbsUp))
	}
	if f.Comment != "" {
		attrs = append(attrs, attribute.String("feedback.comment", f.Comment))
	}
	span.SetAttributes(attrs...)
	span.End()

	return c.Flush(ctx)
}
