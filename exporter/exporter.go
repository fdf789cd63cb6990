// Package exporter implements the span export pipeline for the AIQA
// collector. Finished spans are serialized to the collector's wire format,
// deduplicated and buffered in memory, and delivered in batches by a
// background flush loop; failed batches are restored to the buffer in order
// and retried on the next cycle.
//
// Exporter plugs into the OpenTelemetry SDK as a trace.SpanExporter, usually
// behind a BatchSpanProcessor. The batching layer owns batching policy; this
// package owns buffering across delivery failures, deduplication, and the
// delivery protocol.
package exporter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Defaults for the export pipeline. Each can be overridden in Config.
const (
	DefaultFlushInterval   = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultSendTimeout     = 10 * time.Second
)

// Config holds the settings needed to construct an Exporter.
type Config struct {
	// ServerURL is the base URL of the collector (e.g. "https://app.aiqa.dev/api").
	// May be empty: the exporter then runs unconfigured and drops each drained
	// batch with a warning instead of failing callers.
	ServerURL string

	// APIKey authenticates deliveries via the "Authorization: ApiKey <key>"
	// scheme. Optional.
	APIKey string

	// FlushInterval is how often the background loop flushes buffered spans.
	// Defaults to DefaultFlushInterval.
	FlushInterval time.Duration

	// ShutdownTimeout bounds how long Shutdown waits for the flush loop to
	// stop. Defaults to DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// SendTimeout bounds the final blocking delivery during Shutdown.
	// Defaults to DefaultSendTimeout.
	SendTimeout time.Duration

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Logger is the structured logger for pipeline events. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Exporter buffers finished spans and delivers them to the collector.
// It implements go.opentelemetry.io/otel/sdk/trace.SpanExporter and is safe
// for concurrent use.
type Exporter struct {
	logger *slog.Logger
	buf    *dedupBuffer
	snd    *sender

	flushInterval   time.Duration
	shutdownTimeout time.Duration

	// flushMu makes flushing single-flight: concurrent callers and the
	// background loop serialize on it, so at most one batch is in transit.
	flushMu sync.Mutex

	shutdownRequested atomic.Bool
	cancelLoop        context.CancelFunc
	stop              chan struct{}
	done              chan struct{}
}

// New creates an Exporter and starts its background flush loop.
// Call Shutdown to stop it and deliver what remains.
func New(cfg Config) *Exporter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}

	serverURL := strings.TrimRight(cfg.ServerURL, "/")
	if serverURL == "" {
		logger.Warn("aiqa: no server URL configured, spans will be dropped at flush")
	}

	e := &Exporter{
		logger: logger,
		buf:    newDedupBuffer(logger),
		snd: &sender{
			serverURL:   serverURL,
			apiKey:      cfg.APIKey,
			client:      httpClient,
			sendTimeout: cfg.SendTimeout,
		},
		flushInterval:   cfg.FlushInterval,
		shutdownTimeout: cfg.ShutdownTimeout,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	e.registerMetrics()

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancelLoop = cancel
	go e.run(loopCtx)

	return e
}

// ExportSpans serializes the finished spans and admits them to the buffer.
// It never sends: delivery belongs to the flush loop and explicit Flush
// calls. Buffering cannot fail, so the returned error is always nil except
// after Shutdown, when batches are dropped per the SpanExporter contract.
func (e *Exporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.shutdownRequested.Load() {
		e.logger.Debug("aiqa: export after shutdown, dropping spans", "count", len(spans))
		return nil
	}
	if len(spans) == 0 {
		return nil
	}

	records := make([]SpanRecord, len(spans))
	for i, s := range spans {
		records[i] = NewSpanRecord(s)
	}
	accepted := e.buf.add(records...)
	e.logger.Debug("aiqa: spans buffered", "accepted", accepted, "buffered", e.buf.size())
	return nil
}

// Flush drains the buffer and delivers it as one batch. Concurrent calls
// serialize; only one batch is ever in transit. On delivery failure the
// batch is restored to the front of the buffer and the error is returned so
// the caller can decide (the background loop just waits for the next cycle).
func (e *Exporter) Flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.flushLocked(ctx, false)
}

// flushLocked runs one coordinator pass. Callers hold flushMu.
// In final mode the blocking sender path is used and a failed batch is
// abandoned rather than restored: the process is exiting.
func (e *Exporter) flushLocked(ctx context.Context, final bool) error {
	batch := e.buf.takeAll()
	if len(batch) == 0 {
		return nil
	}

	if !e.snd.configured() {
		// The only intentional discard in the pipeline.
		e.buf.releaseKeys(batch)
		e.logger.Warn("aiqa: no server URL configured, dropping spans", "count", len(batch))
		return nil
	}

	start := time.Now()
	var err error
	if final {
		err = e.snd.sendFinal(batch)
	} else {
		err = e.snd.send(ctx, batch)
	}

	if err != nil {
		if final {
			e.logger.Error("aiqa: final flush failed, spans lost",
				"error", err, "count", len(batch))
			return err
		}
		e.buf.restore(batch)
		if errors.Is(err, context.Canceled) && e.shutdownRequested.Load() {
			e.logger.Debug("aiqa: flush interrupted by shutdown, spans restored",
				"count", len(batch))
		} else {
			e.logger.Error("aiqa: flush failed, spans restored",
				"error", err, "count", len(batch))
		}
		return err
	}

	e.buf.releaseKeys(batch)
	e.logger.Info("aiqa: spans delivered",
		"count", len(batch),
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// run is the auto-flush loop. A cycle error is logged by the coordinator and
// the loop keeps going; the stop signal exits without flushing, because the
// shutdown sequence owns the final delivery.
func (e *Exporter) run(ctx context.Context) {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	e.logger.Debug("aiqa: auto-flush loop started", "interval", e.flushInterval)
	for {
		select {
		case <-e.stop:
			close(e.done)
			return
		case <-ticker.C:
			if err := e.Flush(ctx); err != nil {
				e.logger.Debug("aiqa: auto-flush cycle failed, will retry", "error", err)
			}
		}
	}
}

// Shutdown stops the flush loop and makes one final blocking delivery pass.
// The sequence: mark shutdown, stop the loop (bounded wait, warn on
// timeout), send what remains via the blocking path, log final occupancy,
// clear the buffer. Records that fail the final delivery are consciously
// abandoned. Idempotent: only the first call does work.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if !e.shutdownRequested.CompareAndSwap(false, true) {
		return nil
	}

	close(e.stop)
	e.cancelLoop() // aborts an in-flight scheduled send; its batch is restored

	select {
	case <-e.done:
	case <-ctx.Done():
		e.logger.Warn("aiqa: shutdown context done before flush loop stopped", "error", ctx.Err())
	case <-time.After(e.shutdownTimeout):
		e.logger.Warn("aiqa: timed out waiting for auto-flush loop to stop")
	}

	e.flushMu.Lock()
	err := e.flushLocked(context.Background(), true)
	e.flushMu.Unlock()

	// Occupancy is zero after a clean shutdown; anything else was abandoned.
	e.logger.Info("aiqa: exporter shutdown complete",
		"buffered", e.buf.size(),
		"tracked_keys", e.buf.trackedKeys(),
	)
	e.buf.clear()
	return err
}

// BufferLen returns the number of spans currently awaiting delivery.
func (e *Exporter) BufferLen() int {
	return e.buf.size()
}

// Duplicates returns the total number of spans skipped as duplicates.
func (e *Exporter) Duplicates() int64 {
	return e.buf.dupCount()
}
