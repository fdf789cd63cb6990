package main

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/sync/errgroup"

	aiqa "github.com/aiqa-dev/aiqa-go"
	"github.com/aiqa-dev/aiqa-go/internal/config"
)

var (
	serverURL    = pflag.String("server", "", "AIQA collector base URL (overrides AIQA_SERVER_URL)")
	apiKey       = pflag.String("api-key", "", "AIQA API key (overrides AIQA_API_KEY)")
	component    = pflag.String("component", "", "component tag stamped on every span (overrides AIQA_COMPONENT_TAG)")
	spanName     = pflag.String("name", "aiqa-emit.work", "base span name for emitted units")
	count        = pflag.Int("count", 10, "number of units of work to emit")
	concurrency  = pflag.Int("concurrency", 2, "how many units run in parallel")
	failEvery    = pflag.Int("fail-every", 0, "every Nth unit returns an error (0 disables)")
	stream       = pflag.Bool("stream", false, "also emit a streaming unit for every fifth span")
	otlpEndpoint = pflag.String("otlp", "", "emit to a plain OTLP HTTP endpoint instead of the AIQA exporter")
	otlpInsecure = pflag.Bool("insecure", false, "OTLP endpoints without TLS")
	metricsAddr  = pflag.String("metrics", "", "ship exporter health gauges to this OTLP HTTP metrics endpoint")
	logLevel     = pflag.String("log-level", "info", "log level: debug or info")
)

func main() {
	os.Exit(run0())
}

func run0() int {
	pflag.Parse()

	level := slog.LevelInfo
	if *logLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg := config.FromEnv()
	if *serverURL != "" {
		cfg.ServerURL = strings.TrimRight(*serverURL, "/")
	}
	if *apiKey != "" {
		cfg.APIKey = *apiKey
	}
	if *component != "" {
		cfg.ComponentTag = *component
	}

	runID := uuid.New().String()
	logger.Info("aiqa-emit starting",
		"version", aiqa.Version,
		"run_id", runID,
		"count", *count,
		"concurrency", *concurrency,
	)

	// The meter provider must be installed before the exporter registers
	// its gauges.
	if *metricsAddr != "" {
		mp, err := otlpMeterProvider(ctx, *metricsAddr, *otlpInsecure, cfg.ServiceName)
		if err != nil {
			return err
		}
		otel.SetMeterProvider(mp)
		defer func() { _ = mp.Shutdown(context.Background()) }()
		logger.Info("shipping metrics", "endpoint", *metricsAddr)
	}

	shutdown, err := setupPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := emit(ctx, logger, runID); err != nil {
		_ = shutdownWithTimeout(shutdown, cfg.ShutdownTimeout)
		return err
	}

	if err := shutdownWithTimeout(shutdown, cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("aiqa-emit finished", "emitted", *count)
	return nil
}

// setupPipeline installs the tracing pipeline: either the AIQA client or a
// plain OTLP exporter for collector-free testing. Returns its teardown.
func setupPipeline(ctx context.Context, cfg config.Config, logger *slog.Logger) (func(context.Context) error, error) {
	if *otlpEndpoint != "" {
		tp, err := otlpProvider(ctx, *otlpEndpoint, *otlpInsecure, cfg.ServiceName)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		if cfg.ComponentTag != "" {
			aiqa.SetComponentTag(cfg.ComponentTag)
		}
		logger.Info("using OTLP exporter", "endpoint", *otlpEndpoint)
		return tp.Shutdown, nil
	}

	// The emit tool needs a working collector up front, unlike the library.
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := aiqa.New(
		aiqa.WithLogger(logger),
		aiqa.WithServerURL(cfg.ServerURL),
		aiqa.WithAPIKey(cfg.APIKey),
		aiqa.WithServiceName(cfg.ServiceName),
		aiqa.WithComponentTag(cfg.ComponentTag),
	)
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, err
	}

	return func(sctx context.Context) error {
		exp := client.Exporter()
		err := client.Shutdown(sctx)
		if exp != nil {
			logger.Info("delivery summary",
				"undelivered", exp.BufferLen(),
				"duplicates", exp.Duplicates(),
			)
		}
		return err
	}, nil
}

func shutdownWithTimeout(shutdown func(context.Context) error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return shutdown(ctx)
}

type workRequest struct {
	Seq    int    `json:"seq"`
	RunID  string `json:"run_id"`
	Prompt string `json:"prompt"`
}

type workResult struct {
	Answer string `json:"answer"`
	Score  int    `json:"score"`
}

// processUnit is the demo unit of work: it echoes the prompt back upper-cased
// and tags the span the way an LLM-backed unit would.
func processUnit(ctx context.Context, req workRequest) (workResult, error) {
	aiqa.SetSpanAttribute(ctx, "emit.run_id", req.RunID)
	aiqa.SetProviderAndModel(ctx, "aiqa-demo", "echo-1")

	answer := strings.ToUpper(req.Prompt)
	aiqa.SetTokenUsage(ctx, len(req.Prompt), len(answer), len(req.Prompt)+len(answer))

	if *failEvery > 0 && (req.Seq+1)%*failEvery == 0 {
		return workResult{}, fmt.Errorf("synthetic failure on unit %d", req.Seq)
	}
	return workResult{Answer: answer, Score: len(answer)}, nil
}

func emit(ctx context.Context, logger *slog.Logger, runID string) error {
	unit := aiqa.Traced(processUnit, aiqa.WithSpanName(*spanName))
	tokens := aiqa.TracedSeq(func(_ context.Context, n int) iter.Seq[string] {
		return func(yield func(string) bool) {
			for i := 0; i < n; i++ {
				if !yield(fmt.Sprintf("token-%02d", i)) {
					return
				}
			}
		}
	}, aiqa.WithSpanName(*spanName+".stream"))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for i := 0; i < *count; i++ {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			req := workRequest{
				Seq:    i,
				RunID:  runID,
				Prompt: fmt.Sprintf("unit of work %d", i),
			}
			if _, err := unit(gctx, req); err != nil {
				// Synthetic failures are recorded on the span; keep going.
				logger.Debug("unit failed", "seq", i, "error", err)
			}
			if *stream && i%5 == 0 {
				n := 0
				for range tokens(gctx, 12) {
					n++
				}
				logger.Debug("stream consumed", "seq", i, "tokens", n)
			}
			return nil
		})
	}
	return g.Wait()
}

func emitResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(aiqa.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func otlpProvider(ctx context.Context, endpoint string, insecure bool, serviceName string) (*sdktrace.TracerProvider, error) {
	res, err := emitResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	), nil
}

func otlpMeterProvider(ctx context.Context, endpoint string, insecure bool, serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := emitResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	), nil
}
