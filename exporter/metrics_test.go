package exporter

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func gaugeValue(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			gauge, ok := m.Data.(metricdata.Gauge[int64])
			if !ok || len(gauge.DataPoints) == 0 {
				return 0, false
			}
			return gauge.DataPoints[0].Value, true
		}
	}
	return 0, false
}

func TestExporterGaugesObserveBufferHealth(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	defer otel.SetMeterProvider(prev)

	e := New(Config{FlushInterval: time.Hour, Logger: testLogger()})
	defer func() { _ = e.Shutdown(context.Background()) }()

	ctx := context.Background()
	_ = e.ExportSpans(ctx, []sdktrace.ReadOnlySpan{stubSpan(t, "a", 1, 1), stubSpan(t, "b", 1, 2)})
	_ = e.ExportSpans(ctx, []sdktrace.ReadOnlySpan{stubSpan(t, "a", 1, 1)})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if v, ok := gaugeValue(rm, "aiqa.exporter.buffered_spans"); !ok || v != 2 {
		t.Errorf("buffered_spans gauge: got %d (found=%v)", v, ok)
	}
	if v, ok := gaugeValue(rm, "aiqa.exporter.duplicate_spans_total"); !ok || v != 1 {
		t.Errorf("duplicate_spans_total gauge: got %d (found=%v)", v, ok)
	}
}
