package exporter

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// registerMetrics registers observable OTEL gauges for pipeline health
// monitoring. Called from New; with no meter provider installed the no-op
// provider absorbs them.
func (e *Exporter) registerMetrics() {
	meter := otel.Meter("aiqa/exporter")

	_, _ = meter.Int64ObservableGauge("aiqa.exporter.buffered_spans",
		metric.WithDescription("Current number of spans awaiting delivery"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.buf.size()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("aiqa.exporter.duplicate_spans_total",
		metric.WithDescription("Total spans skipped as already-admitted duplicates"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.buf.dupCount())
			return nil
		}),
	)
}
