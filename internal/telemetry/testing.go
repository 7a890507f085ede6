package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory. It never touches the
// otel globals, so tests using it can run in parallel.
type TestTelemetry struct {
	*Telemetry

	Recorder *tracetest.SpanRecorder
	Reader   *sdkmetric.ManualReader
}

// NewTestTelemetry returns an enabled in-memory instance.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	tel, err := New(context.Background(), cfg,
		WithSpanProcessor(rec),
		WithMetricReader(reader),
		withoutGlobals(),
	)
	if err != nil {
		panic(err) // default config is valid
	}
	return &TestTelemetry{Telemetry: tel, Recorder: rec, Reader: reader}
}

// SpanNames returns the names of ended spans in end order.
func (t *TestTelemetry) SpanNames() []string {
	spans := t.Recorder.Ended()
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}
	return names
}

// Span returns the first ended span called name.
func (t *TestTelemetry) Span(name string) (sdktrace.ReadOnlySpan, bool) {
	for _, s := range t.Recorder.Ended() {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Int64Sum collects metrics and returns the total of every data point of
// the int64 counter or up-down counter name. Missing metrics fail tb.
func (t *TestTelemetry) Int64Sum(tb testing.TB, name string) int64 {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.Reader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collecting metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				tb.Fatalf("metric %s is %T, not an int64 sum", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	tb.Fatalf("metric %s not recorded", name)
	return 0
}
