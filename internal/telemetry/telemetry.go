package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the trace and meter providers of a rankpipe process.
//
// Exporter failures never fail startup: the affected signal falls back to
// the global no-op provider and the reason is kept in Degraded.
type Telemetry struct {
	config *Config

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logProvider    log.LoggerProvider

	mu       sync.Mutex
	degraded []string
	closed   bool
}

// Option customizes New.
type Option func(*options)

type options struct {
	spanProcessor sdktrace.SpanProcessor
	metricReader  sdkmetric.Reader
	global        bool
}

// WithSpanProcessor replaces the OTLP span exporter, e.g. with a
// tracetest.SpanRecorder.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.spanProcessor = sp }
}

// WithMetricReader replaces the OTLP periodic reader, e.g. with a
// ManualReader.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.metricReader = r }
}

// withoutGlobals keeps the providers out of the otel globals.
func withoutGlobals() Option {
	return func(o *options) { o.global = false }
}

// New validates cfg and builds the providers. A disabled config yields an
// instance whose Tracer and Meter delegate to the globals.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	o := options{global: true}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Telemetry{config: cfg}
	if !cfg.Enabled {
		return t, nil
	}
	res := newResource(cfg)

	sp := o.spanProcessor
	if sp == nil {
		exp, err := newSpanExporter(ctx, cfg)
		if err != nil {
			t.setDegraded("traces: %v", err)
		} else {
			sp = sdktrace.NewBatchSpanProcessor(exp)
		}
	}
	if sp != nil {
		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(sp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(newSampler(cfg.SampleRate)),
		)
	}

	reader := o.metricReader
	if reader == nil && cfg.MetricsInterval > 0 {
		r, err := newMetricReader(ctx, cfg)
		if err != nil {
			t.setDegraded("metrics: %v", err)
		} else {
			reader = r
		}
	}
	if reader != nil {
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
	}

	if o.global {
		if t.tracerProvider != nil {
			otel.SetTracerProvider(t.tracerProvider)
		}
		if t.meterProvider != nil {
			otel.SetMeterProvider(t.meterProvider)
		}
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}
	return t, nil
}

// Tracer returns a tracer for the instrumentation scope name.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter for the instrumentation scope name.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// LoggerProvider returns the provider for the otelzap bridge, or nil.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return nil
	}
	return t.logProvider
}

// SetLoggerProvider installs a log provider for the otelzap bridge.
func (t *Telemetry) SetLoggerProvider(lp log.LoggerProvider) {
	if t != nil {
		t.logProvider = lp
	}
}

// IsEnabled reports whether telemetry is configured and not shut down.
func (t *Telemetry) IsEnabled() bool {
	if t == nil || t.config == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config.Enabled && !t.closed
}

// Degraded lists the signals that failed to initialize.
func (t *Telemetry) Degraded() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.degraded...)
}

// ForceFlush exports all pending spans and metrics.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace flush: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter flush: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops the providers. Without a deadline on ctx the
// configured shutdown_timeout applies. Calling it twice is a no-op.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout.OrDefault(NewDefaultConfig().ShutdownTimeout.Duration()))
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telemetry) setDegraded(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.degraded = append(t.degraded, fmt.Sprintf(format, args...))
}
