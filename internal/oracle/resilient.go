package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/rankpipe/internal/config"
	"github.com/fyrsmithlabs/rankpipe/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/rankpipe/internal/oracle"

// Resilient wraps an LLM with a rate limiter and a circuit breaker and
// records call latency.
type Resilient struct {
	next    LLM
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	logger  *logging.Logger

	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewResilient wraps next according to cfg. A zero rate limit disables
// limiting; a disabled breaker passes every call through.
func NewResilient(next LLM, cfg config.LLMConfig, logger *logging.Logger) *Resilient {
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}
	r := &Resilient{next: next, logger: logger}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.Breaker.Enabled {
		bc := cfg.Breaker
		r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llm",
			MaxRequests: bc.MaxRequests,
			Interval:    bc.Interval.Duration(),
			Timeout:     bc.Timeout.Duration(),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < bc.MinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= bc.FailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn(context.Background(), "oracle circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}

	meter := otel.Meter(instrumentationName)
	var err error
	r.calls, err = meter.Int64Counter(
		"rankpipe.oracle.calls_total",
		metric.WithDescription("Oracle calls by model and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create oracle call counter", zap.Error(err))
	}
	r.duration, err = meter.Float64Histogram(
		"rankpipe.oracle.duration_seconds",
		metric.WithDescription("Oracle call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create oracle duration histogram", zap.Error(err))
	}
	return r
}

// Supports implements LLM.
func (r *Resilient) Supports(model string) bool {
	return r.next.Supports(model)
}

// Generate implements LLM.
func (r *Resilient) Generate(ctx context.Context, req Request) (string, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter error: %w", err)
		}
	}

	start := time.Now()
	out, err := r.execute(ctx, req)
	r.record(ctx, req.Model, time.Since(start), err)
	return out, err
}

func (r *Resilient) execute(ctx context.Context, req Request) (string, error) {
	if r.cb == nil {
		return r.next.Generate(ctx, req)
	}
	resp, err := r.cb.Execute(func() (interface{}, error) {
		return r.next.Generate(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return "", err
	}
	return resp.(string), nil
}

func (r *Resilient) record(ctx context.Context, model string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	)
	if r.calls != nil {
		r.calls.Add(ctx, 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(ctx, d.Seconds(), attrs)
	}
}

var _ LLM = (*Resilient)(nil)
