package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for cache backends.
type Metrics struct {
	HitsTotal   *prometheus.CounterVec
	MissesTotal *prometheus.CounterVec
	ErrorsTotal *prometheus.CounterVec
	WritesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers cache metrics once per process.
//
// Metrics:
//   - rankpipe_cache_hits_total{backend}
//   - rankpipe_cache_misses_total{backend}
//   - rankpipe_cache_errors_total{backend,op}
//   - rankpipe_cache_writes_total{backend}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			HitsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rankpipe_cache_hits_total",
					Help: "Total number of step cache hits",
				},
				[]string{"backend"},
			),
			MissesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rankpipe_cache_misses_total",
					Help: "Total number of step cache misses",
				},
				[]string{"backend"},
			),
			ErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rankpipe_cache_errors_total",
					Help: "Total number of cache backend failures",
				},
				[]string{"backend", "op"},
			),
			WritesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rankpipe_cache_writes_total",
					Help: "Total number of cache writes",
				},
				[]string{"backend"},
			),
		}
	})
	return globalMetrics
}

type instrumented struct {
	Backend
	name    string
	metrics *Metrics
}

// WithMetrics wraps b so every access is counted under name.
func WithMetrics(b Backend, name string, m *Metrics) Backend {
	if b == nil || m == nil {
		return b
	}
	return &instrumented{Backend: b, name: name, metrics: m}
}

func (i *instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := i.Backend.Get(ctx, key)
	switch {
	case err == nil:
		i.metrics.HitsTotal.WithLabelValues(i.name).Inc()
	case errors.Is(err, ErrMiss):
		i.metrics.MissesTotal.WithLabelValues(i.name).Inc()
	default:
		i.metrics.ErrorsTotal.WithLabelValues(i.name, "get").Inc()
	}
	return v, err
}

func (i *instrumented) Set(ctx context.Context, key string, value []byte) error {
	err := i.Backend.Set(ctx, key, value)
	if err != nil {
		i.metrics.ErrorsTotal.WithLabelValues(i.name, "set").Inc()
		return err
	}
	i.metrics.WritesTotal.WithLabelValues(i.name).Inc()
	return nil
}
