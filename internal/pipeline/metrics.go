// internal/pipeline/metrics.go
package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for pipeline execution.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
}

// NewMetrics registers pipeline metrics once per process.
//
// Metrics:
//   - rankpipe_runs_total{state}
//   - rankpipe_step_duration_seconds{step,outcome}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rankpipe_runs_total",
					Help: "Total number of pipeline runs by final state",
				},
				[]string{"state"},
			),
			StepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "rankpipe_step_duration_seconds",
					Help:    "Duration of pipeline step execution in seconds",
					Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4m
				},
				[]string{"step", "outcome"},
			),
		}
	})
	return globalMetrics
}
