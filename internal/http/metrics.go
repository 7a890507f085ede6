package http

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/rankpipe/internal/http"

	// unmatchedRoute labels requests that hit no registered route, so
	// probing random paths cannot grow the label set.
	unmatchedRoute = "unmatched"
)

// requestMetrics records per-request instruments for the API.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
	runs     metric.Int64Counter
}

// newRequestMetrics creates the HTTP instruments on meter. A nil meter
// falls back to the global provider.
func newRequestMetrics(meter metric.Meter) (*requestMetrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	var m requestMetrics
	var errs []error
	var err error

	m.requests, err = meter.Int64Counter("rankpipe.http.requests",
		metric.WithDescription("HTTP requests by route, method and status class"),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	m.duration, err = meter.Float64Histogram("rankpipe.http.request.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 5))
	errs = append(errs, err)

	m.inFlight, err = meter.Int64UpDownCounter("rankpipe.http.in_flight",
		metric.WithDescription("Requests currently being served"),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	m.runs, err = meter.Int64Counter("rankpipe.http.runs_accepted",
		metric.WithDescription("Pipeline runs accepted through POST /api/v1/runs"),
		metric.WithUnit("{run}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

// middleware records every request once the handler returns. The error
// returned by next has not been rendered yet, so its status comes from
// the error itself.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			m.inFlight.Add(ctx, 1)
			defer m.inFlight.Add(ctx, -1)

			start := time.Now()
			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("http.route", routeLabel(c.Path())),
				attribute.String("http.method", c.Request().Method),
				attribute.String("http.status_class", statusClass(responseStatus(c, err))),
			)
			m.requests.Add(ctx, 1, attrs)
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			return err
		}
	}
}

// runAccepted counts a run that passed validation and was submitted.
func (m *requestMetrics) runAccepted(c echo.Context) {
	m.runs.Add(c.Request().Context(), 1)
}

// routeLabel maps echo's matched route template to a metric label. Raw
// paths never reach the label, only templates such as /api/v1/runs/:id.
func routeLabel(path string) string {
	if path == "" || path == "/*" {
		return unmatchedRoute
	}
	return path
}

func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return 500
}

// statusClass folds a status code into 1xx..5xx.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
