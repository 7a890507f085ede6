// Package http provides the HTTP API for rankpipe.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rankpipe/internal/logging"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
	"github.com/fyrsmithlabs/rankpipe/internal/runs"
	"github.com/fyrsmithlabs/rankpipe/internal/sanitize"
)

// RunService starts and tracks pipeline runs. *runs.Manager implements it.
type RunService interface {
	Submit(ctx context.Context, spec pipeline.Spec) (string, error)
	Get(id string) (pipeline.Status, error)
	Cancel(id string) (pipeline.Status, error)
	List() []runs.Summary
}

// Server provides HTTP endpoints for rankpipe.
type Server struct {
	echo    *echo.Echo
	catalog *pipeline.Catalog
	runs    RunService
	logger  *zap.Logger
	config  *Config
	metrics *requestMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string

	// Meter receives request instruments. Nil uses the global provider.
	Meter metric.Meter
}

// requestValidator adapts validator/v10 to echo.Validator.
type requestValidator struct {
	v *validator.Validate
}

func (rv *requestValidator) Validate(i any) error {
	return rv.v.Struct(i)
}

// NewServer creates a new HTTP server.
func NewServer(catalog *pipeline.Catalog, svc RunService, logger *zap.Logger, cfg *Config) (*Server, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}
	if svc == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	metrics, err := newRequestMetrics(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating request metrics: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New(validator.WithRequiredStructEnabled())}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestContext)
	e.Use(metrics.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		catalog: catalog,
		runs:    svc,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// requestContext attaches the request id to the request context, so runs
// submitted by the request log it. Ids the logging package rejects are
// left out.
func requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if id := c.Response().Header().Get(echo.HeaderXRequestID); logging.ValidID(id) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		}
		return next(c)
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/steps", s.handleSteps)
	v1.GET("/runs", s.handleListRuns)
	v1.POST("/runs", s.handleSubmitRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/cancel", s.handleCancelRun)
}

// Echo exposes the router for additional routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// handleHealth reports liveness and run counts.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.config.Version,
		Runs:    CountRuns(s.runs.List()),
	})
}

// handleSteps lists the step catalog grouped by category.
func (s *Server) handleSteps(c echo.Context) error {
	resp := StepsResponse{Categories: map[string][]pipeline.Info{}}
	for _, info := range s.catalog.Infos() {
		resp.Categories[info.Category] = append(resp.Categories[info.Category], info)
		resp.Total++
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, RunListResponse{Runs: s.runs.List()})
}

// handleSubmitRun validates the definition and starts the run.
func (s *Server) handleSubmitRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := s.runs.Submit(c.Request().Context(), req.Spec())
	if err != nil {
		return s.runError(err)
	}
	s.metrics.runAccepted(c)
	return c.JSON(http.StatusAccepted, RunCreatedResponse{ID: id})
}

// runID reads and validates the :id path parameter.
func runID(c echo.Context) (string, error) {
	id := c.Param("id")
	if err := sanitize.ValidateRunID(id); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return id, nil
}

func (s *Server) handleGetRun(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	st, err := s.runs.Get(id)
	if err != nil {
		return s.runError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	st, err := s.runs.Cancel(id)
	if err != nil {
		return s.runError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// runError maps run service errors to HTTP errors.
func (s *Server) runError(err error) error {
	switch {
	case errors.Is(err, runs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, runs.ErrTooManyRuns):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, pipeline.ErrUnknownStep), errors.Is(err, pipeline.ErrInvalidSpec), errors.Is(err, pipeline.ErrConfig):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("run service failure", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
