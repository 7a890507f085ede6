// Package runs owns the pipeline runs started through the service: it
// assigns ids, bounds concurrency, publishes lifecycle events and evicts
// finished runs after a TTL.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rankpipe/internal/cache"
	"github.com/fyrsmithlabs/rankpipe/internal/logging"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

var (
	// ErrNotFound is returned for unknown or evicted run ids.
	ErrNotFound = errors.New("run not found")

	// ErrTooManyRuns is returned when MaxActive runs are still running.
	ErrTooManyRuns = errors.New("too many active runs")
)

const (
	// DefaultTTL is how long finished runs stay queryable.
	DefaultTTL = time.Hour
	// DefaultMaxActive bounds concurrently running pipelines.
	DefaultMaxActive = 16
	// DefaultSubjectPrefix prefixes every event subject.
	DefaultSubjectPrefix = "rankpipe.runs"
)

// Summary is the list view of a run.
type Summary struct {
	ID         string            `json:"id"`
	Query      string            `json:"query"`
	State      pipeline.RunState `json:"state"`
	Progress   string            `json:"pipeline_progress"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

type run struct {
	id       string
	query    string
	created  time.Time
	finished time.Time
	runner   *pipeline.Runner
}

// Manager tracks runs in memory.
type Manager struct {
	catalog   *pipeline.Catalog
	cache     cache.Backend
	pub       Publisher
	prefix    string
	ttl       time.Duration
	maxActive int
	logger    *logging.Logger
	now       func() time.Time

	submitted metric.Int64Counter
	active    metric.Int64UpDownCounter

	mu   sync.Mutex
	runs map[string]*run
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache shares b between all runs.
func WithCache(b cache.Backend) Option {
	return func(m *Manager) { m.cache = b }
}

// WithPublisher enables run events. A nil publisher disables them.
func WithPublisher(p Publisher, subjectPrefix string) Option {
	return func(m *Manager) {
		m.pub = p
		if subjectPrefix != "" {
			m.prefix = subjectPrefix
		}
	}
}

// WithTTL sets how long finished runs are kept.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMaxActive bounds the number of running pipelines.
func WithMaxActive(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxActive = n
		}
	}
}

// WithLogger sets the manager logger, also handed to every runner.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMeter records run counters on meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) { m.initMetrics(meter) }
}

// NewManager returns a manager building steps from catalog.
func NewManager(catalog *pipeline.Catalog, opts ...Option) *Manager {
	m := &Manager{
		catalog:   catalog,
		prefix:    DefaultSubjectPrefix,
		ttl:       DefaultTTL,
		maxActive: DefaultMaxActive,
		logger:    logging.FromContext(context.Background()),
		now:       time.Now,
		runs:      make(map[string]*run),
	}
	m.initMetrics(otel.Meter("rankpipe.runs"))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) initMetrics(meter metric.Meter) {
	var err error
	if m.submitted, err = meter.Int64Counter("runs.submitted",
		metric.WithDescription("Pipeline runs accepted by the manager")); err != nil {
		m.logger.Warn(context.Background(), "creating runs.submitted counter", zap.Error(err))
	}
	if m.active, err = meter.Int64UpDownCounter("runs.active",
		metric.WithDescription("Pipeline runs currently executing")); err != nil {
		m.logger.Warn(context.Background(), "creating runs.active counter", zap.Error(err))
	}
}

// Submit validates spec, starts it on its own worker and returns the run id.
// Unknown steps fail here; step parameters are checked when each step
// starts.
func (m *Manager) Submit(ctx context.Context, spec pipeline.Spec) (string, error) {
	id := uuid.New().String()

	m.mu.Lock()
	m.evictLocked()
	if m.activeLocked() >= m.maxActive {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: limit is %d", ErrTooManyRuns, m.maxActive)
	}

	ev := &events{
		pub:    m.pub,
		prefix: m.prefix,
		runID:  id,
		query:  spec.Query,
		logger: m.logger,
		now:    m.now,
		ended:  func(st pipeline.Status) { m.finished(id, st) },
	}
	logger := m.logger.With(zap.String("run.id", id))
	runner, err := pipeline.NewRunner(m.catalog, spec,
		pipeline.WithRunCache(m.cache),
		pipeline.WithLogger(logger),
		pipeline.WithObserver(ev),
	)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	r := &run{id: id, query: spec.Query, created: m.now(), runner: runner}
	m.runs[id] = r
	m.mu.Unlock()

	// The run outlives the request that submitted it.
	runCtx := logging.WithLogger(logging.WithRunID(context.WithoutCancel(ctx), id), logger)
	ev.started()
	m.add(runCtx, m.submitted, 1)
	m.add(runCtx, m.active, 1)
	if err := runner.Start(runCtx); err != nil {
		m.mu.Lock()
		delete(m.runs, id)
		m.mu.Unlock()
		return "", err
	}
	logger.Info(runCtx, "pipeline run submitted",
		zap.String("query", spec.Query),
		zap.Int("steps", len(spec.Steps)),
	)
	return id, nil
}

func (m *Manager) add(ctx context.Context, c interface {
	Add(context.Context, int64, ...metric.AddOption)
}, n int64) {
	if c != nil {
		c.Add(ctx, n, metric.WithAttributes(attribute.String("service", "rankpipe")))
	}
}

// finished is the RunEnded hook of every run.
func (m *Manager) finished(id string, st pipeline.Status) {
	m.mu.Lock()
	if r, ok := m.runs[id]; ok {
		r.finished = m.now()
	}
	m.mu.Unlock()
	m.add(context.Background(), m.active, -1)
}

// Get returns the merged status of run id.
func (m *Manager) Get(id string) (pipeline.Status, error) {
	r, err := m.lookup(id)
	if err != nil {
		return pipeline.Status{}, err
	}
	return r.runner.Status(), nil
}

// Cancel requests cooperative cancellation of run id and waits until the
// worker has observed it. Cancelling a finished run is a no-op.
func (m *Manager) Cancel(id string) (pipeline.Status, error) {
	r, err := m.lookup(id)
	if err != nil {
		return pipeline.Status{}, err
	}
	if !r.runner.Status().State.Terminal() {
		r.runner.Cancel()
	}
	return r.runner.Status(), nil
}

// Wait blocks until run id has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (pipeline.Status, error) {
	r, err := m.lookup(id)
	if err != nil {
		return pipeline.Status{}, err
	}
	select {
	case <-r.runner.Done():
		return r.runner.Status(), nil
	case <-ctx.Done():
		return r.runner.Status(), ctx.Err()
	}
}

// List returns all known runs, oldest first.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	m.evictLocked()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(runs))
	for _, r := range runs {
		st := r.runner.Status()
		s := Summary{
			ID:        r.id,
			Query:     r.query,
			State:     st.State,
			Progress:  st.PipelineProgress,
			CreatedAt: r.created,
		}
		if fin := m.finishedAt(r); !fin.IsZero() {
			s.FinishedAt = &fin
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Shutdown cancels every running pipeline and waits for the workers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, r := range runs {
			wg.Add(1)
			go func(r *run) {
				defer wg.Done()
				r.runner.Cancel()
			}(r)
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs to stop: %w", ctx.Err())
	}
}

func (m *Manager) lookup(id string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

func (m *Manager) finishedAt(r *run) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.finished
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, r := range m.runs {
		if r.finished.IsZero() {
			n++
		}
	}
	return n
}

func (m *Manager) evictLocked() {
	cutoff := m.now().Add(-m.ttl)
	for id, r := range m.runs {
		if !r.finished.IsZero() && r.finished.Before(cutoff) {
			delete(m.runs, id)
		}
	}
}
