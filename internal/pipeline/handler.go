// internal/pipeline/handler.go
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rankpipe/internal/cache"
	"github.com/fyrsmithlabs/rankpipe/internal/logging"
)

// LogEntry is one timestamped handler log line.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("2006-01-02 15:04:05"), e.Message)
}

// StepStatus is a point-in-time view of the handler.
type StepStatus struct {
	StepID     string    `json:"step_id"`
	Percentage float64   `json:"percentage"`
	Progress   string    `json:"progress"`
	Logs       []string  `json:"logs"`
	Warnings   []Warning `json:"warnings"`
}

// Handler carries per-run services for steps: progress, cooperative
// cancellation, the shared cache, logs and warnings.
//
// Progress, logs and warnings are read by status pollers while the worker
// writes them, so every access goes through mu.
type Handler struct {
	mu       sync.Mutex
	current  int
	total    int
	stepID   string
	stepCtx  context.Context
	logs     []LogEntry
	warnings []Warning

	cancel atomic.Bool
	hits   atomic.Int64
	misses atomic.Int64

	cache  cache.Backend
	logger *logging.Logger
	now    func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCache sets the cache backend. A nil backend disables caching.
func WithCache(b cache.Backend) HandlerOption {
	return func(h *Handler) { h.cache = b }
}

// WithHandlerLogger sets the logger log lines are mirrored to.
func WithHandlerLogger(l *logging.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates a handler for one run.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		total:   1,
		stepCtx: context.Background(),
		logger:  logging.FromContext(context.Background()),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Reset prepares the handler for the next step. Cache counters, logs and
// warnings are kept.
func (h *Handler) Reset(stepID string) {
	h.mu.Lock()
	h.current = 0
	h.total = 1
	h.stepID = stepID
	h.stepCtx = context.Background()
	h.mu.Unlock()
	h.cancel.Store(false)
}

// bind routes the step's log lines through ctx so they carry its trace,
// run and step ids. Reset unbinds.
func (h *Handler) bind(ctx context.Context) {
	h.mu.Lock()
	h.stepCtx = ctx
	h.mu.Unlock()
}

// logFields returns the context log lines are written with. The step id
// is added as a field only when ctx does not already carry it.
func (h *Handler) logFields(stepID string) (context.Context, []zap.Field) {
	h.mu.Lock()
	ctx := h.stepCtx
	h.mu.Unlock()
	if logging.StepIDFromContext(ctx) != "" {
		return ctx, nil
	}
	return ctx, []zap.Field{zap.String("step_id", stepID)}
}

// StepID returns the cache namespace of the current step.
func (h *Handler) StepID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stepID
}

// UpdateProgress sets progress. A zero total is treated as 1.
func (h *Handler) UpdateProgress(current, total int) {
	if total <= 0 {
		total = 1
	}
	h.mu.Lock()
	h.current = current
	h.total = total
	h.mu.Unlock()
}

// IncrementProgress advances progress by one unit.
func (h *Handler) IncrementProgress() {
	h.mu.Lock()
	h.current++
	h.mu.Unlock()
}

// Status returns a snapshot of progress, logs and warnings.
func (h *Handler) Status() StepStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := h.current
	if current > h.total {
		current = h.total
	}
	logs := make([]string, len(h.logs))
	for i, e := range h.logs {
		logs[i] = e.String()
	}
	warnings := make([]Warning, len(h.warnings))
	copy(warnings, h.warnings)

	return StepStatus{
		StepID:     h.stepID,
		Percentage: float64(current) * 100 / float64(h.total),
		Progress:   fmt.Sprintf("%d/%d", current, h.total),
		Logs:       logs,
		Warnings:   warnings,
	}
}

// Log appends a timestamped line to the run log.
func (h *Handler) Log(msg string) {
	h.mu.Lock()
	h.logs = append(h.logs, LogEntry{Time: h.now(), Message: msg})
	stepID := h.stepID
	h.mu.Unlock()

	ctx, fields := h.logFields(stepID)
	h.logger.Info(ctx, msg, fields...)
}

// Logf formats and appends a log line.
func (h *Handler) Logf(format string, args ...any) {
	h.Log(fmt.Sprintf(format, args...))
}

// Warn records a structured warning without interrupting the step.
func (h *Handler) Warn(w Warning) {
	h.mu.Lock()
	if w.Step == "" {
		w.Step = h.stepID
	}
	h.warnings = append(h.warnings, w)
	h.mu.Unlock()

	ctx, fields := h.logFields(w.Step)
	h.logger.Warn(ctx, w.Message, append(fields, zap.String("warning_kind", string(w.Kind)))...)
}

// Logs returns the accumulated log lines.
func (h *Handler) Logs() []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]LogEntry, len(h.logs))
	copy(out, h.logs)
	return out
}

// Warnings returns the accumulated warnings.
func (h *Handler) Warnings() []Warning {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Warning, len(h.warnings))
	copy(out, h.warnings)
	return out
}

// Cancel requests cooperative cancellation.
func (h *Handler) Cancel() {
	h.cancel.Store(true)
}

// ShouldCancel reports whether the current step should stop consuming work.
func (h *Handler) ShouldCancel() bool {
	return h.cancel.Load()
}

// CachingEnabled reports whether a cache backend is configured.
func (h *Handler) CachingEnabled() bool {
	return h.cache != nil
}

func (h *Handler) cacheKey(key string) string {
	return h.StepID() + ":" + key
}

// GetCache looks up key in the current step's namespace. Any backend
// failure counts as a miss; a disabled cache counts nothing.
func (h *Handler) GetCache(ctx context.Context, key string) (any, bool) {
	if h.cache == nil {
		return nil, false
	}
	raw, err := h.cache.Get(ctx, h.cacheKey(key))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			h.logger.Debug(ctx, "cache lookup failed", zap.Error(err))
		}
		h.misses.Add(1)
		return nil, false
	}
	v, err := decodeValue(raw)
	if err != nil {
		h.logger.Debug(ctx, "cache entry undecodable", zap.Error(err))
		h.misses.Add(1)
		return nil, false
	}
	h.hits.Add(1)
	return v, true
}

// PutCache stores value under key in the current step's namespace.
func (h *Handler) PutCache(ctx context.Context, key string, value any) {
	if h.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		h.logger.Debug(ctx, "cache value not encodable", zap.Error(err))
		return
	}
	if err := h.cache.Set(ctx, h.cacheKey(key), raw); err != nil {
		h.logger.Debug(ctx, "cache store failed", zap.Error(err))
	}
}

// CacheStats returns the cumulative hit and miss counters.
func (h *Handler) CacheStats() (hits, misses int64) {
	return h.hits.Load(), h.misses.Load()
}

// CacheHitRatio returns hits/(hits+misses), 0 without any lookups.
func (h *Handler) CacheHitRatio() float64 {
	hits, misses := h.CacheStats()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// String renders the handler log, one line per entry.
func (h *Handler) String() string {
	var b strings.Builder
	for _, e := range h.Logs() {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// decodeValue restores a cached JSON value. Integral numbers come back as int
// so cached and freshly computed cells compare equal.
func decodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, vv := range x {
			x[k] = normalizeNumbers(vv)
		}
		return x
	case []any:
		for i, vv := range x {
			x[i] = normalizeNumbers(vv)
		}
		return x
	default:
		return v
	}
}
