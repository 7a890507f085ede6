// internal/pipeline/runner.go
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rankpipe/internal/cache"
	"github.com/fyrsmithlabs/rankpipe/internal/logging"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/rankpipe/internal/pipeline")

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunCreated   RunState = "created"
	RunRunning   RunState = "running"
	RunFinished  RunState = "finished"
	RunCancelled RunState = "cancelled"
	RunFailed    RunState = "failed"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunFinished || s == RunCancelled || s == RunFailed
}

// StepSpec is one configured step.
type StepSpec struct {
	ID         string `json:"id" yaml:"id"`
	Parameters Params `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Spec is a pipeline definition. Step keys are integer positions; steps run
// in ascending key order.
type Spec struct {
	Query     string              `json:"query" yaml:"query"`
	Arguments map[string]any      `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Steps     map[string]StepSpec `json:"pipeline" yaml:"pipeline"`
}

// Result is the serialized outcome of a finished run.
type Result struct {
	Documents      []map[string]any `json:"documents"`
	Aggregated     map[string]any   `json:"aggregated"`
	Columns        []ColumnMeta     `json:"columns"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	CacheHitRatio  float64          `json:"cache_hit_ratio"`
}

// Status is the merged, poll-able view of a run.
type Status struct {
	State              RunState   `json:"state"`
	Finished           bool       `json:"finished"`
	CurrentStep        int        `json:"current_step"`
	CurrentStepName    string     `json:"current_step_name,omitempty"`
	TotalSteps         int        `json:"total_steps"`
	PipelinePercentage float64    `json:"pipeline_percentage"`
	PipelineProgress   string     `json:"pipeline_progress"`
	Step               StepStatus `json:"step"`
	Error              string     `json:"error,omitempty"`
	Result             *Result    `json:"result,omitempty"`
}

// Observer receives run lifecycle callbacks on the worker goroutine.
type Observer interface {
	StepStarted(index int, info Info)
	RunEnded(status Status)
}

type plannedStep struct {
	position int
	spec     StepSpec
	info     Info
}

// Runner executes one pipeline spec on a dedicated worker goroutine.
type Runner struct {
	catalog  *Catalog
	plan     []plannedStep
	state    *State
	handler  *Handler
	logger   *logging.Logger
	observer Observer
	metrics  *Metrics

	mu        sync.Mutex
	runState  RunState
	current   int
	completed int
	errMsg    string
	started   time.Time
	elapsed   time.Duration
	cancelReq bool
	done      chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunCache sets the cache backend for the run's handler.
func WithRunCache(b cache.Backend) RunnerOption {
	return func(r *Runner) { r.handler.cache = b }
}

// WithLogger sets the runner logger.
func WithLogger(l *logging.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
			r.handler.logger = l
		}
	}
}

// WithObserver registers lifecycle callbacks.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// NewRunner validates spec against catalog. Unknown step ids and malformed
// position keys are rejected here, before any work starts.
func NewRunner(catalog *Catalog, spec Spec, opts ...RunnerOption) (*Runner, error) {
	plan := make([]plannedStep, 0, len(spec.Steps))
	for key, st := range spec.Steps {
		pos, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("%w: step position %q is not an integer", ErrInvalidSpec, key)
		}
		info, ok := catalog.Lookup(st.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s (position %d)", ErrUnknownStep, st.ID, pos)
		}
		plan = append(plan, plannedStep{position: pos, spec: st, info: info})
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].position < plan[j].position })

	r := &Runner{
		catalog:  catalog,
		plan:     plan,
		state:    NewState(spec.Query, cloneArgs(spec.Arguments)),
		handler:  NewHandler(),
		logger:   logging.FromContext(context.Background()),
		metrics:  NewMetrics(),
		runState: RunCreated,
		current:  -1,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// Handler returns the run's step handler.
func (r *Runner) Handler() *Handler {
	return r.handler
}

// Start begins execution asynchronously. Cancelling ctx requests
// cooperative cancellation.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.runState != RunCreated {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.runState = RunRunning
	r.started = time.Now()
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			r.requestCancel()
		case <-r.done:
		}
	}()
	go r.run(ctx)
	return nil
}

// Run executes synchronously and returns the final status.
func (r *Runner) Run(ctx context.Context) (Status, error) {
	if err := r.Start(ctx); err != nil {
		return Status{}, err
	}
	r.Wait()
	return r.Status(), nil
}

// Wait blocks until the worker has returned.
func (r *Runner) Wait() {
	<-r.done
}

// Done is closed when the worker returns.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Cancel requests cooperative cancellation and waits for the worker to
// observe it. A run that never started is marked cancelled directly.
func (r *Runner) Cancel() {
	r.mu.Lock()
	if r.runState == RunCreated {
		r.runState = RunCancelled
		r.cancelReq = true
		r.mu.Unlock()
		close(r.done)
		return
	}
	r.mu.Unlock()

	r.requestCancel()
	r.Wait()
}

func (r *Runner) requestCancel() {
	r.mu.Lock()
	r.cancelReq = true
	r.mu.Unlock()
	r.handler.Cancel()
}

func (r *Runner) cancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelReq
}

// State returns the pipeline state. Only safe to read after Wait.
func (r *Runner) State() *State {
	return r.state
}

func (r *Runner) run(ctx context.Context) {
	final := RunFinished
	defer func() {
		r.mu.Lock()
		r.runState = final
		r.elapsed = time.Since(r.started)
		r.mu.Unlock()
		r.metrics.RunsTotal.WithLabelValues(string(final)).Inc()
		r.logger.Info(ctx, "pipeline run ended",
			zap.String("state", string(final)),
			zap.Int("steps_completed", r.completedSteps()),
			zap.Float64("cache_hit_ratio", r.handler.CacheHitRatio()),
		)
		if r.observer != nil {
			r.observer.RunEnded(r.snapshot())
		}
		close(r.done)
	}()

	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("step_count", len(r.plan)))

	for i, ps := range r.plan {
		if r.cancelRequested() {
			final = RunCancelled
			return
		}

		r.mu.Lock()
		r.current = i
		r.mu.Unlock()

		r.handler.Reset(ps.info.ID)
		if r.cancelRequested() {
			r.handler.Cancel()
		}
		if r.observer != nil {
			r.observer.StepStarted(i, ps.info)
		}

		if err := r.runStep(ctx, ps); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.mu.Lock()
			r.errMsg = err.Error()
			r.mu.Unlock()
			final = RunFailed
			return
		}

		r.mu.Lock()
		r.completed = i + 1
		r.mu.Unlock()

		if r.handler.ShouldCancel() || r.cancelRequested() {
			final = RunCancelled
			return
		}
	}
	span.SetStatus(codes.Ok, "success")
}

// runStep instantiates and executes one step. Panics are converted to
// errors and logged with the panicking goroutine's stack.
func (r *Runner) runStep(ctx context.Context, ps plannedStep) (err error) {
	ctx, span := tracer.Start(ctx, "pipeline.Step")
	defer span.End()
	span.SetAttributes(
		attribute.String("step_id", ps.info.ID),
		attribute.Int("position", ps.position),
	)
	if logging.ValidID(ps.info.ID) {
		ctx = logging.WithStepID(ctx, ps.info.ID)
	}
	r.handler.bind(ctx)

	start := time.Now()
	stack := ""
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step %s panicked: %v", ps.info.ID, p)
			stack = string(debug.Stack())
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			fields := []zap.Field{
				zap.String("step_id", ps.info.ID),
				zap.Int("position", ps.position),
				zap.String("error_type", fmt.Sprintf("%T", err)),
				zap.Error(err),
			}
			if stack != "" {
				fields = append(fields, zap.String("stack", stack))
			}
			r.logger.Error(ctx, "pipeline step failed", fields...)
			r.handler.Logf("step %s failed: %v", ps.info.Name, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.metrics.StepDuration.WithLabelValues(ps.info.ID, outcome).Observe(time.Since(start).Seconds())
	}()

	step, err := r.catalog.Build(ps.spec.ID, ps.spec.Parameters)
	if err != nil {
		return fmt.Errorf("building step %s: %w", ps.info.ID, err)
	}

	r.logger.Debug(ctx, "running pipeline step",
		zap.String("step_id", ps.info.ID),
		zap.Int("position", ps.position),
	)
	if err := step.Transform(ctx, r.state, r.handler); err != nil {
		return fmt.Errorf("step %s: %w", ps.info.ID, err)
	}
	return nil
}

func (r *Runner) completedSteps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Status returns the merged run view. The result is only attached once the
// run is terminal.
func (r *Runner) Status() Status {
	return r.snapshot()
}

func (r *Runner) snapshot() Status {
	r.mu.Lock()
	runState := r.runState
	current := r.current
	completed := r.completed
	errMsg := r.errMsg
	elapsed := r.elapsed
	if runState == RunRunning {
		elapsed = time.Since(r.started)
	}
	r.mu.Unlock()

	total := len(r.plan)
	st := Status{
		State:            runState,
		Finished:         runState.Terminal(),
		CurrentStep:      current,
		TotalSteps:       total,
		PipelineProgress: fmt.Sprintf("%d/%d", completed, total),
		Step:             r.handler.Status(),
		Error:            errMsg,
	}
	if total > 0 {
		st.PipelinePercentage = float64(completed) * 100 / float64(total)
	} else {
		st.PipelinePercentage = 100
	}
	if current >= 0 && current < total {
		st.CurrentStepName = r.plan[current].info.Name
	}

	// The worker sets the terminal state before invoking RunEnded and never
	// touches the pipeline state afterwards.
	if st.Finished {
		st.Result = &Result{
			Documents:      r.state.Table.Records(),
			Aggregated:     r.state.Aggregated,
			Columns:        r.state.Registry.Entries(),
			ElapsedSeconds: elapsed.Seconds(),
			CacheHitRatio:  r.handler.CacheHitRatio(),
		}
	}
	return st
}
