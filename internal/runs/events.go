package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rankpipe/internal/config"
	"github.com/fyrsmithlabs/rankpipe/internal/logging"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

// Publisher sends one message. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect opens the NATS connection described by cfg. An empty URL returns
// a nil connection, which disables events.
func Connect(cfg config.EventsConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("rankpipe"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Event is the payload of every run event.
//
// Events are published to subjects:
//   - {prefix}.{run_id}.started
//   - {prefix}.{run_id}.step
//   - {prefix}.{run_id}.finished
type Event struct {
	RunID     string            `json:"run_id"`
	Query     string            `json:"query,omitempty"`
	State     pipeline.RunState `json:"state"`
	StepIndex int               `json:"step_index,omitempty"`
	StepID    string            `json:"step_id,omitempty"`
	StepName  string            `json:"step_name,omitempty"`
	Documents int               `json:"documents,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// events publishes the lifecycle of one run. Publish failures are logged
// and never fail the run.
type events struct {
	pub    Publisher
	prefix string
	runID  string
	query  string
	logger *logging.Logger
	now    func() time.Time

	// ended is called after the finished event.
	ended func(pipeline.Status)
}

func (e *events) publish(kind string, ev Event) {
	if e.pub == nil {
		return
	}
	ev.RunID = e.runID
	ev.Timestamp = e.now()
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn(context.Background(), "marshal run event", zap.String("event", kind), zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", e.prefix, e.runID, kind)
	if err := e.pub.Publish(subject, data); err != nil {
		e.logger.Warn(context.Background(), "publish run event",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

func (e *events) started() {
	e.publish("started", Event{Query: e.query, State: pipeline.RunRunning})
}

// StepStarted implements pipeline.Observer.
func (e *events) StepStarted(index int, info pipeline.Info) {
	e.publish("step", Event{
		State:     pipeline.RunRunning,
		StepIndex: index,
		StepID:    info.ID,
		StepName:  info.Name,
	})
}

// RunEnded implements pipeline.Observer.
func (e *events) RunEnded(status pipeline.Status) {
	ev := Event{State: status.State, Error: status.Error}
	if status.Result != nil {
		ev.Documents = len(status.Result.Documents)
	}
	e.publish("finished", ev)
	if e.ended != nil {
		e.ended(status)
	}
}
