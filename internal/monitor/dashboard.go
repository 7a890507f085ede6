package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

const (
	historySize    = 30
	requestTimeout = 5 * time.Second
)

// RunClient fetches and cancels runs. *Client implements it.
type RunClient interface {
	Run(ctx context.Context, id string) (pipeline.Status, error)
	Cancel(ctx context.Context, id string) (pipeline.Status, error)
}

// Model represents the BubbleTea run monitor model
type Model struct {
	client       RunClient
	server       string
	runID        string
	interval     time.Duration
	exitOnFinish bool

	lastUpdate time.Time
	status     pipeline.Status
	hasStatus  bool
	err        error
	quitting   bool

	history []float64 // step percentage samples, oldest first

	pipelineBar progress.Model
	stepBar     progress.Model
}

// NewModel creates a monitor for run runID served at server.
func NewModel(client RunClient, server, runID string, interval time.Duration) Model {
	return Model{
		client:      client,
		server:      server,
		runID:       runID,
		interval:    interval,
		pipelineBar: newBar("#00ff00"),
		stepBar:     newBar("#ff00ff"),
	}
}

// ExitOnFinish makes the program quit once the run reaches a terminal state.
func (m Model) ExitOnFinish() Model {
	m.exitOnFinish = true
	return m
}

// Status returns the last fetched status.
func (m Model) Status() (pipeline.Status, bool) {
	return m.status, m.hasStatus
}

// record adds a step percentage sample, dropping the oldest beyond
// historySize.
// Models are copied by value, so the slice is rebuilt rather than shifted.
func (m *Model) record(pct float64) {
	h := m.history
	if len(h) >= historySize {
		h = h[len(h)-historySize+1:]
	}
	m.history = append(append(make([]float64, 0, historySize), h...), pct)
}

// Message types
type tickMsg time.Time
type statusMsg pipeline.Status
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStatus(m.client, m.runID),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchStatus polls the run status.
func fetchStatus(client RunClient, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		st, err := client.Run(ctx, id)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(st)
	}
}

// cancelRun requests cooperative cancellation.
func cancelRun(client RunClient, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		st, err := client.Cancel(ctx, id)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(st)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.client, m.runID)
		case "c":
			if m.hasStatus && m.status.Finished {
				return m, nil
			}
			return m, cancelRun(m.client, m.runID)
		}

	case tickMsg:
		// Finished runs no longer change.
		if m.hasStatus && m.status.Finished {
			return m, nil
		}
		return m, tea.Batch(
			tick(m.interval),
			fetchStatus(m.client, m.runID),
		)

	case statusMsg:
		st := pipeline.Status(msg)
		m.record(st.Step.Percentage)
		m.status = st
		m.hasStatus = true
		m.lastUpdate = time.Now()
		m.err = nil
		if st.Finished && m.exitOnFinish {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}
