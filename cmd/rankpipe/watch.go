package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/rankpipe/internal/monitor"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
	"github.com/fyrsmithlabs/rankpipe/internal/sanitize"
)

func newWatchCmd() *cobra.Command {
	var (
		server   string
		interval time.Duration
		exit     bool
	)
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run in a terminal dashboard",
		Long: `Follow a run started on a rankpipe server. Shows pipeline and step
progress, the step log and warnings, and the result summary once the run
has finished.

Keys: q quit, r refresh, c cancel the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sanitize.ValidateRunID(args[0]); err != nil {
				return err
			}
			client := monitor.NewClient(server)
			model := monitor.NewModel(client, server, args[0], interval)
			if exit {
				model = model.ExitOnFinish()
			}

			final, err := tea.NewProgram(model, tea.WithContext(cmd.Context())).Run()
			if err != nil {
				return fmt.Errorf("running dashboard: %w", err)
			}
			if m, ok := final.(monitor.Model); ok {
				if st, ok := m.Status(); ok && st.State == pipeline.RunFailed {
					return fmt.Errorf("run failed: %s", st.Error)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "rankpipe server URL")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
	cmd.Flags().BoolVar(&exit, "exit", false, "quit once the run has finished")
	return cmd
}
