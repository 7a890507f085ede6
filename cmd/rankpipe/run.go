package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/rankpipe/internal/logging"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
	"github.com/fyrsmithlabs/rankpipe/internal/sanitize"
)

const maxSpecFileSize = 1024 * 1024 // 1MB

func newRunCmd() *cobra.Command {
	var (
		query  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Execute one pipeline and print its status",
		Long: `Execute the pipeline described by a YAML or JSON file and write the final
status, including the result documents, as JSON.

Example definition:

  query: solar eclipse
  pipeline:
    "0": {id: mosaic_datasource, parameters: {limit: "20", search_index: simplewiki}}
    "1": {id: tf_idf_reranker, parameters: {input_column: full_text}}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadSpec(args[0])
			if err != nil {
				return err
			}
			if query != "" {
				spec.Query = query
			}

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating output: %w", err)
				}
				defer f.Close()
				out = f
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, spec, out)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "override the query of the definition")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "result file, - for stdout")
	return cmd
}

// loadSpec reads a pipeline definition. JSON is valid YAML, so both formats
// go through the YAML decoder.
func loadSpec(path string) (pipeline.Spec, error) {
	clean, err := sanitize.ValidatePath(path, "")
	if err != nil {
		return pipeline.Spec{}, fmt.Errorf("pipeline definition: %w", err)
	}
	f, err := os.Open(clean)
	if err != nil {
		return pipeline.Spec{}, fmt.Errorf("opening pipeline definition: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxSpecFileSize+1))
	if err != nil {
		return pipeline.Spec{}, fmt.Errorf("reading pipeline definition: %w", err)
	}
	if len(data) > maxSpecFileSize {
		return pipeline.Spec{}, fmt.Errorf("pipeline definition %s exceeds %d bytes", path, maxSpecFileSize)
	}

	var spec pipeline.Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return pipeline.Spec{}, fmt.Errorf("parsing pipeline definition: %w", err)
	}
	if spec.Query == "" {
		return pipeline.Spec{}, fmt.Errorf("%w: query is required", pipeline.ErrInvalidSpec)
	}
	if len(spec.Steps) == 0 {
		return pipeline.Spec{}, fmt.Errorf("%w: pipeline has no steps", pipeline.ErrInvalidSpec)
	}
	return spec, nil
}

// runOnce executes spec in the foreground. Cancelling ctx cancels the run
// cooperatively; the partial status is still written.
func runOnce(ctx context.Context, spec pipeline.Spec, out io.Writer) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	runner, err := pipeline.NewRunner(a.catalog, spec,
		pipeline.WithRunCache(a.cache),
		pipeline.WithLogger(a.logger.Named("run")),
	)
	if err != nil {
		return err
	}

	runCtx := logging.WithLogger(context.WithoutCancel(ctx), a.logger)
	if err := runner.Start(runCtx); err != nil {
		return err
	}
	select {
	case <-runner.Done():
	case <-ctx.Done():
		a.logger.Warn(runCtx, "interrupted, cancelling run")
		runner.Cancel()
	}

	st := runner.Status()
	a.logger.Info(runCtx, "run ended",
		zap.String("state", string(st.State)),
		zap.String("progress", st.PipelineProgress))

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	if st.State == pipeline.RunFailed {
		return fmt.Errorf("run failed: %s", st.Error)
	}
	return nil
}
