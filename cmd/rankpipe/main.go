// Rankpipe runs configurable document ranking pipelines.
//
// A pipeline loads a result set from a search backend, pre-processes the
// text, attaches metadata, summarizes and reranks it. Pipelines are started
// through the HTTP API (rankpipe serve) or once from a definition file
// (rankpipe run).
//
// Configuration is read from an optional YAML file and RANKPIPE_* environment
// variables. A .env file in the working directory is loaded first.
//
// Usage:
//
//	# Start the HTTP API
//	rankpipe serve --config config.yaml
//
//	# Execute one pipeline and print the result
//	rankpipe run pipeline.yaml
//
//	# List every step type
//	rankpipe steps
//
//	# Follow a run submitted to the API
//	rankpipe watch 6f1c7a52-1b7e-4c55-9d55-0c8f5b7f2a10
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	envFile    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rankpipe",
		Short: "Configurable document ranking pipelines",
		Long: `rankpipe executes ranking pipelines: an ordered list of steps that load,
pre-process, annotate, summarize and rerank a set of documents.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RANKPIPE_CONFIG"), "path to the YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newStepsCmd())
	root.AddCommand(newIndexCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing default file is ignored.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rankpipe by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
