package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

func newStepsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "List every step type",
		Long: `List the step catalog. With --json the full descriptors, including
parameters and supported values, are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())
			return printSteps(cmd.OutOrStdout(), a.catalog.Infos(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full descriptors as JSON")
	return cmd
}

// printSteps writes infos grouped by category.
func printSteps(out io.Writer, infos []pipeline.Info, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	byCategory := map[string][]pipeline.Info{}
	for _, info := range infos {
		byCategory[info.Category] = append(byCategory[info.Category], info)
	}
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, c := range categories {
		fmt.Fprintf(w, "%s\n", c)
		for _, info := range byCategory[c] {
			fmt.Fprintf(w, "  %s\t%s\n", info.ID, info.Name)
		}
	}
	return w.Flush()
}
