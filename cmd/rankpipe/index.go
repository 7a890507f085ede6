package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rankpipe/internal/retrieval"
	"github.com/fyrsmithlabs/rankpipe/internal/sanitize"
)

const indexBatchSize = 64

// document is one line of an index input file.
type document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func newIndexCmd() *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "index <documents.jsonl>",
		Short: "Add documents to a vector store",
		Long: `Embed and add documents to the chromem or qdrant store so the
chromem_datasource and qdrant_datasource steps can retrieve them.

Each input line is a JSON object: {"id": "...", "content": "...", "metadata": {...}}.
Use - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				path, err := sanitize.ValidatePath(args[0], "")
				if err != nil {
					return fmt.Errorf("documents: %w", err)
				}
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("opening documents: %w", err)
				}
				defer f.Close()
				in = f
			}

			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			store, err := a.store(backend)
			if err != nil {
				return err
			}
			n, err := indexDocuments(cmd.Context(), in, store)
			if err != nil {
				return err
			}
			a.logger.Info(cmd.Context(), "documents indexed",
				zap.String("backend", backend), zap.Int("count", n))
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents into %s\n", n, backend)
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "chromem", "vector store: chromem or qdrant")
	return cmd
}

// indexDocuments streams JSON lines from in into store in batches. Blank
// lines are skipped; a document without id or content is an error.
func indexDocuments(ctx context.Context, in io.Reader, store indexer) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		batch []retrieval.Hit
		total int
		line  int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.Add(ctx, batch); err != nil {
			return fmt.Errorf("adding documents: %w", err)
		}
		total += len(batch)
		batch = nil
		return nil
	}

	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var doc document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return total, fmt.Errorf("line %d: %w", line, err)
		}
		if doc.ID == "" || doc.Content == "" {
			return total, fmt.Errorf("line %d: id and content are required", line)
		}
		batch = append(batch, retrieval.Hit{ID: doc.ID, Content: doc.Content, Metadata: doc.Metadata})
		if len(batch) == indexBatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, fmt.Errorf("reading documents: %w", err)
	}
	return total, flush()
}
