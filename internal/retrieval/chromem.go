package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rankpipe/internal/config"
	"github.com/fyrsmithlabs/rankpipe/internal/logging"
	"github.com/fyrsmithlabs/rankpipe/internal/sanitize"
)

var chromemTracer = otel.Tracer("rankpipe.retrieval.chromem")

// Chromem searches an embedded chromem-go collection.
//
// An empty path keeps the database in memory; otherwise it is persisted as
// gob files under the path.
type Chromem struct {
	db         *chromem.DB
	embedder   Embedder
	collection string
	logger     *logging.Logger
}

// NewChromem opens the database described by cfg.
func NewChromem(cfg config.ChromemConfig, embedder Embedder, logger *logging.Logger) (*Chromem, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}
	collection := sanitize.Identifier(cfg.Collection)

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info(context.Background(), "chromem store initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", collection),
	)
	return &Chromem{db: db, embedder: embedder, collection: collection, logger: logger}, nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// embeddingFunc adapts the embedder for chromem. Passing one explicitly
// keeps chromem from falling back to its OpenAI default.
func (c *Chromem) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return c.embedder.EmbedQuery(ctx, text)
	}
}

// Add indexes hits into the collection, embedding their content.
func (c *Chromem) Add(ctx context.Context, hits []Hit) error {
	ctx, span := chromemTracer.Start(ctx, "Chromem.Add")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(hits)))

	if len(hits) == 0 {
		return nil
	}
	collection, err := c.db.GetOrCreateCollection(c.collection, nil, c.embeddingFunc())
	if err != nil {
		return fmt.Errorf("getting/creating collection %s: %w", c.collection, err)
	}

	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Content
	}
	vectors, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(hits) {
		return fmt.Errorf("%w: got %d vectors for %d documents", ErrEmbeddingFailed, len(vectors), len(hits))
	}

	docs := make([]chromem.Document, len(hits))
	for i, h := range hits {
		docs[i] = chromem.Document{
			ID:        h.ID,
			Content:   h.Content,
			Metadata:  metadataToString(h.Metadata),
			Embedding: vectors[i],
		}
	}
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search implements Searcher. limit is capped at the collection size.
func (c *Chromem) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "Chromem.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", c.collection), attribute.Int("limit", limit))

	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	collection := c.db.GetCollection(c.collection, c.embeddingFunc())
	if collection == nil {
		span.SetStatus(codes.Error, "collection not found")
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, c.collection)
	}
	count := collection.Count()
	if count == 0 {
		return []Hit{}, nil
	}
	if limit > count {
		limit = count
	}

	results, err := collection.Query(ctx, query, limit, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", c.collection, err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			ID:       r.ID,
			Content:  r.Content,
			Score:    float64(r.Similarity),
			Metadata: metadataFromString(r.Metadata),
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")

	c.logger.Debug(ctx, "searched chromem collection",
		zap.String("collection", c.collection),
		zap.Int("limit", limit),
		zap.Int("results", len(hits)),
	)
	return hits, nil
}

// metadataToString flattens metadata values for chromem.
func metadataToString(metadata map[string]any) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func metadataFromString(metadata map[string]string) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

var _ Searcher = (*Chromem)(nil)
