// Package retrieval fetches the initial result set of a pipeline run.
//
// Three backends are provided:
//   - Mosaic, an HTTP keyword search service whose full texts are fetched per
//     document with bounded concurrency
//   - Chromem, an embedded chromem-go vector database
//   - Qdrant, an external vector database reached over gRPC
//
// The vector backends implement Searcher and return hits best-first, so the
// hit order becomes the original ranking of the run.
//
// # Usage
//
//	store, err := retrieval.NewChromem(cfg.Retrieval.Chromem, embedder, logger)
//	if err != nil {
//	    return err
//	}
//	hits, err := store.Search(ctx, "solar eclipse", 10)
package retrieval

import (
	"context"
	"errors"
)

var (
	// ErrSourceNotFound is returned when the search service answers 404.
	ErrSourceNotFound = errors.New("source not found")

	// ErrInvalidConfig indicates an unusable backend configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCollectionNotFound is returned when a vector collection is missing.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrEmbeddingFailed wraps failures of the query embedder.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")
)

// Hit is one retrieved document.
type Hit struct {
	ID       string
	Content  string
	Score    float64
	Metadata map[string]any
}

// Searcher answers top-k similarity queries.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Hit, error)
}

// Embedder turns text into vectors. langchaingo embedders satisfy it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
