package oracle

import (
	"context"
	"fmt"
	"math"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/rankpipe/internal/config"
)

// EmbeddingScorer scores texts by cosine similarity between the query
// embedding and each document embedding.
type EmbeddingScorer struct {
	embedder embeddings.Embedder
}

// NewEmbeddingScorer wraps an existing langchaingo embedder.
func NewEmbeddingScorer(e embeddings.Embedder) *EmbeddingScorer {
	return &EmbeddingScorer{embedder: e}
}

// EmbedderFactory builds scorers per embedding model against one
// OpenAI-compatible endpoint (TEI or OpenAI).
type EmbedderFactory struct {
	cfg config.EmbeddingConfig
}

// NewEmbedderFactory returns a factory for cfg.
func NewEmbedderFactory(cfg config.EmbeddingConfig) *EmbedderFactory {
	return &EmbedderFactory{cfg: cfg}
}

// Models returns the supported embedding models.
func (f *EmbedderFactory) Models() []string {
	return append([]string(nil), f.cfg.Models...)
}

// Supports reports whether model is configured.
func (f *EmbedderFactory) Supports(model string) bool {
	return contains(f.cfg.Models, model)
}

// Scorer builds a scorer for model.
func (f *EmbedderFactory) Scorer(model string) (Scorer, error) {
	embedder, err := f.Embedder(model)
	if err != nil {
		return nil, err
	}
	return NewEmbeddingScorer(embedder), nil
}

// Embedder builds the raw langchaingo embedder for model. Vector retrieval
// backends embed queries with it.
func (f *EmbedderFactory) Embedder(model string) (embeddings.Embedder, error) {
	if !f.Supports(model) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}

	// langchaingo requires a token, use placeholder for TEI
	apiKey := f.cfg.APIKey.Value()
	if apiKey == "" {
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(f.cfg.BaseURL),
		openai.WithModel(model),
		openai.WithEmbeddingModel(model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return embedder, nil
}

// Scores implements Scorer.
func (s *EmbeddingScorer) Scores(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return []float64{}, nil
	}
	q, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	docs, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	if len(docs) != len(texts) {
		return nil, fmt.Errorf("embedding documents: got %d vectors for %d texts", len(docs), len(texts))
	}

	scores := make([]float64, len(docs))
	for i, d := range docs {
		scores[i] = Cosine(q, d)
	}
	return scores, nil
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero or
// the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ Scorer = (*EmbeddingScorer)(nil)
