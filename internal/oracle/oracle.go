// Package oracle provides the relevance oracles consumed by rerankers and
// generative steps: an OpenAI-compatible chat client, an embedding scorer and
// the prompt protocols for pairwise and group judgments.
package oracle

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedModel indicates a model id outside the configured list.
	ErrUnsupportedModel = errors.New("unsupported model")

	// ErrEmptyResponse indicates a completion without choices.
	ErrEmptyResponse = errors.New("empty response from oracle")

	// ErrUnavailable indicates the oracle is rejecting calls (open breaker).
	ErrUnavailable = errors.New("oracle unavailable")
)

// Request is one chat completion request.
type Request struct {
	Model  string
	System string
	Prompt string
}

// LLM generates text completions.
type LLM interface {
	Generate(ctx context.Context, req Request) (string, error)
	Supports(model string) bool
}

// Scorer assigns one relevance score per text for a query. Higher is more
// relevant.
type Scorer interface {
	Scores(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Verdict is the outcome of a judged comparison.
type Verdict struct {
	// Choice is the 1-based winner; 0 means none for group judgments.
	Choice int
	// Attempts is the number of oracle calls issued.
	Attempts int
	// Defaulted is set when no parseable answer arrived within the retry cap.
	Defaulted bool
}

// Comparer judges which of two texts is more relevant to a query.
type Comparer interface {
	Compare(ctx context.Context, a, b, query string) (Verdict, error)
}

// Picker judges which of several texts is most relevant to a query.
type Picker interface {
	Pick(ctx context.Context, texts []string, query string) (Verdict, error)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
