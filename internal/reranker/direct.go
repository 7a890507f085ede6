package reranker

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/rankpipe/internal/oracle"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

// Direct ranks documents by one scalar relevance score per document,
// highest first.
type Direct struct {
	Source
	scorer oracle.Scorer
}

// NewDirect returns a direct reranker backed by scorer.
func NewDirect(src Source, scorer oracle.Scorer) *Direct {
	return &Direct{Source: src, scorer: scorer}
}

// Transform implements pipeline.Step.
func (d *Direct) Transform(ctx context.Context, s *pipeline.State, h *pipeline.Handler) error {
	texts, err := d.texts(s)
	if err != nil {
		return err
	}

	h.Log("Reranking using embedding similarity")
	h.UpdateProgress(0, 1)
	if h.ShouldCancel() {
		h.Log("cancelled before scoring")
		return nil
	}

	scores, err := d.scorer.Scores(ctx, d.query(s), texts)
	if err != nil {
		return fmt.Errorf("scoring documents: %w", err)
	}
	col, err := writeScores(s, scores, false)
	if err != nil {
		return err
	}
	h.IncrementProgress()
	h.Logf("wrote ranking %s", col)
	return nil
}

var _ pipeline.Step = (*Direct)(nil)
