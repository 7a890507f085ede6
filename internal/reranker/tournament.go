package reranker

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/fyrsmithlabs/rankpipe/internal/oracle"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

// Tournament ranks documents with single-elimination pairwise comparisons.
// The bracket is seeded from the current ranking. With an odd field the
// first document gets a bye. The winner ranks first, followed by the
// eliminated documents, latest stage first. N documents cost N-1
// comparisons.
type Tournament struct {
	Source
	judge oracle.Comparer
}

// NewTournament returns a tournament reranker backed by judge.
func NewTournament(src Source, judge oracle.Comparer) *Tournament {
	return &Tournament{Source: src, judge: judge}
}

// Stages returns ceil(log2(n)), the number of rounds needed for n documents.
func Stages(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Transform implements pipeline.Step. On cancellation the documents still
// in the bracket keep their seeded order ahead of everything eliminated.
func (t *Tournament) Transform(ctx context.Context, s *pipeline.State, h *pipeline.Handler) error {
	texts, err := t.texts(s)
	if err != nil {
		return err
	}
	h.Log("Reranking using Tournament Style LLM-Reranker")

	query := t.query(s)
	field := s.CurrentOrder()
	n := len(field)
	if n == 0 {
		h.Log("no documents to rerank")
		return nil
	}

	h.UpdateProgress(0, n-1)

	// eliminated collects each stage's losers in reverse encounter order.
	var eliminated []int
	cancelled := false
	for stage := 0; stage < Stages(n) && !cancelled; stage++ {
		next := make([]int, 0, len(field)/2+1)
		var losers []int

		i := 0
		if len(field)%2 == 1 {
			next = append(next, field[0])
			i = 1
		}
		for ; i+1 < len(field); i += 2 {
			if h.ShouldCancel() {
				cancelled = true
				next = append(next, field[i:]...)
				break
			}

			a, b := field[i], field[i+1]
			v, err := t.judge.Compare(ctx, texts[a], texts[b], query)
			if err != nil {
				return fmt.Errorf("stage %d comparison: %w", stage+1, err)
			}
			if v.Defaulted {
				h.Warn(pipeline.Warning{
					Kind:    pipeline.WarnUnparseableAnswer,
					Message: fmt.Sprintf("comparison gave no usable answer after %d attempts, first document advances", v.Attempts),
				})
			}

			if v.Choice == 2 {
				next = append(next, b)
				losers = append(losers, a)
			} else {
				next = append(next, a)
				losers = append(losers, b)
			}
			h.IncrementProgress()
		}

		for j := len(losers) - 1; j >= 0; j-- {
			eliminated = append(eliminated, losers[j])
		}
		field = next
	}
	if cancelled {
		h.Logf("cancelled with %d documents still in the bracket", len(field))
	}

	order := make([]int, 0, n)
	order = append(order, field...)
	for j := len(eliminated) - 1; j >= 0; j-- {
		order = append(order, eliminated[j])
	}

	col, err := commit(s, pipeline.RanksFromOrder(order))
	if err != nil {
		return err
	}
	h.Logf("wrote ranking %s", col)
	return nil
}

var _ pipeline.Step = (*Tournament)(nil)
