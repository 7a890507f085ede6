// Package reranker turns a relevance oracle into a total order over the
// documents of a pipeline state.
//
// Every reranker reads one text column, asks its oracle about the documents
// and writes a new rank column (1 = best) that becomes the current ranking.
// The table is re-sorted by that ranking and a history snapshot is recorded.
package reranker

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

// Source selects the column a reranker reads. A non-empty Query replaces the
// run query for this step only.
type Source struct {
	Input string
	Query string
}

// query returns the effective query for s.
func (src Source) query(s *pipeline.State) string {
	if src.Query != "" {
		return src.Query
	}
	return s.Query
}

// texts returns the input column, nulls as "". A missing column fails
// before any oracle call.
func (src Source) texts(s *pipeline.State) ([]string, error) {
	if err := s.RequireColumn(src.Input); err != nil {
		return nil, err
	}
	return s.Table.TextColumn(src.Input), nil
}

// ScoreColumnName returns the raw score column written by the n-th history
// entry.
func ScoreColumnName(n int) string {
	return fmt.Sprintf("_reranking_score_%d_", n)
}

// commit registers ranks as the current ranking, re-sorts the table and
// snapshots it.
func commit(s *pipeline.State, ranks []int) (string, error) {
	col, err := s.AddRanking(ranks)
	if err != nil {
		return "", err
	}
	if err := s.SortByCurrentRank(); err != nil {
		return "", err
	}
	s.Snapshot()
	return col, nil
}

// writeScores stores scores in a fresh score column and ranks rows by them.
// Equal scores keep their table order.
func writeScores(s *pipeline.State, scores []float64, ascending bool) (string, error) {
	if len(scores) != s.Table.Len() {
		return "", fmt.Errorf("got %d scores for %d documents", len(scores), s.Table.Len())
	}

	scoreCol := ScoreColumnName(len(s.History) + 1)
	values := make([]any, len(scores))
	for i, v := range scores {
		values[i] = v
	}
	if err := s.Table.SetColumn(scoreCol, values); err != nil {
		return "", err
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if ascending {
			return scores[order[a]] < scores[order[b]]
		}
		return scores[order[a]] > scores[order[b]]
	})
	return commit(s, pipeline.RanksFromOrder(order))
}
