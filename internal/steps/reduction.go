package steps

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

const defaultReductionK = 10

// Reduction keeps the K best documents according to a rank column.
type Reduction struct {
	K          int
	RankColumn string
}

// parseK reads the k parameter. Anything that is not a plain digit string
// falls back to the default.
func parseK(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.IndexFunc(raw, func(r rune) bool { return !unicode.IsDigit(r) }) >= 0 {
		return defaultReductionK
	}
	k, err := strconv.Atoi(raw)
	if err != nil {
		return defaultReductionK
	}
	return k
}

// Transform implements pipeline.Step. Kept rows are ordered by the rank
// column, best first.
func (r *Reduction) Transform(_ context.Context, s *pipeline.State, h *pipeline.Handler) error {
	role, ok := s.Registry.Role(r.RankColumn)
	if !ok || role != pipeline.RoleRank || !s.Table.HasColumn(r.RankColumn) {
		return pipeline.UnknownRankColumn(r.RankColumn)
	}

	n := s.Table.Len()
	h.UpdateProgress(0, 1)
	if r.K > n {
		h.Log("The selected number of remaining rows after reduction is larger than the current result set. All rows are kept.")
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rank := func(i int) float64 {
		f, ok := pipeline.ToFloat(s.Table.Value(i, r.RankColumn))
		if !ok {
			return float64(n + 1)
		}
		return f
	}
	sort.SliceStable(order, func(a, b int) bool { return rank(order[a]) < rank(order[b]) })

	if err := s.Table.Reorder(order); err != nil {
		return err
	}
	keep := make([]bool, n)
	for i := range keep {
		keep[i] = i < r.K
	}
	if err := s.Table.Filter(keep); err != nil {
		return err
	}

	h.IncrementProgress()
	s.Snapshot()
	return nil
}
