package reranker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/rankpipe/internal/oracle"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

// DefaultWindow is the group size used when the window parameter is not a
// plain number.
const DefaultWindow = 2

// Group ranks documents by asking the oracle for the best member of every
// k-sized combination and counting wins. Cost grows with C(N,k), so N
// should be bounded by an earlier reduction.
type Group struct {
	Source
	K     int
	judge oracle.Picker
}

// ParseWindow reads the window size parameter. Anything but a positive
// decimal number yields DefaultWindow.
func ParseWindow(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultWindow
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return DefaultWindow
		}
	}
	k, err := strconv.Atoi(raw)
	if err != nil || k < 1 {
		return DefaultWindow
	}
	return k
}

// NewGroup returns a group reranker with window k backed by judge.
func NewGroup(src Source, k int, judge oracle.Picker) *Group {
	if k < 1 {
		k = DefaultWindow
	}
	return &Group{Source: src, K: k, judge: judge}
}

// Binomial returns C(n,k).
func Binomial(n, k int) int {
	if k < 0 || k > n {
		return 0
	}
	if k > n-k {
		k = n - k
	}
	c := 1
	for i := 1; i <= k; i++ {
		c = c * (n - k + i) / i
	}
	return c
}

// nextCombination advances idx to the next k-combination of n in
// lexicographic order and reports false after the last one.
func nextCombination(idx []int, n int) bool {
	k := len(idx)
	i := k - 1
	for i >= 0 && idx[i] == n-k+i {
		i--
	}
	if i < 0 {
		return false
	}
	idx[i]++
	for j := i + 1; j < k; j++ {
		idx[j] = idx[j-1] + 1
	}
	return true
}

// Transform implements pipeline.Step. A cancelled run ranks by the points
// awarded so far.
func (g *Group) Transform(ctx context.Context, s *pipeline.State, h *pipeline.Handler) error {
	texts, err := g.texts(s)
	if err != nil {
		return err
	}
	h.Log("Reranking using Group Style LLM-Reranker")

	query := g.query(s)
	n := len(texts)
	total := Binomial(n, g.K)
	h.UpdateProgress(0, total)
	if total == 0 {
		h.Logf("window size %d exceeds %d documents, keeping table order", g.K, n)
	}

	points := make([]int, n)
	if total > 0 {
		idx := make([]int, g.K)
		for i := range idx {
			idx[i] = i
		}
		window := make([]string, g.K)
		for {
			if h.ShouldCancel() {
				h.Log("cancelled, ranking by points awarded so far")
				break
			}
			for i, row := range idx {
				window[i] = texts[row]
			}

			v, err := g.judge.Pick(ctx, window, query)
			if err != nil {
				return fmt.Errorf("group comparison: %w", err)
			}
			if v.Defaulted {
				h.Warn(pipeline.Warning{
					Kind:    pipeline.WarnUnparseableAnswer,
					Message: fmt.Sprintf("group comparison gave no usable answer after %d attempts, no point awarded", v.Attempts),
				})
			}
			if v.Choice > 0 && v.Choice <= len(idx) {
				points[idx[v.Choice-1]]++
			} else {
				h.Log("No relevant text in combination")
			}
			h.IncrementProgress()

			if !nextCombination(idx, n) {
				break
			}
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return points[order[a]] > points[order[b]]
	})

	col, err := commit(s, pipeline.RanksFromOrder(order))
	if err != nil {
		return err
	}
	h.Logf("wrote ranking %s", col)
	return nil
}

var _ pipeline.Step = (*Group)(nil)
