// internal/pipeline/state.go
package pipeline

import (
	"fmt"
	"sort"
)

// State is the mutable data a run threads through its steps. It is owned by
// the run's worker goroutine and needs no locking.
type State struct {
	Query      string
	Arguments  map[string]any
	Table      *Table
	Registry   *Registry
	Aggregated map[string]any

	// History holds table snapshots keyed by snapshot ordinal, starting
	// at 1. Steps that do not snapshot leave no entry, so a key is not a
	// step position.
	History map[int]*Table
}

// NewState returns an empty state for query.
func NewState(query string, args map[string]any) *State {
	if args == nil {
		args = make(map[string]any)
	}
	return &State{
		Query:      query,
		Arguments:  args,
		Table:      NewTable(nil),
		Registry:   NewRegistry(),
		Aggregated: make(map[string]any),
		History:    make(map[int]*Table),
	}
}

// Snapshot records a deep copy of the table under the next history index.
func (s *State) Snapshot() {
	s.History[len(s.History)+1] = s.Table.Clone()
}

// RequireColumn returns a configuration error when col is missing.
func (s *State) RequireColumn(col string) error {
	if !s.Table.HasColumn(col) {
		return InvalidColumn(col)
	}
	return nil
}

// LoadDocuments replaces the table with rows in backend order and registers
// the original ranking (1..N) as the initial rank column.
func (s *State) LoadDocuments(rows []Row) {
	s.Table = NewTable(rows)
	ranks := make([]any, len(rows))
	for i := range ranks {
		ranks[i] = i + 1
	}
	_ = s.Table.SetColumn(OriginalRankColumn, ranks)
	s.Registry.SetRole(OriginalRankColumn, RoleRank)
}

// CurrentOrder returns row indices sorted by the current ranking, best
// first. Without a rank column the table order is returned.
func (s *State) CurrentOrder() []int {
	order := make([]int, s.Table.Len())
	for i := range order {
		order[i] = i
	}
	col, ok := s.Registry.CurrentRankColumn()
	if !ok || !s.Table.HasColumn(col) {
		return order
	}
	key := func(i int) float64 {
		f, ok := ToFloat(s.Table.Value(i, col))
		if !ok {
			return float64(s.Table.Len() + 1)
		}
		return f
	}
	sort.SliceStable(order, func(a, b int) bool {
		return key(order[a]) < key(order[b])
	})
	return order
}

// AddRanking writes ranks (1 = best, one per row) into a new rank column,
// registers it as the current ranking and returns its name.
func (s *State) AddRanking(ranks []int) (string, error) {
	if len(ranks) != s.Table.Len() {
		return "", fmt.Errorf("ranking: got %d ranks for %d rows", len(ranks), s.Table.Len())
	}
	col := s.Registry.NextRankColumn()
	values := make([]any, len(ranks))
	for i, r := range ranks {
		values[i] = r
	}
	if err := s.Table.SetColumn(col, values); err != nil {
		return "", err
	}
	s.Registry.SetRole(col, RoleRank)
	return col, nil
}

// SortByCurrentRank reorders the table rows by the current ranking.
func (s *State) SortByCurrentRank() error {
	return s.Table.Reorder(s.CurrentOrder())
}

// RanksFromOrder converts an ordering of row indices (best first) into a
// per-row rank slice.
func RanksFromOrder(order []int) []int {
	ranks := make([]int, len(order))
	for pos, row := range order {
		ranks[row] = pos + 1
	}
	return ranks
}
