// internal/pipeline/registry.go
package pipeline

import "fmt"

// Role is the semantic role of a column.
type Role string

const (
	RoleNone Role = ""
	RoleText Role = "text"
	RoleChip Role = "chip"
	RoleRank Role = "rank"
)

// OriginalRankColumn holds the retrieval backend's own order (1-based).
const OriginalRankColumn = "_original_ranking_"

// RankColumnName returns the rank column name for reranking index n.
func RankColumnName(n int) string {
	return fmt.Sprintf("_reranking_rank_%d_", n)
}

// ColumnMeta describes one registered column. RankIndex is only
// meaningful for rank columns.
type ColumnMeta struct {
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	RankIndex int    `json:"rank_index,omitempty"`
}

// Registry maps columns to roles. Each column holds at most one role and the
// rank column with the highest index is the current ranking.
type Registry struct {
	entries []ColumnMeta
	index   map[string]int
	ranks   int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// SetRole assigns role to col, overwriting any previous role. A column
// becoming a rank column receives the next reranking index.
func (r *Registry) SetRole(col string, role Role) {
	i, ok := r.index[col]
	if !ok {
		r.entries = append(r.entries, ColumnMeta{Name: col})
		i = len(r.entries) - 1
		r.index[col] = i
	}
	e := &r.entries[i]
	if role == RoleRank && e.Role != RoleRank {
		e.RankIndex = r.ranks
		r.ranks++
	}
	if role != RoleRank {
		e.RankIndex = 0
	}
	e.Role = role
}

// Role returns the role of col.
func (r *Registry) Role(col string) (Role, bool) {
	i, ok := r.index[col]
	if !ok {
		return RoleNone, false
	}
	return r.entries[i].Role, true
}

// RankCount returns how many rank columns have been registered so far.
func (r *Registry) RankCount() int {
	return r.ranks
}

// NextRankColumn returns the name the next reranking step must use.
func (r *Registry) NextRankColumn() string {
	return RankColumnName(r.ranks)
}

// CurrentRankColumn returns the rank column with the highest index.
func (r *Registry) CurrentRankColumn() (string, bool) {
	best, found := -1, ""
	for _, e := range r.entries {
		if e.Role == RoleRank && e.RankIndex > best {
			best, found = e.RankIndex, e.Name
		}
	}
	return found, best >= 0
}

// Columns returns the names of columns holding role, in registration order.
func (r *Registry) Columns(role Role) []string {
	var out []string
	for _, e := range r.entries {
		if e.Role == role {
			out = append(out, e.Name)
		}
	}
	return out
}

// Entries returns a copy of all registered columns.
func (r *Registry) Entries() []ColumnMeta {
	out := make([]ColumnMeta, len(r.entries))
	copy(out, r.entries)
	return out
}
