// internal/pipeline/table.go
package pipeline

import (
	"fmt"
	"sort"
	"strconv"
)

// Row is one document. A missing key is a null cell.
type Row map[string]any

// Table is the ordered document set a pipeline operates on. Steps add
// columns at runtime; row order carries no ranking meaning.
type Table struct {
	rows    []Row
	columns []string
}

// NewTable builds a table from rows, recording columns in first-seen order.
func NewTable(rows []Row) *Table {
	t := &Table{rows: make([]Row, 0, len(rows))}
	seen := make(map[string]bool)
	for _, r := range rows {
		row := make(Row, len(r))
		for k, v := range r {
			row[k] = v
		}
		t.rows = append(t.rows, row)
	}
	// Deterministic column order: walk rows in order, keys sorted per row.
	for _, r := range rows {
		for _, k := range sortedKeys(r) {
			if !seen[k] {
				seen[k] = true
				t.columns = append(t.columns, k)
			}
		}
	}
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Columns returns the column names in insertion order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// HasColumn reports whether the column exists.
func (t *Table) HasColumn(col string) bool {
	for _, c := range t.columns {
		if c == col {
			return true
		}
	}
	return false
}

// Value returns the raw cell, nil when absent.
func (t *Table) Value(row int, col string) any {
	return t.rows[row][col]
}

// Text returns the cell as a string. Null reads as "".
func (t *Table) Text(row int, col string) string {
	return Stringify(t.rows[row][col])
}

// Column returns a copy of the column's values.
func (t *Table) Column(col string) []any {
	out := make([]any, len(t.rows))
	for i, r := range t.rows {
		out[i] = r[col]
	}
	return out
}

// TextColumn returns the column as strings, nulls as "".
func (t *Table) TextColumn(col string) []string {
	out := make([]string, len(t.rows))
	for i := range t.rows {
		out[i] = t.Text(i, col)
	}
	return out
}

// SetColumn writes values into col, creating it if needed.
func (t *Table) SetColumn(col string, values []any) error {
	if len(values) != len(t.rows) {
		return fmt.Errorf("column %q: got %d values for %d rows", col, len(values), len(t.rows))
	}
	for i, v := range values {
		t.rows[i][col] = v
	}
	t.addColumn(col)
	return nil
}

// Set writes a single cell.
func (t *Table) Set(row int, col string, value any) {
	t.rows[row][col] = value
	t.addColumn(col)
}

func (t *Table) addColumn(col string) {
	if !t.HasColumn(col) {
		t.columns = append(t.columns, col)
	}
}

// Filter keeps rows whose keep flag is true, preserving order.
func (t *Table) Filter(keep []bool) error {
	if len(keep) != len(t.rows) {
		return fmt.Errorf("filter: got %d flags for %d rows", len(keep), len(t.rows))
	}
	rows := make([]Row, 0, len(t.rows))
	for i, r := range t.rows {
		if keep[i] {
			rows = append(rows, r)
		}
	}
	t.rows = rows
	return nil
}

// Reorder rearranges rows so that row i of the result is old row idx[i].
func (t *Table) Reorder(idx []int) error {
	if len(idx) != len(t.rows) {
		return fmt.Errorf("reorder: got %d indices for %d rows", len(idx), len(t.rows))
	}
	rows := make([]Row, len(idx))
	for i, j := range idx {
		if j < 0 || j >= len(t.rows) {
			return fmt.Errorf("reorder: index %d out of range", j)
		}
		rows[i] = t.rows[j]
	}
	t.rows = rows
	return nil
}

// Clone returns a deep copy. Nested maps and slices are copied too.
func (t *Table) Clone() *Table {
	c := &Table{
		rows:    make([]Row, len(t.rows)),
		columns: make([]string, len(t.columns)),
	}
	copy(c.columns, t.columns)
	for i, r := range t.rows {
		row := make(Row, len(r))
		for k, v := range r {
			row[k] = deepCopy(v)
		}
		c.rows[i] = row
	}
	return c
}

// Records returns the rows as plain maps for serialization.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, len(t.rows))
	for i, r := range t.rows {
		m := make(map[string]any, len(r))
		for k, v := range r {
			m[k] = v
		}
		out[i] = m
	}
	return out
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = deepCopy(vv)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = deepCopy(vv)
		}
		return s
	case []string:
		s := make([]string, len(x))
		copy(s, x)
		return s
	default:
		return v
	}
}

// Stringify renders a cell value as text. Null becomes "".
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// ToFloat converts numeric-like cells. Strings are parsed.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func sortedKeys(r Row) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
