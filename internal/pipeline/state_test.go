package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docs(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{"id": i, "text": "doc"}
	}
	return rows
}

func TestState_LoadDocumentsRegistersOriginalRanking(t *testing.T) {
	s := NewState("q", nil)
	s.LoadDocuments(docs(3))

	assert.Equal(t, []any{1, 2, 3}, s.Table.Column(OriginalRankColumn))
	current, ok := s.Registry.CurrentRankColumn()
	require.True(t, ok)
	assert.Equal(t, OriginalRankColumn, current)
}

func TestState_AddRankingAndCurrentOrder(t *testing.T) {
	s := NewState("q", nil)
	s.LoadDocuments(docs(4))

	col, err := s.AddRanking([]int{3, 1, 4, 2})
	require.NoError(t, err)
	assert.Equal(t, RankColumnName(1), col)
	assert.Equal(t, []int{1, 3, 0, 2}, s.CurrentOrder())

	_, err = s.AddRanking([]int{1})
	assert.Error(t, err)
}

func TestState_CurrentOrderWithoutRanking(t *testing.T) {
	s := NewState("q", nil)
	s.Table = NewTable(docs(3))
	assert.Equal(t, []int{0, 1, 2}, s.CurrentOrder())
}

func TestState_SnapshotIsIsolated(t *testing.T) {
	s := NewState("q", nil)
	s.LoadDocuments(docs(2))
	s.Snapshot()

	s.Table.Set(0, "text", "changed")
	s.Snapshot()

	require.Len(t, s.History, 2)
	assert.Equal(t, "doc", s.History[1].Text(0, "text"))
	assert.Equal(t, "changed", s.History[2].Text(0, "text"))
}

func TestState_RequireColumn(t *testing.T) {
	s := NewState("q", nil)
	s.LoadDocuments(docs(1))

	assert.NoError(t, s.RequireColumn("text"))
	err := s.RequireColumn("full_text")
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "full_text")
}

func TestRanksFromOrder(t *testing.T) {
	assert.Equal(t, []int{2, 3, 1}, RanksFromOrder([]int{2, 0, 1}))
}

func TestTable_NullReadsAsEmpty(t *testing.T) {
	tbl := NewTable([]Row{{"a": "x"}, {"b": 2}})
	assert.Equal(t, "", tbl.Text(0, "b"))
	assert.Equal(t, "2", tbl.Text(1, "b"))
	assert.Equal(t, []string{"a", "b"}, tbl.Columns())
}

func TestTable_FilterAndReorder(t *testing.T) {
	tbl := NewTable([]Row{{"v": 1}, {"v": 2}, {"v": 3}})

	require.NoError(t, tbl.Reorder([]int{2, 0, 1}))
	assert.Equal(t, []any{3, 1, 2}, tbl.Column("v"))

	require.NoError(t, tbl.Filter([]bool{true, false, true}))
	assert.Equal(t, []any{3, 2}, tbl.Column("v"))

	assert.Error(t, tbl.Filter([]bool{true}))
	assert.Error(t, tbl.SetColumn("w", []any{1}))
}
