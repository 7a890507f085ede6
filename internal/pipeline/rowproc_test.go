package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rankpipe/internal/cache"
)

type upperFunc struct {
	calls int
	onRow func(h *Handler)
}

func (f *upperFunc) Fingerprint() string { return "upper-v1" }

func (f *upperFunc) TransformRow(_ context.Context, value string, h *Handler) (RowResult, error) {
	f.calls++
	if f.onRow != nil {
		f.onRow(h)
	}
	return RowResult{Value: strings.ToUpper(value), Role: RoleText}, nil
}

type lengthFunc struct{}

func (lengthFunc) Fingerprint() string { return "len" }

func (lengthFunc) TransformRow(_ context.Context, value string, _ *Handler) (RowResult, error) {
	return RowResult{Value: len(value), Role: RoleChip}, nil
}

func textState(texts ...string) *State {
	rows := make([]Row, len(texts))
	for i, t := range texts {
		rows[i] = Row{"text": t}
	}
	s := NewState("q", nil)
	s.LoadDocuments(rows)
	return s
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, CacheKey("a", "bc"), CacheKey("ab", "c"))
	assert.NotEqual(t, CacheKey("a", "b"), CacheKey("a", "c"))
	assert.Len(t, CacheKey("x", "y"), 40)
}

func TestRowProcessor_WritesOutputAndRole(t *testing.T) {
	s := textState("a", "b")
	h := NewHandler()
	h.Reset("upper")

	p := NewRowProcessor("text", "upper", &upperFunc{})
	require.NoError(t, p.Transform(context.Background(), s, h))

	assert.Equal(t, []any{"A", "B"}, s.Table.Column("upper"))
	role, ok := s.Registry.Role("upper")
	require.True(t, ok)
	assert.Equal(t, RoleText, role)
	assert.Len(t, s.History, 1)
	assert.Equal(t, "2/2", h.Status().Progress)
}

func TestRowProcessor_MissingInputColumn(t *testing.T) {
	s := textState("a")
	err := NewRowProcessor("body", "out", &upperFunc{}).Transform(context.Background(), s, NewHandler())
	assert.ErrorIs(t, err, ErrConfig)
	assert.False(t, s.Table.HasColumn("out"))
}

func TestRowProcessor_CacheIdempotence(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemory(cache.Config{})

	first := textState("alpha", "beta", "alpha")
	fn := &upperFunc{}
	h1 := NewHandler(WithCache(backend))
	h1.Reset("upper")
	require.NoError(t, NewRowProcessor("text", "out", fn).Transform(ctx, first, h1))
	assert.Equal(t, 2, fn.calls)

	second := textState("alpha", "beta", "alpha")
	h2 := NewHandler(WithCache(backend))
	h2.Reset("upper")
	require.NoError(t, NewRowProcessor("text", "out", fn).Transform(ctx, second, h2))

	assert.Equal(t, 2, fn.calls)
	assert.Equal(t, 1.0, h2.CacheHitRatio())
	assert.Equal(t, first.Table.Column("out"), second.Table.Column("out"))
	role, _ := second.Registry.Role("out")
	assert.Equal(t, RoleText, role)
}

func TestRowProcessor_CachedIntegersCompareEqual(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemory(cache.Config{})

	first := textState("four", "three")
	h1 := NewHandler(WithCache(backend))
	h1.Reset("len")
	require.NoError(t, NewRowProcessor("text", "n", lengthFunc{}).Transform(ctx, first, h1))

	second := textState("four", "three")
	h2 := NewHandler(WithCache(backend))
	h2.Reset("len")
	require.NoError(t, NewRowProcessor("text", "n", lengthFunc{}).Transform(ctx, second, h2))

	assert.Equal(t, []any{4, 5}, second.Table.Column("n"))
	assert.Equal(t, first.Table.Column("n"), second.Table.Column("n"))
}

func TestRowProcessor_NoCache(t *testing.T) {
	s := textState("a", "a")
	fn := &upperFunc{}
	h := NewHandler()
	h.Reset("upper")

	require.NoError(t, NewRowProcessor("text", "out", fn).Transform(context.Background(), s, h))
	assert.Equal(t, 2, fn.calls)
	assert.Equal(t, 0.0, h.CacheHitRatio())
}

func TestRowProcessor_Cancellation(t *testing.T) {
	s := textState("a", "b", "c", "d", "e")
	fn := &upperFunc{}
	fn.onRow = func(h *Handler) {
		if fn.calls == 2 {
			h.Cancel()
		}
	}
	h := NewHandler()
	h.Reset("upper")

	require.NoError(t, NewRowProcessor("text", "out", fn).Transform(context.Background(), s, h))
	assert.Equal(t, 2, fn.calls)
	assert.Equal(t, []any{"A", "B", nil, nil, nil}, s.Table.Column("out"))
	assert.Contains(t, h.String(), "cancelled after 2 of 5 rows")
}
