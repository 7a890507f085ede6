package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/rankpipe/internal/config"
)

func TestFetchAll_OrderAndLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	results := FetchAll(context.Background(), 20, 3, nil, func(_ context.Context, i int) (int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		// Later items finish first.
		time.Sleep(time.Duration(20-i) * time.Millisecond / 4)
		inFlight.Add(-1)
		if i == 7 {
			return 0, errors.New("boom")
		}
		return i * i, nil
	})

	require.Len(t, results, 20)
	for i, r := range results {
		if i == 7 {
			assert.EqualError(t, r.Err, "boom")
			continue
		}
		assert.NoError(t, r.Err)
		assert.Equal(t, i*i, r.Value)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestFetchAll_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	results := FetchAll(ctx, 5, 0, nil, func(context.Context, int) (string, error) {
		calls.Add(1)
		return "x", nil
	})
	assert.Zero(t, calls.Load())
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestFetchAll_StopsWhenAsked(t *testing.T) {
	var calls atomic.Int32
	results := FetchAll(context.Background(), 10, 1, func() bool { return calls.Load() >= 2 },
		func(context.Context, int) (int, error) {
			calls.Add(1)
			return 1, nil
		})

	assert.Equal(t, int32(2), calls.Load())
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	for _, r := range results[2:] {
		assert.ErrorIs(t, r.Err, ErrStopped)
	}
}

func TestMosaic_FullTextsStopsMidway(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"fullText": "text"})
	}))
	defer srv.Close()

	m, err := NewMosaic(srv.URL, time.Second, 1)
	require.NoError(t, err)

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("doc-%d", i)
	}
	var stopped atomic.Bool
	texts := m.FullTexts(context.Background(), ids, stopped.Load, func(int) { stopped.Store(true) })

	assert.Equal(t, int32(1), requests.Load())
	assert.Equal(t, "text", texts[0].Value)
	for _, r := range texts[1:] {
		assert.ErrorIs(t, r.Err, ErrStopped)
	}
}

func mosaicServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("index") == "missing" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "solar eclipse", r.URL.Query().Get("q"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"simplewiki": []map[string]any{
					{"id": "a", "title": "Eclipse"},
					{"id": "b", "title": "Sun"},
				}},
				{"simplewiki": []map[string]any{{"id": "c", "title": "Moon"}}},
			},
		})
	})
	mux.HandleFunc("/api/full-text", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "b" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"fullText": "text of " + id})
	})
	return httptest.NewServer(mux)
}

func TestMosaic_SearchAndFullTexts(t *testing.T) {
	srv := mosaicServer(t)
	defer srv.Close()

	m, err := NewMosaic(srv.URL+"/api/", 5*time.Second, 2)
	require.NoError(t, err)

	docs, err := m.Search(context.Background(), map[string][]string{
		"q": {"solar eclipse"}, "index": {"simplewiki"}, "limit": {"10"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "a", docs[0]["id"])
	assert.Equal(t, "Moon", docs[2]["title"])

	var fetched atomic.Int32
	texts := m.FullTexts(context.Background(), []string{"a", "b", "c"}, nil, func(int) { fetched.Add(1) })
	assert.Equal(t, int32(3), fetched.Load())
	require.Len(t, texts, 3)
	assert.Equal(t, "text of a", texts[0].Value)
	assert.ErrorContains(t, texts[1].Err, "unexpected status 500")
	assert.Equal(t, "text of c", texts[2].Value)
}

func TestMosaic_SourceNotFound(t *testing.T) {
	srv := mosaicServer(t)
	defer srv.Close()

	m, err := NewMosaic(srv.URL+"/api", time.Second, 0)
	require.NoError(t, err)
	_, err = m.Search(context.Background(), map[string][]string{"index": {"missing"}})
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestNewMosaic_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8008", "://bad"} {
		_, err := NewMosaic(u, time.Second, 1)
		assert.ErrorIs(t, err, ErrInvalidConfig, "url %q", u)
	}
}

// keywordEmbedder maps texts onto three topic axes.
type keywordEmbedder struct {
	fail bool
}

func (e keywordEmbedder) vector(text string) []float32 {
	v := []float32{0.01, 0.01, 0.01}
	for i, kw := range []string{"sun", "moon", "sea"} {
		v[i] += float32(strings.Count(strings.ToLower(text), kw))
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

func (e keywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if e.fail {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedder down")
	}
	return e.vector(text), nil
}

func TestChromem_AddAndSearch(t *testing.T) {
	store, err := NewChromem(config.ChromemConfig{Collection: "documents"}, keywordEmbedder{}, nil)
	require.NoError(t, err)

	_, err = store.Search(context.Background(), "sun", 3)
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	require.NoError(t, store.Add(context.Background(), []Hit{
		{ID: "1", Content: "the moon at night", Metadata: map[string]any{"lang": "eng"}},
		{ID: "2", Content: "sun sun and more sun", Metadata: map[string]any{"lang": "eng", "year": 2020}},
		{ID: "3", Content: "the sea is deep"},
	}))

	hits, err := store.Search(context.Background(), "the sun", 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "2", hits[0].ID)
	assert.Equal(t, "sun sun and more sun", hits[0].Content)
	assert.Equal(t, "2020", hits[0].Metadata["year"])
	assert.Greater(t, hits[0].Score, hits[1].Score)

	_, err = store.Search(context.Background(), "", 1)
	assert.Error(t, err)
	_, err = store.Search(context.Background(), "x", 0)
	assert.Error(t, err)
}

func TestChromem_PersistentPath(t *testing.T) {
	dir := t.TempDir()
	store, err := NewChromem(config.ChromemConfig{Path: dir, Collection: "docs"}, keywordEmbedder{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), []Hit{{ID: "1", Content: "sea"}}))

	err = store.Add(context.Background(), nil)
	assert.NoError(t, err)

	failing, err := NewChromem(config.ChromemConfig{Collection: "docs"}, keywordEmbedder{fail: true}, nil)
	require.NoError(t, err)
	err = failing.Add(context.Background(), []Hit{{ID: "1", Content: "sea"}})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestNewChromem_InvalidConfig(t *testing.T) {
	_, err := NewChromem(config.ChromemConfig{Collection: "x"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewChromem(config.ChromemConfig{}, keywordEmbedder{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewQdrant_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.QdrantConfig
		emb  Embedder
	}{
		{"no host", config.QdrantConfig{Port: 6334, Collection: "c"}, keywordEmbedder{}},
		{"bad port", config.QdrantConfig{Host: "localhost", Port: 70000, Collection: "c"}, keywordEmbedder{}},
		{"no collection", config.QdrantConfig{Host: "localhost", Port: 6334}, keywordEmbedder{}},
		{"no embedder", config.QdrantConfig{Host: "localhost", Port: 6334, Collection: "c"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewQdrant(tt.cfg, tt.emb)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestQdrant_PayloadRoundTrip(t *testing.T) {
	h := Hit{ID: "doc-7", Content: "body", Metadata: map[string]any{
		"title": "T", "year": 2021, "rating": 4.5, "public": true, "ignored": []int{1},
	}}
	payload := payloadFromHit(h)
	assert.NotContains(t, payload, "ignored")

	got := hitFromPoint(&qdrant.ScoredPoint{Id: pointID(h.ID), Payload: payload, Score: 0.5})
	assert.Equal(t, "doc-7", got.ID)
	assert.Equal(t, "body", got.Content)
	assert.Equal(t, 0.5, got.Score)
	assert.Equal(t, map[string]any{"title": "T", "year": int64(2021), "rating": 4.5, "public": true}, got.Metadata)
}

func TestPointID(t *testing.T) {
	u := "6f1c0b7e-8d5a-4f3e-9c2b-1a2b3c4d5e6f"
	assert.Equal(t, u, pointID(u).GetUuid())
	assert.Equal(t, pointID("doc-1").GetUuid(), pointID("doc-1").GetUuid())
	assert.NotEqual(t, pointID("doc-1").GetUuid(), pointID("doc-2").GetUuid())
	assert.NotEmpty(t, pointID("").GetUuid())
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(fmt.Errorf("plain")))
	assert.True(t, IsTransientError(status.Error(codes.Unavailable, "down")))
	assert.False(t, IsTransientError(status.Error(codes.NotFound, "missing")))
}
