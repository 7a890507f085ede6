package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rankpipe/internal/cache"
	"github.com/fyrsmithlabs/rankpipe/internal/config"
	"github.com/fyrsmithlabs/rankpipe/internal/oracle"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
	"github.com/fyrsmithlabs/rankpipe/internal/reranker"
	"github.com/fyrsmithlabs/rankpipe/internal/retrieval"
)

// fakeLLM answers through respond and records every request.
type fakeLLM struct {
	mu      sync.Mutex
	models  []string
	respond func(req oracle.Request) (string, error)
	calls   []oracle.Request
}

func newFakeLLM(respond func(req oracle.Request) (string, error)) *fakeLLM {
	return &fakeLLM{models: []string{"gemma2", "llama3.1"}, respond: respond}
}

func (f *fakeLLM) Supports(model string) bool {
	return slices.Contains(f.models, model)
}

func (f *fakeLLM) Generate(_ context.Context, req oracle.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeLLM) requests() []oracle.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]oracle.Request(nil), f.calls...)
}

func testDeps(llm *fakeLLM) Deps {
	d := Deps{Retrieval: config.RetrievalConfig{FetchLimit: 4}}
	if llm != nil {
		d.LLM = llm
		d.Models = llm.models
	}
	return d
}

func loadState(query string, rows ...pipeline.Row) *pipeline.State {
	s := pipeline.NewState(query, nil)
	s.LoadDocuments(rows)
	return s
}

func textRows(col string, texts ...string) []pipeline.Row {
	rows := make([]pipeline.Row, len(texts))
	for i, t := range texts {
		rows[i] = pipeline.Row{"id": i, col: t}
	}
	return rows
}

func build(t *testing.T, c *pipeline.Catalog, id string, params pipeline.Params) pipeline.Step {
	t.Helper()
	step, err := c.Build(id, params)
	require.NoError(t, err)
	return step
}

func logged(h *pipeline.Handler, substr string) bool {
	for _, e := range h.Logs() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestNewCatalog_RegistersEveryStep(t *testing.T) {
	c := NewCatalog(testDeps(newFakeLLM(nil)))

	want := map[string]string{
		"mosaic_datasource":       CategoryDataSources,
		"chromem_datasource":      CategoryDataSources,
		"qdrant_datasource":       CategoryDataSources,
		"reduction":               CategoryPreProcessing,
		"content_extractor":       CategoryPreProcessing,
		"basic_content_extractor": CategoryPreProcessing,
		"punctuation_removal":     CategoryPreProcessing,
		"stopword_removal":        CategoryPreProcessing,
		"text_stemmer":            CategoryPreProcessing,
		"curlie_filter":           CategoryPreProcessing,
		"geo_filter":              CategoryPreProcessing,
		"word_counter":            CategoryMetadataAnalysis,
		"sentiment_analysis":      CategoryMetadataAnalysis,
		"relevance_marking":       CategoryMetadataAnalysis,
		"document_summarizer":     CategorySummarizers,
		"results_summarizer":      CategorySummarizers,
		"embedding_reranker":      CategoryRerankers,
		"tf_idf_reranker":         CategoryRerankers,
		"bm25_reranker":           CategoryRerankers,
		"tournament_reranker":     CategoryRerankers,
		"group_reranker":          CategoryRerankers,
	}
	infos := c.Infos()
	assert.Len(t, infos, len(want))
	for _, info := range infos {
		assert.Equal(t, want[info.ID], info.Category, info.ID)
		assert.NotEmpty(t, info.Name, info.ID)
	}

	info, ok := c.Lookup("tournament_reranker")
	require.True(t, ok)
	assert.Equal(t, "gemma2", info.Parameters["model"].Default)
	assert.Equal(t, []string{"gemma2", "llama3.1"}, info.Parameters["model"].SupportedValues)
}

func TestCatalog_BuildErrors(t *testing.T) {
	withLLM := NewCatalog(testDeps(newFakeLLM(nil)))
	withoutLLM := NewCatalog(testDeps(nil))

	tests := []struct {
		name    string
		catalog *pipeline.Catalog
		id      string
		params  pipeline.Params
		wantErr error
	}{
		{"unknown model", withLLM, "tournament_reranker", pipeline.Params{"model": "gpt-17"}, pipeline.ErrConfig},
		{"unknown summarizer model", withLLM, "document_summarizer", pipeline.Params{"model": "nope"}, pipeline.ErrConfig},
		{"no llm", withoutLLM, "group_reranker", nil, ErrBackendUnavailable},
		{"no embeddings", withLLM, "embedding_reranker", nil, ErrBackendUnavailable},
		{"no chromem", withLLM, "chromem_datasource", nil, ErrBackendUnavailable},
		{"no qdrant", withLLM, "qdrant_datasource", nil, ErrBackendUnavailable},
		{"bad filter mode", withLLM, "curlie_filter", pipeline.Params{"filter_mode": "XOR"}, pipeline.ErrConfig},
		{"bad mosaic url", withLLM, "mosaic_datasource", pipeline.Params{"url": "not a url"}, pipeline.ErrConfig},
		{"bad limit", withLLM, "mosaic_datasource", pipeline.Params{"limit": "many"}, pipeline.ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.catalog.Build(tt.id, tt.params)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCatalog_BuildsRerankers(t *testing.T) {
	deps := testDeps(newFakeLLM(nil))
	deps.Embeddings = oracle.NewEmbedderFactory(config.EmbeddingConfig{BaseURL: "http://localhost:1/v1", Models: []string{"bge-small"}})
	c := NewCatalog(deps)

	group, ok := build(t, c, "group_reranker", pipeline.Params{"window_size": "3", "query": "other"}).(*reranker.Group)
	require.True(t, ok)
	assert.Equal(t, 3, group.K)
	assert.Equal(t, "other", group.Query)

	group = build(t, c, "group_reranker", pipeline.Params{"window_size": "x"}).(*reranker.Group)
	assert.Equal(t, reranker.DefaultWindow, group.K)

	lexical := build(t, c, "tf_idf_reranker", pipeline.Params{"similarity_metric": "manhattan"}).(*reranker.Lexical)
	assert.Equal(t, reranker.Manhattan, lexical.Metric)
	lexical = build(t, c, "bm25_reranker", nil).(*reranker.Lexical)
	assert.Equal(t, reranker.BM25, lexical.Metric)

	_, ok = build(t, c, "embedding_reranker", nil).(*reranker.Direct)
	assert.True(t, ok)
	_, err := c.Build("embedding_reranker", pipeline.Params{"model": "unknown"})
	var cfgErr *pipeline.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, pipeline.KindUnknownModel, cfgErr.Kind)
}

// mosaicServer serves ten documents for "solar eclipse"; doc-7 would win
// but sits beyond the reduction cut. The full text of failID answers 502.
func mosaicServer(t *testing.T, failID string) *httptest.Server {
	t.Helper()
	texts := map[string]string{
		"doc-0": "An eclipse of the moon seen from the coast.",
		"doc-1": "The sun is a star in our galaxy.",
		"doc-2": "Rivers flow into the sea.",
		"doc-3": "A solar eclipse happens when the moon covers the sun. Solar eclipse.",
		"doc-4": "Mountains are high.",
		"doc-5": "Bread is baked in ovens.",
		"doc-6": "Cats sleep a lot.",
		"doc-7": "Solar eclipse. Total solar eclipse. Solar eclipse glasses.",
		"doc-8": "Trains run on rails.",
		"doc-9": "Music has rhythm.",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		var docs []map[string]any
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("doc-%d", i)
			docs = append(docs, map[string]any{"id": id, "title": "Title of " + id})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{r.URL.Query().Get("index"): docs}},
		})
	})
	mux.HandleFunc("/api/full-text", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == failID {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"fullText": texts[id]})
	})
	return httptest.NewServer(mux)
}

func TestPipeline_MosaicReductionTFIDF(t *testing.T) {
	srv := mosaicServer(t, "")
	defer srv.Close()

	c := NewCatalog(testDeps(nil))
	runner, err := pipeline.NewRunner(c, pipeline.Spec{
		Query: "solar eclipse",
		Steps: map[string]pipeline.StepSpec{
			"0": {ID: "mosaic_datasource", Parameters: pipeline.Params{"url": srv.URL + "/api/", "limit": "10"}},
			"1": {ID: "reduction", Parameters: pipeline.Params{"k": "5"}},
			"2": {ID: "tf_idf_reranker", Parameters: pipeline.Params{"similarity_metric": "Cosine"}},
		},
	})
	require.NoError(t, err)

	status, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.RunFinished, status.State, status.Error)
	require.NotNil(t, status.Result)

	docs := status.Result.Documents
	require.Len(t, docs, 5)
	var ids []string
	for i, d := range docs {
		ids = append(ids, d["id"].(string))
		assert.Equal(t, i+1, d[pipeline.RankColumnName(1)])
	}
	assert.Equal(t, []string{"doc-3", "doc-0", "doc-1", "doc-2", "doc-4"}, ids)

	s := runner.State()
	col, ok := s.Registry.CurrentRankColumn()
	require.True(t, ok)
	assert.Equal(t, "_reranking_rank_1_", col)
	role, _ := s.Registry.Role(fullTextColumn)
	assert.Equal(t, pipeline.RoleText, role)
	assert.Len(t, s.History, 3)
	assert.Equal(t, 10, s.History[1].Len())
	assert.Equal(t, "solar eclipse", s.Arguments["q"])
}

func TestMosaicSource_QueryMismatch(t *testing.T) {
	srv := mosaicServer(t, "")
	defer srv.Close()

	step := build(t, NewCatalog(testDeps(nil)), "mosaic_datasource", pipeline.Params{"url": srv.URL + "/api"})
	s := pipeline.NewState("solar eclipse", map[string]any{"q": "lunar eclipse"})
	err := step.Transform(context.Background(), s, pipeline.NewHandler())
	assert.ErrorIs(t, err, pipeline.ErrConfig)
	assert.Zero(t, s.Table.Len())
}

func TestMosaicSource_FullTextFailure(t *testing.T) {
	srv := mosaicServer(t, "doc-2")
	defer srv.Close()

	step := build(t, NewCatalog(testDeps(nil)), "mosaic_datasource", pipeline.Params{"url": srv.URL + "/api"})
	s := pipeline.NewState("solar eclipse", nil)
	h := pipeline.NewHandler()
	require.NoError(t, step.Transform(context.Background(), s, h))

	require.Equal(t, 10, s.Table.Len())
	assert.Equal(t, "", s.Table.Text(2, fullTextColumn))
	assert.Equal(t, "The sun is a star in our galaxy.", s.Table.Text(1, fullTextColumn))
	assert.Equal(t, 3, s.Table.Value(2, pipeline.OriginalRankColumn))
	assert.True(t, logged(h, "could not be retrieved for 1 of 10"))
	assert.Equal(t, 100.0, h.Status().Percentage)
}

func TestMosaicSource_StopsFetchingOnCancel(t *testing.T) {
	h := pipeline.NewHandler()
	var requests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		var docs []map[string]any
		for i := 0; i < 10; i++ {
			docs = append(docs, map[string]any{"id": fmt.Sprintf("doc-%d", i)})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{r.URL.Query().Get("index"): docs}},
		})
	})
	mux.HandleFunc("/api/full-text", func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		h.Cancel()
		_ = json.NewEncoder(w).Encode(map[string]string{"fullText": "text"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	step := build(t, NewCatalog(testDeps(nil)), "mosaic_datasource", pipeline.Params{"url": srv.URL + "/api"})
	s := pipeline.NewState("solar eclipse", nil)
	require.NoError(t, step.Transform(context.Background(), s, h))

	// Only requests already in flight when the first one returned may finish.
	assert.LessOrEqual(t, requests.Load(), int32(4))
	require.Equal(t, 10, s.Table.Len())
	assert.Nil(t, s.Table.Value(9, fullTextColumn))
	assert.True(t, logged(h, "was not requested"))
}

type fakeSearcher struct {
	hits  []retrieval.Hit
	err   error
	query string
	limit int
}

func (f *fakeSearcher) Search(_ context.Context, query string, limit int) ([]retrieval.Hit, error) {
	f.query, f.limit = query, limit
	return f.hits, f.err
}

func TestVectorSource(t *testing.T) {
	searcher := &fakeSearcher{hits: []retrieval.Hit{
		{ID: "b", Content: "second best", Score: 0.9, Metadata: map[string]any{"lang": "eng", "id": "ignored"}},
		{ID: "a", Content: "third best", Score: 0.4},
	}}
	deps := testDeps(nil)
	deps.Qdrant = searcher
	step := build(t, NewCatalog(deps), "qdrant_datasource", pipeline.Params{"limit": "5"})

	s := pipeline.NewState("stars", nil)
	require.NoError(t, step.Transform(context.Background(), s, pipeline.NewHandler()))
	assert.Equal(t, "stars", searcher.query)
	assert.Equal(t, 5, searcher.limit)

	require.Equal(t, 2, s.Table.Len())
	assert.Equal(t, "b", s.Table.Value(0, "id"))
	assert.Equal(t, "eng", s.Table.Value(0, "lang"))
	assert.Equal(t, "second best", s.Table.Text(0, fullTextColumn))
	assert.Equal(t, 0.9, s.Table.Value(0, "score"))
	assert.Equal(t, 2, s.Table.Value(1, pipeline.OriginalRankColumn))
	role, _ := s.Registry.Role(fullTextColumn)
	assert.Equal(t, pipeline.RoleText, role)

	searcher.err = errors.New("unavailable")
	err := step.Transform(context.Background(), pipeline.NewState("stars", nil), pipeline.NewHandler())
	assert.ErrorContains(t, err, "unavailable")
}

func TestParseK(t *testing.T) {
	assert.Equal(t, 3, parseK("3"))
	assert.Equal(t, 10, parseK("ten"))
	assert.Equal(t, 10, parseK("-1"))
	assert.Equal(t, 10, parseK(""))
	assert.Equal(t, 0, parseK("0"))
}

func TestReduction(t *testing.T) {
	s := loadState("q", textRows("text", "a", "b", "c", "d")...)
	_, err := s.AddRanking([]int{3, 1, 4, 2})
	require.NoError(t, err)

	h := pipeline.NewHandler()
	step := &Reduction{K: 2, RankColumn: pipeline.RankColumnName(1)}
	require.NoError(t, step.Transform(context.Background(), s, h))
	assert.Equal(t, []string{"b", "d"}, s.Table.TextColumn("text"))
	assert.Len(t, s.History, 1)

	step = &Reduction{K: 5, RankColumn: pipeline.OriginalRankColumn}
	require.NoError(t, step.Transform(context.Background(), s, h))
	assert.Equal(t, []string{"b", "d"}, s.Table.TextColumn("text"))
	assert.True(t, logged(h, "larger than the current result set"))
}

func TestReduction_UnknownRankColumn(t *testing.T) {
	s := loadState("q", textRows("text", "a")...)
	for _, col := range []string{"missing", "text"} {
		err := (&Reduction{K: 1, RankColumn: col}).Transform(context.Background(), s, pipeline.NewHandler())
		var cfgErr *pipeline.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, pipeline.KindUnknownRankColumn, cfgErr.Kind)
	}
}

func TestDocumentSummarizer(t *testing.T) {
	llm := newFakeLLM(func(req oracle.Request) (string, error) {
		return "  summary of " + strings.TrimPrefix(req.Prompt, defaultSummarizePrompt) + "\n", nil
	})
	c := NewCatalog(testDeps(llm))
	step := build(t, c, "document_summarizer", pipeline.Params{"model": "llama3.1"})

	backend := cache.NewMemory(cache.Config{})
	s := loadState("q", textRows(fullTextColumn, "alpha", "", "alpha")...)
	require.NoError(t, step.Transform(context.Background(), s, pipeline.NewHandler(pipeline.WithCache(backend))))

	assert.Equal(t, []string{"summary of alpha", "", "summary of alpha"}, s.Table.TextColumn("summary"))
	calls := llm.requests()
	require.Len(t, calls, 1)
	assert.Equal(t, "llama3.1", calls[0].Model)
	assert.Equal(t, defaultSummarizePrompt+"alpha", calls[0].Prompt)
	role, _ := s.Registry.Role("summary")
	assert.Equal(t, pipeline.RoleText, role)
}

func TestResultsSummarizer(t *testing.T) {
	llm := newFakeLLM(func(oracle.Request) (string, error) { return "The answer.", nil })
	step := build(t, NewCatalog(testDeps(llm)), "results_summarizer", nil)

	backend := cache.NewMemory(cache.Config{})
	for i := 0; i < 2; i++ {
		s := loadState("what is it", textRows(fullTextColumn, "one", "two")...)
		h := pipeline.NewHandler(pipeline.WithCache(backend))
		h.Reset("results_summarizer")
		require.NoError(t, step.Transform(context.Background(), s, h))
		assert.Equal(t, "The answer.", s.Aggregated["Summary"])
	}

	calls := llm.requests()
	require.Len(t, calls, 1)
	assert.Equal(t, "Query: what is it<SEP>one<SEP>two", calls[0].Prompt)
	assert.Equal(t, resultsSystemPrompt, calls[0].System)

	err := step.Transform(context.Background(), loadState("q", textRows("text", "x")...), pipeline.NewHandler())
	assert.ErrorIs(t, err, pipeline.ErrConfig)
}

func TestContentExtractor(t *testing.T) {
	step := build(t, NewCatalog(testDeps(nil)), "content_extractor", nil)
	s := loadState("q", textRows(fullTextColumn,
		`<html><body><h1>Eclipses</h1><p>The moon <a href="https://example.com">covers</a> the sun.</p></body></html>`,
		"",
	)...)
	require.NoError(t, step.Transform(context.Background(), s, pipeline.NewHandler()))

	out := s.Table.Text(0, filteredText)
	assert.Contains(t, out, "Eclipses")
	assert.Contains(t, out, "covers")
	assert.NotContains(t, out, "<p>")
	assert.NotContains(t, out, "example.com")
	assert.Equal(t, "", s.Table.Text(1, filteredText))
	role, _ := s.Registry.Role(filteredText)
	assert.Equal(t, pipeline.RoleText, role)
}

func TestExtractMainContent(t *testing.T) {
	var lines, long []string
	for i := 0; i < 12; i++ {
		lines = append(lines, "item"+string(rune('a'+i)))
		if i == 4 {
			lines = append(lines, "Contact us for pricing information and more")
		}
	}
	for i := 0; i < 6; i++ {
		long = append(long, strings.TrimSpace(strings.Repeat("word ", 30)))
	}
	lines = append(lines, long...)

	assert.Equal(t, strings.Join(long, "\n"), ExtractMainContent(strings.Join(lines, "\n")))
	assert.Equal(t, "just one line", ExtractMainContent("just one line"))
	assert.Equal(t, "Home\nLogin", ExtractMainContent("Home\nLogin"))
}

func TestRemovePunctuation(t *testing.T) {
	assert.Equal(t, "Hello world Its a testcase", RemovePunctuation("Hello, world! It's a test-case."))
	assert.Equal(t, "wait what", RemovePunctuation("wait ... what"))
	assert.Equal(t, "", RemovePunctuation(""))
}

func TestWordCounter(t *testing.T) {
	step := build(t, NewCatalog(testDeps(nil)), "word_counter", nil)
	s := loadState("q", textRows(fullTextColumn, "one two three", "", "single")...)
	require.NoError(t, step.Transform(context.Background(), s, pipeline.NewHandler()))

	assert.Equal(t, []string{"3", "0", "1"}, s.Table.TextColumn("wordCount"))
	role, _ := s.Registry.Role("wordCount")
	assert.Equal(t, pipeline.RoleChip, role)
}

func TestTextStemmer(t *testing.T) {
	step := build(t, NewCatalog(testDeps(nil)), "text_stemmer", pipeline.Params{"input_column": fullTextColumn})
	s := loadState("q",
		pipeline.Row{fullTextColumn: "Running cats", "language": "eng"},
		pipeline.Row{fullTextColumn: "Running cats", "language": "xx"},
		pipeline.Row{fullTextColumn: "Running cats", "language": "ENG"},
	)
	h := pipeline.NewHandler()
	require.NoError(t, step.Transform(context.Background(), s, h))

	assert.Equal(t, []string{"run cat", "Running cats", "run cat"}, s.Table.TextColumn(cleanedText))
	warnings := h.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, pipeline.WarnUnsupportedLanguage, warnings[0].Kind)
	assert.Contains(t, warnings[0].Message, "xx")
	assert.Len(t, s.History, 1)
}

func TestStopwordRemoval(t *testing.T) {
	step := build(t, NewCatalog(testDeps(nil)), "stopword_removal", pipeline.Params{"input_column": fullTextColumn})
	s := loadState("q", pipeline.Row{fullTextColumn: "The cat is on the mat", "language": "eng"})
	h := pipeline.NewHandler()
	require.NoError(t, step.Transform(context.Background(), s, h))

	words := strings.Fields(s.Table.Text(0, cleanedText))
	assert.Contains(t, words, "cat")
	assert.Contains(t, words, "mat")
	assert.NotContains(t, words, "the")
	assert.NotContains(t, words, "is")
	assert.Empty(t, h.Warnings())

	noLanguage := loadState("q", pipeline.Row{fullTextColumn: "The cat"})
	h = pipeline.NewHandler()
	require.NoError(t, step.Transform(context.Background(), noLanguage, h))
	assert.Equal(t, "The cat", noLanguage.Table.Text(0, cleanedText))
	require.Len(t, h.Warnings(), 1)
	assert.Contains(t, h.Warnings()[0].Message, "<none>")
}

func TestCurlieFilter(t *testing.T) {
	rows := func() []pipeline.Row {
		return []pipeline.Row{
			{"id": 0, defaultCurlieColumn: []string{"Arts", "Science"}},
			{"id": 1, defaultCurlieColumn: []any{"Arts"}},
			{"id": 2, defaultCurlieColumn: "Health, Science"},
			{"id": 3},
		}
	}
	ids := func(s *pipeline.State) []int {
		var out []int
		for i := 0; i < s.Table.Len(); i++ {
			out = append(out, s.Table.Value(i, "id").(int))
		}
		return out
	}
	c := NewCatalog(testDeps(nil))

	tests := []struct {
		mode, labels string
		want         []int
	}{
		{"OR", "Arts", []int{0, 1}},
		{"or", "Arts, Health", []int{0, 1, 2}},
		{"AND", "Arts,Science", []int{0}},
		{"NOT", "Arts", []int{2, 3}},
		{"AND", " , ", []int{0, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.mode+" "+tt.labels, func(t *testing.T) {
			step := build(t, c, "curlie_filter", pipeline.Params{"filter_mode": tt.mode, "filter_by": tt.labels})
			s := loadState("q", rows()...)
			require.NoError(t, step.Transform(context.Background(), s, pipeline.NewHandler()))
			assert.Equal(t, tt.want, ids(s))
		})
	}

	step := build(t, c, "curlie_filter", pipeline.Params{"curlie_column": "labels"})
	err := step.Transform(context.Background(), loadState("q", rows()...), pipeline.NewHandler())
	assert.ErrorIs(t, err, pipeline.ErrConfig)
}

func TestCurlieFilter_StopsOnCancel(t *testing.T) {
	step := build(t, NewCatalog(testDeps(nil)), "curlie_filter", pipeline.Params{"filter_mode": "NOT", "filter_by": "Arts"})
	s := loadState("q",
		pipeline.Row{"id": 0, defaultCurlieColumn: "Science"},
		pipeline.Row{"id": 1, defaultCurlieColumn: "Health"},
	)
	h := pipeline.NewHandler()
	h.Cancel()
	require.NoError(t, step.Transform(context.Background(), s, h))

	assert.Equal(t, 0, s.Table.Len())
	assert.True(t, logged(h, "cancelled after 0 of 2 rows"))
	assert.Equal(t, "0/2", h.Status().Progress)
}

func TestGeoFilter(t *testing.T) {
	c := NewCatalog(testDeps(nil))
	step := build(t, c, "geo_filter", pipeline.Params{
		"latitude_value_p1": "50.5", "longitude_value_p1": "-10",
		"latitude_value_p2": "40", "longitude_value_p2": "20",
	})
	s := loadState("q",
		pipeline.Row{"id": 0, "latitude": 45.0, "longitude": 5.0},
		pipeline.Row{"id": 1, "latitude": 60.0, "longitude": 5.0},
		pipeline.Row{"id": 2, "latitude": 45.0, "longitude": "25"},
		pipeline.Row{"id": 3, "latitude": "47.1", "longitude": "15.2"},
		pipeline.Row{"id": 4},
	)
	h := pipeline.NewHandler()
	require.NoError(t, step.Transform(context.Background(), s, h))
	assert.Equal(t, []any{0, 3}, s.Table.Column("id"))
	assert.False(t, logged(h, "invalid values"))

	step = build(t, c, "geo_filter", pipeline.Params{"latitude_value_p1": "north"})
	s = loadState("q", pipeline.Row{"id": 0, "latitude": 0.0, "longitude": 0.0}, pipeline.Row{"id": 1, "latitude": 1.0, "longitude": 0.0})
	h = pipeline.NewHandler()
	require.NoError(t, step.Transform(context.Background(), s, h))
	assert.True(t, logged(h, "Latitude Point 1"))
	assert.Equal(t, []any{0}, s.Table.Column("id"))

	err := step.Transform(context.Background(), loadState("q", pipeline.Row{"lat": 1.0}), pipeline.NewHandler())
	assert.ErrorIs(t, err, pipeline.ErrConfig)
}

func TestParseSentiment(t *testing.T) {
	label, ok := ParseSentiment(`{"label": "Joy", "score": 0.93}`)
	assert.True(t, ok)
	assert.Equal(t, "joy", label)

	label, ok = ParseSentiment(`Sure! {"label": "anger", "score": 0.8`)
	assert.True(t, ok)
	assert.Equal(t, "anger", label)

	_, ok = ParseSentiment(`{"label": "boredom"}`)
	assert.False(t, ok)
	_, ok = ParseSentiment("I cannot tell.")
	assert.False(t, ok)
}

func TestSentimentAnalysis_DegradesPerRow(t *testing.T) {
	llm := newFakeLLM(func(req oracle.Request) (string, error) {
		switch req.Prompt {
		case "I love this":
			return `{"label": "love", "score": 0.97}`, nil
		case "gibberish":
			return "no idea", nil
		default:
			return "", errors.New("connection reset")
		}
	})
	step := build(t, NewCatalog(testDeps(llm)), "sentiment_analysis", nil)
	s := loadState("q", textRows(fullTextColumn, "I love this", "gibberish", "unreachable", "")...)
	h := pipeline.NewHandler()
	require.NoError(t, step.Transform(context.Background(), s, h))

	assert.Equal(t, []string{"love", "neutral", "neutral", "neutral"}, s.Table.TextColumn("sentiment"))
	warnings := h.Warnings()
	require.Len(t, warnings, 2)
	for _, w := range warnings {
		assert.Equal(t, pipeline.WarnRowFailure, w.Kind)
	}
	assert.Len(t, llm.requests(), 3)
	role, _ := s.Registry.Role("sentiment")
	assert.Equal(t, pipeline.RoleChip, role)
}

func TestQuickRatio(t *testing.T) {
	assert.Equal(t, 1.0, QuickRatio("abc", "cba"))
	assert.Equal(t, 0.0, QuickRatio("abc", "xyz"))
	assert.Equal(t, 1.0, QuickRatio("", ""))
	assert.InDelta(t, 0.92, QuickRatio("[ANSWER] **Lego** is a toy.", "[ANSWER] Lego is a toy."), 1e-9)
}

func TestValidateMarking(t *testing.T) {
	marked, ok := ValidateMarking("[ANSWER] **Lego** is a toy.", "Lego is a toy.")
	assert.True(t, ok)
	assert.Equal(t, "**Lego** is a toy.", marked)

	_, ok = ValidateMarking("**Lego** is a toy.", "Lego is a toy.")
	assert.False(t, ok)
	_, ok = ValidateMarking("[ANSWER] **Lego**", "Lego is a toy that children build houses with.")
	assert.False(t, ok)
}

func TestRelevanceMarking(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	llm := newFakeLLM(func(req oracle.Request) (string, error) {
		if req.System == problemSystemPrompt {
			return "Always start with [ANSWER].", nil
		}
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.Contains(req.Prompt, "Lego is a toy."):
			attempts["lego"]++
			if attempts["lego"] == 1 {
				return "Here you go: **Lego** is a toy.", nil
			}
			return "[ANSWER] **Lego** is a toy.", nil
		default:
			return "I refuse.", nil
		}
	})
	step := build(t, NewCatalog(testDeps(llm)), "relevance_marking", pipeline.Params{"query": "toys"})
	s := loadState("ignored", textRows(fullTextColumn, "Lego is a toy.", "Bricks are red.")...)
	h := pipeline.NewHandler()
	require.NoError(t, step.Transform(context.Background(), s, h))

	assert.Equal(t, []string{"**Lego** is a toy.", "Bricks are red."}, s.Table.TextColumn("highlight-full-text"))
	assert.True(t, logged(h, "Additional rule created: Always start with [ANSWER]."))

	warnings := h.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, pipeline.WarnUnparseableAnswer, warnings[0].Kind)

	var marking, rules int
	for _, req := range llm.requests() {
		if req.System == problemSystemPrompt {
			rules++
			continue
		}
		marking++
		assert.Contains(t, req.Prompt, "[QUERY] toys")
	}
	// lego: 2 marking + 1 rule; bricks: 3 marking + 2 rules.
	assert.Equal(t, 5, marking)
	assert.Equal(t, 3, rules)
	assert.True(t, strings.HasPrefix(llm.requests()[2].Prompt, "Additional rule for the ruleset: -) Always start with [ANSWER]."))
}
