package steps

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
	"github.com/fyrsmithlabs/rankpipe/internal/retrieval"
)

const (
	defaultMosaicURL   = "https://mosaic.ows.eu/service/api/"
	defaultMosaicIndex = "simplewiki"
	defaultLimit       = "10"
	fullTextColumn     = "full-text"
)

func registerDataSources(c *pipeline.Catalog, deps Deps) {
	mosaicURL := deps.Retrieval.Mosaic.URL
	if mosaicURL == "" {
		mosaicURL = defaultMosaicURL
	}
	limits := []string{"5", "10", "20", "50", "100"}

	c.MustRegister(pipeline.Info{
		ID:          "mosaic_datasource",
		Name:        "MOSAIC Data Source",
		Category:    CategoryDataSources,
		Description: "Retrieve documents from a MOSAIC search index and fetch their full texts.",
		Parameters: map[string]pipeline.Parameter{
			"output_column": outputColumn("The full text of each document is stored in this column.", fullTextColumn, fullTextColumn),
			"url":           dropdown("MOSAIC URL", "Base URL of the MOSAIC search service.", mosaicURL, "http://localhost:8008", defaultMosaicURL),
			"limit":         dropdown("Result limit", "Maximum number of documents to retrieve.", defaultLimit, limits...),
			"search_index":  dropdown("Search index", "The index to search in.", defaultMosaicIndex, "simplewiki", "unis-graz"),
		},
	}, func(p pipeline.Params) (pipeline.Step, error) {
		limit, err := p.Int("limit", 10)
		if err != nil {
			return nil, err
		}
		timeout := deps.Retrieval.Mosaic.Timeout.Duration()
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		client, err := retrieval.NewMosaic(p.String("url", mosaicURL), timeout, deps.Retrieval.FetchLimit)
		if err != nil {
			return nil, pipeline.InvalidParameter("url", p.String("url", mosaicURL))
		}
		return &MosaicSource{
			client: client,
			Output: p.String("output_column", fullTextColumn),
			Index:  p.String("search_index", defaultMosaicIndex),
			Limit:  limit,
		}, nil
	})

	vectorParams := func(backend string) map[string]pipeline.Parameter {
		return map[string]pipeline.Parameter{
			"output_column": outputColumn("The document text is stored in this column.", fullTextColumn, fullTextColumn),
			"limit":         dropdown("Result limit", "Maximum number of documents to retrieve from "+backend+".", defaultLimit, limits...),
		}
	}
	vectorFactory := func(id string, searcher func() retrieval.Searcher) pipeline.Factory {
		return func(p pipeline.Params) (pipeline.Step, error) {
			s := searcher()
			if s == nil {
				return nil, fmt.Errorf("%s: vector store: %w", id, ErrBackendUnavailable)
			}
			limit, err := p.Int("limit", 10)
			if err != nil {
				return nil, err
			}
			if limit < 1 {
				return nil, pipeline.InvalidParameter("limit", strconv.Itoa(limit))
			}
			return &VectorSource{searcher: s, Output: p.String("output_column", fullTextColumn), Limit: limit}, nil
		}
	}

	c.MustRegister(pipeline.Info{
		ID:          "chromem_datasource",
		Name:        "Embedded Vector Data Source",
		Category:    CategoryDataSources,
		Description: "Retrieve the documents most similar to the query from the embedded vector store.",
		Parameters:  vectorParams("the embedded vector store"),
	}, vectorFactory("chromem_datasource", func() retrieval.Searcher { return deps.Chromem }))

	c.MustRegister(pipeline.Info{
		ID:          "qdrant_datasource",
		Name:        "Qdrant Data Source",
		Category:    CategoryDataSources,
		Description: "Retrieve the documents most similar to the query from a Qdrant collection.",
		Parameters:  vectorParams("Qdrant"),
	}, vectorFactory("qdrant_datasource", func() retrieval.Searcher { return deps.Qdrant }))
}

// MosaicSource loads the table from a MOSAIC search and fetches every
// document's full text.
type MosaicSource struct {
	client *retrieval.Mosaic
	Output string
	Index  string
	Limit  int
}

// Transform implements pipeline.Step. A "q" run argument must agree with the
// run query; the search parameters are written back into the arguments.
func (m *MosaicSource) Transform(ctx context.Context, s *pipeline.State, h *pipeline.Handler) error {
	if q, ok := s.Arguments["q"]; ok && pipeline.Stringify(q) != s.Query {
		return pipeline.InvalidParameter("q", pipeline.Stringify(q))
	}
	if s.Query == "" {
		return pipeline.InvalidParameter("q", "")
	}
	s.Arguments["q"] = s.Query
	s.Arguments["index"] = m.Index
	s.Arguments["limit"] = m.Limit

	params := url.Values{}
	for _, k := range sortedArgs(s.Arguments) {
		params.Set(k, pipeline.Stringify(s.Arguments[k]))
	}

	h.UpdateProgress(0, 1)
	docs, err := m.client.Search(ctx, params)
	if err != nil {
		return fmt.Errorf("searching index %s: %w", m.Index, err)
	}
	if len(docs) == 0 {
		h.Logf("No documents found in index %s for query %q", m.Index, s.Query)
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = pipeline.Stringify(d["id"])
	}

	h.UpdateProgress(0, len(docs))
	texts := m.client.FullTexts(ctx, ids, h.ShouldCancel, func(int) { h.IncrementProgress() })

	rows := make([]pipeline.Row, len(docs))
	failed, skipped := 0, 0
	for i, d := range docs {
		row := pipeline.Row(d)
		switch err := texts[i].Err; {
		case err == nil:
			row[m.Output] = texts[i].Value
		case errors.Is(err, retrieval.ErrStopped):
			skipped++
			row[m.Output] = nil
		default:
			failed++
			row[m.Output] = ""
		}
		rows[i] = row
	}
	if failed > 0 {
		h.Logf("Full text could not be retrieved for %d of %d documents", failed, len(docs))
	}
	if skipped > 0 {
		h.Logf("Cancelled: full text of %d of %d documents was not requested", skipped, len(docs))
	}

	s.LoadDocuments(rows)
	if len(rows) == 0 {
		_ = s.Table.SetColumn(m.Output, []any{})
	}
	s.Registry.SetRole(m.Output, pipeline.RoleText)
	s.Snapshot()
	return nil
}

// VectorSource loads the table from a similarity search over a vector
// store, in the store's order.
type VectorSource struct {
	searcher retrieval.Searcher
	Output   string
	Limit    int
}

// Transform implements pipeline.Step.
func (v *VectorSource) Transform(ctx context.Context, s *pipeline.State, h *pipeline.Handler) error {
	if s.Query == "" {
		return pipeline.InvalidParameter("query", "")
	}
	h.UpdateProgress(0, 1)
	hits, err := v.searcher.Search(ctx, s.Query, v.Limit)
	if err != nil {
		return fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		h.Logf("No documents found for query %q", s.Query)
	}

	rows := make([]pipeline.Row, len(hits))
	for i, hit := range hits {
		row := pipeline.Row{}
		for k, val := range hit.Metadata {
			row[k] = val
		}
		row["id"] = hit.ID
		row["score"] = hit.Score
		row[v.Output] = hit.Content
		rows[i] = row
	}

	s.LoadDocuments(rows)
	if len(rows) == 0 {
		_ = s.Table.SetColumn(v.Output, []any{})
	}
	s.Registry.SetRole(v.Output, pipeline.RoleText)
	s.Snapshot()
	h.IncrementProgress()
	return nil
}

func sortedArgs(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
