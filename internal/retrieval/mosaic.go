package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var mosaicTracer = otel.Tracer("rankpipe.retrieval.mosaic")

// maxResponseSize bounds how much of a search or full-text response is read.
const maxResponseSize = 16 << 20

// Mosaic is a client for the MOSAIC search service.
type Mosaic struct {
	baseURL    string
	client     *http.Client
	fetchLimit int
}

// NewMosaic returns a client for the service at baseURL. fetchLimit bounds
// concurrent full-text requests.
func NewMosaic(baseURL string, timeout time.Duration, fetchLimit int) (*Mosaic, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: mosaic url %q", ErrInvalidConfig, baseURL)
	}
	if fetchLimit <= 0 {
		fetchLimit = DefaultFetchLimit
	}
	return &Mosaic{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		fetchLimit: fetchLimit,
	}, nil
}

type searchResponse struct {
	Results []map[string][]map[string]any `json:"results"`
}

// Search queries the service with params (q, index, limit and any extra run
// arguments) and returns the documents of every index, flattened in
// response order.
func (m *Mosaic) Search(ctx context.Context, params url.Values) ([]map[string]any, error) {
	ctx, span := mosaicTracer.Start(ctx, "Mosaic.Search")
	defer span.End()
	span.SetAttributes(attribute.String("index", params.Get("index")))

	body, err := m.get(ctx, "/search", params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	var docs []map[string]any
	for _, byIndex := range resp.Results {
		for _, hits := range byIndex {
			docs = append(docs, hits...)
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(docs)))
	span.SetStatus(codes.Ok, "success")
	return docs, nil
}

// FullText returns the full text of the document id.
func (m *Mosaic) FullText(ctx context.Context, id string) (string, error) {
	body, err := m.get(ctx, "/full-text", url.Values{"id": {id}})
	if err != nil {
		return "", err
	}
	var resp struct {
		FullText string `json:"fullText"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding full text of %s: %w", id, err)
	}
	return resp.FullText, nil
}

// FullTexts fetches the full text of every id with bounded concurrency.
// Results line up with ids. stop is polled before each request, see
// FetchAll. done, when set, is called after each fetch from the fetching
// goroutine.
func (m *Mosaic) FullTexts(ctx context.Context, ids []string, stop func() bool, done func(i int)) []Result[string] {
	ctx, span := mosaicTracer.Start(ctx, "Mosaic.FullTexts")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(ids)), attribute.Int("fetch_limit", m.fetchLimit))

	return FetchAll(ctx, len(ids), m.fetchLimit, stop, func(ctx context.Context, i int) (string, error) {
		text, err := m.FullText(ctx, ids[i])
		if done != nil {
			done(i)
		}
		return text, err
	})
}

func (m *Mosaic) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := m.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSourceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("requesting %s: unexpected status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	return body, nil
}
