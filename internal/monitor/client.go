package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

// ErrRunNotFound is returned when the server does not know the run.
var ErrRunNotFound = errors.New("run not found")

// Client talks to the rankpipe HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Run fetches the status of run id.
func (c *Client) Run(ctx context.Context, id string) (pipeline.Status, error) {
	var st pipeline.Status
	err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), &st)
	return st, err
}

// Cancel requests cancellation of run id and returns its status.
func (c *Client) Cancel(ctx context.Context, id string) (pipeline.Status, error) {
	var st pipeline.Status
	err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(id)+"/cancel", &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrRunNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
