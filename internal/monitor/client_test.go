package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(pipeline.Status{State: pipeline.RunRunning, PipelineProgress: "1/2"})
	})
	mux.HandleFunc("/api/v1/runs/run-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(pipeline.Status{State: pipeline.RunCancelled, Finished: true})
	})
	mux.HandleFunc("/api/v1/runs/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/api/v1/runs/garbled", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Run(t *testing.T) {
	srv := testServer(t)
	client := NewClient(srv.URL + "/")

	st, err := client.Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunRunning, st.State)
	assert.Equal(t, "1/2", st.PipelineProgress)
}

func TestClient_Cancel(t *testing.T) {
	srv := testServer(t)

	st, err := NewClient(srv.URL).Cancel(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCancelled, st.State)
	assert.True(t, st.Finished)
}

func TestClient_Errors(t *testing.T) {
	srv := testServer(t)
	client := NewClient(srv.URL)

	_, err := client.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = client.Run(context.Background(), "broken")
	assert.ErrorContains(t, err, "unexpected status code 500")
	assert.ErrorContains(t, err, "boom")

	_, err = client.Run(context.Background(), "garbled")
	assert.ErrorContains(t, err, "failed to decode response")
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Run(context.Background(), "run-1")
	assert.ErrorContains(t, err, "request failed")
}
