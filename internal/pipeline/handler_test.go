package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/rankpipe/internal/cache"
	"github.com/fyrsmithlabs/rankpipe/internal/logging"
)

func TestHandler_ProgressNormalization(t *testing.T) {
	h := NewHandler()

	h.UpdateProgress(0, 0)
	st := h.Status()
	assert.Equal(t, "0/1", st.Progress)
	assert.Equal(t, 0.0, st.Percentage)

	h.UpdateProgress(5, 4)
	st = h.Status()
	assert.Equal(t, "4/4", st.Progress)
	assert.Equal(t, 100.0, st.Percentage)

	h.UpdateProgress(1, 4)
	h.IncrementProgress()
	assert.Equal(t, "2/4", h.Status().Progress)
	assert.Equal(t, 50.0, h.Status().Percentage)
}

func TestHandler_ConcurrentProgress(t *testing.T) {
	h := NewHandler()
	h.UpdateProgress(0, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.IncrementProgress()
				_ = h.Status()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, "1000/1000", h.Status().Progress)
}

func TestHandler_LogsAndWarnings(t *testing.T) {
	tl := logging.NewTestLogger()
	h := NewHandler(WithHandlerLogger(tl.Logger))
	h.Reset("word_counter")

	h.Log("counting words")
	h.Warn(Warning{Kind: WarnUnsupportedLanguage, Message: "language xyz not supported"})

	st := h.Status()
	require.Len(t, st.Logs, 1)
	assert.Contains(t, st.Logs[0], "counting words")
	require.Len(t, st.Warnings, 1)
	assert.Equal(t, "word_counter", st.Warnings[0].Step)
	assert.Equal(t, "[WARNING] - [UNSUPPORTED LANGUAGE]: language xyz not supported", st.Warnings[0].String())
	assert.Contains(t, h.String(), "counting words")

	tl.AssertLogged(t, zapcore.InfoLevel, "counting words")
	tl.AssertLogged(t, zapcore.WarnLevel, "language xyz not supported")
	tl.AssertField(t, "counting words", "step_id", "word_counter")
}

func TestHandler_BoundContextCorrelatesLogs(t *testing.T) {
	tl := logging.NewTestLogger()
	h := NewHandler(WithHandlerLogger(tl.Logger))
	h.Reset("word_counter")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01, 0x02},
		SpanID:  trace.SpanID{0x03},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	h.bind(logging.WithStepID(ctx, "word_counter"))

	h.Log("counting words")
	h.Warn(Warning{Kind: WarnUnsupportedLanguage, Message: "language xyz not supported"})

	tl.AssertField(t, "counting words", "trace_id", sc.TraceID().String())
	tl.AssertField(t, "counting words", "step.id", "word_counter")
	tl.AssertField(t, "language xyz", "span_id", sc.SpanID().String())
	tl.AssertField(t, "language xyz", "warning_kind", string(WarnUnsupportedLanguage))

	// Reset unbinds, so the next step falls back to the plain field.
	h.Reset("stemmer")
	h.Log("stemming")
	tl.AssertField(t, "stemming", "step_id", "stemmer")
	for _, e := range tl.FilterMessage("stemming").All() {
		assert.NotContains(t, e.ContextMap(), "trace_id")
	}
}

func TestHandler_ResetKeepsCountersAndLogs(t *testing.T) {
	ctx := context.Background()
	h := NewHandler(WithCache(cache.NewMemory(cache.Config{})))
	h.Reset("a")
	h.UpdateProgress(3, 3)
	h.Log("first step")
	h.Cancel()

	h.GetCache(ctx, "missing")
	h.PutCache(ctx, "k", "v")
	h.GetCache(ctx, "k")

	h.Reset("b")
	assert.False(t, h.ShouldCancel())
	assert.Equal(t, "0/1", h.Status().Progress)
	assert.Len(t, h.Logs(), 1)

	hits, misses := h.CacheStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 0.5, h.CacheHitRatio())
}

func TestHandler_CacheNamespacedByStep(t *testing.T) {
	ctx := context.Background()
	h := NewHandler(WithCache(cache.NewMemory(cache.Config{})))

	h.Reset("summarizer")
	h.PutCache(ctx, "key", "summary")

	h.Reset("word_counter")
	_, ok := h.GetCache(ctx, "key")
	assert.False(t, ok)

	h.Reset("summarizer")
	v, ok := h.GetCache(ctx, "key")
	require.True(t, ok)
	assert.Equal(t, "summary", v)
}

func TestHandler_CachePreservesIntegers(t *testing.T) {
	ctx := context.Background()
	h := NewHandler(WithCache(cache.NewMemory(cache.Config{})))
	h.Reset("s")

	h.PutCache(ctx, "n", 42)
	h.PutCache(ctx, "f", 0.25)

	n, ok := h.GetCache(ctx, "n")
	require.True(t, ok)
	assert.Equal(t, 42, n)

	f, ok := h.GetCache(ctx, "f")
	require.True(t, ok)
	assert.Equal(t, 0.25, f)
}

func TestHandler_NoCacheBackend(t *testing.T) {
	ctx := context.Background()
	h := NewHandler()
	h.Reset("s")

	assert.False(t, h.CachingEnabled())
	h.PutCache(ctx, "k", "v")
	_, ok := h.GetCache(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0.0, h.CacheHitRatio())
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, error) {
	return nil, assert.AnError
}
func (failingCache) Set(context.Context, string, []byte) error { return assert.AnError }
func (failingCache) Close() error                               { return nil }

func TestHandler_BackendFailureIsAMiss(t *testing.T) {
	ctx := context.Background()
	h := NewHandler(WithCache(failingCache{}))
	h.Reset("s")

	h.PutCache(ctx, "k", "v")
	_, ok := h.GetCache(ctx, "k")
	assert.False(t, ok)

	_, misses := h.CacheStats()
	assert.Equal(t, int64(1), misses)
}
