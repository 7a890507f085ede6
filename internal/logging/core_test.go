package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func fileConfig(t *testing.T) (*Config, string) {
	path := filepath.Join(t.TempDir(), "rankpipe.log")
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.File.Path = path
	return cfg, path
}

func TestNewLogger_FileOutput(t *testing.T) {
	cfg, path := fileConfig(t)
	cfg.Level = Level(TraceLevel)

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)

	ctx := WithStepID(WithRunID(context.Background(), "run-1"), "bm25_reranker")
	logger.Trace(ctx, "row scored", zap.Int("row", 3))
	logger.Info(ctx, "calling oracle", zap.String("api_key", "sk-live"))
	logger.Named("runs").Error(ctx, "step failed")
	require.NoError(t, logger.Sync())

	entries := readEntries(t, path)
	require.Len(t, entries, 3)

	assert.Equal(t, "trace", entries[0]["level"])
	assert.Equal(t, "run-1", entries[0]["run.id"])
	assert.Equal(t, "bm25_reranker", entries[0]["step.id"])
	assert.Equal(t, "rankpipe", entries[0]["service"])
	assert.Contains(t, entries[0]["caller"], "core_test.go")

	assert.Equal(t, "[REDACTED]", entries[1]["api_key"])
	assert.Equal(t, "runs", entries[2]["logger"])
	assert.NotEmpty(t, entries[2]["stacktrace"])
}

func TestNewLogger_LevelFilters(t *testing.T) {
	cfg, path := fileConfig(t)
	cfg.Level = Level(zapcore.WarnLevel)

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	assert.False(t, logger.Enabled(zapcore.InfoLevel))

	logger.Info(context.Background(), "dropped")
	logger.Warn(context.Background(), "kept")
	require.NoError(t, logger.Sync())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["msg"])
}

func TestNewLogger_SamplingKeepsErrors(t *testing.T) {
	cfg, path := fileConfig(t)
	cfg.Sampling.Initial = 2
	cfg.Sampling.Thereafter = 0

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		logger.Info(ctx, "repeated")
		logger.Error(ctx, "failure")
	}
	require.NoError(t, logger.Sync())

	var info, errs int
	for _, e := range readEntries(t, path) {
		switch e["msg"] {
		case "repeated":
			info++
		case "failure":
			errs++
		}
	}
	assert.Equal(t, 2, info)
	assert.Equal(t, 10, errs)
}

func TestNewLogger_OTELOutputNeedsProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = true

	_, err := NewLogger(cfg, nil)
	assert.ErrorContains(t, err, "no log output")

	logger, err := NewLogger(cfg, lognoop.NewLoggerProvider())
	require.NoError(t, err)
	logger.Info(context.Background(), "bridged")
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.ErrorContains(t, err, "invalid logging config")
}

func TestNopAndWrap(t *testing.T) {
	assert.NotPanics(t, func() { NewNop().Info(context.Background(), "nothing") })
	assert.NotNil(t, Wrap(nil).Underlying())

	z := zap.NewExample()
	assert.Same(t, z, Wrap(z).Underlying())
}
