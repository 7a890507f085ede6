package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRunID(context.Background(), "run-7")

	tl.Trace(ctx, "row 3 scored", zap.Float64("score", 0.5))
	tl.Warn(ctx, "language not supported", zap.String("language", "xyz"), zap.String("api_key", "[REDACTED]"))

	assert.Len(t, tl.All(), 2)
	tl.AssertLogged(t, TraceLevel, "scored")
	tl.AssertLogged(t, zapcore.WarnLevel, "not supported")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "not supported")
	tl.AssertField(t, "language not", "language", "xyz")
	tl.AssertField(t, "row 3", "run.id", "run-7")
	tl.AssertField(t, "row 3", "score", 0.5)
	tl.AssertNoSecrets(t)
	assert.Equal(t, 1, tl.FilterMessage("row").Len())

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestTestLogger_DetectsFailures(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "calling oracle", zap.String("token", "abc"))

	probe := &probeTB{}
	tl.AssertNoSecrets(probe)
	assert.True(t, probe.failed)

	probe = &probeTB{}
	tl.AssertLogged(probe, zapcore.ErrorLevel, "calling")
	assert.True(t, probe.failed)

	probe = &probeTB{}
	tl.AssertField(probe, "calling", "token", "other")
	assert.True(t, probe.failed)
}

// probeTB records failures instead of failing the test.
type probeTB struct {
	testing.TB
	failed bool
}

func (p *probeTB) Helper() {}
func (p *probeTB) Errorf(string, ...any) { p.failed = true }
func (p *probeTB) Fatalf(string, ...any) { p.failed = true }
