package logging

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, Trace included, for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a recording logger.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, observed: observed}
}

// All returns the recorded entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

// Reset drops the recorded entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.observed.FilterLevelExact(level).FilterMessageSnippet(msg).Len() == 0 {
		tb.Errorf("no %s entry containing %q; got %v", Level(level), msg, t.messages())
	}
}

// AssertNotLogged fails tb if an entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if n := t.observed.FilterLevelExact(level).FilterMessageSnippet(msg).Len(); n > 0 {
		tb.Errorf("found %d unexpected %s entries containing %q", n, Level(level), msg)
	}
}

// AssertField fails tb unless an entry containing msg has field key with
// the given value. Values are compared by their %v rendering.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.observed.FilterMessageSnippet(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && fmt.Sprint(got) == fmt.Sprint(want) {
			return
		}
	}
	tb.Errorf("no entry containing %q has %s=%v", msg, key, want)
}

// AssertNoSecrets fails tb if a field named like a default redaction key
// carries a value that is not redacted.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	keys := NewDefaultConfig().Redaction.Fields
	for _, e := range t.observed.All() {
		for _, f := range e.Context {
			if f.Type != zapcore.StringType || f.String == "" || strings.HasPrefix(f.String, "[REDACTED") {
				continue
			}
			for _, k := range keys {
				if strings.EqualFold(f.Key, k) {
					tb.Errorf("entry %q leaks %s", e.Message, f.Key)
				}
			}
		}
	}
}

func (t *TestLogger) messages() []string {
	entries := t.observed.All()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
