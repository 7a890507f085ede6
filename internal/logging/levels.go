package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. Steps use it for per-row detail that is
// almost always filtered.
const TraceLevel = zapcore.Level(-2)

// Level is a zapcore.Level that also parses "trace".
type Level zapcore.Level

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	if strings.EqualFold(string(text), "trace") {
		*l = Level(TraceLevel)
		return nil
	}
	var z zapcore.Level
	if err := z.UnmarshalText(text); err != nil {
		return err
	}
	*l = Level(z)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l Level) String() string {
	if zapcore.Level(l) == TraceLevel {
		return "trace"
	}
	return zapcore.Level(l).String()
}

// Enabled implements zapcore.LevelEnabler.
func (l Level) Enabled(lvl zapcore.Level) bool {
	return lvl >= zapcore.Level(l)
}
