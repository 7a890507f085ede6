package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples Debug through Warn. Error and above always pass,
// as does Trace, which zap's sampler has no counters for.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	sampled := zapcore.NewSamplerWithOptions(
		&rangeCore{Core: core, lo: zapcore.DebugLevel, hi: zapcore.WarnLevel},
		cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter,
	)
	return zapcore.NewTee(
		&rangeCore{Core: core, lo: TraceLevel, hi: TraceLevel},
		sampled,
		&rangeCore{Core: core, lo: zapcore.ErrorLevel, hi: zapcore.FatalLevel},
	)
}

// rangeCore passes entries with lo <= level <= hi.
type rangeCore struct {
	zapcore.Core
	lo, hi zapcore.Level
}

func (c *rangeCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.lo && lvl <= c.hi && c.Core.Enabled(lvl)
}

func (c *rangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *rangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &rangeCore{Core: c.Core.With(fields), lo: c.lo, hi: c.hi}
}
