package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newCore tees the enabled sinks and applies sampling on top. Stdout and
// file entries pass through the redacting encoder; the otel sink is only
// added when a provider is available.
func newCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core

	if cfg.Output.Stdout {
		enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), cfg.Level))
	}

	if f := cfg.Output.File; f.Path != "" {
		enc, err := NewRedactingEncoder(newEncoder("json"), cfg.Redaction)
		if err != nil {
			return nil, err
		}
		w := &lumberjack.Logger{
			Filename:   f.Path,
			MaxSize:    f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAge:     f.MaxAgeDays,
			Compress:   f.Compress,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), cfg.Level))
	}

	if cfg.Output.OTEL && provider != nil {
		cores = append(cores, &rangeCore{
			Core: otelzap.NewCore("rankpipe", otelzap.WithLoggerProvider(provider)),
			lo:   zapcore.Level(cfg.Level),
			hi:   zapcore.FatalLevel,
		})
	}

	switch len(cores) {
	case 0:
		return nil, fmt.Errorf("no log output available (otel output needs telemetry enabled)")
	case 1:
		return newSampledCore(cores[0], cfg.Sampling), nil
	default:
		return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = encodeLevel
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// encodeLevel writes "trace" instead of zap's "Level(-2)".
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(Level(l).String())
}
