package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/rankpipe/internal/config"
)

// Config is the logging section of the rankpipe configuration.
type Config struct {
	Level  Level  `koanf:"level"`
	Format string `koanf:"format"` // json or console

	Output   OutputConfig   `koanf:"output"`
	Sampling SamplingConfig `koanf:"sampling"`

	Caller     bool  `koanf:"caller"`
	Stacktrace Level `koanf:"stacktrace"` // minimum level that records a stack

	// Fields are added to every entry.
	Fields    map[string]string `koanf:"fields"`
	Redaction RedactionConfig   `koanf:"redaction"`
}

// OutputConfig selects the sinks. At least one must be enabled.
type OutputConfig struct {
	Stdout bool       `koanf:"stdout"`
	OTEL   bool       `koanf:"otel"`
	File   FileConfig `koanf:"file"`
}

// FileConfig enables a size-rotated JSON log file. An empty Path disables it.
type FileConfig struct {
	Path       string `koanf:"path"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// SamplingConfig thins out entries below Error: per message and tick, the
// first Initial entries are kept, then every Thereafter-th.
type SamplingConfig struct {
	Enabled    bool            `koanf:"enabled"`
	Tick       config.Duration `koanf:"tick"`
	Initial    int             `koanf:"initial"`
	Thereafter int             `koanf:"thereafter"`
}

// RedactionConfig masks sensitive values. Fields are matched on the key
// case-insensitively; Patterns are matched inside string values.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

const maxPatternLen = 200

// NewDefaultConfig returns the defaults for rankpipe serve.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  Level(zapcore.InfoLevel),
		Format: "json",
		Output: OutputConfig{
			Stdout: true,
			File: FileConfig{
				MaxSizeMB:  10,
				MaxBackups: 5,
				MaxAgeDays: 30,
				Compress:   true,
			},
		},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller:     true,
		Stacktrace: Level(zapcore.ErrorLevel),
		Fields:     map[string]string{"service": "rankpipe"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "api_key", "apikey",
				"authorization", "credential", "private_key",
			},
			Patterns: []string{
				`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`,
				`sk-[A-Za-z0-9_-]{16,}`,
			},
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL && c.Output.File.Path == "" {
		return fmt.Errorf("at least one output must be enabled (stdout, otel or file)")
	}
	if c.Output.File.MaxSizeMB < 0 || c.Output.File.MaxBackups < 0 || c.Output.File.MaxAgeDays < 0 {
		return fmt.Errorf("file rotation limits must be >= 0")
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick.Duration() <= 0 {
			return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
		}
		if c.Sampling.Initial < 0 || c.Sampling.Thereafter < 0 {
			return fmt.Errorf("sampling initial and thereafter must be >= 0")
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	if c.Redaction.Enabled {
		if _, err := compilePatterns(c.Redaction.Patterns); err != nil {
			return err
		}
	}
	return nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p[:maxPatternLen])
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
