package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RANKPIPE_"
)

// Loader holds the merged configuration tree (YAML file, then environment).
type Loader struct {
	k    *koanf.Koanf
	path string
}

// NewLoader loads configPath (optional) and environment overrides.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RANKPIPE_SERVER_PORT, RANKPIPE_LLM_API_KEY, etc.)
//  2. YAML config file
//  3. Hardcoded defaults (applied by each section's ApplyDefaults)
//
// # Environment Variable Mapping
//
// The prefix is stripped and the rest lowercased. A double underscore
// descends one level; the first single underscore separates the section
// from the field:
//
//	RANKPIPE_SERVER_PORT               -> server.port
//	RANKPIPE_LLM_API_KEY               -> llm.api_key
//	RANKPIPE_RETRIEVAL_QDRANT__HOST    -> retrieval.qdrant.host
//	RANKPIPE_LOGGING_OUTPUT__FILE__PATH -> logging.output.file.path
//
// # File Validation
//
// Files larger than 1MB or writable by group or others are rejected.
func NewLoader(configPath string) (*Loader, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return &Loader{k: k, path: configPath}, nil
}

// envKey maps RANKPIPE_SECTION_FIELD__SUB to section.field.sub.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	levels := strings.Split(lower, "__")

	head := strings.SplitN(levels[0], "_", 2)
	keys := append(head, levels[1:]...)
	return strings.Join(keys, ".")
}

func readConfigFile(path string) ([]byte, error) {
	// Open once and validate through the descriptor to avoid a TOCTOU race.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("config path is a directory")
	}

	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// Path returns the loaded file path, empty when only the environment was read.
func (l *Loader) Path() string {
	return l.path
}

// Exists reports whether any value was provided under path.
func (l *Loader) Exists(path string) bool {
	return l.k.Exists(path)
}

// Section decodes the subtree at path into out. Missing sections leave out
// untouched so callers can apply their own defaults afterwards.
func (l *Loader) Section(path string, out any) error {
	if !l.k.Exists(path) {
		return nil
	}
	if err := l.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s config: %w", path, err)
	}
	return nil
}

// Config decodes the application config, applies defaults and validates.
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Load is NewLoader followed by Config.
func Load(configPath string) (*Config, *Loader, error) {
	l, err := NewLoader(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := l.Config()
	if err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}
