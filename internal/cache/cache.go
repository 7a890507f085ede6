// Package cache provides the content-addressed key-value stores used to
// memoize step work across pipeline runs.
//
// Backends:
//   - Redis: shared between processes and runs (production default)
//   - Memory: in-process TTL store for single-node and CLI use
//
// A nil Backend means caching is disabled; callers must treat that as a
// permanent miss rather than an error.
//
// Example usage:
//
//	backend, err := cache.New(ctx, cache.Config{Provider: "redis", URL: "redis://localhost:6379/0"})
//	if err != nil {
//	    return err
//	}
//	_ = backend.Set(ctx, "word_counter:3f2a...", []byte(`42`))
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMiss is returned by Get when the key is not present.
	ErrMiss = errors.New("cache miss")

	// ErrInvalidConfig indicates an unusable cache configuration.
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// Backend is a key-value store safe for concurrent use by unrelated runs.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Provider is "redis", "memory" or "none".
	Provider string `koanf:"provider"`

	// URL is the redis connection URL (redis://host:port/db).
	URL string `koanf:"url"`

	// TTL bounds entry lifetime. Zero keeps entries forever (redis) or
	// uses the memory default.
	TTL time.Duration `koanf:"ttl"`

	// Prefix namespaces every key.
	Prefix string `koanf:"prefix"`

	// CleanupInterval is the memory backend's expiry sweep interval.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "memory"
	}
	if c.Prefix == "" {
		c.Prefix = "rankpipe"
	}
	if c.Provider == "memory" {
		if c.TTL == 0 {
			c.TTL = 24 * time.Hour
		}
		if c.CleanupInterval == 0 {
			c.CleanupInterval = 10 * time.Minute
		}
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Provider {
	case "redis":
		if c.URL == "" {
			return fmt.Errorf("%w: redis url required", ErrInvalidConfig)
		}
	case "memory", "none":
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	if c.TTL < 0 {
		return fmt.Errorf("%w: ttl cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// New builds the configured backend wrapped with metrics. Provider "none"
// returns a nil Backend.
func New(ctx context.Context, cfg Config) (Backend, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		b   Backend
		err error
	)
	switch cfg.Provider {
	case "none":
		return nil, nil
	case "redis":
		b, err = NewRedis(ctx, cfg)
	default:
		b = NewMemory(cfg)
	}
	if err != nil {
		return nil, err
	}
	return WithMetrics(b, cfg.Provider, NewMetrics()), nil
}
