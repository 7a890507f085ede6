// Package config provides configuration loading for rankpipe.
//
// Sections owned by packages that depend on this one (logging, telemetry,
// cache) are decoded through Loader.Section; everything else lives in Config.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the application-level configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	LLM       LLMConfig       `koanf:"llm"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Retrieval RetrievalConfig `koanf:"retrieval"`
	Events    EventsConfig    `koanf:"events"`
	Runs      RunsConfig      `koanf:"runs"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LLMConfig configures the OpenAI-compatible chat endpoint used by
// generative steps and LLM rerankers.
type LLMConfig struct {
	BaseURL   string        `koanf:"base_url"`
	APIKey    Secret        `koanf:"api_key"`
	Models    []string      `koanf:"models"`
	Timeout   Duration      `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
	Breaker   BreakerConfig `koanf:"breaker"`
}

// BreakerConfig configures the circuit breaker around oracle calls.
type BreakerConfig struct {
	Enabled      bool     `koanf:"enabled"`
	MaxRequests  uint32   `koanf:"max_requests"`
	Interval     Duration `koanf:"interval"`
	Timeout      Duration `koanf:"timeout"`
	MinRequests  uint32   `koanf:"min_requests"`
	FailureRatio float64  `koanf:"failure_ratio"`
}

// EmbeddingConfig configures the embedding endpoint (TEI or OpenAI).
type EmbeddingConfig struct {
	BaseURL string   `koanf:"base_url"`
	APIKey  Secret   `koanf:"api_key"`
	Model   string   `koanf:"model"`
	Models  []string `koanf:"models"`
}

// RetrievalConfig configures the document sources.
type RetrievalConfig struct {
	FetchLimit int           `koanf:"fetch_limit"`
	Mosaic     MosaicConfig  `koanf:"mosaic"`
	Chromem    ChromemConfig `koanf:"chromem"`
	Qdrant     QdrantConfig  `koanf:"qdrant"`
}

// MosaicConfig configures the HTTP search service.
type MosaicConfig struct {
	URL     string   `koanf:"url"`
	Timeout Duration `koanf:"timeout"`
}

// ChromemConfig configures the embedded vector store.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Compress   bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
	Collection string `koanf:"collection"`
}

// EventsConfig configures run event publishing. An empty URL disables it.
type EventsConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// RunsConfig configures the run manager.
type RunsConfig struct {
	TTL       Duration `koanf:"ttl"`
	MaxActive int      `koanf:"max_active"`
}

// NewDefaultConfig returns a config with every default applied.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults sets default values for missing configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "http://localhost:4000/v1"
	}
	if len(c.LLM.Models) == 0 {
		c.LLM.Models = []string{"gemma2", "qwen2.5", "llama3.1"}
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = Duration(60 * time.Second)
	}
	if c.LLM.RateLimit == 0 {
		c.LLM.RateLimit = 10
	}
	if c.LLM.Burst == 0 {
		c.LLM.Burst = 5
	}
	if c.LLM.Breaker.MaxRequests == 0 {
		c.LLM.Breaker.MaxRequests = 1
	}
	if c.LLM.Breaker.Interval == 0 {
		c.LLM.Breaker.Interval = Duration(time.Minute)
	}
	if c.LLM.Breaker.Timeout == 0 {
		c.LLM.Breaker.Timeout = Duration(30 * time.Second)
	}
	if c.LLM.Breaker.MinRequests == 0 {
		c.LLM.Breaker.MinRequests = 5
	}
	if c.LLM.Breaker.FailureRatio == 0 {
		c.LLM.Breaker.FailureRatio = 0.6
	}

	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = "http://localhost:8080/v1"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "BAAI/bge-small-en-v1.5"
	}
	if len(c.Embedding.Models) == 0 {
		c.Embedding.Models = []string{c.Embedding.Model}
	}

	if c.Retrieval.FetchLimit == 0 {
		c.Retrieval.FetchLimit = 50
	}
	if c.Retrieval.Mosaic.Timeout == 0 {
		c.Retrieval.Mosaic.Timeout = Duration(30 * time.Second)
	}
	if c.Retrieval.Chromem.Collection == "" {
		c.Retrieval.Chromem.Collection = "documents"
	}
	if c.Retrieval.Qdrant.Host == "" {
		c.Retrieval.Qdrant.Host = "localhost"
	}
	if c.Retrieval.Qdrant.Port == 0 {
		c.Retrieval.Qdrant.Port = 6334
	}
	if c.Retrieval.Qdrant.Collection == "" {
		c.Retrieval.Qdrant.Collection = "documents"
	}

	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "rankpipe.runs"
	}

	if c.Runs.TTL == 0 {
		c.Runs.TTL = Duration(time.Hour)
	}
	if c.Runs.MaxActive == 0 {
		c.Runs.MaxActive = 16
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port out of range: %d", ErrInvalidConfig, c.Server.Port)
	}
	if _, err := url.Parse(c.LLM.BaseURL); err != nil {
		return fmt.Errorf("%w: llm.base_url: %v", ErrInvalidConfig, err)
	}
	if c.LLM.RateLimit < 0 {
		return fmt.Errorf("%w: llm.rate_limit must be >= 0", ErrInvalidConfig)
	}
	if c.LLM.Breaker.FailureRatio < 0 || c.LLM.Breaker.FailureRatio > 1 {
		return fmt.Errorf("%w: llm.breaker.failure_ratio must be within [0,1]", ErrInvalidConfig)
	}
	if c.Retrieval.Mosaic.URL != "" {
		u, err := url.Parse(c.Retrieval.Mosaic.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: retrieval.mosaic.url %q", ErrInvalidConfig, c.Retrieval.Mosaic.URL)
		}
	}
	if c.Retrieval.FetchLimit < 1 {
		return fmt.Errorf("%w: retrieval.fetch_limit must be >= 1", ErrInvalidConfig)
	}
	if c.Runs.MaxActive < 1 {
		return fmt.Errorf("%w: runs.max_active must be >= 1", ErrInvalidConfig)
	}
	return nil
}
