package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "rankpipe", cfg.ServiceName)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "enabled defaults", mutate: func(c *Config) {}},
		{name: "http protocol", mutate: func(c *Config) { c.Protocol = ProtocolHTTP; c.Endpoint = "http://127.0.0.1:4318" }},
		{name: "remote with tls", mutate: func(c *Config) { c.Endpoint = "otel.example.com:4317"; c.Insecure = false }},
		{name: "ipv6 loopback", mutate: func(c *Config) { c.Endpoint = "[::1]:4317" }},
		{name: "missing endpoint", mutate: func(c *Config) { c.Endpoint = "" }, wantErr: "endpoint is required"},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service_name"},
		{name: "bad protocol", mutate: func(c *Config) { c.Protocol = "udp" }, wantErr: "unsupported protocol"},
		{name: "insecure remote", mutate: func(c *Config) { c.Endpoint = "otel.example.com:4317" }, wantErr: "loopback"},
		{name: "sample rate", mutate: func(c *Config) { c.SampleRate = 1.5 }, wantErr: "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestConfig_DisabledSkipsValidation(t *testing.T) {
	cfg := &Config{Enabled: false, SampleRate: 7}
	assert.NoError(t, cfg.Validate())
}

func TestIsLoopback(t *testing.T) {
	for endpoint, want := range map[string]bool{
		"localhost:4317":         true,
		"127.0.0.1:4317":         true,
		"127.0.1.1":              true,
		"[::1]:4317":             true,
		"::1":                    true,
		"http://localhost:4318":  true,
		"https://otel.corp:4318": false,
		"10.0.0.5:4317":          false,
		"localhost.evil.com":     false,
	} {
		assert.Equal(t, want, isLoopback(endpoint), endpoint)
	}
}
