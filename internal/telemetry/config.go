package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/rankpipe/internal/config"
)

// OTLP transport protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config is the telemetry section of the rankpipe configuration.
type Config struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"`
	Protocol       string `koanf:"protocol"`
	Insecure       bool   `koanf:"insecure"`
	TLSSkipVerify  bool   `koanf:"tls_skip_verify"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`

	// SampleRate is the fraction of root spans kept; child spans follow
	// their parent.
	SampleRate float64 `koanf:"sample_rate"`

	// MetricsInterval is the OTLP metric export period. Zero disables
	// metric export.
	MetricsInterval config.Duration `koanf:"metrics_interval"`

	ShutdownTimeout config.Duration `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns the defaults: disabled, pointed at a local
// collector over insecure gRPC.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		Endpoint:        "localhost:4317",
		Protocol:        ProtocolGRPC,
		Insecure:        true,
		ServiceName:     "rankpipe",
		ServiceVersion:  "dev",
		SampleRate:      1.0,
		MetricsInterval: config.Duration(15 * time.Second),
		ShutdownTimeout: config.Duration(5 * time.Second),
	}
}

// Validate checks the configuration. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	switch c.Protocol {
	case "", ProtocolGRPC, ProtocolHTTP:
	default:
		return fmt.Errorf("unsupported protocol %q (want %s or %s)", c.Protocol, ProtocolGRPC, ProtocolHTTP)
	}
	if c.Insecure && !isLoopback(c.Endpoint) {
		return fmt.Errorf("insecure export is only allowed to a loopback endpoint, got %s", c.Endpoint)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %g", c.SampleRate)
	}
	return nil
}

// isLoopback reports whether endpoint (host, host:port or URL) names the
// local machine.
func isLoopback(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// stripScheme removes http:// or https://; the OTLP exporters expect
// host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
