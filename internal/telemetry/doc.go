// Package telemetry wires OpenTelemetry tracing and metrics for rankpipe.
//
// Pipeline runs, step executions, retrieval calls and oracle requests are
// traced through the otel global tracer; the run manager and the HTTP layer
// record counters and histograms through the global meter. New installs
// OTLP providers (gRPC or HTTP/protobuf) as those globals when enabled:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sample_rate: 0.25
//	  metrics_interval: 15s
//
// Telemetry is disabled by default. Exporter construction errors do not
// fail startup; see Telemetry.Degraded.
//
// Tests use NewTestTelemetry, which records in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	m := runs.NewManager(catalog, runs.WithMeter(tt.Meter("rankpipe.runs")))
//	...
//	assert.Equal(t, int64(1), tt.Int64Sum(t, "runs.submitted"))
package telemetry
