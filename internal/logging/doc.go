// Package logging is the zap-based structured logger used across rankpipe.
//
// Every Logger method takes a context and prepends its correlation fields:
// the otel trace and span ids, the pipeline run id, the catalog id of the
// running step and the HTTP request id.
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithStepID(ctx, "tf_idf_reranker")
//	logger.Info(ctx, "step finished", zap.Duration("duration", d))
//
// produces
//
//	{"level":"info","ts":"2026-03-02T10:15:30.120Z","msg":"step finished",
//	 "service":"rankpipe","trace_id":"4bf9...","span_id":"00f0...",
//	 "run.id":"0b6c2f4e-7f3a-4a8e-9d7c-2f1e5a9b3c10",
//	 "step.id":"tf_idf_reranker","duration":"45ms"}
//
// Outputs are stdout, a lumberjack-rotated JSON file and the otelzap bridge.
// Stdout and file entries are redacted by key (api_key, token, ...) and by
// pattern (bearer tokens, sk- keys) before encoding; config.Secret values
// never reach the encoder in clear text.
//
// Entries from Debug to Warn are sampled per message; Error and above are
// always written. Trace (below Debug) is configured with level: trace.
//
// Tests use NewTestLogger and its Assert helpers.
package logging
