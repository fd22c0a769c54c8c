// Package observability provides the monitoring surface shared across
// scout: structured logging, Prometheus metrics, and OpenTelemetry
// tracing.
//
// # Logging
//
// Logging is built on Go's slog package. Output always goes to stderr
// because stdout carries the wire protocol; values under sensitive keys
// (api_key, token, secret, ...) are redacted before they reach the
// handler. Request and tool names stored in the context are attached to
// every record automatically.
//
// # Metrics
//
// Metrics use the Prometheus client and cover tool executions, provider
// requests, retry attempts, and fan-out occupancy. All recorder methods
// are nil-safe so packages can take an optional *Metrics without
// guarding every call site. The metrics listener also serves /healthz.
//
// # Tracing
//
// Tracing installs a global OTLP/gRPC trace provider when an endpoint
// is configured and leaves the no-op provider in place otherwise, so
// instrumented code can call otel.Tracer unconditionally.
package observability
