// Package observability wires structured logging, tracing and metrics.
//
// Logs go through log/slog with a TracingHandler that stamps the active
// OpenTelemetry trace and span ids on each record. Metrics are OpenTelemetry
// instruments, exported through a Prometheus registry when a listen address is
// configured and dropped by the no-op provider otherwise.
package observability
