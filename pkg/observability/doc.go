// Package observability wires logging, Prometheus metrics, health probes and
// OpenTelemetry tracing for the control plane binaries.
//
// Services receive a *logrus.Logger and an optional *Metrics. All Metrics
// helpers are nil-safe so tests can pass nil.
package observability
