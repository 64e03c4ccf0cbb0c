// Package telemetry bootstraps the process-wide OpenTelemetry tracer
// provider and owns the gateway's Prometheus metric set. Metrics live in a
// private registry so tests can run side by side without collisions.
package telemetry
