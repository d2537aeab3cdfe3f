// Package metrics provides Prometheus-compatible metrics collection for the gateway.
//
// This package implements the Prometheus text exposition format (text/plain; version=0.0.4)
// without any external dependencies, using only the standard library.
//
// Supported metric types:
//   - Counter: monotonically increasing value (e.g., hook invocation counts)
//   - Gauge: value that can go up or down (e.g., active connections)
//   - Histogram: distribution of values with configurable buckets (e.g., latencies)
//
// All metrics are thread-safe and can be updated from multiple goroutines.
//
// # Default Metrics
//
// The package provides pre-defined metrics for tracking gateway activity:
//
//   - gateway_hook_invocations_total: Counter for every hook call (labels: hook, outcome)
//   - gateway_hook_duration_seconds: Histogram for hook pipeline latency (labels: hook)
//   - gateway_denials_total: Counter for denied outcomes (labels: hook, reason)
//   - gateway_active_connections: Gauge for connected agents (labels: mode)
//   - gateway_dynsub_active: Gauge for tracked dynamic subscriptions
//
// # Label Conventions
//
// All labels use consistent lowercase values:
//
//   - hook: connect, publish, deliver, subscribe
//   - outcome: accept, deny
//   - reason: client_identifier_not_valid, bad_username_or_password, not_authorized, impl_specific_error
//
// # Usage
//
//	// Initialize the default metrics registry
//	registry := metrics.Init()
//
//	// WithLabels returns an error when the label count does not match
//	if c, err := metrics.HookInvocationsTotal.WithLabels("publish", "accept"); err == nil {
//	    _ = c.Inc()
//	}
//	if h, err := metrics.HookDuration.WithLabels("publish"); err == nil {
//	    h.Observe(0.002)
//	}
//	if g, err := metrics.ActiveConnections.WithLabels("agents"); err == nil {
//	    g.Inc()
//	}
//
//	// Register the /metrics endpoint
//	http.Handle("/metrics", registry.Handler())
//
// Custom metrics can also be created:
//
//	registry := metrics.NewRegistry()
//	counter := registry.NewCounter("my_counter", "Description of counter", "label1", "label2")
//	if vec, err := counter.WithLabels("value1", "value2"); err == nil {
//	    _ = vec.Inc()
//	}
package metrics
