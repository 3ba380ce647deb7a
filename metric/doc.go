// Package metric manages prometheus metrics for AppointDent processes.
//
// Each process owns one MetricsRegistry wrapping a private prometheus
// registry, pre-populated with the core platform metrics (bus connection
// state, message counters, session operations, service liveness). Components
// register their own collectors through the registry rather than the
// prometheus default registry so tests can run many instances side by side.
// The gateway exposes the registry on its /metrics endpoint.
package metric
