// Package metrics exposes reconciler, relay and poll-sync counters through
// a private Prometheus registry.
//
// A single *Metrics value is created at startup and handed to the
// Reconciler (SetRecorder), the relay HTTP client (SetObserver) and the
// PollSync adapter (SetObserver). Handler serves the exposition format and
// Snapshot feeds the JSON metrics endpoint.
package metrics
