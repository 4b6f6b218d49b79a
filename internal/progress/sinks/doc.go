// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, an in-memory snapshot for the status API and run bookkeeping
// in a repository.
package sinks
