// Package api hosts the optional status server. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress and /v1/progress/runs for in-process run snapshots.
//   - GET /v1/runs and /v1/runs/{run_id} for persisted run bookkeeping via
//     the RunRepository interface.
package api
