// Package api hosts the ops HTTP server run by the scheduler daemon. Routes:
//   - GET /healthz and /readyz for liveness and database readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/latest for the latest run of every platform.
//   - GET /v1/runs/{platform} for the latest run of one platform.
package api
