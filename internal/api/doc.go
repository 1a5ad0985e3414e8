// Package api hosts the ops HTTP server that runs next to a harvest. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress and /v1/progress/sources/{source} for the live run
//     summary.
package api
