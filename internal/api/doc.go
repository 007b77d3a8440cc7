// Package api hosts the HTTP server, middleware, and REST handlers for the
// crawl manager. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/urls to submit a URL, GET /v1/urls to list jobs.
//   - GET /v1/urls/{id} and /v1/urls/{id}/result for one job and its analysis.
//   - POST /v1/urls/bulk to apply one bulk action to a set of jobs.
package api
