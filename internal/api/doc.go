// Package api hosts the HTTP server, middleware and REST handlers. Notable
// routes:
//   - POST /v1/submissions (and the legacy POST /api/v1/amp-wp) accept site
//     submissions and queue them for the workers.
//   - /v1/jobs, /v1/site-requests and /v1/synthetic-jobs are operator routes,
//     guarded by the API key when auth is enabled.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus scraping.
package api
