// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/projects/{project_id}/domains/{domain_id}/classify to submit a
//     batch of capture records.
//   - POST /v1/fetch/{started,completed,failed} for external fetchers.
//   - /v1/users/{user_id}/... for page visibility queries.
package api
