// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/control accepts any control request envelope.
//   - POST /v1/orders/years, /v1/orders/range and /v1/transactions run scrapes.
//   - GET /v1/statistics, DELETE /v1/cache and POST /v1/session/{abort,logout,resume}
//     drive the live session.
//   - GET /v1/progress and /v1/progress/{purpose} report the latest progress
//     event per purpose.
package api
