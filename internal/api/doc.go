// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - GET /healthz and /readyz for health checks; readyz pings the record store.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/discover runs discovery for one syndicated activity.
//   - GET /v1/posts looks up stored relationships by syndication or original URL.
package api
