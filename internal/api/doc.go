// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/hosts/{host} for a host's scheduling state.
//   - POST /v1/urls to enqueue discovered URLs.
//   - GET /v1/membership for the node's cluster view.
package api
