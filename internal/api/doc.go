// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - POST /render, /render-fast, /render-simple to resolve a provider image URL.
//   - POST /download to proxy image bytes back as an attachment.
//   - GET on each of the above for a usage descriptor.
//   - /api/screenshot, /api/screenshot-fast, /api/screenshot-simple, and
//     /api/download as aliases.
//   - GET /healthz / readyz for Kubernetes probes and /metrics for Prometheus.
package api
