// Package progress carries render lifecycle events (resolution start, probe
// outcomes, completion, proxy downloads) from request handlers to pluggable
// sinks. Emit never blocks the request path; a background goroutine batches
// events and fans them out to sinks such as structured logs or Prometheus.
package progress
