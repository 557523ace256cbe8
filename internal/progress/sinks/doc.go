// Package sinks holds progress.Sink implementations: a zap log sink and a
// Prometheus sink that turns render lifecycle events into metrics.
package sinks
