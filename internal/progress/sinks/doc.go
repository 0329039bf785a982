// Package sinks implements concrete progress consumers: structured logging,
// Prometheus gauges, an outbound message publisher, and an in-memory view of
// the latest update per purpose. Each sink satisfies progress.Sink and is safe
// for repeated Consume/Close cycles.
package sinks
