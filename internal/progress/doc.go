// Package progress carries scrape session milestones and statistics updates
// from the scheduler to observers. The Hub batches events on a background
// goroutine and fans them out to pluggable sinks (logs, Prometheus gauges,
// a message publisher, the API's latest-state view) without ever blocking
// the scheduler.
package progress
