// Package metrics provides real-time metrics collection for the tile proxy.
//
// It uses a channel-based event pipeline to asynchronously collect metrics about:
//   - Request counts and response times per network
//   - Negotiation decisions and response status codes
//   - Storage probe outcomes and tier cache hits
//   - Storage health and circuit breaker state
//
// The collector runs in a dedicated goroutine and processes events without blocking
// the request path. Events are sent via a buffered channel with non-blocking semantics
// (Emit) so a slow collector never delays a tile.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger, exporter)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Network:    "o2",
//		Decision:   "found/match",
//		Duration:   15 * time.Millisecond,
//		StatusCode: 304,
//	})
//
//	snapshot := collector.Snapshot("coveragetiles.com")
//
// Every processed event is also forwarded to the Prometheus Exporter when one is
// configured. The JSON snapshot and the Prometheus registry are served by Handler
// and the exporter's own handler.
package metrics
