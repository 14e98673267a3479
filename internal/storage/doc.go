// Package storage implements the outbound transport to object storage.
// It issues HEAD and GET requests for backend object URLs, executes the
// per-request caching hints against a tier cache, isolates a failing host
// behind a circuit breaker, and tracks the host's health and response times.
//
// Non-2xx statuses are returned as data. Only transport failures (including
// breaker rejections and timeouts) are errors.
package storage
