// Package circuitbreaker isolates the proxy from a failing object storage host.
//
// Breakers are kept per storage host in a Registry and are backed by
// sony/gobreaker. A breaker has three states:
//
//   - CLOSED: Normal operation, calls pass through
//   - OPEN: Storage failing, calls rejected with ErrCircuitOpen
//   - HALF-OPEN: Testing if storage recovered with a single call
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(5, 30*time.Second, nil)
//	cb := registry.GetBreaker("f003.backblazeb2.com")
//	err := cb.Execute(func() error {
//	    // Make request...
//	    return err
//	})
package circuitbreaker
