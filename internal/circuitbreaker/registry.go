package circuitbreaker

import (
	"sync"
	"time"
)

type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*CircuitBreaker
	threshold int
	timeout   time.Duration
	onChange  StateChangeFunc
}

func NewRegistry(threshold int, timeout time.Duration, onChange StateChangeFunc) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
		onChange:  onChange,
	}
}

func (r *Registry) GetBreaker(host string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[host]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[host]; exists {
		return cb
	}

	cb = NewCircuitBreaker(host, r.threshold, r.timeout, r.onChange)
	r.breakers[host] = cb
	return cb
}

func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

func (r *Registry) Stats() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]State, len(r.breakers))
	for host, cb := range r.breakers {
		stats[host] = cb.State()
	}
	return stats
}
