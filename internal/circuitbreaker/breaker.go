package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned by Execute when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking Requests
	StateHalfOpen              // Testing with one request
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to State)

type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker[struct{}]
}

// NewCircuitBreaker opens after threshold consecutive failures and lets a
// single trial call through once timeout has elapsed.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration, onChange StateChangeFunc) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		// A caller that went away says nothing about storage health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	if onChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onChange(name, stateOf(from), stateOf(to))
		}
	}

	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

// Execute runs fn unless the breaker is open. An error returned by fn counts
// as a failure and is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}

	return err
}

func (cb *CircuitBreaker) State() State {
	return stateOf(cb.cb.State())
}

func (cb *CircuitBreaker) Name() string {
	return cb.cb.Name()
}
