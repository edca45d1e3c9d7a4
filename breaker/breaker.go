// Package breaker implements a circuit breaker for pollers that talk to
// an external system of record. After a run of consecutive failures the
// breaker opens and calls are skipped for a cooldown period; it then
// admits a single half-open probe before fully closing again.
//
// The clock is injectable so transitions are unit-testable without real
// time delays.
package breaker

import (
	"sync"
	"time"
)

// State is the current circuit position.
type State string

const (
	// StateClosed means calls flow normally.
	StateClosed State = "closed"
	// StateOpen means calls are skipped until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen means one probe call is in flight; its outcome
	// decides between closed and open.
	StateHalfOpen State = "half_open"
)

// Breaker is a circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state       State
	failures    int
	lastFailure time.Time
	lastSuccess time.Time
	probing     bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open the circuit.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithCooldown sets how long the circuit stays open before a probe.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) { b.cooldown = d }
}

// WithClock injects a time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed Breaker. Defaults: 3 consecutive failures to
// open, 60s cooldown.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold: 3,
		cooldown:  60 * time.Second,
		now:       time.Now,
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. In the open state it
// transitions to half-open once the cooldown has elapsed and admits
// exactly one probe; further calls are refused until the probe resolves
// via Success or Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		return false
	}
	return false
}

// Success records a successful call. Any success resets the failure
// counter to zero and forces the circuit closed.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
	b.probing = false
	b.lastSuccess = b.now()
}

// Failure records a failed call. A failed half-open probe reopens the
// circuit immediately; in the closed state the circuit opens once the
// consecutive-failure threshold is reached.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.probing = false
		return
	}
	if b.failures >= b.threshold {
		b.state = StateOpen
	}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure run length.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastSuccess returns when the last successful call was recorded.
// Zero if none has succeeded yet.
func (b *Breaker) LastSuccess() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSuccess
}

// LastFailure returns when the last failed call was recorded.
// Zero if none has failed yet.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}
