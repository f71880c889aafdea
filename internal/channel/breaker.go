package channel

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while a provider's circuit is open.
var ErrBreakerOpen = errors.New("channel: circuit breaker is open")

// BreakerState is the state of a provider circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every send through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets trial sends through.
	BreakerHalfOpen
	// BreakerOpen rejects sends until the cool-down has elapsed.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker trips after failureThreshold consecutive provider failures, stays
// open for cooldown, then needs successThreshold consecutive successful trial sends
// to close again. Safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time

	now      func() time.Time
	onChange func(BreakerState)
}

// NewBreaker creates a closed breaker. Non-positive arguments fall back to
// 5 failures, 2 successes and a 30s cool-down.
func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// OnStateChange registers a callback invoked, under the breaker lock, on
// every state change.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow returns ErrBreakerOpen while the circuit is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a successful provider call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.successes = 0
			b.setState(BreakerClosed)
		}
	}
}

// RecordFailure records a failed provider call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	case BreakerHalfOpen:
		b.open()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.successes = 0
	b.setState(BreakerOpen)
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.successes = 0
		b.setState(BreakerHalfOpen)
	}
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}
