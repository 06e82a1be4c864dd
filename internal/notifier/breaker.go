package notifier

import (
	"context"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker is a consecutive-failure circuit breaker for one dependency.
//
// It opens once failures reach the threshold and rejects calls until timeout
// has passed since the last failure. The first call after that is let
// through as a trial call; concurrent callers are rejected until the trial call
// reports. Any success zeroes the failure count and closes the breaker.
type Breaker struct {
	mu sync.Mutex

	threshold int
	timeout   time.Duration
	now       func() time.Time

	fails       int
	lastFailure time.Time
	probing     bool
}

func NewBreaker(threshold int, timeout time.Duration) *Breaker {
	b := &Breaker{now: time.Now}
	b.Configure(threshold, timeout)
	return b
}

// Configure swaps the threshold and timeout; the failure count is kept.
func (b *Breaker) Configure(threshold int, timeout time.Duration) {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	b.mu.Lock()
	b.threshold = threshold
	b.timeout = timeout
	b.mu.Unlock()
}

// Allow reports whether a call may go out. A true result in the half-open
// state reserves the trial slot; the caller must report back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

func (b *Breaker) Success() {
	b.mu.Lock()
	b.fails = 0
	b.lastFailure = time.Time{}
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	b.fails++
	b.lastFailure = b.now()
	b.probing = false
	b.mu.Unlock()
}

// release frees a reserved trial call without recording an outcome.
func (b *Breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Do runs fn when the breaker allows it and records the outcome. A failure
// caused by ctx ending is not held against the dependency.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.Success()
	case ctx.Err() != nil:
		b.release()
	default:
		b.Failure()
	}
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}

func (b *Breaker) stateLocked() State {
	if b.fails < b.threshold {
		return StateClosed
	}
	if b.now().Sub(b.lastFailure) < b.timeout {
		return StateOpen
	}
	return StateHalfOpen
}
