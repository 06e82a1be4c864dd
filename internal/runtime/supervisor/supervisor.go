// Package supervisor owns the long-lived goroutines of one component.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	logx "trackerbot/pkg/logx"
)

const healthyRun = 30 * time.Second

// Supervisor runs named goroutines under one context, turns their panics
// into errors and keeps the first error.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg sync.WaitGroup

	mu       sync.Mutex
	firstErr error
	done     chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{log: logx.Nop()}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Go runs fn. A returned error other than context.Canceled, or a panic,
// is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.guard(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceil time.Duration
	limit       int
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(floor, ceil time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if floor > 0 {
			p.floor = floor
		}
		if ceil > 0 {
			p.ceil = ceil
		}
	}
}

// WithMaxRestarts gives up after n restarts; 0 means never.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.limit = n }
}

// GoRestart keeps fn running. It is restarted after an error or panic
// with jittered exponential backoff and left alone once it returns nil or
// the context ends. A run that lasted past healthyRun resets the backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{floor: 250 * time.Millisecond, ceil: 30 * time.Second}
	for _, o := range opts {
		o(&pol)
	}
	if pol.ceil < pol.floor {
		pol.ceil = pol.floor
	}

	s.Go(name, func(ctx context.Context) error {
		delay := pol.floor
		for attempt := 1; ; attempt++ {
			began := time.Now()
			err := s.guard(name, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if pol.limit > 0 && attempt > pol.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", attempt-1), logx.Err(err))
				return fmt.Errorf("gave up after %d restarts: %w", attempt-1, err)
			}
			if time.Since(began) >= healthyRun {
				delay = pol.floor
			}
			wait := jitter(delay)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Int("attempt", attempt), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			delay = min(delay*2, pol.ceil)
		}
	})
}

// guard runs fn and converts a panic into an error.
func (s *Supervisor) guard(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn(s.ctx)
}

func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return d + time.Duration(rand.Int63n(j+1))
	}
	return d
}

// Stop cancels the context and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends, then reports
// the first recorded error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.done == nil {
		s.done = make(chan struct{})
		go func(done chan struct{}) {
			s.wg.Wait()
			close(done)
		}(s.done)
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}
