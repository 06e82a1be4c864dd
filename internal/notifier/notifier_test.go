package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"trackerbot/internal/domain"
	"trackerbot/internal/eventbus"
	logx "trackerbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSender struct {
	mu    sync.Mutex
	err   error
	calls int
	texts []string
}

func (f *fakeSender) SendText(_ context.Context, _ int64, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errBoom = errors.New("telegram 502")

func TestBreakerOpensAndProbes(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(3, time.Minute)
	b.now = clk.Now
	ctx := context.Background()

	calls := 0
	failing := func(context.Context) error { calls++; return errBoom }
	ok := func(context.Context) error { calls++; return nil }

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	if err := b.Do(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("rejected call reached the dependency (calls=%d)", calls)
	}

	clk.Advance(59 * time.Second)
	if err := b.Do(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("still inside timeout, got %v", err)
	}

	clk.Advance(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if calls != 4 {
		t.Fatalf("trial call not attempted (calls=%d)", calls)
	}
	if b.State() != StateClosed || b.Failures() != 0 {
		t.Fatalf("after success state=%s failures=%d", b.State(), b.Failures())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(0, 0)}
	b := NewBreaker(2, 10*time.Second)
	b.now = clk.Now
	b.Failure()
	b.Failure()
	clk.Advance(10 * time.Second)

	if !b.Allow() {
		t.Fatal("trial call should be allowed after timeout")
	}
	if b.Allow() {
		t.Fatal("second concurrent trial call should be rejected")
	}
	b.Failure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Failures() != 3 {
		t.Fatalf("failures = %d", b.Failures())
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker(3, time.Minute)
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if b.State() != StateClosed {
		t.Fatalf("non-consecutive failures opened the breaker")
	}
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	b := NewBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	if b.Failures() != 0 {
		t.Fatalf("cancellation counted as failure")
	}
}

func TestSendThroughBreaker(t *testing.T) {
	t.Parallel()

	s := &fakeSender{err: errBoom}
	n := New(Config{Enabled: true, ChatID: 42, RatePerSec: 1000, Burst: 100, BreakerThreshold: 2, BreakerTimeout: time.Hour}, s, logx.Nop(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := n.Send(ctx, "hello"); !errors.Is(err, errBoom) {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	err := n.Send(ctx, "hello")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if domain.KindOf(err) != domain.KindTransient {
		t.Fatalf("kind = %s", domain.KindOf(err))
	}
	if s.count() != 2 {
		t.Fatalf("sender calls = %d, want 2", s.count())
	}

	n.Apply(Config{Enabled: true, ChatID: 42, RatePerSec: 1000, Burst: 100, BreakerThreshold: 5, BreakerTimeout: time.Hour})
	s.setErr(nil)
	if err := n.Send(ctx, "hello"); err != nil {
		t.Fatalf("raised threshold should close the breaker: %v", err)
	}
}

func TestSendDisabled(t *testing.T) {
	t.Parallel()

	n := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	if err := n.Send(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ev   eventbus.Event
		want string
		ok   bool
	}{
		{
			name: "created",
			ev:   eventbus.Event{Type: eventbus.ScheduleCreated, Data: eventbus.ScheduleData{ID: "s1", GuildID: "G1", ScheduledAt: at, CreatedBy: "bob"}},
			want: "2025-03-01T02:00:00Z",
			ok:   true,
		},
		{
			name: "failed",
			ev:   eventbus.Event{Type: eventbus.ScheduleFailed, Data: eventbus.ScheduleData{ID: "s1", GuildID: "G1", Error: "boom"}},
			want: "failed: boom",
			ok:   true,
		},
		{
			name: "manual sweep",
			ev:   eventbus.Event{Type: eventbus.RefreshSweep, Data: eventbus.SweepData{Manual: true, Found: 3, Batches: 1}},
			want: "Manual refresh: 3 profiles",
			ok:   true,
		},
		{
			name: "healthy batch is quiet",
			ev:   eventbus.Event{Type: eventbus.RefreshBatch, Data: eventbus.BatchData{Index: 1, Total: 2, Size: 50}},
		},
		{
			name: "failed batch",
			ev:   eventbus.Event{Type: eventbus.RefreshBatch, Data: eventbus.BatchData{Index: 2, Total: 2, Size: 10, Error: "redis down"}},
			want: "batch 2/2",
			ok:   true,
		},
		{
			name: "unknown payload",
			ev:   eventbus.Event{Type: "other", Data: 7},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Format(tt.ev)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !strings.Contains(got, tt.want) {
				t.Fatalf("text %q does not contain %q", got, tt.want)
			}
		})
	}
}

func TestRelay(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	s := &fakeSender{}
	n := New(Config{Enabled: true, ChatID: 1, RatePerSec: 1000, Burst: 10}, s, logx.Nop(), bus)
	n.Start(context.Background())
	defer n.Stop(context.Background())

	eventbus.Emit(bus, eventbus.ScheduleCancelled, eventbus.ScheduleData{ID: "s9", GuildID: "G2"})

	deadline := time.Now().Add(2 * time.Second)
	for s.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) != 1 || !strings.Contains(s.texts[0], "s9") {
		t.Fatalf("relayed = %v", s.texts)
	}
}
