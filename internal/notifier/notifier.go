package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trackerbot/internal/domain"
	"trackerbot/internal/eventbus"
	rtsup "trackerbot/internal/runtime/supervisor"
	logx "trackerbot/pkg/logx"
)

type Notifier struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender  Sender
	breaker *Breaker
	log     logx.Logger
	bus     eventbus.Bus

	sup   *rtsup.Supervisor
	unsub func()
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Notifier{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		sender:  sender,
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout),
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
	}
}

func (n *Notifier) Breaker() *Breaker { return n.breaker }

// Apply updates rate and breaker settings in place.
func (n *Notifier) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	n.mu.Lock()
	n.cfg = cfg
	n.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	n.limiter.SetBurst(cfg.Burst)
	n.mu.Unlock()
	n.breaker.Configure(cfg.BreakerThreshold, cfg.BreakerTimeout)
}

// Send delivers text to the configured chat. It returns ErrCircuitOpen,
// wrapped as a transient error, without calling the Sender while the
// breaker is open.
func (n *Notifier) Send(ctx context.Context, text string) error {
	n.mu.Lock()
	cfg := n.cfg
	lim := n.limiter
	n.mu.Unlock()

	if !cfg.Enabled || n.sender == nil {
		return ErrDisabled
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if n.breaker.State() == StateOpen {
		return domain.Transient("notify", ErrCircuitOpen)
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	err := n.breaker.Do(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		return n.sender.SendText(cctx, cfg.ChatID, cfg.ThreadID, text)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return domain.Transient("notify", err)
	}
	if err != nil {
		n.log.Debug("send failed", logx.Int("failures", n.breaker.Failures()), logx.Err(err))
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Start subscribes to the bus and relays events until Stop.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sup != nil || n.bus == nil || !n.cfg.Enabled {
		return
	}
	events, unsub := n.bus.Subscribe(64)
	n.unsub = unsub
	n.sup = rtsup.New(ctx, rtsup.WithLogger(n.log))
	n.sup.Go0("relay", func(c context.Context) { n.relay(c, events) })
	n.log.Info("notifier started", logx.Int64("chat", n.cfg.ChatID))
}

func (n *Notifier) Stop(ctx context.Context) {
	n.mu.Lock()
	sup, unsub := n.sup, n.unsub
	n.sup, n.unsub = nil, nil
	n.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	if err := sup.Stop(ctx); err != nil {
		n.log.Warn("notifier stop", logx.Err(err))
	}
}

func (n *Notifier) relay(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			text, ok := Format(e)
			if !ok {
				continue
			}
			if err := n.Send(ctx, text); err != nil && ctx.Err() == nil {
				if errors.Is(err, ErrCircuitOpen) {
					n.log.Debug("relay skipped", logx.String("event", e.Type), logx.Err(err))
					continue
				}
				n.log.Warn("relay failed", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

// Format renders an operator message for e. Events that are not worth a
// message report false.
func Format(e eventbus.Event) (string, bool) {
	switch d := e.Data.(type) {
	case eventbus.ScheduleData:
		switch e.Type {
		case eventbus.ScheduleCreated:
			return fmt.Sprintf("🗓 Schedule %s for guild %s at %s (by %s)", d.ID, d.GuildID, d.ScheduledAt.UTC().Format(time.RFC3339), d.CreatedBy), true
		case eventbus.ScheduleCompleted:
			return fmt.Sprintf("✅ Schedule %s for guild %s done: %d queued", d.ID, d.GuildID, d.Processed), true
		case eventbus.ScheduleFailed:
			return fmt.Sprintf("❌ Schedule %s for guild %s failed: %s", d.ID, d.GuildID, d.Error), true
		case eventbus.ScheduleCancelled:
			return fmt.Sprintf("🚫 Schedule %s for guild %s cancelled", d.ID, d.GuildID), true
		}
	case eventbus.SweepData:
		if e.Type != eventbus.RefreshSweep {
			return "", false
		}
		kind := "Daily sweep"
		if d.Manual {
			kind = "Manual refresh"
		}
		return fmt.Sprintf("🔄 %s: %d profiles in %d batches", kind, d.Found, d.Batches), true
	case eventbus.BatchData:
		if d.Error == "" {
			return "", false
		}
		return fmt.Sprintf("⚠️ Refresh batch %d/%d (%d ids) failed: %s", d.Index, d.Total, d.Size, d.Error), true
	case eventbus.ScrapeData:
		return fmt.Sprintf("⚠️ Scrape of %s gave up after %d attempts: %s", d.ProfileID, d.Attempt, d.Error), true
	}
	return "", false
}
