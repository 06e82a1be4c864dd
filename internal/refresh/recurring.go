package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trackerbot/internal/domain"
	"trackerbot/internal/eventbus"
	logx "trackerbot/pkg/logx"
)

const dailyJobName = "refresh.daily"

// CronRegistrar is the part of the task scheduler Recurring needs.
type CronRegistrar interface {
	AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) error
	Remove(name string) bool
}

// Recurring runs the daily stale-profile sweep and serves manual triggers.
type Recurring struct {
	cron      CronRegistrar
	profiles  domain.ProfileStore
	refresher *BatchRefresher
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time

	mu      sync.Mutex
	cfg     Config
	started bool
}

func NewRecurring(cfg Config, cron CronRegistrar, profiles domain.ProfileStore, refresher *BatchRefresher, log logx.Logger, bus eventbus.Bus) *Recurring {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recurring{
		cron:      cron,
		profiles:  profiles,
		refresher: refresher,
		log:       log.With(logx.String("comp", "recurring")),
		bus:       bus,
		now:       time.Now,
		cfg:       cfg.withDefaults(),
	}
}

// Start registers the daily sweep when enabled.
func (r *Recurring) Start(ctx context.Context) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return r.registerLocked()
}

func (r *Recurring) Stop(ctx context.Context) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
	r.cron.Remove(dailyJobName)
}

// Apply swaps in cfg and re-registers the sweep if its trigger changed.
func (r *Recurring) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.cfg
	r.cfg = cfg
	r.refresher.SetDelay(cfg.BatchDelay)
	if !r.started || (old.Enabled == cfg.Enabled && old.DailyAt == cfg.DailyAt && old.Timeout == cfg.Timeout) {
		return nil
	}
	return r.registerLocked()
}

func (r *Recurring) registerLocked() error {
	r.cron.Remove(dailyJobName)
	if !r.cfg.Enabled {
		r.log.Info("daily sweep disabled")
		return nil
	}
	err := r.cron.AddDaily(dailyJobName, r.cfg.DailyAt, r.cfg.Timeout, func(ctx context.Context) error {
		_, err := r.TriggerManualRefresh(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("register daily sweep: %w", err)
	}
	r.log.Info("daily sweep registered", logx.String("at", r.cfg.DailyAt))
	return nil
}

// TriggerManualRefresh refreshes ids directly when given. Without ids it
// sweeps every stale profile in batches; a failing query fails the call.
func (r *Recurring) TriggerManualRefresh(ctx context.Context, ids ...string) (domain.Result, error) {
	if len(ids) > 0 {
		if len(ids) > MaxExplicitIDs {
			return domain.Result{}, domain.Validation("refresh", fmt.Errorf("%w: %d ids, max %d", domain.ErrTooManyItems, len(ids), MaxExplicitIDs))
		}
		if err := r.refresher.Refresh(ctx, ids); err != nil {
			return domain.Result{}, err
		}
		eventbus.Emit(r.bus, eventbus.RefreshSweep, eventbus.SweepData{Manual: true, Found: len(ids), Batches: 1})
		return domain.Result{Processed: len(ids), Trackers: ids}, nil
	}

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	stale, err := r.profiles.FindStale(ctx, domain.StaleQuery{Cutoff: r.now().Add(-cfg.RefreshInterval)})
	if err != nil {
		r.log.Error("stale query failed", logx.Err(err))
		return domain.Result{}, fmt.Errorf("find stale: %w", err)
	}
	if len(stale) == 0 {
		r.log.Debug("sweep found nothing stale")
		return domain.EmptyResult(), nil
	}
	start := time.Now()
	res, err := r.refresher.RefreshInBatches(ctx, stale, cfg.BatchSize)
	batches := (len(stale) + cfg.BatchSize - 1) / cfg.BatchSize
	eventbus.Emit(r.bus, eventbus.RefreshSweep, eventbus.SweepData{Found: len(stale), Batches: batches})
	r.log.Info("sweep done",
		logx.Int("stale", len(stale)),
		logx.Int("queued", res.Processed),
		logx.Int("batches", batches),
		logx.Duration("took", time.Since(start)),
	)
	return res, err
}
