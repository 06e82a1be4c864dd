// Package schedule manages persisted one-time guild refreshes.
//
// A schedule is pending until its timer fires and the guild batch runs, after
// which it is completed or failed; a pending schedule can also be cancelled.
// Terminal schedules are never rewritten.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trackerbot/internal/domain"
	"trackerbot/internal/eventbus"
	logx "trackerbot/pkg/logx"
)

// Processor runs the guild-scoped batch when a schedule fires.
type Processor interface {
	ProcessPendingForGuild(ctx context.Context, guildID string) (domain.Result, error)
}

type Config struct {
	RecoverOverdue  bool
	MaxMetadataKeys int
}

const defaultMaxMetadataKeys = 32

type Manager struct {
	store    domain.ScheduleStore
	guilds   domain.GuildDirectory
	registry domain.JobRegistry
	proc     Processor
	log      logx.Logger
	bus      eventbus.Bus

	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	cfg    Config
	closed bool

	running sync.WaitGroup
}

func New(cfg Config, store domain.ScheduleStore, guilds domain.GuildDirectory, registry domain.JobRegistry, proc Processor, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store:    store,
		guilds:   guilds,
		registry: registry,
		proc:     proc,
		log:      log.With(logx.String("comp", "schedule")),
		bus:      bus,
		now:      time.Now,
		newID:    uuid.NewString,
		cfg:      cfg,
	}
}

func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cfg
	if c.MaxMetadataKeys <= 0 {
		c.MaxMetadataKeys = defaultMaxMetadataKeys
	}
	return c
}

// Create persists a pending schedule for guildID and arms its timer.
func (m *Manager) Create(ctx context.Context, guildID string, when time.Time, createdBy string, metadata map[string]string) (*domain.ScheduledRefresh, error) {
	const op = "create schedule"
	guildID = strings.TrimSpace(guildID)
	if !when.After(m.now()) {
		return nil, domain.Validation(op, domain.ErrScheduleInPast)
	}
	if limit := m.config().MaxMetadataKeys; len(metadata) > limit {
		return nil, domain.Validation(op, fmt.Errorf("%w: %d metadata keys, max %d", domain.ErrTooManyItems, len(metadata), limit))
	}
	ok, err := m.guilds.GuildExists(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, domain.NotFound(op, fmt.Errorf("%w: %s", domain.ErrGuildNotFound, guildID))
	}

	sr := &domain.ScheduledRefresh{
		ID:          m.newID(),
		GuildID:     guildID,
		ScheduledAt: when,
		CreatedBy:   createdBy,
		Status:      domain.SchedulePending,
		Metadata:    metadata,
	}
	if err := m.store.CreateSchedule(ctx, sr); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := m.arm(sr.ID, sr.GuildID, sr.ScheduledAt); err != nil {
		return nil, fmt.Errorf("%s: arm timer: %w", op, err)
	}
	m.log.Info("schedule created",
		logx.String("id", sr.ID),
		logx.String("guild", guildID),
		logx.Time("at", when),
		logx.String("by", createdBy),
	)
	m.emit(eventbus.ScheduleCreated, sr, 0, "")
	return sr, nil
}

// Cancel stops the timer of a pending schedule and marks it cancelled. A
// schedule whose execution has begun is a conflict.
func (m *Manager) Cancel(ctx context.Context, id string) (*domain.ScheduledRefresh, error) {
	const op = "cancel schedule"
	sr, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sr.CanCancel() {
		state := "status is " + string(sr.Status)
		if sr.Status == domain.SchedulePending {
			state = "schedule is executing"
		}
		return nil, domain.Conflict(op, fmt.Errorf("%w: %s", domain.ErrStateConflict, state))
	}
	m.disarm(id)

	out, err := m.store.UpdateSchedule(ctx, id, domain.ScheduleUpdate{
		Status:    domain.ScheduleStatusPtr(domain.ScheduleCancelled),
		Unstarted: true,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			return nil, domain.Conflict(op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.log.Info("schedule cancelled", logx.String("id", id), logx.String("guild", out.GuildID))
	m.emit(eventbus.ScheduleCancelled, out, 0, "")
	return out, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*domain.ScheduledRefresh, error) {
	sr, err := m.store.FindSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			return nil, domain.NotFound("get schedule", fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id))
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sr, nil
}

func (m *Manager) List(ctx context.Context, f domain.ScheduleFilter) ([]domain.ScheduledRefresh, error) {
	return m.store.ListSchedules(ctx, f)
}

// Recover re-arms pending schedules after a restart. Overdue rows fire at
// once when RecoverOverdue is set and are left untouched otherwise.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	rows, err := m.store.FindPendingSchedules(ctx)
	if err != nil {
		m.log.Error("load pending schedules failed", logx.Err(err))
		return 0, fmt.Errorf("recover schedules: %w", err)
	}
	cfg := m.config()
	now := m.now()
	armed, skipped := 0, 0
	for _, sr := range rows {
		if !sr.ScheduledAt.After(now) && !cfg.RecoverOverdue {
			skipped++
			m.log.Warn("overdue schedule not recovered", logx.String("id", sr.ID), logx.Time("at", sr.ScheduledAt))
			continue
		}
		if err := m.arm(sr.ID, sr.GuildID, sr.ScheduledAt); err != nil {
			m.log.Error("re-arm failed", logx.String("id", sr.ID), logx.Err(err))
			continue
		}
		armed++
	}
	m.log.Info("schedules recovered", logx.Int("armed", armed), logx.Int("skipped", skipped))
	return armed, nil
}

// Shutdown disarms every schedule timer and waits for running executions
// until ctx expires. Timers that fire after Shutdown begins do nothing.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	n := 0
	for _, key := range m.registry.Keys() {
		if !strings.HasPrefix(key, domain.TimerKey("")) {
			continue
		}
		if err := m.registry.Delete(key); err != nil {
			m.log.Debug("disarm on shutdown failed", logx.String("key", key), logx.Err(err))
			continue
		}
		n++
	}

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("shutdown deadline hit with executions in flight")
		return ctx.Err()
	}
	m.log.Info("schedule manager stopped", logx.Int("timers", n))
	return nil
}

func (m *Manager) arm(id, guildID string, at time.Time) error {
	return m.registry.Register(domain.TimerKey(id), at, func(ctx context.Context) {
		if !m.enter() {
			return
		}
		defer m.running.Done()
		m.execute(ctx, id, guildID)
	})
}

// enter counts an execution in unless Shutdown has begun. The Add happens
// under mu so it never races Shutdown's Wait.
func (m *Manager) enter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.running.Add(1)
	return true
}

// disarm removes the timer of id; an absent timer is fine.
func (m *Manager) disarm(id string) {
	key := domain.TimerKey(id)
	if !m.registry.Exists(key) {
		return
	}
	if err := m.registry.Delete(key); err != nil {
		m.log.Debug("timer delete failed", logx.String("key", key), logx.Err(err))
	}
}

func (m *Manager) execute(ctx context.Context, id, guildID string) {
	defer m.disarm(id)

	start := m.now()
	sr, err := m.store.UpdateSchedule(ctx, id, domain.ScheduleUpdate{ExecutedAt: &start, Unstarted: true})
	if err != nil {
		// cancelled or already run
		m.log.Warn("schedule not executable", logx.String("id", id), logx.Err(err))
		return
	}

	res, runErr := m.proc.ProcessPendingForGuild(ctx, guildID)
	upd := domain.ScheduleUpdate{Status: domain.ScheduleStatusPtr(domain.ScheduleCompleted)}
	if runErr != nil {
		msg := runErr.Error()
		upd = domain.ScheduleUpdate{Status: domain.ScheduleStatusPtr(domain.ScheduleFailed), ErrorMessage: &msg}
	}

	final, err := m.store.UpdateSchedule(context.WithoutCancel(ctx), id, upd)
	if err != nil {
		m.log.Error("schedule result not persisted", logx.String("id", id), logx.Err(err))
		return
	}
	if runErr != nil {
		m.log.Error("schedule failed", logx.String("id", id), logx.String("guild", guildID), logx.Err(runErr))
		m.emit(eventbus.ScheduleFailed, final, 0, runErr.Error())
		return
	}
	m.log.Info("schedule completed",
		logx.String("id", id),
		logx.String("guild", guildID),
		logx.Int("processed", res.Processed),
		logx.Duration("late", start.Sub(sr.ScheduledAt)),
	)
	m.emit(eventbus.ScheduleCompleted, final, res.Processed, "")
}

func (m *Manager) emit(typ string, sr *domain.ScheduledRefresh, processed int, errMsg string) {
	eventbus.Emit(m.bus, typ, eventbus.ScheduleData{
		ID:          sr.ID,
		GuildID:     sr.GuildID,
		ScheduledAt: sr.ScheduledAt,
		CreatedBy:   sr.CreatedBy,
		Processed:   processed,
		Error:       errMsg,
	})
}
