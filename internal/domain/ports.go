package domain

import (
	"context"
	"time"
)

// ProfileStore queries and updates tracked profiles.
type ProfileStore interface {
	FindPending(ctx context.Context) ([]string, error)
	FindStale(ctx context.Context, q StaleQuery) ([]string, error)
	Get(ctx context.Context, id string) (*TrackedProfile, error)
	Update(ctx context.Context, id string, u ProfileUpdate) (*TrackedProfile, error)
}

// GuildSettingsProvider exposes the per-guild processing toggle.
type GuildSettingsProvider interface {
	IsProcessingEnabled(ctx context.Context, guildID string) (bool, error)
	GuildForProfile(ctx context.Context, profileID string) (string, error)
}

// GuildDirectory answers whether a guild exists.
type GuildDirectory interface {
	GuildExists(ctx context.Context, guildID string) (bool, error)
}

// WorkQueue durably enqueues scrape jobs.
type WorkQueue interface {
	Enqueue(ctx context.Context, profileID string) (string, error)
	EnqueueBatch(ctx context.Context, profileIDs []string) ([]string, error)
}

// ScheduleStore persists one-time schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *ScheduledRefresh) error
	FindSchedule(ctx context.Context, id string) (*ScheduledRefresh, error)
	FindPendingSchedules(ctx context.Context) ([]ScheduledRefresh, error)
	UpdateSchedule(ctx context.Context, id string, u ScheduleUpdate) (*ScheduledRefresh, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]ScheduledRefresh, error)
}

// JobRegistry owns live one-shot timer handles keyed by name.
type JobRegistry interface {
	Register(key string, at time.Time, job func(ctx context.Context)) error
	Exists(key string) bool
	Delete(key string) error
	Keys() []string
}
