package domain

import (
	"fmt"
	"time"
)

type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// ParseScheduleStatus accepts the lowercase status names.
func ParseScheduleStatus(s string) (ScheduleStatus, error) {
	switch ScheduleStatus(s) {
	case SchedulePending, ScheduleCompleted, ScheduleFailed, ScheduleCancelled:
		return ScheduleStatus(s), nil
	}
	return "", Validation("parse status", fmt.Errorf("unknown schedule status %q", s))
}

func (s ScheduleStatus) Terminal() bool { return s != SchedulePending }

// ScheduledRefresh is a persisted one-shot trigger for a guild-scoped batch.
type ScheduledRefresh struct {
	ID           string
	GuildID      string
	ScheduledAt  time.Time
	CreatedBy    string
	Status       ScheduleStatus
	ExecutedAt   *time.Time
	ErrorMessage *string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanCancel reports whether the schedule is pending and its execution has
// not begun.
func (s *ScheduledRefresh) CanCancel() bool {
	return s != nil && s.Status == SchedulePending && s.ExecutedAt == nil
}

// ScheduleUpdate is a partial update of a schedule row.
type ScheduleUpdate struct {
	Status       *ScheduleStatus
	ExecutedAt   *time.Time
	ErrorMessage *string
	// Unstarted limits the update to rows whose execution has not begun.
	Unstarted bool
}

// ScheduleFilter drives list queries. Completed, failed and cancelled rows are
// hidden unless IncludeCompleted is set or Status names one explicitly.
type ScheduleFilter struct {
	GuildID          string
	Status           ScheduleStatus
	IncludeCompleted bool
}

// TimerKey is the registry key for a schedule's one-shot timer.
func TimerKey(scheduleID string) string { return "scheduled-processing-" + scheduleID }

func ScheduleStatusPtr(s ScheduleStatus) *ScheduleStatus { return &s }
