package domain

import "time"

type ScrapingStatus string

const (
	ScrapingPending    ScrapingStatus = "pending"
	ScrapingInProgress ScrapingStatus = "in_progress"
	ScrapingCompleted  ScrapingStatus = "completed"
	ScrapingFailed     ScrapingStatus = "failed"
)

// TrackedProfile is a per-user reference to a third-party stats page.
//
// GuildID is derived from the owner's guild membership and is read-only here.
type TrackedProfile struct {
	ID               string
	GuildID          string
	URL              string
	Status           ScrapingStatus
	LastScrapedAt    *time.Time
	ScrapingAttempts int
	ScrapingError    *string
	Active           bool
	Deleted          bool
	UpdatedAt        time.Time
}

// ProfileUpdate is a partial update. Nil fields are left untouched.
type ProfileUpdate struct {
	Status        *ScrapingStatus
	Error         *string
	ClearError    bool
	Attempts      *int
	LastScrapedAt *time.Time
}

// StaleQuery selects active, non-deleted, not in-progress profiles whose last
// scrape is missing or older than Cutoff. An empty GuildID means system-wide.
type StaleQuery struct {
	GuildID        string
	Cutoff         time.Time
	IncludePending bool
}

// JobOptions is the attempt policy attached to a ScrapingJob.
type JobOptions struct {
	MaxAttempts int
	BackoffBase time.Duration
	Priority    int
}

// ScrapingJob is owned by the work queue.
type ScrapingJob struct {
	ID         string
	ProfileID  string
	Attempt    int
	Options    JobOptions
	EnqueuedAt time.Time
	LastError  string
}

// Result is returned by batch operations.
type Result struct {
	Processed int      `json:"processed"`
	Trackers  []string `json:"trackers"`
}

// EmptyResult is the canonical "nothing to do" value ({0, []}).
func EmptyResult() Result { return Result{Processed: 0, Trackers: []string{}} }

func StatusPtr(s ScrapingStatus) *ScrapingStatus { return &s }
