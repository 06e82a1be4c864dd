// Package refresh turns refresh triggers into scrape jobs.
//
// Guard decides admission, Orchestrator enqueues with compensating failure
// writes, BatchProcessor selects eligible profiles, BatchRefresher throttles
// large id sets and Recurring drives the daily sweep.
package refresh

import "time"

const (
	MsgGuardDenied    = "processing disabled by guild settings"
	msgEnqueuePrefix  = "failed to enqueue: "
	MaxExplicitIDs    = 500
	defaultBatchDelay = time.Second
	defaultBatchSize  = 50
	defaultInterval   = 24 * time.Hour
	defaultDailyAt    = "02:00"
)

// Config mirrors the refresh config section.
type Config struct {
	Enabled         bool
	RefreshInterval time.Duration
	BatchSize       int
	BatchDelay      time.Duration
	DailyAt         string
	Timeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = defaultBatchDelay
	}
	if c.DailyAt == "" {
		c.DailyAt = defaultDailyAt
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	return c
}
