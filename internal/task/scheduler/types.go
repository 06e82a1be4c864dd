package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "trackerbot/pkg/logx"
)

var ErrJobNotFound = errors.New("job not found")

type Config struct {
	// IANA zone for cron entries, e.g. "Europe/Berlin". Empty means Local.
	Timezone string
}

// Service holds the cron entries and the keyed one-shot timers.
type Service struct {
	log    logx.Logger
	parser cron.Parser

	// jobs fired by either half get runCtx; Stop cancels it
	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	engine  *cron.Cron
	entries []*entry

	tmu    sync.Mutex
	timers map[string]*oneShot
	ver    uint64
}

type entry struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	id      cron.EntryID
}

type oneShot struct {
	at    time.Time
	timer *time.Timer
	ver   uint64
}

type EntryInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type TimerInfo struct {
	Key string
	At  time.Time
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Running  bool
	Timezone string
	Entries  []EntryInfo
	Timers   []TimerInfo
}
