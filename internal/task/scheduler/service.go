package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "trackerbot/pkg/logx"
)

// specParser accepts 5-field specs, 6-field specs with seconds, and
// descriptors such as @daily.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		parser: specParser,
		timers: make(map[string]*oneShot),
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	return s
}

// Apply takes a new config. A timezone change rebuilds the running cron
// engine; one-shot timers hold absolute instants and are unaffected.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zoneChanged := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.engine != nil && zoneChanged {
		<-s.engine.Stop().Done()
		s.bootLocked("restarted")
	}
}

// Start runs the cron engine. One-shot timers do not depend on it.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		s.bootLocked("started")
	}
}

func (s *Service) bootLocked(verb string) {
	s.loc = s.locationLocked()
	s.engine = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, e := range s.entries {
		if err := s.attachLocked(e); err != nil {
			s.log.Error("cron register failed", logx.String("name", e.name), logx.Err(err))
		}
	}
	s.engine.Start()
	s.log.Info("service "+verb, logx.String("tz", s.loc.String()), logx.Int("entries", len(s.entries)))
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Stop halts the cron engine, disarms every timer and cancels the context
// of jobs still running. Waiting for running cron jobs ends with ctx.
func (s *Service) Stop(ctx context.Context) {
	began := time.Now()

	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	s.mu.Unlock()

	if engine != nil {
		select {
		case <-engine.Stop().Done():
		case <-ctx.Done():
		}
	}
	disarmed := s.StopAll()
	s.runCancel()
	s.log.Info("service stopped", logx.Int("timers", disarmed), logx.Duration("took", time.Since(began)))
}

func (s *Service) Snapshot() Snapshot {
	var snap Snapshot

	s.mu.Lock()
	snap.Running = s.engine != nil
	snap.Timezone = s.cfg.Timezone
	if snap.Timezone == "" && s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, e := range s.entries {
		info := EntryInfo{Name: e.name, Spec: e.spec}
		if s.engine != nil && e.id != 0 {
			ce := s.engine.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		snap.Entries = append(snap.Entries, info)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for key, t := range s.timers {
		snap.Timers = append(snap.Timers, TimerInfo{Key: key, At: t.at})
	}
	s.tmu.Unlock()
	sort.Slice(snap.Timers, func(i, j int) bool { return snap.Timers[i].At.Before(snap.Timers[j].At) })
	return snap
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, pairs(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(pairs(kv), logx.Err(err))...)
}

func pairs(kv []any) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 1; i < len(kv); i += 2 {
		if k, ok := kv[i-1].(string); ok {
			fields = append(fields, logx.Any(k, kv[i]))
		}
	}
	return fields
}
