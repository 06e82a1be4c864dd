package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "trackerbot/pkg/logx"
)

// AddCron registers job under name, replacing any entry with that name.
// Entries added before Start are attached when the engine boots.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return errors.New("name required")
	case job == nil:
		return errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(name)
	e := &entry{name: name, spec: spec, timeout: timeout, job: job}
	s.entries = append(s.entries, e)
	if s.engine == nil {
		return nil
	}
	if err := s.attachLocked(e); err != nil {
		return err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec)}
	if s.log.Enabled(logx.LevelDebug) {
		fields = append(fields, logx.Strings("next", s.upcomingLocked(spec, 3)))
	}
	s.log.Debug("cron registered", fields...)
	return nil
}

// AddDaily runs job once a day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, at string, timeout time.Duration, job func(ctx context.Context) error) error {
	hour, minute, err := ParseHHMM(at)
	if err != nil {
		return err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", minute, hour), timeout, job)
}

// Remove reports whether an entry called name existed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dropLocked(name) {
		return false
	}
	s.log.Debug("cron removed", logx.String("name", name))
	return true
}

func (s *Service) dropLocked(name string) bool {
	if name == "" {
		return false
	}
	kept := s.entries[:0]
	found := false
	for _, e := range s.entries {
		if e.name != name {
			kept = append(kept, e)
			continue
		}
		found = true
		if s.engine != nil && e.id != 0 {
			s.engine.Remove(e.id)
		}
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
	return found
}

func (s *Service) attachLocked(e *entry) error {
	id, err := s.engine.AddJob(e.spec, cron.FuncJob(func() { s.runEntry(e) }))
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

func (s *Service) runEntry(e *entry) {
	ctx := s.runCtx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	began := time.Now()
	err := e.job(ctx)
	took := logx.Duration("took", time.Since(began))
	if err != nil {
		s.log.Error("cron job failed", logx.String("name", e.name), took, logx.Err(err))
		return
	}
	s.log.Debug("cron job done", logx.String("name", e.name), took)
}

// upcomingLocked lists the next n firings of spec for debug output.
func (s *Service) upcomingLocked(spec string, n int) []string {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return nil
	}
	loc := s.loc
	if loc == nil {
		loc = s.locationLocked()
	}
	out := make([]string, 0, n)
	for t := time.Now().In(loc); len(out) < n; {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		out = append(out, t.Format("2006-01-02 15:04:05"))
	}
	return out
}

// ParseHHMM parses a 24h wall-clock time such as "02:00".
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if hour, err = strconv.Atoi(hh); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if minute, err = strconv.Atoi(mm); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
