package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "trackerbot/pkg/logx"
)

// Register arms a one-shot timer that runs job once at the given instant.
// An existing timer under the same key is replaced; callbacks of replaced
// timers are ignored by version. Past instants fire immediately.
func (s *Service) Register(key string, at time.Time, job func(ctx context.Context)) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key required")
	}
	if at.IsZero() {
		return errors.New("at required")
	}
	if job == nil {
		return errors.New("job required")
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.timers[key]; ok {
		_ = old.timer.Stop()
	}
	s.ver++
	ver := s.ver

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	t := &oneShot{at: at, ver: ver}
	t.timer = time.AfterFunc(delay, func() { s.fire(key, ver, job) })
	s.timers[key] = t

	s.log.Debug("timer registered",
		logx.String("key", key),
		logx.Time("at", at),
		logx.String("fields", OneShotFields(at)),
	)
	return nil
}

// fire runs job if the timer under key is still the armed version. The
// entry stays registered while job runs; the job removes it itself.
func (s *Service) fire(key string, ver uint64, job func(ctx context.Context)) {
	s.tmu.Lock()
	cur, ok := s.timers[key]
	live := ok && cur.ver == ver
	s.tmu.Unlock()
	if !live {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("timer job panic", logx.String("key", key), logx.Any("panic", r))
		}
	}()
	job(s.runCtx)
}

func (s *Service) Exists(key string) bool {
	s.tmu.Lock()
	_, ok := s.timers[key]
	s.tmu.Unlock()
	return ok
}

// Delete stops and forgets the timer under key.
func (s *Service) Delete(key string) error {
	s.tmu.Lock()
	t, ok := s.timers[key]
	if ok {
		delete(s.timers, key)
	}
	s.tmu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	_ = t.timer.Stop()
	return nil
}

func (s *Service) Keys() []string {
	s.tmu.Lock()
	out := make([]string, 0, len(s.timers))
	for k := range s.timers {
		out = append(out, k)
	}
	s.tmu.Unlock()
	sort.Strings(out)
	return out
}

// StopAll stops and forgets every one-shot timer and returns how many were live.
func (s *Service) StopAll() int {
	s.tmu.Lock()
	timers := s.timers
	s.timers = map[string]*oneShot{}
	s.tmu.Unlock()
	for _, t := range timers {
		_ = t.timer.Stop()
	}
	return len(timers)
}

// OneShotFields renders the calendar fields of t as "sec min hour dom month"
// with a 1-based month, e.g. Jan 15 10:00:00 -> "0 0 10 15 1".
func OneShotFields(t time.Time) string {
	return fmt.Sprintf("%d %d %d %d %d", t.Second(), t.Minute(), t.Hour(), t.Day(), int(t.Month()))
}
