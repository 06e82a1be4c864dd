package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"trackerbot/internal/domain"
)

type fakeProfiles struct {
	mu       sync.Mutex
	pending  []string
	stale    []string
	findErr  error
	queries  []domain.StaleQuery
	profiles map[string]*domain.TrackedProfile
}

func newFakeProfiles(ids ...string) *fakeProfiles {
	f := &fakeProfiles{profiles: map[string]*domain.TrackedProfile{}}
	for _, id := range ids {
		f.profiles[id] = &domain.TrackedProfile{ID: id, Status: domain.ScrapingPending, Active: true}
	}
	return f
}

func (f *fakeProfiles) FindPending(context.Context) ([]string, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return append([]string(nil), f.pending...), nil
}

func (f *fakeProfiles) FindStale(_ context.Context, q domain.StaleQuery) ([]string, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	return append([]string(nil), f.stale...), nil
}

func (f *fakeProfiles) Get(_ context.Context, id string) (*domain.TrackedProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProfiles) Update(_ context.Context, id string, u domain.ProfileUpdate) (*domain.TrackedProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.Error != nil {
		msg := *u.Error
		p.ScrapingError = &msg
	}
	if u.Attempts != nil {
		p.ScrapingAttempts = *u.Attempts
	}
	cp := *p
	return &cp, nil
}

type fakeSettings struct {
	guildOf map[string]string
	enabled map[string]bool
	err     error
}

func (f *fakeSettings) IsProcessingEnabled(_ context.Context, guildID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.enabled[guildID], nil
}

func (f *fakeSettings) GuildForProfile(_ context.Context, id string) (string, error) {
	g, ok := f.guildOf[id]
	if !ok {
		return "", domain.ErrProfileNotFound
	}
	return g, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	single  []string
	batches [][]string
	failOn  map[int]bool // 1-based batch call index
	err     error
}

var errQueueDown = errors.New("redis down")

func (f *fakeQueue) Enqueue(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.single = append(f.single, id)
	if f.err != nil {
		return "", f.err
	}
	return "job-" + id, nil
}

func (f *fakeQueue) EnqueueBatch(_ context.Context, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), ids...))
	if f.err != nil || f.failOn[len(f.batches)] {
		return nil, errQueueDown
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = "job-" + id
	}
	return out, nil
}

func (f *fakeQueue) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.single) + len(f.batches)
}

type fakeCron struct {
	mu    sync.Mutex
	jobs  map[string]func(ctx context.Context) error
	specs map[string]string
}

func newFakeCron() *fakeCron {
	return &fakeCron{jobs: map[string]func(ctx context.Context) error{}, specs: map[string]string{}}
}

func (f *fakeCron) AddDaily(name, at string, _ time.Duration, job func(ctx context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[name] = job
	f.specs[name] = at
	return nil
}

func (f *fakeCron) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[name]
	delete(f.jobs, name)
	delete(f.specs, name)
	return ok
}
