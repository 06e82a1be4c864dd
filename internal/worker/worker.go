// Package worker consumes scrape jobs from the work queue.
//
// A job moves its profile to in_progress, runs the Scraper and then either
// completes the profile or hands the job back to the queue for a retry.
// When the queue gives up on a job the profile ends failed.
package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"trackerbot/internal/domain"
	"trackerbot/internal/eventbus"
	"trackerbot/internal/queue"
	rtsup "trackerbot/internal/runtime/supervisor"
	logx "trackerbot/pkg/logx"
)

// JobSource is the consumer side of the work queue.
type JobSource interface {
	Dequeue(ctx context.Context) (*domain.ScrapingJob, error)
	Ack(ctx context.Context, job *domain.ScrapingJob) error
	Retry(ctx context.Context, job *domain.ScrapingJob, cause error) (dead bool, err error)
	PromoteDue(ctx context.Context) (int, error)
	RequeueStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

type Scraper interface {
	Scrape(ctx context.Context, p *domain.TrackedProfile) error
}

type Config struct {
	Enabled      bool
	Workers      int
	IdleWait     time.Duration
	PromoteEvery time.Duration
	// StaleAfter is how long a dequeued job may stay unacked before the
	// promoter hands it to another consumer. Keep it above the fetch timeout.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.IdleWait <= 0 {
		c.IdleWait = time.Second
	}
	if c.PromoteEvery <= 0 {
		c.PromoteEvery = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	return c
}

type Pool struct {
	cfg      Config
	src      JobSource
	profiles domain.ProfileStore
	scraper  Scraper
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	started time.Time
}

func New(cfg Config, src JobSource, profiles domain.ProfileStore, scraper Scraper, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:      cfg.withDefaults(),
		src:      src,
		profiles: profiles,
		scraper:  scraper,
		log:      log.With(logx.String("comp", "worker")),
		bus:      bus,
		now:      time.Now,
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil || !p.cfg.Enabled {
		return
	}
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log))
	p.started = p.now()
	p.sup.GoRestart("promoter", p.promoteLoop, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	for i := 0; i < p.cfg.Workers; i++ {
		p.sup.GoRestart("consumer."+strconv.Itoa(i), p.consumeLoop, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	p.log.Info("worker pool started", logx.Int("workers", p.cfg.Workers))
}

func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) consumeLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		ok, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("dequeue failed", logx.Err(err))
		}
		if ok {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.IdleWait):
		}
	}
	return ctx.Err()
}

func (p *Pool) promoteLoop(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	// anything still processing from before this pool started has no consumer
	p.ReapStale(ctx, started)

	t := time.NewTicker(p.cfg.PromoteEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n, err := p.src.PromoteDue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.log.Warn("promote failed", logx.Err(err))
				continue
			}
			if n > 0 {
				p.log.Debug("retries promoted", logx.Int("count", n))
			}
			p.ReapStale(ctx, p.now().Add(-p.cfg.StaleAfter))
		}
	}
}

// ReapStale requeues jobs dequeued before cutoff and moves their profiles
// from in_progress back to pending. It returns the number of jobs requeued.
func (p *Pool) ReapStale(ctx context.Context, cutoff time.Time) int {
	ids, err := p.src.RequeueStale(ctx, cutoff)
	if err != nil && ctx.Err() == nil {
		p.log.Warn("requeue stale jobs failed", logx.Err(err))
	}
	for _, id := range ids {
		prof, err := p.profiles.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, domain.ErrProfileNotFound) {
				p.log.Warn("load requeued profile failed", logx.String("profile", id), logx.Err(err))
			}
			continue
		}
		if prof.Status != domain.ScrapingInProgress {
			continue
		}
		if _, err := p.profiles.Update(ctx, id, domain.ProfileUpdate{Status: domain.StatusPtr(domain.ScrapingPending)}); err != nil {
			p.log.Warn("reset requeued profile failed", logx.String("profile", id), logx.Err(err))
		}
	}
	return len(ids)
}

// ProcessOne handles at most one job. It reports false when the queue had
// nothing ready.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	job, err := p.src.Dequeue(ctx)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.handle(ctx, job)
	return true, nil
}

func (p *Pool) handle(ctx context.Context, job *domain.ScrapingJob) {
	log := p.log.With(logx.String("job", job.ID), logx.String("profile", job.ProfileID), logx.Int("attempt", job.Attempt))

	prof, err := p.profiles.Get(ctx, job.ProfileID)
	switch {
	case errors.Is(err, domain.ErrProfileNotFound):
		log.Info("job dropped, profile gone")
		p.ack(ctx, job, log)
		return
	case err != nil:
		// the profile may still exist; give the job another attempt
		if dead, rerr := p.src.Retry(context.WithoutCancel(ctx), job, err); rerr != nil {
			log.Error("retry bookkeeping failed", logx.Err(rerr))
		} else if dead {
			log.Warn("job dropped, profile lookup kept failing", logx.Err(err))
		} else {
			log.Warn("profile lookup failed, retry scheduled", logx.Err(err))
		}
		return
	case !prof.Active || prof.Deleted:
		log.Info("job dropped, profile inactive")
		p.ack(ctx, job, log)
		return
	}
	if _, err := p.profiles.Update(ctx, prof.ID, domain.ProfileUpdate{Status: domain.StatusPtr(domain.ScrapingInProgress)}); err != nil {
		log.Warn("mark in_progress failed", logx.Err(err))
	}

	start := time.Now()
	scrapeErr := p.scraper.Scrape(ctx, prof)
	// persist the outcome even when shutdown interrupted the scrape
	wctx := context.WithoutCancel(ctx)

	if scrapeErr == nil {
		now := p.now()
		attempts := job.Attempt
		if _, err := p.profiles.Update(wctx, prof.ID, domain.ProfileUpdate{
			Status:        domain.StatusPtr(domain.ScrapingCompleted),
			LastScrapedAt: &now,
			ClearError:    true,
			Attempts:      &attempts,
		}); err != nil {
			log.Error("mark completed failed", logx.Err(err))
		}
		p.ack(wctx, job, log)
		log.Debug("scraped", logx.Duration("took", time.Since(start)))
		return
	}

	dead, err := p.src.Retry(wctx, job, scrapeErr)
	if err != nil {
		log.Error("retry bookkeeping failed", logx.Err(err))
	}
	msg := scrapeErr.Error()
	attempts := job.Attempt
	status := domain.ScrapingPending
	if dead {
		status = domain.ScrapingFailed
	}
	if _, err := p.profiles.Update(wctx, prof.ID, domain.ProfileUpdate{Status: &status, Error: &msg, Attempts: &attempts}); err != nil {
		log.Error("record scrape failure failed", logx.Err(err))
	}
	if dead {
		log.Warn("scrape gave up", logx.Err(scrapeErr))
		eventbus.Emit(p.bus, eventbus.ScrapeFailed, eventbus.ScrapeData{ProfileID: prof.ID, Attempt: job.Attempt, Error: msg})
		return
	}
	log.Info("scrape failed, retry scheduled", logx.Err(scrapeErr))
}

func (p *Pool) ack(ctx context.Context, job *domain.ScrapingJob, log logx.Logger) {
	if err := p.src.Ack(ctx, job); err != nil {
		log.Error("ack failed", logx.Err(err))
	}
}
