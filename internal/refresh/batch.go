package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trackerbot/internal/domain"
	logx "trackerbot/pkg/logx"
)

// BatchProcessor selects eligible profiles and bulk-enqueues them.
type BatchProcessor struct {
	profiles domain.ProfileStore
	guard    *Guard
	queue    domain.WorkQueue
	log      logx.Logger
	now      func() time.Time

	mu       sync.Mutex
	interval time.Duration
}

func NewBatchProcessor(profiles domain.ProfileStore, guard *Guard, queue domain.WorkQueue, interval time.Duration, log logx.Logger) *BatchProcessor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &BatchProcessor{
		profiles: profiles,
		guard:    guard,
		queue:    queue,
		log:      log.With(logx.String("comp", "batch")),
		now:      time.Now,
		interval: interval,
	}
}

func (p *BatchProcessor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
}

// ProcessPending queues every pending profile whose guild admits processing.
func (p *BatchProcessor) ProcessPending(ctx context.Context) (domain.Result, error) {
	ids, err := p.profiles.FindPending(ctx)
	if err != nil {
		p.log.Error("find pending failed", logx.Err(err))
		return domain.Result{}, fmt.Errorf("find pending: %w", err)
	}
	if len(ids) == 0 {
		return domain.EmptyResult(), nil
	}
	allowed := p.guard.FilterProcessable(ctx, ids)
	if len(allowed) == 0 {
		return domain.EmptyResult(), nil
	}
	if err := p.enqueue(ctx, allowed); err != nil {
		return domain.Result{}, err
	}
	p.log.Info("pending profiles queued", logx.Int("found", len(ids)), logx.Int("queued", len(allowed)))
	return domain.Result{Processed: len(allowed), Trackers: allowed}, nil
}

// ProcessPendingForGuild queues the guild's pending or stale profiles. It
// ignores the guild processing toggle.
func (p *BatchProcessor) ProcessPendingForGuild(ctx context.Context, guildID string) (domain.Result, error) {
	p.mu.Lock()
	interval := p.interval
	p.mu.Unlock()

	ids, err := p.profiles.FindStale(ctx, domain.StaleQuery{
		GuildID:        guildID,
		Cutoff:         p.now().Add(-interval),
		IncludePending: true,
	})
	if err != nil {
		p.log.Error("find stale failed", logx.String("guild", guildID), logx.Err(err))
		return domain.Result{}, fmt.Errorf("find stale for guild %s: %w", guildID, err)
	}
	if len(ids) == 0 {
		return domain.EmptyResult(), nil
	}
	if err := p.enqueue(ctx, ids); err != nil {
		return domain.Result{}, err
	}
	p.log.Info("guild profiles queued", logx.String("guild", guildID), logx.Int("queued", len(ids)))
	return domain.Result{Processed: len(ids), Trackers: ids}, nil
}

func (p *BatchProcessor) enqueue(ctx context.Context, ids []string) error {
	if _, err := p.queue.EnqueueBatch(ctx, ids); err != nil {
		p.log.Error("bulk enqueue failed", logx.Int("count", len(ids)), logx.Err(err))
		return domain.Transient("enqueue batch", fmt.Errorf("%w: %v", domain.ErrEnqueueFailure, err))
	}
	return nil
}
