package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"trackerbot/internal/domain"
	logx "trackerbot/pkg/logx"
)

// Orchestrator enqueues scrape jobs behind the admission guard. Denials and
// enqueue failures are turned into a failed profile instead of an error.
type Orchestrator struct {
	guard    *Guard
	queue    domain.WorkQueue
	profiles domain.ProfileStore
	log      logx.Logger

	wg sync.WaitGroup
}

func NewOrchestrator(guard *Guard, queue domain.WorkQueue, profiles domain.ProfileStore, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		guard:    guard,
		queue:    queue,
		profiles: profiles,
		log:      log.With(logx.String("comp", "orchestrator")),
	}
}

// EnqueueWithGuard queues id if its guild admits it. The enqueue runs in the
// background; only its failure has an effect (a compensating write).
func (o *Orchestrator) EnqueueWithGuard(ctx context.Context, id string) {
	if !o.guard.CanProcess(ctx, id) {
		o.markFailed(ctx, id, MsgGuardDenied)
		return
	}
	bg := context.WithoutCancel(ctx)
	o.spawn(func() {
		if _, err := o.queue.Enqueue(bg, id); err != nil {
			o.log.Warn("enqueue failed", logx.String("profile", id), logx.Err(err))
			o.markFailed(bg, id, msgEnqueuePrefix+err.Error())
		}
	})
}

// EnqueueManyWithGuard compensates denied ids one by one and queues the
// admitted ones with a single bulk call in the background.
func (o *Orchestrator) EnqueueManyWithGuard(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	allowed := o.guard.FilterProcessable(ctx, ids)
	if len(allowed) < len(ids) {
		ok := make(map[string]struct{}, len(allowed))
		for _, id := range allowed {
			ok[id] = struct{}{}
		}
		for _, id := range ids {
			if _, admitted := ok[id]; !admitted {
				o.markFailed(ctx, id, MsgGuardDenied)
			}
		}
	}
	if len(allowed) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)
	o.spawn(func() {
		if _, err := o.queue.EnqueueBatch(bg, allowed); err != nil {
			o.log.Warn("bulk enqueue failed", logx.Int("count", len(allowed)), logx.Err(err))
			for _, id := range allowed {
				o.markFailed(bg, id, msgEnqueuePrefix+err.Error())
			}
		}
	})
}

// RefreshOne queues a single known profile through the guard.
func (o *Orchestrator) RefreshOne(ctx context.Context, id string) error {
	if _, err := o.profiles.Get(ctx, id); err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			return domain.NotFound("refresh profile", fmt.Errorf("%w: %s", domain.ErrProfileNotFound, id))
		}
		return fmt.Errorf("refresh profile: %w", err)
	}
	o.EnqueueWithGuard(ctx, id)
	return nil
}

// Wait blocks until every background enqueue and its compensation finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("background enqueue panicked", logx.Any("panic", r))
			}
		}()
		fn()
	}()
}

// failureMarker is implemented by stores with a single-statement failure write.
type failureMarker interface {
	MarkFailed(ctx context.Context, id, msg string) error
}

// markFailed is best-effort: its own failure is only logged.
func (o *Orchestrator) markFailed(ctx context.Context, id, msg string) {
	var err error
	if mf, ok := o.profiles.(failureMarker); ok {
		err = mf.MarkFailed(ctx, id, msg)
	} else {
		attempts := 1
		_, err = o.profiles.Update(ctx, id, domain.ProfileUpdate{
			Status:   domain.StatusPtr(domain.ScrapingFailed),
			Error:    &msg,
			Attempts: &attempts,
		})
	}
	if err != nil {
		o.log.Error("compensating write failed", logx.String("profile", id), logx.String("reason", msg), logx.Err(err))
		return
	}
	o.log.Info("profile marked failed", logx.String("profile", id), logx.String("reason", msg))
}
