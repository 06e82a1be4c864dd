package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trackerbot/internal/domain"
	"trackerbot/internal/eventbus"
	logx "trackerbot/pkg/logx"
)

// BatchRefresher splits large id sets into chunks and paces them.
type BatchRefresher struct {
	queue domain.WorkQueue
	log   logx.Logger
	bus   eventbus.Bus
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	delay time.Duration
}

func NewBatchRefresher(queue domain.WorkQueue, delay time.Duration, log logx.Logger, bus eventbus.Bus) *BatchRefresher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if delay <= 0 {
		delay = defaultBatchDelay
	}
	return &BatchRefresher{
		queue: queue,
		log:   log.With(logx.String("comp", "batch_refresh")),
		bus:   bus,
		sleep: sleepCtx,
		delay: delay,
	}
}

func (r *BatchRefresher) SetDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.delay = d
	r.mu.Unlock()
}

// Refresh enqueues ids with one bulk call.
func (r *BatchRefresher) Refresh(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.queue.EnqueueBatch(ctx, ids); err != nil {
		return domain.Transient("refresh", fmt.Errorf("%w: %v", domain.ErrEnqueueFailure, err))
	}
	return nil
}

// RefreshInBatches enqueues ids in contiguous chunks of batchSize with a
// delay between chunks and none after the last. A failed chunk is logged
// and skipped. The result counts ids of successful chunks.
//
// Cancelling ctx during the wait between chunks ends the run: the remaining
// chunks are not queued, a warning records how many ids were left out, and
// the partial result is returned with ctx's error.
func (r *BatchRefresher) RefreshInBatches(ctx context.Context, ids []string, batchSize int) (domain.Result, error) {
	if len(ids) == 0 {
		return domain.EmptyResult(), nil
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	r.mu.Lock()
	delay := r.delay
	r.mu.Unlock()

	total := (len(ids) + batchSize - 1) / batchSize
	res := domain.EmptyResult()
	for i := 0; i < total; i++ {
		lo := i * batchSize
		hi := lo + batchSize
		if hi > len(ids) {
			hi = len(ids)
		}
		chunk := ids[lo:hi]

		start := time.Now()
		err := r.Refresh(ctx, chunk)
		ev := eventbus.BatchData{Index: i + 1, Total: total, Size: len(chunk), Elapsed: time.Since(start)}
		if err != nil {
			ev.Error = err.Error()
			r.log.Warn("batch failed", logx.Int("batch", i+1), logx.Int("of", total), logx.Int("size", len(chunk)), logx.Err(err))
		} else {
			res.Processed += len(chunk)
			res.Trackers = append(res.Trackers, chunk...)
			r.log.Debug("batch queued", logx.Int("batch", i+1), logx.Int("of", total), logx.Int("size", len(chunk)))
		}
		eventbus.Emit(r.bus, eventbus.RefreshBatch, ev)

		if i < total-1 {
			if err := r.sleep(ctx, delay); err != nil {
				r.log.Warn("batch run interrupted",
					logx.Int("batches_left", total-i-1),
					logx.Int("ids_left", len(ids)-hi),
					logx.Err(err),
				)
				return res, err
			}
		}
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
