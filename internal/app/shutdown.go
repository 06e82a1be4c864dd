package app

import (
	"context"
	"fmt"
	"time"

	logx "trackerbot/pkg/logx"
)

const slowStep = 500 * time.Millisecond

type stopStep struct {
	name  string
	limit time.Duration
	fn    func(context.Context) error
}

func quiet(fn func(context.Context)) func(context.Context) error {
	return func(ctx context.Context) error {
		fn(ctx)
		return nil
	}
}

// Stop tears components down in reverse start order: intake first, then
// the work producers, then the backing stores.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	plan := []stopStep{
		{"telegram", 2 * time.Second, a.tg.Stop},
		{"notifier", time.Second, quiet(a.notif.Stop)},
		{"worker", 3 * time.Second, a.pool.Stop},
		{"recurring", time.Second, quiet(a.recurring.Stop)},
		{"schedules", 3 * time.Second, a.schedules.Shutdown},
		{"enqueue", 2 * time.Second, quiet(func(context.Context) { a.orch.Wait() })},
		{"scheduler", 2 * time.Second, quiet(a.sched.Stop)},
		{"queue", time.Second, func(context.Context) error { return a.rdb.Close() }},
		{"storage", time.Second, func(context.Context) error { return a.store.Close() }},
		{"supervisor", 2 * time.Second, a.sup.Wait},
	}
	for _, st := range plan {
		a.runStep(ctx, st)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// runStep gives st at most its limit, cut short by ctx's deadline. An
// overrunning step is abandoned and its late result logged.
func (a *App) runStep(ctx context.Context, st stopStep) {
	began := time.Now()
	name := logx.String("step", st.name)

	limit := st.limit
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: out of time", name)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- st.fn(sctx)
	}()

	select {
	case err := <-result:
		took := time.Since(began)
		switch {
		case err != nil:
			a.log.Warn("stop step failed", name, logx.Duration("took", took), logx.Err(err))
		case took >= slowStep:
			a.log.Info("stop step slow", name, logx.Duration("took", took))
		default:
			a.log.Debug("stop step done", name, logx.Duration("took", took))
		}
	case <-sctx.Done():
		a.log.Warn("stop step overran; moving on", name, logx.Duration("limit", limit))
		go func() {
			err := <-result
			a.log.Info("stop step finished late", name, logx.Duration("took", time.Since(began)), logx.Err(err))
		}()
	}
}
