// Package app wires trackerbot together: storage, the Redis work queue, the
// trigger scheduler, the refresh and schedule services, the scrape worker
// pool, the notifier and the Telegram admin surface.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"trackerbot/internal/admin"
	"trackerbot/internal/config"
	"trackerbot/internal/eventbus"
	"trackerbot/internal/notifier"
	"trackerbot/internal/queue"
	"trackerbot/internal/refresh"
	rtsup "trackerbot/internal/runtime/supervisor"
	"trackerbot/internal/schedule"
	"trackerbot/internal/storage"
	"trackerbot/internal/task/scheduler"
	"trackerbot/internal/transport/telegram"
	"trackerbot/internal/worker"
	logx "trackerbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store *storage.Store
	rdb   *redis.Client
	queue *queue.Queue
	sched *scheduler.Service

	orch      *refresh.Orchestrator
	batch     *refresh.BatchProcessor
	recurring *refresh.Recurring
	schedules *schedule.Manager

	pool   *worker.Pool
	notif  *notifier.Notifier
	tg     *telegram.Adapter
	router *admin.Router

	started time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	tgCfg, cmdTimeout, _ := mapTelegramConfig(cfg)
	stCfg, _ := mapStorageConfig(cfg)
	qCfg, _ := mapQueueConfig(cfg)
	rCfg, sCfg, _ := mapRefreshConfig(cfg)
	schCfg, _ := mapScheduleConfig(cfg)
	nCfg, _ := mapNotifierConfig(cfg)
	wCfg, httpCfg, _ := mapWorkerConfig(cfg)

	tg, err := telegram.New(tgCfg, log)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(stCfg, log)
	if err != nil {
		return nil, err
	}
	rdb, err := queue.Dial(qCfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	q := queue.New(rdb, qCfg, log)

	sched := scheduler.New(sCfg, log)

	guard := refresh.NewGuard(store, log)
	orch := refresh.NewOrchestrator(guard, q, store, log)
	batch := refresh.NewBatchProcessor(store, guard, q, rCfg.RefreshInterval, log)
	refresher := refresh.NewBatchRefresher(q, rCfg.BatchDelay, log, bus)
	recurring := refresh.NewRecurring(rCfg, sched, store, refresher, log, bus)

	schedules := schedule.New(schCfg, store, store, sched, batch, log, bus)

	pool := worker.New(wCfg, q, store, worker.NewHTTPScraper(httpCfg), log, bus)
	notif := notifier.New(nCfg, tg, log, bus)

	a := &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		rdb:       rdb,
		queue:     q,
		sched:     sched,
		orch:      orch,
		batch:     batch,
		recurring: recurring,
		schedules: schedules,
		pool:      pool,
		notif:     notif,
		tg:        tg,
	}

	a.router = admin.NewRouter(cfg.Telegram.OwnerUserIDs, cmdTimeout, log)
	admin.RegisterCommands(a.router, admin.Deps{
		Schedules: schedules,
		Refresh:   recurring,
		One:       orch,
		Guilds:    store,
		Pending:   batch,
		Status:    a.status,
	})
	tg.SetHandler(a.handleMessage)

	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		appLog.Warn("telegram.owner_user_ids is empty; every admin command will be denied")
	}
	return a, nil
}

// ApplySeed loads a JSON seed file into storage.
func (a *App) ApplySeed(ctx context.Context, path string) error {
	sd, err := storage.LoadSeed(path)
	if err != nil {
		return err
	}
	if err := a.store.ApplySeed(ctx, sd); err != nil {
		return err
	}
	a.log.Info("seed applied", logx.String("path", path), logx.Int("guilds", len(sd.Guilds)), logx.Int("profiles", len(sd.Profiles)))
	return nil
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done closes once a supervised goroutine fails or Stop begins. Before
// Start it is already closed.
func (a *App) Done() <-chan struct{} {
	if a.sup != nil {
		return a.sup.Context().Done()
	}
	return closedCh
}

// Err is the failure that closed Done, if any.
func (a *App) Err() error {
	if a.sup != nil {
		return a.sup.Err()
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := a.store.Ping(pctx)
	if err == nil {
		err = a.rdb.Ping(pctx).Err()
	}
	cancel()
	if err != nil {
		return fmt.Errorf("dependency check: %w", err)
	}

	a.sched.Start(run)
	n, err := a.schedules.Recover(run)
	if err != nil {
		return fmt.Errorf("recover schedules: %w", err)
	}
	a.log.Info("schedules recovered", logx.Int("armed", n))
	if err := a.recurring.Start(run); err != nil {
		return err
	}
	a.pool.Start(run)
	a.notif.Start(run)

	if err := a.tg.Start(run); err != nil {
		return err
	}
	a.publishCommands()

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) handleMessage(ctx context.Context, m telegram.Message) (string, bool) {
	rep, ok := a.router.Dispatch(ctx, m.FromID, m.FromUsername, m.Text)
	if !ok {
		return "", false
	}
	return rep.Render(), true
}

func (a *App) publishCommands() {
	cmds := a.router.Commands()
	out := make([]telegram.Command, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, telegram.Command{Name: c.Name, Description: c.Description})
	}
	if err := a.tg.SetCommands(out); err != nil {
		a.log.Warn("publish bot commands failed", logx.Err(err))
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts: keep only the latest config
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			if restart := config.RestartRequired(sections); len(restart) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
			}
			a.applyConfig(ctx, newCfg)
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// applyConfig pushes the live-reloadable settings into running components.
// cfg has already passed validateConfig.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))
	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)

	if rc, sc, err := mapRefreshConfig(cfg); err != nil {
		a.log.Warn("invalid refresh config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
		a.batch.SetInterval(rc.RefreshInterval)
		if err := a.recurring.Apply(rc); err != nil {
			a.log.Warn("daily sweep re-registration failed", logx.Err(err))
		}
	}

	if sc, err := mapScheduleConfig(cfg); err == nil {
		a.schedules.Apply(sc)
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	a.notif.Apply(nc)
	if nc.Enabled {
		a.notif.Start(ctx)
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.notif.Stop(stopCtx)
	cancel()
}

func (a *App) status(ctx context.Context) string {
	var b strings.Builder
	if st, err := a.queue.Stats(ctx); err != nil {
		fmt.Fprintf(&b, "queue: unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(&b, "queue: ready=%d delayed=%d processing=%d\n", st.Ready, st.Delayed, st.Processing)
	}
	br := a.notif.Breaker()
	fmt.Fprintf(&b, "notifier: breaker %s, failures=%d\n", br.State(), br.Failures())

	snap := a.sched.Snapshot()
	fmt.Fprintf(&b, "scheduler: running=%t tz=%s timers=%d\n", snap.Running, snap.Timezone, len(snap.Timers))
	for _, e := range snap.Entries {
		if e.Next.IsZero() {
			continue
		}
		fmt.Fprintf(&b, "  %s next %s\n", e.Name, e.Next.Format(time.RFC3339))
	}
	if len(snap.Timers) > 0 {
		fmt.Fprintf(&b, "  next timer %s at %s\n", snap.Timers[0].Key, snap.Timers[0].At.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "uptime: %s", time.Since(a.started).Round(time.Second))
	return b.String()
}
