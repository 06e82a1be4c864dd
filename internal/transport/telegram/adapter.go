// Package telegram connects the bot to Telegram through telebot. Incoming
// text is handed to a Handler on a small worker pool; outgoing text is split
// into chunks that fit the message limit.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "trackerbot/internal/runtime/supervisor"
	logx "trackerbot/pkg/logx"
)

const (
	inboxSize      = 64
	dropReportTick = 5 * time.Second
	stopGrace      = 2 * time.Second
)

type Config struct {
	Token          string
	PollTimeout    time.Duration
	Workers        int
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// Message is an incoming text message.
type Message struct {
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
}

// Handler answers an incoming message. ok=false means no reply.
type Handler func(ctx context.Context, m Message) (reply string, ok bool)

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	handler atomic.Pointer[Handler]
	inbox   chan Message
	dropped atomic.Uint64

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "telegram")),
		inbox: make(chan Message, inboxSize),
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			a.log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	bot.Handle(tele.OnText, a.intake)
	a.bot = bot
	return a, nil
}

func (a *Adapter) SetHandler(h Handler) { a.handler.Store(&h) }

// intake never blocks the poller; overflow is counted and reported.
func (a *Adapter) intake(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	in := Message{ChatID: m.Chat.ID, ThreadID: m.ThreadID, Text: m.Text}
	if s := m.Sender; s != nil {
		in.FromID, in.FromUsername = s.ID, s.Username
	}
	select {
	case a.inbox <- in:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Start begins long polling and the handler workers. Calling it on a
// running adapter is a no-op.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.sup = sup

	// bot.Start blocks until bot.Stop; returning while ctx is live means the
	// poller died and is restarted.
	sup.GoRestart("poller", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		if err := c.Err(); err != nil {
			return err
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	sup.Go0("poller.stop", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.Go0("drop.report", a.reportDrops)
	for i := 0; i < a.cfg.Workers; i++ {
		sup.Go0("handler", a.serve)
	}
	return nil
}

func (a *Adapter) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-a.inbox:
			a.answer(ctx, m)
		}
	}
}

func (a *Adapter) answer(ctx context.Context, m Message) {
	hp := a.handler.Load()
	if hp == nil || *hp == nil {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, a.cfg.HandlerTimeout)
	reply, ok := (*hp)(hctx, m)
	cancel()
	if !ok || reply == "" {
		return
	}
	if err := a.SendText(ctx, m.ChatID, m.ThreadID, reply); err != nil {
		a.log.Warn("reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

func (a *Adapter) reportDrops(ctx context.Context) {
	t := time.NewTicker(dropReportTick)
	defer t.Stop()
	flush := func() {
		if n := a.dropped.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped", logx.Uint64("count", n), logx.Int("inbox_cap", cap(a.inbox)))
		}
	}
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-t.C:
			flush()
		}
	}
}

// Stop cancels polling and the workers. An in-flight long poll gets at most
// stopGrace, bounded by ctx, before Stop returns without it.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	grace := stopGrace
	if dl, ok := ctx.Deadline(); ok {
		grace = max(0, min(grace, time.Until(dl)))
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	switch err := sup.Stop(wctx); {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	case err != nil:
		a.log.Debug("telegram stopped with error", logx.Err(err))
	default:
		a.log.Info("polling stopped")
	}
	return nil
}
