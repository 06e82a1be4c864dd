package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trackerbot/internal/domain"
	logx "trackerbot/pkg/logx"
)

type ScheduleService interface {
	Create(ctx context.Context, guildID string, when time.Time, createdBy string, metadata map[string]string) (*domain.ScheduledRefresh, error)
	Cancel(ctx context.Context, id string) (*domain.ScheduledRefresh, error)
	List(ctx context.Context, f domain.ScheduleFilter) ([]domain.ScheduledRefresh, error)
}

type ManualRefresher interface {
	TriggerManualRefresh(ctx context.Context, ids ...string) (domain.Result, error)
}

type SingleRefresher interface {
	RefreshOne(ctx context.Context, id string) error
}

type PendingProcessor interface {
	ProcessPending(ctx context.Context) (domain.Result, error)
	ProcessPendingForGuild(ctx context.Context, guildID string) (domain.Result, error)
}

type GuildToggler interface {
	SetProcessingEnabled(ctx context.Context, guildID string, enabled bool) error
}

// Deps are the services behind the built-in commands. Pending and Status
// are optional.
type Deps struct {
	Schedules ScheduleService
	Refresh   ManualRefresher
	One       SingleRefresher
	Guilds    GuildToggler
	Pending   PendingProcessor
	Status    func(ctx context.Context) string
	Now       func() time.Time
}

const maxListed = 25

// RegisterCommands installs the operator commands on r.
func RegisterCommands(r *Router, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := handlers{d}
	r.Register(
		Command{Name: "schedule", Usage: "<guild> <RFC3339|+duration> [key=value...]", Description: "schedule a one-time guild refresh", Handle: h.schedule},
		Command{Name: "schedules", Usage: "<guild> [status] [all]", Description: "list guild schedules", Handle: h.schedules},
		Command{Name: "unschedule", Usage: "<id>", Description: "cancel a pending schedule", Handle: h.unschedule},
		Command{Name: "refresh", Usage: "[id...]", Description: "refresh profiles, or every stale one", Handle: h.refresh},
		Command{Name: "refreshone", Usage: "<id>", Description: "queue one profile", Handle: h.refreshOne},
		Command{Name: "guildtoggle", Usage: "<guild> on|off", Description: "enable or disable guild processing", Handle: h.guildToggle},
	)
	if d.Pending != nil {
		r.Register(Command{Name: "pending", Usage: "[guild]", Description: "queue pending profiles", Handle: h.pending})
	}
	if d.Status != nil {
		r.Register(Command{Name: "status", Description: "queue, breaker and timer state", Handle: h.status})
	}
}

type handlers struct{ d Deps }

func (h handlers) schedule(ctx context.Context, req *Request) Reply {
	if len(req.Args) < 2 {
		return BadRequest("usage: /schedule <guild> <RFC3339|+duration> [key=value...]")
	}
	when, err := ParseWhen(req.Args[1], h.d.Now())
	if err != nil {
		return BadRequest("%v", err)
	}
	meta, err := parseMetadata(req.Args[2:])
	if err != nil {
		return BadRequest("%v", err)
	}
	sr, err := h.d.Schedules.Create(ctx, req.Args[0], when, req.Actor(), meta)
	if err != nil {
		return ErrorReply(err)
	}
	return Reply{Code: CodeCreated, Text: "scheduled\n" + formatSchedule(*sr)}
}

func (h handlers) schedules(ctx context.Context, req *Request) Reply {
	if len(req.Args) < 1 {
		return BadRequest("usage: /schedules <guild> [status] [all]")
	}
	f := domain.ScheduleFilter{GuildID: req.Args[0]}
	for _, a := range req.Args[1:] {
		if strings.EqualFold(a, "all") {
			f.IncludeCompleted = true
			continue
		}
		st, err := domain.ParseScheduleStatus(strings.ToLower(a))
		if err != nil {
			return ErrorReply(err)
		}
		f.Status = st
	}
	list, err := h.d.Schedules.List(ctx, f)
	if err != nil {
		return ErrorReply(err)
	}
	if len(list) == 0 {
		return OK("no schedules for %s", f.GuildID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d schedule(s) for %s", len(list), f.GuildID)
	for i, sr := range list {
		if i == maxListed {
			fmt.Fprintf(&b, "\n… %d more", len(list)-maxListed)
			break
		}
		b.WriteString("\n\n" + formatSchedule(sr))
	}
	return OK("%s", b.String())
}

func (h handlers) unschedule(ctx context.Context, req *Request) Reply {
	if len(req.Args) != 1 {
		return BadRequest("usage: /unschedule <id>")
	}
	sr, err := h.d.Schedules.Cancel(ctx, req.Args[0])
	if err != nil {
		return ErrorReply(err)
	}
	return OK("cancelled\n%s", formatSchedule(*sr))
}

func (h handlers) refresh(ctx context.Context, req *Request) Reply {
	res, err := h.d.Refresh.TriggerManualRefresh(ctx, req.Args...)
	if err != nil {
		return ErrorReply(err)
	}
	if res.Processed == 0 {
		return OK("nothing to refresh")
	}
	return OK("queued %d profile(s)", res.Processed)
}

func (h handlers) pending(ctx context.Context, req *Request) Reply {
	var (
		res domain.Result
		err error
	)
	switch len(req.Args) {
	case 0:
		res, err = h.d.Pending.ProcessPending(ctx)
	case 1:
		res, err = h.d.Pending.ProcessPendingForGuild(ctx, req.Args[0])
	default:
		return BadRequest("usage: /pending [guild]")
	}
	if err != nil {
		return ErrorReply(err)
	}
	return OK("queued %d pending profile(s)", res.Processed)
}

func (h handlers) refreshOne(ctx context.Context, req *Request) Reply {
	if len(req.Args) != 1 {
		return BadRequest("usage: /refreshone <id>")
	}
	if err := h.d.One.RefreshOne(ctx, req.Args[0]); err != nil {
		return ErrorReply(err)
	}
	return OK("refresh requested for %s", req.Args[0])
}

func (h handlers) guildToggle(ctx context.Context, req *Request) Reply {
	if len(req.Args) != 2 {
		return BadRequest("usage: /guildtoggle <guild> on|off")
	}
	var on bool
	switch strings.ToLower(req.Args[1]) {
	case "on", "enable", "true":
		on = true
	case "off", "disable", "false":
	default:
		return BadRequest("expected on or off, got %q", req.Args[1])
	}
	if err := h.d.Guilds.SetProcessingEnabled(ctx, req.Args[0], on); err != nil {
		return ErrorReply(err)
	}
	state := "disabled"
	if on {
		state = "enabled"
	}
	req.Logger.Info("guild processing toggled", logx.String("guild", req.Args[0]), logx.Bool("enabled", on))
	return OK("processing %s for %s", state, req.Args[0])
}

func (h handlers) status(ctx context.Context, _ *Request) Reply {
	return OK("%s", h.d.Status(ctx))
}

// ParseWhen accepts an RFC3339 instant or a "+duration" offset from now.
func ParseWhen(s string, now time.Time) (time.Time, error) {
	if rest, ok := strings.CutPrefix(s, "+"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad offset %q: %w", s, err)
		}
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q: want RFC3339 or +duration", s)
	}
	return t, nil
}

func parseMetadata(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad metadata %q: want key=value", a)
		}
		out[k] = v
	}
	return out, nil
}

func formatSchedule(sr domain.ScheduledRefresh) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]\nguild %s at %s by %s", sr.ID, sr.Status, sr.GuildID, sr.ScheduledAt.UTC().Format(time.RFC3339), sr.CreatedBy)
	if sr.ExecutedAt != nil {
		fmt.Fprintf(&b, "\nexecuted %s", sr.ExecutedAt.UTC().Format(time.RFC3339))
	}
	if sr.ErrorMessage != nil {
		fmt.Fprintf(&b, "\nerror: %s", *sr.ErrorMessage)
	}
	return b.String()
}
