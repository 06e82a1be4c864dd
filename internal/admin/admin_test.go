package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"trackerbot/internal/domain"
	logx "trackerbot/pkg/logx"
)

const owner = int64(7)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSchedules struct {
	created  []time.Time
	by       string
	meta     map[string]string
	filter   domain.ScheduleFilter
	cancelID string
	err      error
}

func (f *fakeSchedules) Create(_ context.Context, guildID string, when time.Time, createdBy string, md map[string]string) (*domain.ScheduledRefresh, error) {
	if f.err != nil {
		return nil, f.err
	}
	if !when.After(fixedNow) {
		return nil, domain.Validation("create schedule", domain.ErrScheduleInPast)
	}
	f.created = append(f.created, when)
	f.by = createdBy
	f.meta = md
	return &domain.ScheduledRefresh{ID: "s1", GuildID: guildID, ScheduledAt: when, CreatedBy: createdBy, Status: domain.SchedulePending}, nil
}

func (f *fakeSchedules) Cancel(_ context.Context, id string) (*domain.ScheduledRefresh, error) {
	f.cancelID = id
	switch id {
	case "missing":
		return nil, domain.NotFound("cancel schedule", domain.ErrScheduleNotFound)
	case "done":
		return nil, domain.Conflict("cancel schedule", domain.ErrStateConflict)
	}
	return &domain.ScheduledRefresh{ID: id, GuildID: "G1", Status: domain.ScheduleCancelled}, nil
}

func (f *fakeSchedules) List(_ context.Context, flt domain.ScheduleFilter) ([]domain.ScheduledRefresh, error) {
	f.filter = flt
	msg := "boom"
	return []domain.ScheduledRefresh{
		{ID: "a", GuildID: flt.GuildID, Status: domain.SchedulePending, ScheduledAt: fixedNow},
		{ID: "b", GuildID: flt.GuildID, Status: domain.ScheduleFailed, ScheduledAt: fixedNow, ErrorMessage: &msg},
	}, nil
}

type fakeRefresh struct {
	ids    []string
	one    string
	err    error
	toggle map[string]bool
}

func (f *fakeRefresh) TriggerManualRefresh(_ context.Context, ids ...string) (domain.Result, error) {
	f.ids = ids
	if f.err != nil {
		return domain.Result{}, f.err
	}
	if len(ids) == 0 {
		return domain.Result{Processed: 3}, nil
	}
	return domain.Result{Processed: len(ids), Trackers: ids}, nil
}

func (f *fakeRefresh) RefreshOne(_ context.Context, id string) error {
	if id == "ghost" {
		return domain.NotFound("refresh profile", domain.ErrProfileNotFound)
	}
	f.one = id
	return nil
}

func (f *fakeRefresh) ProcessPending(_ context.Context) (domain.Result, error) {
	return domain.Result{Processed: 4}, nil
}

func (f *fakeRefresh) ProcessPendingForGuild(_ context.Context, guildID string) (domain.Result, error) {
	if guildID == "nope" {
		return domain.Result{}, domain.NotFound("pending", domain.ErrGuildNotFound)
	}
	return domain.Result{Processed: 1, Trackers: []string{"p1"}}, nil
}

func (f *fakeRefresh) SetProcessingEnabled(_ context.Context, guildID string, enabled bool) error {
	if guildID == "nope" {
		return domain.ErrGuildNotFound
	}
	f.toggle[guildID] = enabled
	return nil
}

func newTestRouter() (*Router, *fakeSchedules, *fakeRefresh) {
	s := &fakeSchedules{}
	rf := &fakeRefresh{toggle: map[string]bool{}}
	r := NewRouter([]int64{owner}, time.Second, logx.Nop())
	RegisterCommands(r, Deps{
		Schedules: s,
		Refresh:   rf,
		One:       rf,
		Guilds:    rf,
		Pending:   rf,
		Now:       func() time.Time { return fixedNow },
	})
	return r, s, rf
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		name string
		args string
		ok   bool
	}{
		{in: "/schedule G1 +1h", name: "schedule", args: "[G1 +1h]", ok: true},
		{in: "/Refresh@tracker_bot  a  b", name: "refresh", args: "[a b]", ok: true},
		{in: "hello", ok: false},
		{in: "/", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			name, args, ok := ParseCommand(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v", ok)
			}
			if !ok {
				return
			}
			if name != tt.name || fmt.Sprint(args) != tt.args {
				t.Fatalf("got %q %v", name, args)
			}
		})
	}
}

func TestOwnerOnly(t *testing.T) {
	t.Parallel()

	r, _, rf := newTestRouter()
	rep, ok := r.Dispatch(context.Background(), 99, "stranger", "/refresh")
	if !ok || rep.Code != CodeForbidden {
		t.Fatalf("reply = %+v", rep)
	}
	if rf.ids != nil {
		t.Fatal("denied command reached the service")
	}
	if _, ok := r.Dispatch(context.Background(), owner, "", "just chatting"); ok {
		t.Fatal("plain text treated as command")
	}

	r.SetOwners(nil)
	if rep, _ := r.Dispatch(context.Background(), owner, "", "/help"); rep.Code != CodeForbidden {
		t.Fatalf("empty owner list should deny, got %d", rep.Code)
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		code int
		want string
	}{
		{name: "schedule offset", text: "/schedule G1 +1h reason=weekly", code: CodeCreated, want: "2025-06-01T13:00:00Z"},
		{name: "schedule rfc3339", text: "/schedule G1 2025-06-02T00:00:00Z", code: CodeCreated, want: "guild G1"},
		{name: "schedule past", text: "/schedule G1 2025-06-01T12:00:00Z", code: CodeBadRequest, want: "future"},
		{name: "schedule bad time", text: "/schedule G1 tomorrow", code: CodeBadRequest, want: "RFC3339"},
		{name: "schedule bad metadata", text: "/schedule G1 +1h oops", code: CodeBadRequest, want: "key=value"},
		{name: "schedule usage", text: "/schedule G1", code: CodeBadRequest, want: "usage"},
		{name: "list", text: "/schedules G1 all", code: CodeOK, want: "error: boom"},
		{name: "list bad status", text: "/schedules G1 weird", code: CodeBadRequest, want: "weird"},
		{name: "cancel", text: "/unschedule s1", code: CodeOK, want: "cancelled"},
		{name: "cancel missing", text: "/unschedule missing", code: CodeNotFound},
		{name: "cancel terminal", text: "/unschedule done", code: CodeConflict},
		{name: "refresh all", text: "/refresh", code: CodeOK, want: "queued 3"},
		{name: "refresh ids", text: "/refresh p1 p2", code: CodeOK, want: "queued 2"},
		{name: "refresh one", text: "/refreshone p1", code: CodeOK, want: "p1"},
		{name: "refresh one unknown", text: "/refreshone ghost", code: CodeNotFound},
		{name: "toggle", text: "/guildtoggle G1 off", code: CodeOK, want: "disabled"},
		{name: "toggle unknown guild", text: "/guildtoggle nope on", code: CodeNotFound},
		{name: "toggle bad value", text: "/guildtoggle G1 maybe", code: CodeBadRequest},
		{name: "pending all", text: "/pending", code: CodeOK, want: "queued 4"},
		{name: "pending guild", text: "/pending G1", code: CodeOK, want: "queued 1"},
		{name: "pending unknown guild", text: "/pending nope", code: CodeNotFound},
		{name: "pending usage", text: "/pending a b", code: CodeBadRequest, want: "usage"},
		{name: "unknown", text: "/frobnicate", code: CodeNotFound, want: "/help"},
		{name: "help", text: "/help", code: CodeOK, want: "/unschedule <id>"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _, _ := newTestRouter()
			rep, ok := r.Dispatch(context.Background(), owner, "ops", tt.text)
			if !ok {
				t.Fatal("not dispatched")
			}
			if rep.Code != tt.code {
				t.Fatalf("code = %d, want %d (%s)", rep.Code, tt.code, rep.Text)
			}
			if !strings.Contains(rep.Text, tt.want) {
				t.Fatalf("text %q does not contain %q", rep.Text, tt.want)
			}
		})
	}
}

func TestScheduleArgsReachService(t *testing.T) {
	t.Parallel()

	r, s, _ := newTestRouter()
	r.Dispatch(context.Background(), owner, "ops", "/schedule G1 +30m reason=weekly by=cron")
	if s.by != "@ops" {
		t.Fatalf("createdBy = %q", s.by)
	}
	if s.meta["reason"] != "weekly" || s.meta["by"] != "cron" {
		t.Fatalf("metadata = %v", s.meta)
	}
	if len(s.created) != 1 || !s.created[0].Equal(fixedNow.Add(30*time.Minute)) {
		t.Fatalf("created = %v", s.created)
	}

	r.Dispatch(context.Background(), owner, "", "/schedules G1 failed")
	if s.filter.Status != domain.ScheduleFailed || s.filter.IncludeCompleted {
		t.Fatalf("filter = %+v", s.filter)
	}
}

func TestErrorReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		code int
	}{
		{domain.Validation("x", domain.ErrTooManyItems), CodeBadRequest},
		{domain.ErrGuildNotFound, CodeNotFound},
		{domain.Conflict("x", domain.ErrStateConflict), CodeConflict},
		{domain.Transient("x", domain.ErrEnqueueFailure), CodeUnavailable},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), CodeUnavailable},
		{errors.New("disk on fire"), CodeInternal},
	}
	for _, tt := range tests {
		if got := ErrorReply(tt.err).Code; got != tt.code {
			t.Errorf("ErrorReply(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}

func TestPanicRecovered(t *testing.T) {
	t.Parallel()

	r := NewRouter([]int64{owner}, time.Second, logx.Nop())
	r.Register(Command{Name: "boom", Handle: func(context.Context, *Request) Reply { panic("kaboom") }})
	rep, _ := r.Dispatch(context.Background(), owner, "", "/boom")
	if rep.Code != CodeInternal {
		t.Fatalf("code = %d", rep.Code)
	}
}
