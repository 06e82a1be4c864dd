package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trackerbot/internal/domain"
	logx "trackerbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "tracker.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedBasic(t *testing.T, st *Store, now time.Time) {
	t.Helper()
	old := now.Add(-48 * time.Hour)
	fresh := now.Add(-time.Hour)
	off := false
	err := st.ApplySeed(context.Background(), Seed{
		Guilds: []GuildSeed{
			{ID: "G1", Name: "alpha", Members: []string{"u1", "u2"}},
			{ID: "G2", Name: "beta", ProcessingEnabled: &off, Members: []string{"u3"}},
		},
		Profiles: []ProfileSeed{
			{ID: "p1", OwnerID: "u1", Status: "pending"},
			{ID: "p2", OwnerID: "u2", Status: "completed", LastScrapedAt: &old},
			{ID: "p3", OwnerID: "u2", Status: "completed", LastScrapedAt: &fresh},
			{ID: "p4", OwnerID: "u3", Status: "in_progress"},
			{ID: "p5", OwnerID: "u3", Status: "pending", Deleted: true},
			{ID: "p6", OwnerID: "u1", Status: "pending", Inactive: true},
		},
	})
	if err != nil {
		t.Fatalf("ApplySeed: %v", err)
	}
}

func TestFindPendingAndStale(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	seedBasic(t, st, now)

	pending, err := st.FindPending(ctx)
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}
	if fmt.Sprint(pending) != "[p1]" {
		t.Fatalf("FindPending = %v", pending)
	}

	tests := []struct {
		name string
		q    domain.StaleQuery
		want string
	}{
		{name: "global", q: domain.StaleQuery{Cutoff: now.Add(-24 * time.Hour)}, want: "[p1 p2]"},
		{name: "guild with pending", q: domain.StaleQuery{GuildID: "G1", Cutoff: now.Add(-24 * time.Hour), IncludePending: true}, want: "[p1 p2]"},
		{name: "other guild", q: domain.StaleQuery{GuildID: "G2", Cutoff: now}, want: "[]"},
		{name: "tight cutoff", q: domain.StaleQuery{GuildID: "G1", Cutoff: now}, want: "[p1 p2 p3]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.FindStale(ctx, tt.q)
			if err != nil {
				t.Fatalf("FindStale: %v", err)
			}
			if fmt.Sprint(got) != tt.want {
				t.Fatalf("FindStale = %v, want %s", got, tt.want)
			}
		})
	}
}

func TestUpdateAndGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedBasic(t, st, time.Now())

	msg := "boom"
	attempts := 3
	p, err := st.Update(ctx, "p1", domain.ProfileUpdate{
		Status:   domain.StatusPtr(domain.ScrapingFailed),
		Error:    &msg,
		Attempts: &attempts,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if p.Status != domain.ScrapingFailed || p.ScrapingAttempts != 3 || p.ScrapingError == nil || *p.ScrapingError != "boom" {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if p.GuildID != "G1" {
		t.Fatalf("GuildID = %q", p.GuildID)
	}

	p, err = st.Update(ctx, "p1", domain.ProfileUpdate{Status: domain.StatusPtr(domain.ScrapingPending), ClearError: true})
	if err != nil {
		t.Fatalf("Update clear: %v", err)
	}
	if p.ScrapingError != nil {
		t.Fatalf("expected cleared error, got %q", *p.ScrapingError)
	}

	if _, err := st.Update(ctx, "missing", domain.ProfileUpdate{}); !errors.Is(err, domain.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
	if _, err := st.Get(ctx, "missing"); !errors.Is(err, domain.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestMarkFailedLastWriteWins(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedBasic(t, st, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := st.MarkFailed(ctx, "p1", fmt.Sprintf("writer-%d", i)); err != nil {
				t.Errorf("MarkFailed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	p, err := st.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Status != domain.ScrapingFailed || p.ScrapingAttempts != 1 || p.ScrapingError == nil {
		t.Fatalf("unexpected profile after concurrent writes: %+v", p)
	}

	if err := st.MarkFailed(ctx, "p1", "final"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	p, _ = st.Get(ctx, "p1")
	if *p.ScrapingError != "final" {
		t.Fatalf("expected last write to win, got %q", *p.ScrapingError)
	}
}

func TestGuildSettings(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedBasic(t, st, time.Now())

	if ok, _ := st.GuildExists(ctx, "G1"); !ok {
		t.Fatal("G1 should exist")
	}
	if ok, _ := st.GuildExists(ctx, "nope"); ok {
		t.Fatal("unknown guild should not exist")
	}
	if ok, _ := st.IsProcessingEnabled(ctx, "G2"); ok {
		t.Fatal("G2 should be disabled")
	}
	if err := st.SetProcessingEnabled(ctx, "G2", true); err != nil {
		t.Fatalf("SetProcessingEnabled: %v", err)
	}
	if ok, _ := st.IsProcessingEnabled(ctx, "G2"); !ok {
		t.Fatal("G2 should be enabled after toggle")
	}
	if err := st.SetProcessingEnabled(ctx, "nope", true); !errors.Is(err, domain.ErrGuildNotFound) {
		t.Fatalf("expected ErrGuildNotFound, got %v", err)
	}
	g, err := st.GuildForProfile(ctx, "p4")
	if err != nil || g != "G2" {
		t.Fatalf("GuildForProfile = %q, %v", g, err)
	}
	if _, err := st.GuildForProfile(ctx, "missing"); !errors.Is(err, domain.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"s2", "s1"} {
		err := st.CreateSchedule(ctx, &domain.ScheduledRefresh{
			ID:          id,
			GuildID:     "G1",
			ScheduledAt: now.Add(time.Duration(i+1) * time.Hour),
			CreatedBy:   "admin",
			Metadata:    map[string]string{"reason": id},
		})
		if err != nil {
			t.Fatalf("CreateSchedule: %v", err)
		}
	}

	got, err := st.FindSchedule(ctx, "s1")
	if err != nil {
		t.Fatalf("FindSchedule: %v", err)
	}
	if got.Status != domain.SchedulePending || got.Metadata["reason"] != "s1" {
		t.Fatalf("unexpected schedule: %+v", got)
	}

	pending, err := st.FindPendingSchedules(ctx)
	if err != nil || len(pending) != 2 || pending[0].ID != "s2" {
		t.Fatalf("FindPendingSchedules = %+v, %v", pending, err)
	}

	upd, err := st.UpdateSchedule(ctx, "s1", domain.ScheduleUpdate{Status: domain.ScheduleStatusPtr(domain.ScheduleCancelled)})
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if upd.Status != domain.ScheduleCancelled {
		t.Fatalf("status = %s", upd.Status)
	}

	_, err = st.UpdateSchedule(ctx, "s1", domain.ScheduleUpdate{Status: domain.ScheduleStatusPtr(domain.ScheduleCompleted)})
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict on terminal row, got %v", err)
	}
	if _, err := st.UpdateSchedule(ctx, "nope", domain.ScheduleUpdate{}); !errors.Is(err, domain.ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}

	started := now
	if _, err := st.UpdateSchedule(ctx, "s2", domain.ScheduleUpdate{ExecutedAt: &started, Unstarted: true}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = st.UpdateSchedule(ctx, "s2", domain.ScheduleUpdate{Status: domain.ScheduleStatusPtr(domain.ScheduleCancelled), Unstarted: true})
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict cancelling a started row, got %v", err)
	}
	if got, _ := st.FindSchedule(ctx, "s2"); got.Status != domain.SchedulePending {
		t.Fatalf("started row changed: %s", got.Status)
	}

	list, _ := st.ListSchedules(ctx, domain.ScheduleFilter{GuildID: "G1"})
	if len(list) != 1 || list[0].ID != "s2" {
		t.Fatalf("default list should hide terminal rows: %+v", list)
	}
	list, _ = st.ListSchedules(ctx, domain.ScheduleFilter{GuildID: "G1", IncludeCompleted: true})
	if len(list) != 2 {
		t.Fatalf("expected 2 rows with IncludeCompleted, got %d", len(list))
	}
	list, _ = st.ListSchedules(ctx, domain.ScheduleFilter{Status: domain.ScheduleCancelled})
	if len(list) != 1 || list[0].ID != "s1" {
		t.Fatalf("status filter: %+v", list)
	}
}
