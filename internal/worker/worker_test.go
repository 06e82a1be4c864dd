package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"trackerbot/internal/domain"
	"trackerbot/internal/eventbus"
	"trackerbot/internal/queue"
	"trackerbot/internal/storage"
	logx "trackerbot/pkg/logx"
)

type scriptedScraper struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedScraper) Scrape(_ context.Context, _ *domain.TrackedProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

type env struct {
	q     *queue.Queue
	store *storage.Store
	bus   eventbus.Bus
}

func newEnv(t *testing.T, qcfg queue.Config) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "w.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	for _, p := range []storage.ProfileSeed{
		{ID: "p1", OwnerID: "u1"},
		{ID: "gone", OwnerID: "u2", Deleted: true},
	} {
		if err := st.UpsertProfile(ctx, p); err != nil {
			t.Fatalf("UpsertProfile: %v", err)
		}
	}
	return &env{q: queue.New(rdb, qcfg, logx.Nop()), store: st, bus: eventbus.New()}
}

func TestProcessOneSuccess(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, queue.Config{Prefix: "w"})
	sc := &scriptedScraper{}
	p := New(Config{}, e.q, e.store, sc, logx.Nop(), e.bus)

	if ok, err := p.ProcessOne(ctx); ok || err != nil {
		t.Fatalf("empty queue: ok=%v err=%v", ok, err)
	}
	if _, err := e.q.Enqueue(ctx, "p1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, err := p.ProcessOne(ctx); !ok || err != nil {
		t.Fatalf("ProcessOne: ok=%v err=%v", ok, err)
	}

	got, err := e.store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.ScrapingCompleted || got.LastScrapedAt == nil || got.ScrapingError != nil {
		t.Fatalf("profile = %+v", got)
	}
	st, _ := e.q.Stats(ctx)
	if st.Ready+st.Delayed+st.Processing != 0 {
		t.Fatalf("queue not drained: %+v", st)
	}
	// acked jobs release the dedup key
	if _, err := e.q.Enqueue(ctx, "p1"); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if st, _ := e.q.Stats(ctx); st.Ready != 1 {
		t.Fatalf("ready = %d after re-enqueue", st.Ready)
	}
}

func TestProcessOneRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, queue.Config{Prefix: "w", MaxAttempts: 2, BackoffBase: time.Millisecond})
	events, unsub := e.bus.Subscribe(4)
	defer unsub()

	boom := errors.New("upstream 503")
	sc := &scriptedScraper{errs: []error{boom, boom}}
	p := New(Config{}, e.q, e.store, sc, logx.Nop(), e.bus)

	if _, err := e.q.Enqueue(ctx, "p1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, _ := p.ProcessOne(ctx); !ok {
		t.Fatal("first attempt not processed")
	}
	got, _ := e.store.Get(ctx, "p1")
	if got.Status != domain.ScrapingPending || got.ScrapingAttempts != 1 || got.ScrapingError == nil {
		t.Fatalf("after first failure: %+v", got)
	}

	time.Sleep(10 * time.Millisecond)
	if n, err := e.q.PromoteDue(ctx); err != nil || n != 1 {
		t.Fatalf("PromoteDue = %d, %v", n, err)
	}
	if ok, _ := p.ProcessOne(ctx); !ok {
		t.Fatal("second attempt not processed")
	}

	got, _ = e.store.Get(ctx, "p1")
	if got.Status != domain.ScrapingFailed || got.ScrapingAttempts != 2 || *got.ScrapingError != "upstream 503" {
		t.Fatalf("after giving up: %+v", got)
	}
	select {
	case ev := <-events:
		d, ok := ev.Data.(eventbus.ScrapeData)
		if ev.Type != eventbus.ScrapeFailed || !ok || d.ProfileID != "p1" || d.Attempt != 2 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no scrape.failed event")
	}
}

func TestProcessOneDropsDeletedProfile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, queue.Config{Prefix: "w"})
	sc := &scriptedScraper{}
	p := New(Config{}, e.q, e.store, sc, logx.Nop(), nil)

	for _, id := range []string{"gone", "unknown"} {
		if _, err := e.q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if ok, _ := p.ProcessOne(ctx); !ok {
			t.Fatalf("%s not processed", id)
		}
	}
	if sc.calls != 0 {
		t.Fatalf("scraper called %d times for dropped jobs", sc.calls)
	}
	if st, _ := e.q.Stats(ctx); st.Processing != 0 {
		t.Fatalf("dropped jobs left in processing: %+v", st)
	}
}

type flakyProfiles struct {
	domain.ProfileStore
	failGets int
}

func (f *flakyProfiles) Get(ctx context.Context, id string) (*domain.TrackedProfile, error) {
	if f.failGets > 0 {
		f.failGets--
		return nil, errors.New("database is locked")
	}
	return f.ProfileStore.Get(ctx, id)
}

func TestProcessOneRetriesOnLookupError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, queue.Config{Prefix: "w", BackoffBase: time.Millisecond})
	sc := &scriptedScraper{}
	p := New(Config{}, e.q, &flakyProfiles{ProfileStore: e.store, failGets: 1}, sc, logx.Nop(), nil)

	if _, err := e.q.Enqueue(ctx, "p1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, _ := p.ProcessOne(ctx); !ok {
		t.Fatal("job not processed")
	}
	if st, _ := e.q.Stats(ctx); st.Delayed != 1 || st.Processing != 0 {
		t.Fatalf("lookup failure should park the job: %+v", st)
	}
	if sc.calls != 0 {
		t.Fatalf("scraper called %d times", sc.calls)
	}

	time.Sleep(10 * time.Millisecond)
	if n, err := e.q.PromoteDue(ctx); err != nil || n != 1 {
		t.Fatalf("PromoteDue = %d, %v", n, err)
	}
	if ok, _ := p.ProcessOne(ctx); !ok {
		t.Fatal("retry not processed")
	}
	got, _ := e.store.Get(ctx, "p1")
	if got.Status != domain.ScrapingCompleted || sc.calls != 1 {
		t.Fatalf("after retry: %+v calls=%d", got, sc.calls)
	}
}

// abandonJob dequeues a job and leaves its profile in_progress, as a consumer
// that died mid-scrape would.
func abandonJob(t *testing.T, e *env, profileID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.q.Enqueue(ctx, profileID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := e.q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, err := e.store.Update(ctx, profileID, domain.ProfileUpdate{Status: domain.StatusPtr(domain.ScrapingInProgress)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestReapStaleRequeuesAbandonedJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, queue.Config{Prefix: "w"})
	sc := &scriptedScraper{}
	p := New(Config{}, e.q, e.store, sc, logx.Nop(), nil)

	abandonJob(t, e, "p1")
	time.Sleep(5 * time.Millisecond)

	if n := p.ReapStale(ctx, time.Now()); n != 1 {
		t.Fatalf("ReapStale = %d", n)
	}
	got, _ := e.store.Get(ctx, "p1")
	if got.Status != domain.ScrapingPending {
		t.Fatalf("status after reap = %s", got.Status)
	}
	if ok, _ := p.ProcessOne(ctx); !ok {
		t.Fatal("requeued job not processed")
	}
	got, _ = e.store.Get(ctx, "p1")
	if got.Status != domain.ScrapingCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if st, _ := e.q.Stats(ctx); st != (queue.Stats{}) {
		t.Fatalf("queue not drained: %+v", st)
	}
}

func TestPoolStartRecoversAbandonedJobs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, queue.Config{Prefix: "w"})
	abandonJob(t, e, "p1")
	time.Sleep(5 * time.Millisecond)

	sc := &scriptedScraper{}
	p := New(Config{Enabled: true, Workers: 1, IdleWait: 5 * time.Millisecond, PromoteEvery: 5 * time.Millisecond}, e.q, e.store, sc, logx.Nop(), nil)
	p.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = p.Stop(sctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := e.store.Get(ctx, "p1")
		if got != nil && got.Status == domain.ScrapingCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("abandoned job was not picked up after start")
}

func TestPoolStartStop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, queue.Config{Prefix: "w"})
	sc := &scriptedScraper{}
	p := New(Config{Enabled: true, Workers: 2, IdleWait: 5 * time.Millisecond, PromoteEvery: 5 * time.Millisecond}, e.q, e.store, sc, logx.Nop(), nil)
	p.Start(ctx)

	if _, err := e.q.Enqueue(ctx, "p1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := e.store.Get(ctx, "p1")
		if got != nil && got.Status == domain.ScrapingCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(sctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ := e.store.Get(ctx, "p1")
	if got.Status != domain.ScrapingCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestHTTPScraper(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/players/ok":
			_, _ = w.Write([]byte("<html>stats</html>"))
		case "/players/a%20b", "/players/a b":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := NewHTTPScraper(HTTPConfig{BaseURL: srv.URL + "/players/", RatePerSec: 1000})
	ctx := context.Background()

	tests := []struct {
		name    string
		profile domain.TrackedProfile
		code    int
	}{
		{name: "base url", profile: domain.TrackedProfile{ID: "ok"}},
		{name: "escaped id", profile: domain.TrackedProfile{ID: "a b"}},
		{name: "own url", profile: domain.TrackedProfile{ID: "x", URL: srv.URL + "/players/ok"}},
		{name: "missing page", profile: domain.TrackedProfile{ID: "nobody"}, code: http.StatusNotFound},
	}
	for _, tt := range tests {
		err := s.Scrape(ctx, &tt.profile)
		if tt.code == 0 {
			if err != nil {
				t.Errorf("%s: %v", tt.name, err)
			}
			continue
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Code != tt.code {
			t.Errorf("%s: err = %v, want status %d", tt.name, err, tt.code)
		}
	}
	if hits.Load() != int32(len(tests)) {
		t.Fatalf("hits = %d", hits.Load())
	}

	if _, err := NewHTTPScraper(HTTPConfig{}).URLFor(&domain.TrackedProfile{ID: "p"}); err == nil {
		t.Fatal("expected error without url or base_url")
	}
}
