package config

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "trackerbot/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// ConfigManager holds the active config. Reload and Watch replace it with
// a newer file once the validator accepts it, and notify subscribers.
type ConfigManager struct {
	path string
	log  logx.Logger

	check func(ctx context.Context, cfg *Config) error

	state sync.RWMutex
	cur   *Config
	sum   uint64

	subs feed
}

func NewConfigManager(path string) *ConfigManager {
	m := &ConfigManager{path: path, log: logx.Nop()}
	m.subs.dropped = func(ch chan *Config) {
		m.log.Debug("config update dropped", logx.Int("pending", len(ch)), logx.Int("capacity", cap(ch)))
	}
	return m
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs the hook a reload must pass before it is committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.check = fn
}

// Parse decodes the file on disk without touching the active config.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Decode(m.path, raw)
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err == nil {
		m.Commit(cfg)
	}
	return cfg, err
}

func (m *ConfigManager) Commit(cfg *Config) {
	sum := hashConfig(cfg)
	m.state.Lock()
	m.cur, m.sum = cfg, sum
	m.state.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.state.RLock()
	defer m.state.RUnlock()
	return m.cur
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config { return m.subs.add(buffer) }

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch != nil {
		m.subs.remove(ch)
	}
}

// Reload reports whether a new config was committed. Identical content is
// ignored; a validator error leaves the active config in place.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	next, err := m.Parse()
	if err != nil {
		return false, err
	}
	sum := hashConfig(next)
	m.state.RLock()
	same := sum != 0 && sum == m.sum
	m.state.RUnlock()
	if same {
		return false, nil
	}

	if m.check != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.check(vctx, next)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}

	m.Commit(next)
	m.subs.send(next)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%016x", sum)))
	return true, nil
}

// Watch reloads the file after changes settle until ctx ends. The parent
// directory is watched so editors that replace the file are seen, and a
// failed watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}

	deb := &debouncer{delay: reloadDebounce, fn: func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Reload(ctx); err != nil {
			m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		}
	}}
	defer deb.stop()

	wait := rewatchMin
	for {
		w, err := newDirWatcher(dir)
		if err == nil {
			wait = rewatchMin
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))
			m.drain(ctx, w, name, deb.poke)
			_ = w.Close()
		} else {
			m.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err))
		}
		if ctx.Err() != nil {
			return nil
		}

		pause := wait + time.Duration(rand.Int63n(int64(wait/2)+1))
		wait = min(wait*2, rewatchMax)
		m.log.Warn("config watcher restarting", logx.String("dir", dir), logx.Duration("backoff", pause))
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// drain returns when ctx ends or the watcher can no longer deliver events.
func (m *ConfigManager) drain(ctx context.Context, w *fsnotify.Watcher, name string, changed func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&watchedOps == 0 || !strings.EqualFold(filepath.Base(ev.Name), name) {
				continue
			}
			m.log.Debug("config change detected", logx.String("op", ev.Op.String()))
			changed()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == fsnotify.ErrEventOverflow {
				// events were lost; reload once to catch up
				m.log.Warn("config watch overflow", logx.Err(err))
				changed()
				continue
			}
			if err != nil {
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// debouncer runs fn once delay has passed without another poke.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) poke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t == nil {
		d.t = time.AfterFunc(d.delay, d.fn)
		return
	}
	d.t.Reset(d.delay)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}
