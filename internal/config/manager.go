package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "slotkeeper/pkg/logx"
)

const (
	settleDelay    = 250 * time.Millisecond
	validateBudget = 5 * time.Second
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

// Validator vets a decoded config before it is committed.
type Validator func(ctx context.Context, cfg *Config) error

// Manager owns the current config. Watch follows the file and hands every
// validated change to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cur      *Config
	validate Validator

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) SetValidator(v Validator) {
	m.mu.Lock()
	m.validate = v
	m.mu.Unlock()
}

// Get returns the last committed config, nil before Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Load reads, validates and commits the file.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.check(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cur = cfg
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) check(ctx context.Context) (*Config, error) {
	cfg, err := ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	v := m.validate
	m.mu.RUnlock()
	if v == nil {
		return cfg, nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateBudget)
	defer cancel()
	if err := v(vctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Subscribe returns a channel of committed configs. A subscriber that falls
// behind only ever sees the newest one.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) broadcast(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// Full: discard the stale head and try again.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload commits and broadcasts the file if it decodes, validates and
// differs from the current config.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.check(ctx)
	if err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.mu.Lock()
	same := reflect.DeepEqual(m.cur, cfg)
	if !same {
		m.cur = cfg
	}
	m.mu.Unlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	m.broadcast(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}

// Watch blocks until ctx is done. It watches the parent directory so that
// editors which save by rename are seen, and rebuilds a failed watcher with
// jittered backoff. Bursts of events settle into one reload.
func (m *Manager) Watch(ctx context.Context) error {
	retry := watchRetryMin
	for {
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		d := retry + rand.N(retry/2+1)
		retry = min(2*retry, watchRetryMax)
		m.log.Warn("config watcher failed; retrying", logx.String("path", m.path), logx.Err(err), logx.Duration("in", d))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

func (m *Manager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	dir, base := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", base))

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("fsnotify events closed")
			}
			if filepath.Base(ev.Name) == base {
				settle.Reset(settleDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("fsnotify errors closed")
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				return err
			}
			// Events were lost; the file may have changed.
			settle.Reset(settleDelay)
		}
	}
}
