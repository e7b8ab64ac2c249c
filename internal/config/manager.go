package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "paystream/pkg/logx"
)

// decodeFile reads and strictly decodes one config file. YAML is coerced to
// JSON first so DisallowUnknownFields covers both formats.
func decodeFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Manager owns the config file: load, validated hot reload, fanout to
// subscribers.
//
// Subscribers get latest-wins delivery: each subscription holds a single
// pending update, and a newer config replaces an unconsumed older one. A
// slow consumer therefore never sees a stale config, only fewer of them.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // hash of the committed config; skips no-op reloads

	subsMu sync.Mutex
	subs   map[*cfgSub]struct{}

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

type cfgSub struct {
	ch   chan *Config
	once sync.Once
}

func NewManager(path string) *Manager {
	return &Manager{path: path, subs: make(map[*cfgSub]struct{})}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse decodes the config file without committing it.
func (m *Manager) Parse() (*Config, error) {
	return decodeFile(m.path)
}

// Load parses and commits. Called once at boot.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// Subscribe registers for committed reloads. The unsubscribe func is
// idempotent and closes the channel.
func (m *Manager) Subscribe() (<-chan *Config, func()) {
	s := &cfgSub{ch: make(chan *Config, 1)}

	m.subsMu.Lock()
	m.subs[s] = struct{}{}
	m.subsMu.Unlock()

	unsub := func() {
		s.once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, s)
			close(s.ch)
			m.subsMu.Unlock()
		})
	}
	return s.ch, unsub
}

// publish replaces each subscriber's pending update with the new config.
// Holding subsMu across the send keeps it race-free against unsubscribe,
// and the drain guarantees the single-slot channel has room.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for s := range m.subs {
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- cfg:
		default:
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// retryBackoff is the jittered exponential backoff for recreating a broken
// fsnotify watcher.
type retryBackoff struct {
	cur, base, max time.Duration
	rng            *rand.Rand
}

func newRetryBackoff(base, max time.Duration) *retryBackoff {
	return &retryBackoff{
		cur:  base,
		base: base,
		max:  max,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *retryBackoff) next() time.Duration {
	w := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return w
}

func (b *retryBackoff) reset() { b.cur = b.base }

// Watch tails the config file until ctx is cancelled, recreating the
// watcher with backoff whenever it breaks.
func (m *Manager) Watch(ctx context.Context) error {
	bo := newRetryBackoff(250*time.Millisecond, 5*time.Second)

	for ctx.Err() == nil {
		err := m.watchOnce(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		d := bo.next()
		if !m.log.IsZero() {
			m.log.Warn("config watcher stopped; restarting",
				logx.Err(err),
				logx.Duration("backoff", d),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
	return nil
}

// watchOnce runs one watcher's lifetime: create, watch the config's
// directory, debounce events into reloads, return when the watcher breaks.
func (m *Manager) watchOnce(ctx context.Context, bo *retryBackoff) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return err
	}

	bo.reset()
	if !m.log.IsZero() {
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
	}

	// Debounce rides out editors that write in several bursts.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { m.reload(ctx) })
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watch events channel closed")
			}
			// Compare by basename; robust across relative/absolute paths.
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watch errors channel closed")
			}
			if err == nil {
				continue
			}
			// Overflow means missed events; reload once and keep watching.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				scheduleReload()
				continue
			}
			if strings.Contains(strings.ToLower(err.Error()), "closed") {
				return err
			}
			if !m.log.IsZero() {
				m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
	}
}

// reload is the debounced body of Watch: parse, dedup, validate, commit,
// publish. Failures leave the committed config untouched.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := decodeFile(m.path)
	if err != nil || cfg == nil {
		if !m.log.IsZero() {
			m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		}
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			}
			return
		}
	}

	m.commit(cfg)
	m.publish(cfg)
	if !m.log.IsZero() {
		m.log.Info("config reloaded", logx.String("path", m.path))
	}
}
