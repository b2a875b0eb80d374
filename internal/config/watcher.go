package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fingerprint identifies one version of the config file.
type fingerprint struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// sameStat reports whether the file metadata matches without reading it.
func (f fingerprint) sameStat(info os.FileInfo) bool {
	return f.size == info.Size() && f.mtime.Equal(info.ModTime())
}

// Watcher keeps the current config in sync with a file. It polls the file's
// size and mtime, re-reads it when they move, and when the content hash
// differs and the new content validates, swaps the current config and calls
// onChange with the [ConfigDiff]. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(cur *Config, d ConfigDiff)
	logger   *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	reload   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher loads the config at path and starts watching it. onChange may be
// nil; it runs on the watcher goroutine.
func NewWatcher(path string, onChange func(cur *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		logger:   slog.Default(),
		reload:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = fp

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks the watcher to re-read the file now, even if its size and
// mtime look unchanged. It does not block.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Stop stops watching. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check(false)
		case <-w.reload:
			w.check(true)
		}
	}
}

func (w *Watcher) check(force bool) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.logger.Warn("config: cannot stat file", "path", w.path, "err", err)
			return
		}
		w.mu.Lock()
		unchanged := w.seen.sameStat(info)
		w.mu.Unlock()
		if unchanged {
			return
		}
	}

	cfg, fp, err := w.read()
	if err != nil {
		w.logger.Warn("config: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if fp.sum == w.seen.sum {
		w.seen = fp
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.seen = fp
	w.mu.Unlock()

	d := Diff(old, cfg)
	w.logger.Info("config: reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"text_policy_changed", d.TextPolicyChanged,
		"history_limit_changed", d.HistoryLimitChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil && d.Changed() {
		w.onChange(cfg, d)
	}
}

// read loads, validates and fingerprints the file.
func (w *Watcher) read() (*Config, fingerprint, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
