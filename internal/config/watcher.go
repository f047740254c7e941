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

// Watcher polls the settings file and reports edits through a callback. The
// daemon uses it for live log-level changes and for telling the owner a
// restart is needed after structural edits. Polling is deliberate: the file
// sits on an SD card on the phone box and changes a few times a month, so an
// inotify dependency buys nothing.
//
// An edit that fails to parse or validate is logged and ignored; Current
// keeps returning the last good settings.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Settings)
	log      *slog.Logger

	mu       sync.Mutex
	current  *Settings
	mtime    time.Time
	checksum [sha256.Size]byte

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

// WithWatcherLogger sets the logger for reload and failure lines. The
// default is [slog.Default].
func WithWatcherLogger(log *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWatcher loads the settings file at path and starts polling it in a
// background goroutine. onChange runs outside the watcher's lock with the
// previous and the freshly loaded settings; a nil onChange just keeps
// Current up to date.
func NewWatcher(path string, onChange func(old, new *Settings), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, sum, mtime, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.checksum = sum
	w.mtime = mtime

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid settings.
func (w *Watcher) Current() *Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the polling goroutine. Safe to call more than once.
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
			w.check()
		}
	}
}

// check reloads the file when its mtime moved and its content actually
// changed. The checksum comparison filters touch-only writes, which editors
// and config management tools produce constantly.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("settings file unreadable, keeping current settings",
			"path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, sum, mtime, err := w.load()
	if err != nil {
		w.log.Warn("settings file edit rejected, keeping current settings",
			"path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	if sum == w.checksum {
		w.mtime = mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.checksum = sum
	w.mtime = mtime
	w.mu.Unlock()

	w.log.Info("settings file reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// load reads, parses, and validates the settings file, returning the
// settings with the file's checksum and mtime.
func (w *Watcher) load() (*Settings, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
