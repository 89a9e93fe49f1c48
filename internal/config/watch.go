package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk. Editors and
// config-management tools often replace the file rather than write it
// in place, so the watch is on the parent directory and events are
// filtered to the target path.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger

	mu      sync.RWMutex
	current *Config

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}

	debounce time.Duration
}

// NewWatcher loads and validates the config at path, then prepares a
// watcher that will invoke onChange with each subsequent valid reload.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := LoadAndValidate(path)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With("component", "config-watcher"),
		current:  cfg,
		debounce: 100 * time.Millisecond,
	}, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching for file changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.watchLoop(runCtx)

	w.logger.Info("watching config file", "path", w.path)
	return nil
}

// Stop ends the watch and releases the filesystem handle.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.fsw.Close()
	w.cancel = nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// Coalesce bursts of events from a single save.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadAndValidate(w.path)
	if err != nil {
		// Keep the previous config if the new one is broken.
		w.logger.Warn("config reload failed, keeping previous", "error", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
