package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tradeflow/internal/logger"
)

// Watcher hot-reloads the configuration when the file changes on disk, so
// every scheduling tick observes fresh bot state without a restart. A reload
// that fails to parse keeps the last good snapshot.
type Watcher struct {
	path string

	mu  sync.RWMutex
	cfg *Config
}

func NewWatcher(path string, initial *Config) *Watcher {
	return &Watcher{path: path, cfg: initial}
}

// Current returns the latest good snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Run blocks until ctx is canceled, reloading on write events. Editors often
// replace rather than write the file, so the parent directory is watched and
// events are debounced.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(w.path)

	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			logger.Warnf("config reload failed, keeping previous: %v", err)
			return
		}
		w.mu.Lock()
		w.cfg = cfg
		w.mu.Unlock()
		logger.Infof("config reloaded: %d bots, %d accounts", len(cfg.Bots), len(cfg.Accounts))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}
