package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file when it changes on disk. Only
// configurations that parse and validate reach the callback; a broken
// edit logs a warning and leaves the last good config in effect.
//
// The parent directory is watched rather than the file itself so the
// write-temp-then-rename pattern editors use is caught.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(*Config)
	logger   *zap.Logger

	mu          sync.Mutex
	pendingAt   time.Time // zero means no reload pending
	debounceDur time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewWatcher creates a watcher for the given config path. onChange runs
// on the watcher goroutine for every valid reload.
func NewWatcher(path string, logger *zap.Logger, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watcher:     fw,
		path:        filepath.Clean(path),
		onChange:    onChange,
		logger:      logger,
		debounceDur: 500 * time.Millisecond, // ride out rapid editor saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch runs until Stop or
// context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	w.logger.Info("watching config file", zap.String("path", w.path))

	go w.run(ctx)
	return nil
}

// Stop halts the watch and waits for the goroutine to exit. Safe to call
// once after a successful Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("error closing config watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-tick.C:
			w.reloadIfSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.pendingAt = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) reloadIfSettled() {
	w.mu.Lock()
	pending := w.pendingAt
	settled := !pending.IsZero() && time.Since(pending) >= w.debounceDur
	if settled {
		w.pendingAt = time.Time{}
	}
	w.mu.Unlock()
	if !settled {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("config reload invalid, keeping previous", zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
