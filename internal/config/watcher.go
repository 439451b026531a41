package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc receives the freshly loaded configuration after the file on
// disk changes. Callbacks must be quick; they run on the watcher goroutine.
type ReloadFunc func(*Config)

// Watcher reloads the configuration when the file changes on disk.
// Editors often replace the file (rename + create), so the parent
// directory is watched rather than the file itself.
type Watcher struct {
	path   string
	logger *zap.Logger

	mu        sync.Mutex
	callbacks []ReloadFunc

	fw     *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher for the config file at path. Call Start to
// begin watching.
func NewWatcher(path string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, logger: logger}
}

// OnReload registers a callback invoked on every successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Start begins watching. Reload events are debounced so a burst of writes
// from an editor save produces a single reload.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.fw = fw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.fw.Close()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watch error", zap.Error(err))
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	if _, err := os.Stat(w.path); err != nil {
		// File may be mid-replace; the next event retries.
		return
	}
	cfg, err := Load()
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous", zap.Error(err))
		return
	}
	w.logger.Info("Configuration reloaded", zap.String("path", w.path))

	w.mu.Lock()
	cbs := append([]ReloadFunc(nil), w.callbacks...)
	w.mu.Unlock()
	for _, fn := range cbs {
		fn(cfg)
	}
}
