package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/errors"
	"github.com/kdavis-mozilla/kaldi-gstreamer-server/logger"
)

// ReloadCallback is called with the freshly loaded config after the file on
// disk changes.
type ReloadCallback func(*Config)

// Watcher watches the config file and triggers reload callbacks. Editor
// save patterns (write + chmod + rename) are debounced into one reload.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	callbacks []ReloadCallback

	mu            sync.Mutex
	debounceTimer *time.Timer
}

const debouncePeriod = 500 * time.Millisecond

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", path)
	}
	return &Watcher{path: path, watcher: fsw}, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching. Runs until Close is called.
func (w *Watcher) Start() {
	go func() {
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.scheduleReload()
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				logger.Logger.Warnw("Config watcher error", "error", err)
			}
		}
	}()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debouncePeriod, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Reload()
	if err != nil {
		logger.Logger.Warnw("Config reload failed, keeping previous config",
			"path", w.path,
			"error", err,
		)
		return
	}

	logger.Logger.Infow("Config reloaded", "path", w.path)

	w.mu.Lock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
