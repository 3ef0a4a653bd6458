package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the bursts of write events editors produce
// when saving a file.
const debounceDelay = 250 * time.Millisecond

// ReloadFunc is called with the freshly loaded configuration whenever the
// watched file changes and parses successfully.
type ReloadFunc func(*Config)

// Watcher reloads the configuration file when it changes on disk.
// Only the caller decides which fields of the reloaded config to apply;
// the watcher itself has no opinion on mutability.
type Watcher struct {
	path     string
	onReload ReloadFunc
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		onReload: onReload,
		logger:   logger,
	}
}

// Start begins watching in a background goroutine. It watches the parent
// directory so the file can be replaced atomically (rename) by editors.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}

	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.loop(fw, w.stopCh, w.doneCh)
	return nil
}

func (w *Watcher) loop(fw *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				timerCh = timer.C
			} else {
				timer.Reset(debounceDelay)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("config watcher error", "error", err)
			}

		case <-stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("config reload failed, keeping previous configuration",
				"path", w.path,
				"error", err)
		}
		return
	}
	if w.logger != nil {
		w.logger.Info("configuration reloaded", "path", w.path)
	}
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
	w.watcher = nil
}
