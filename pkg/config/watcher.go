package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/cloudmgr/pkg/telemetry"
)

// ReloadFunc receives a freshly parsed connection file.
type ReloadFunc func(ctx context.Context, file *ConnectionsFile) error

// Watcher reloads the connection file when it changes on disk.
type Watcher struct {
	path   string
	delay  time.Duration
	reload ReloadFunc
	logger *telemetry.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher returns a watcher for path. Changes within delay of each other
// trigger one reload.
func NewWatcher(path string, delay time.Duration, reload ReloadFunc, logger *telemetry.Logger) *Watcher {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Watcher{
		path:   filepath.Clean(path),
		delay:  delay,
		reload: reload,
		logger: logger.NewComponentLogger("config_watcher"),
	}
}

// Run watches until ctx is cancelled. The directory is watched rather than
// the file so replacements by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.WithField("path", w.path).Info("watching connections file")

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("connections file changed")
			w.schedule(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("watcher error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() { w.Reload(ctx) })
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Reload parses the file and hands it to the reload callback. Parse
// failures keep the previous state.
func (w *Watcher) Reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	file, err := LoadConnections(w.path)
	if err != nil {
		w.logger.WithError(err).Error("failed to reload connections file")
		return
	}
	if err := w.reload(ctx, file); err != nil {
		w.logger.WithError(err).Error("failed to apply connections file")
		return
	}
	w.logger.Infof("reloaded %d connections", len(file.Connections))
}
