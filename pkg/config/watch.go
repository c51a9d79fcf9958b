package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce coalesces the burst of events editors emit on save.
var WatchDebounce = 250 * time.Millisecond

// Watch calls onChange with the reloaded config each time path is written,
// until ctx is cancelled. Reloads that fail validation are logged and
// skipped. The directory is watched so that atomic-rename saves are seen.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer watcher.Close()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		reload := func() {
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload failed", "path", path, "error", err)
				return
			}
			logger.Info("config reloaded", "path", path)
			onChange(cfg)
		}
		name := filepath.Base(path)

		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(WatchDebounce, reload)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
