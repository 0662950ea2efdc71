package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces editor write bursts into a single reload.
const debounceWindow = 500 * time.Millisecond

// WatchEndpoints watches the configuration file at path and invokes onChange
// with the new static endpoint list whenever the file is rewritten and still
// parses and validates. Invalid intermediate states are logged and skipped;
// the previously loaded endpoints stay in effect.
//
// The watch runs until ctx is cancelled. The parent directory is watched
// rather than the file itself so atomic rename-based saves are picked up.
func WatchEndpoints(ctx context.Context, path string, onChange func([]EndpointSpec)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		target := filepath.Clean(path)

		reload := func() {
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("config reload skipped",
					"path", path,
					"error", err,
				)
				return
			}
			slog.Info("config reloaded",
				"path", path,
				"endpoints", len(cfg.Endpoints),
			)
			onChange(cfg.Endpoints)
		}

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceWindow, reload)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
