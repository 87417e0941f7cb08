package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the bursts of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and hands every valid result to
// fn. Invalid files are logged and skipped; the previous configuration stays
// in effect. Watch blocks until ctx is cancelled.
//
// The parent directory is watched so editors that replace the file on save
// (rename over) keep being observed.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}
	slog.Info("config: watching for changes", "path", abs)

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounce.Reset(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "error", err)

		case <-debounce.C:
			cfg, err := Load(abs)
			if err != nil {
				slog.Warn("config: reload rejected, keeping previous configuration", "path", abs, "error", err)
				continue
			}
			slog.Info("config: reloaded",
				"path", abs,
				"threshold", cfg.Compare.Threshold,
				"roi", cfg.Compare.ROI.String(),
			)
			fn(cfg)
		}
	}
}
