package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces editor write bursts (truncate+write, tmp+rename).
const watchDebounce = 250 * time.Millisecond

// Watch reloads the config whenever the file at path changes and invokes
// onChange with the fresh copy. The parent directory is watched rather than
// the file itself so atomic-rename saves keep working. Blocks until ctx is
// done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var (
		timer    *time.Timer
		lastHash string
	)
	if cfg, err := Load(path); err == nil {
		lastHash = cfg.Hash()
	}

	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			slog.Warn("config reload failed", "path", path, "error", err)
			return
		}
		h := cfg.Hash()
		if h == lastHash {
			return
		}
		lastHash = h
		slog.Info("config reloaded", "path", path, "hash", h)
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
