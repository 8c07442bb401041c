package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads cfg from path whenever the file changes, debounced so
// editors that write in multiple events trigger one reload. Secrets are
// re-applied from env after each reload. Blocks until ctx is done.
func Watch(ctx context.Context, path string, cfg *Config, logger *slog.Logger, onReload func(*Config)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the directory: editors replace the file on save, which would
	// invalidate a watch on the file itself.
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		case <-fire:
			next, err := Load(path)
			if err != nil {
				logger.Error("config reload failed, keeping previous", "error", err)
				continue
			}
			if next.Hash() == cfg.Hash() {
				continue
			}
			cfg.ReplaceFrom(next)
			logger.Info("config reloaded", "path", path)
			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}
