package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch re-reads the config file whenever it changes and invokes onChange
// with the freshly loaded Config. Editors often replace the file rather
// than write in place, so the path is re-added after remove/rename events.
// Watch returns immediately; the watcher goroutine stops when ctx is done.
func Watch(ctx context.Context, path string, logger *zap.SugaredLogger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		// Debounce: editors fire several events per save.
		var pending <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					// Atomic replace: wait for the new file to appear.
					time.Sleep(100 * time.Millisecond)
					if err := watcher.Add(path); err != nil {
						logger.Warnw("config file gone, watch stopped", "path", path, "error", err)
						return
					}
				}
				pending = time.After(250 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnw("config watch error", "error", err)
			case <-pending:
				pending = nil
				cfg, err := Load()
				if err != nil {
					logger.Warnw("config reload failed, keeping previous", "error", err)
					continue
				}
				logger.Infow("config reloaded", "path", path)
				onChange(cfg)
			}
		}
	}()

	return nil
}
