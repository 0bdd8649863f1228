package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polystore/polystore/internal/debug"
)

// Watch re-loads the config file whenever it changes and delivers each
// successful load to onReload. Editors replace files rather than write in
// place, so the parent directory is watched and events are filtered by
// basename. Rapid event bursts are debounced. Watch blocks until ctx is
// done; load failures are logged and skipped, never fatal.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			debug.Logf("config watch error: %v", err)
		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				debug.Logf("config reload skipped: %v", err)
				continue
			}
			onReload(cfg)
		}
	}
}
