package identitycache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce groups the burst of events a single atomic save produces
const DefaultDebounce = 100 * time.Millisecond

// Watch calls onChange after the cache file is written or removed by any process,
// until ctx is done. The parent directory is watched because saves replace the file.
func (f *File) Watch(ctx context.Context, onChange func(context.Context)) error {
	return f.watch(ctx, DefaultDebounce, onChange)
}

func (f *File) watch(ctx context.Context, debounce time.Duration, onChange func(context.Context)) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	f.logger.Info("watching identity cache", "debounce", debounce)

	name := filepath.Clean(f.path)
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Error("watcher error", "error", err)

		case <-timer.C:
			onChange(ctx)
		}
	}
}
