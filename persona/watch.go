package persona

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/qalclaude/qalclaude/logger"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// ReloadFunc receives the result of each reload. On error personas is nil
// and the caller should keep its current set.
type ReloadFunc func(personas []Persona, err error)

// Watch reloads the personas file whenever it changes and hands the result
// to fn. The parent directory is watched rather than the file so that
// atomic-rename saves and files created after startup are both seen. The
// directory must exist. Watching stops when ctx is canceled.
func Watch(ctx context.Context, path string, fn ReloadFunc) error {
	return watch(ctx, path, reloadDebounce, fn)
}

func watch(ctx context.Context, path string, debounce time.Duration, fn ReloadFunc) error {
	path = filepath.Clean(path)

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsW.Add(filepath.Dir(path)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go watchLoop(ctx, fsW, path, debounce, fn)
	return nil
}

func watchLoop(ctx context.Context, fsW *fsnotify.Watcher, path string, debounce time.Duration, fn ReloadFunc) {
	defer fsW.Close()

	log := logger.WithComponent("persona")
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		personas, err := Load(path)
		if err != nil {
			log.Warn("persona reload failed", "path", path, "error", err)
			fn(nil, err)
			return
		}
		fn(personas, nil)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			// Wait out a reload already in flight.
			mu.Lock()
			mu.Unlock()
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			log.Warn("persona watcher error", "error", err)
		}
	}
}
