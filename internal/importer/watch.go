package importer

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// WatchOptions configures directory watching.
type WatchOptions struct {
	// Debounce is how long a file must stay quiet after its last write
	// event before it is imported. Defaults to 2s.
	Debounce time.Duration
	// RatePerMinute caps import runs triggered by the watcher. Defaults
	// to 6 per minute.
	RatePerMinute int
}

// Watch imports every .json file written into dir until ctx is cancelled.
// Export tools write large files incrementally, so each file is debounced:
// the import fires only after the writes go quiet. A rate limiter keeps a
// misbehaving producer from monopolizing the store.
func (im *Importer) Watch(ctx context.Context, dir string, opts WatchOptions) error {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	perMinute := opts.RatePerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.Info("watching for export files", slog.String("dir", dir))

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	trigger := func(path string) {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := im.ImportFile(ctx, path); err != nil && ctx.Err() == nil {
			log.Error("watched import failed",
				slog.String("file", path), slog.Any("error", err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", slog.Any("error", err))
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".json") {
				continue
			}
			path := ev.Name
			mu.Lock()
			if t, ok := timers[path]; ok {
				t.Reset(debounce)
			} else {
				timers[path] = time.AfterFunc(debounce, func() {
					mu.Lock()
					delete(timers, path)
					mu.Unlock()
					trigger(path)
				})
			}
			mu.Unlock()
		}
	}
}
