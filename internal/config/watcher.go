package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses editor write bursts into one reload.
const watchDebounce = 250 * time.Millisecond

// Watch monitors the config directory and invokes reload whenever
// devices.toml or transcode.toml changes. It blocks until ctx is cancelled.
func Watch(ctx context.Context, dir string, reload func(file string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timer   *time.Timer
		pending string
		fire    = make(chan string, 1)
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if name != "devices.toml" && name != "transcode.toml" {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending = name
			if timer != nil {
				timer.Stop()
			}
			f := pending
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- f:
				default:
				}
			})
		case f := <-fire:
			slog.Info("config: reloading", "file", f)
			reload(f)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "err", err)
		}
	}
}
