package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"goa.design/acf/runtime/fabric/telemetry"
)

// defaultDebounce coalesces the burst of filesystem events a single save
// produces before reloading.
const defaultDebounce = 100 * time.Millisecond

type (
	// Watcher reloads the configuration file when it changes on disk.
	Watcher struct {
		fw     *fsnotify.Watcher
		cancel context.CancelFunc
		done   chan struct{}
	}

	// WatchOption tunes the watcher.
	WatchOption func(*watchOptions)

	watchOptions struct {
		debounce time.Duration
		logger   telemetry.Logger
	}
)

// WithDebounce overrides how long the watcher waits after the last change
// event before reloading.
func WithDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) { o.debounce = d }
}

// WithWatchLogger sets the logger for reload outcomes.
func WithWatchLogger(l telemetry.Logger) WatchOption {
	return func(o *watchOptions) { o.logger = l }
}

// Watch reloads path whenever it changes and hands each valid revision to
// apply. Invalid revisions are logged and skipped so the process keeps
// running on the last good configuration. The watch covers the containing
// directory rather than the file itself, which keeps it alive across the
// write-then-rename dance editors and configmap mounts use.
//
// Callers own the returned Watcher and must Close it to release the
// filesystem watch.
func Watch(ctx context.Context, path string, apply func(*Config), opts ...WatchOption) (*Watcher, error) {
	options := watchOptions{debounce: defaultDebounce, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(&options)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{fw: fw, cancel: cancel, done: make(chan struct{})}
	go w.loop(ctx, abs, apply, options)
	return w, nil
}

// Close stops the watcher and waits for the reload loop to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context, path string, apply func(*Config), options watchOptions) {
	defer close(w.done)

	base := filepath.Base(path)
	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reload = time.After(options.debounce)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			options.logger.Error(ctx, "config watch error", "err", err)
		case <-reload:
			reload = nil
			cfg, err := Load(path)
			if err != nil {
				options.logger.Error(ctx, "config reload rejected", "err", err)
				continue
			}
			apply(cfg)
			options.logger.Info(ctx, "config reloaded", "version", cfg.Version)
		}
	}
}
