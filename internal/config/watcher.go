package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

type WatcherOptions struct {
	// Overlay is re-applied to every reloaded config, e.g. to keep command
	// line overrides on top of the file.
	Overlay  func(*ServerConfig)
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher keeps the latest successfully loaded server config and reloads it
// when the file changes.
//
// The parent directory is watched rather than the file itself so editors that
// replace the file on save are noticed.
type Watcher struct {
	path string
	opts WatcherOptions

	v atomic.Pointer[ServerConfig]

	subsMu sync.Mutex
	subs   []func(oldCfg, newCfg *ServerConfig)
}

func NewWatcher(path string, initial ServerConfig, opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	w := &Watcher{path: filepath.Clean(path), opts: opts}
	w.v.Store(&initial)
	return w
}

func (w *Watcher) Current() *ServerConfig { return w.v.Load() }

func (w *Watcher) Subscribe(fn func(oldCfg, newCfg *ServerConfig)) {
	if fn == nil {
		return
	}
	w.subsMu.Lock()
	w.subs = append(w.subs, fn)
	w.subsMu.Unlock()
}

// ReloadNow reloads the file and, if it parses and validates, swaps the
// current snapshot and notifies subscribers. On error the previous snapshot
// stays in place.
func (w *Watcher) ReloadNow(_ context.Context) error {
	cfg, err := LoadServerFile(w.path)
	if err != nil {
		return err
	}
	if w.opts.Overlay != nil {
		w.opts.Overlay(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	old := w.v.Swap(&cfg)
	if old != nil && *old == cfg {
		return nil
	}
	w.notify(old, &cfg)
	return nil
}

func (w *Watcher) notify(oldCfg, newCfg *ServerConfig) {
	w.subsMu.Lock()
	subs := append([]func(oldCfg, newCfg *ServerConfig){}, w.subs...)
	w.subsMu.Unlock()

	for _, fn := range subs {
		fn(oldCfg, newCfg)
	}
}

// Run watches the config file until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	w.opts.Logger.Debug("config: watching", "path", w.path)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("config: watcher closed")
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.opts.Debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("config: watcher closed")
			}
			w.opts.Logger.Warn("config: watch error", "err", err)
		case <-timer.C:
			if err := w.ReloadNow(ctx); err != nil {
				w.opts.Logger.Warn("config: reload failed; keeping previous config", "path", w.path, "err", err)
				continue
			}
			w.opts.Logger.Info("config: reloaded", "path", w.path)
		}
	}
}
