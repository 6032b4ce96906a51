// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loader

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for more writes before
// re-applying the file.
const DefaultDebounce = 200 * time.Millisecond

// ApplyFunc is called after every reload attempt.
type ApplyFunc func(res Result, err error)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce window. Default: 200ms.
	Debounce time.Duration

	// OnApply is called after each reload. Optional.
	OnApply ApplyFunc

	// Logger. Default: slog.Default().
	Logger *slog.Logger
}

// WatcherOption is a functional option for configuring Watcher.
type WatcherOption func(*WatcherOptions)

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(o *WatcherOptions) {
		o.Debounce = d
	}
}

// WithOnApply sets the reload callback.
func WithOnApply(fn ApplyFunc) WatcherOption {
	return func(o *WatcherOptions) {
		o.OnApply = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WatcherOption {
	return func(o *WatcherOptions) {
		o.Logger = logger
	}
}

// Watcher re-applies a definition file whenever it changes on disk.
//
// # Description
//
// The parent directory is watched rather than the file itself, so editors
// that save by rename are picked up. Bursts of events are debounced into
// a single reload. Invalid files are logged and skipped; the graph keeps
// the last applied definitions.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use. Stop is idempotent.
type Watcher struct {
	path      string
	registrar Registrar
	debounce  time.Duration
	onApply   ApplyFunc
	logger    *slog.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	watching bool
}

// NewWatcher creates a watcher for the definition file at path.
func NewWatcher(path string, r Registrar, opts ...WatcherOption) (*Watcher, error) {
	options := WatcherOptions{Debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &Watcher{
		path:      abs,
		registrar: r,
		debounce:  options.Debounce,
		onApply:   options.OnApply,
		logger:    options.Logger.With("component", "definition_watcher", "path", abs),
		watcher:   fw,
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. It does not apply the file; callers apply it once
// themselves before starting.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watching = true

	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("watching definitions")
	return nil
}

// Stop stops watching and waits for an in-progress reload.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	f, err := LoadFile(w.path)
	var res Result
	if err == nil {
		res, err = Apply(ctx, w.registrar, f)
	}
	if err != nil {
		w.logger.Error("reload definitions failed", "error", err)
	} else {
		w.logger.Info("definitions reloaded", "nodes", res.Nodes, "relationships", res.Relationships)
	}
	if w.onApply != nil {
		w.onApply(res, err)
	}
}
