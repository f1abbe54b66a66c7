// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Dynamic is the hot-reloadable subset of the config. Everything else
// (backends, listen address, session TTL, retry policy) requires a
// restart; the backend registry stays immutable for the process
// lifetime.
type Dynamic struct {
	LogLevel string
	Loop     LoopConfig
}

func dynamicOf(cfg StraitConfig) Dynamic {
	return Dynamic{
		LogLevel: cfg.Log.Level,
		Loop:     cfg.Loop,
	}
}

// Watcher re-reads the config file when it changes on disk and swaps
// the Dynamic subset atomically.
//
// # Description
//
// The parent directory is watched rather than the file itself: editors
// and config tools replace files via write-to-temp-and-rename, which
// drops a watch held on the old inode. A reload that fails to parse or
// validate keeps the previous config and logs a warning, so a half
// written file never degrades a running gateway.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once; Dynamic
// may be read from any goroutine.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	current  atomic.Pointer[Dynamic]
	onChange func(Dynamic)
}

// NewWatcher creates a watcher for the given config file.
//
// The initial config seeds the Dynamic snapshot. onChange runs on the
// watcher goroutine after each effective change; it may be nil.
func NewWatcher(path string, initial StraitConfig, onChange func(Dynamic)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     path,
		watcher:  fsw,
		onChange: onChange,
	}
	d := dynamicOf(initial)
	w.current.Store(&d)
	return w, nil
}

// Dynamic returns the latest hot-reloadable settings.
func (w *Watcher) Dynamic() Dynamic {
	return *w.current.Load()
}

// Start begins watching for config changes. Blocks until the context
// is cancelled; run it in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("Failed to watch config directory",
			"dir", dir,
			"error", err)
		return
	}
	slog.Debug("Started watching config file", "path", w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)

		case <-ctx.Done():
			slog.Debug("Config watcher stopping")
			return
		}
	}
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.reload()
}

// reload re-reads the file and publishes the dynamic subset when it
// changed. Editors fire several events per save; comparing snapshots
// keeps onChange to one call per effective change.
func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		slog.Warn("Config reload failed, keeping previous settings",
			"path", w.path,
			"error", err)
		return
	}
	next := dynamicOf(cfg)
	prev := *w.current.Load()
	if next == prev {
		return
	}
	w.current.Store(&next)
	slog.Info("Config reloaded",
		"log_level", next.LogLevel,
		"loop_mode", next.Loop.Mode,
		"loop_max_repeats", next.Loop.MaxRepeats)
	if w.onChange != nil {
		w.onChange(next)
	}
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
