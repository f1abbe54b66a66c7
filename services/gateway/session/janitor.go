// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the janitor scans for idle sessions.
const DefaultSweepInterval = 5 * time.Minute

// Janitor periodically sweeps expired sessions out of a Store.
//
// # Description
//
// Runs a background goroutine on the ticker + done channel pattern.
// Expired sessions are also discarded lazily on access, so the janitor
// only has to catch sessions nobody asks for again.
//
// # Thread Safety
//
// All public methods are thread-safe; a mutex protects the running
// state transition.
type Janitor struct {
	store    *Store
	interval time.Duration
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewJanitor creates a Janitor sweeping store every interval. A zero
// interval means DefaultSweepInterval.
func NewJanitor(store *Store, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Janitor{
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep goroutine. Returns an error when
// the janitor is already running. The goroutine exits on Stop or when
// ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("session janitor is already running")
	}
	j.running = true
	j.done = make(chan struct{}) // Reset done channel for potential restart
	j.mu.Unlock()

	slog.Info("session janitor starting",
		"interval", j.interval.String(),
		"session_ttl", j.store.TTL().String(),
	)

	go j.runLoop(ctx)
	return nil
}

// Stop signals the sweep goroutine to exit. Safe to call multiple times.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}
	slog.Info("session janitor stopping")
	close(j.done)
	j.running = false
}

// RunNow performs a single sweep immediately and returns the number of
// sessions removed.
func (j *Janitor) RunNow() int {
	return j.sweep()
}

// runLoop is the sweep goroutine.
func (j *Janitor) runLoop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session janitor stopped (context cancelled)")
			return
		case <-j.done:
			slog.Info("session janitor stopped (stop requested)")
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() int {
	removed := j.store.Sweep()
	if removed > 0 {
		slog.Info("session janitor swept idle sessions",
			"removed", removed,
			"remaining", j.store.Len(),
		)
	} else {
		slog.Debug("session janitor sweep completed (no idle sessions)")
	}
	return removed
}
