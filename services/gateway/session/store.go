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
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway/control"
	"github.com/AleutianAI/strait/services/gateway/datatypes"
)

// DefaultTTL is how long an idle session survives before the janitor or
// a lazy access discards it.
const DefaultTTL = 4 * time.Hour

// semaphore is a per-session mutex using a buffered channel, so waiters
// can bail out on context cancellation.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore() *semaphore {
	s := &semaphore{ch: make(chan struct{}, 1)}
	s.ch <- struct{}{} // initially unlocked
	return s
}

// StoreConfig holds the tunables for a session Store.
//
// # Fields
//
//   - TTL: idle time before a session expires. Zero means DefaultTTL;
//     negative disables expiry.
//   - LoopDefaults: loop-detection config stamped onto new sessions.
type StoreConfig struct {
	TTL          time.Duration
	LoopDefaults control.Config
}

// Store owns every live Session, keyed by session key.
//
// # Description
//
// Sessions are created lazily by GetOrCreate and removed when idle past
// the TTL, either by the janitor sweep or on the next access to the
// stale key. The store also hands out per-key locks so the pipeline can
// serialize a whole request's command-mutation and routing window
// against concurrent requests on the same session.
//
// # Thread Safety
//
// Safe for concurrent use. The session map is guarded by an RWMutex;
// per-key locks are channel semaphores created on first use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	locks sync.Map // session key -> *semaphore

	ttl     time.Duration
	loopCfg control.Config
	clock   backends.Clock
}

// NewStore creates a Store with the given config.
func NewStore(cfg StoreConfig) *Store {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	loopCfg := cfg.LoopDefaults
	if loopCfg.MaxRepeats == 0 {
		loopCfg = control.DefaultConfig()
	}
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		loopCfg:  loopCfg,
		clock:    backends.NewSystemClock(),
	}
}

// WithClock swaps the time source. Tests use this with a FakeClock to
// drive expiry without sleeping.
func (st *Store) WithClock(clock backends.Clock) *Store {
	st.clock = clock
	return st
}

// GetOrCreate returns the live session for key, discarding and replacing
// it when it has sat idle past the TTL. The returned session is touched.
func (st *Store) GetOrCreate(key string) *Session {
	now := st.clock.Now()

	st.mu.RLock()
	s, ok := st.sessions[key]
	st.mu.RUnlock()

	if ok && !s.ExpiredAt(now, st.ttl) {
		s.Touch(now)
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Re-check under the write lock; another request may have swapped
	// the entry while we upgraded.
	if s, ok = st.sessions[key]; ok && !s.ExpiredAt(now, st.ttl) {
		s.Touch(now)
		return s
	}
	s = New(key, st.loopCfg, now)
	st.sessions[key] = s
	return s
}

// Get returns the live session for key without creating one. Expired
// entries are removed and reported as absent.
func (st *Store) Get(key string) (*Session, bool) {
	now := st.clock.Now()

	st.mu.RLock()
	s, ok := st.sessions[key]
	st.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if s.ExpiredAt(now, st.ttl) {
		st.mu.Lock()
		if cur, still := st.sessions[key]; still && cur == s {
			delete(st.sessions, key)
		}
		st.mu.Unlock()
		return nil, false
	}
	return s, true
}

// Reset replaces the session under key with a fresh one, dropping all
// overrides, loop history, and usage counters. Returns false when the
// key had no live session.
func (st *Store) Reset(key string) bool {
	now := st.clock.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[key]
	if !ok || s.ExpiredAt(now, st.ttl) {
		delete(st.sessions, key)
		return false
	}
	st.sessions[key] = New(key, st.loopCfg, now)
	return true
}

// Delete removes the session under key. Returns false when absent.
func (st *Store) Delete(key string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[key]; !ok {
		return false
	}
	delete(st.sessions, key)
	return true
}

// List snapshots every live session, sorted by key. Expired entries are
// skipped but left for the janitor.
func (st *Store) List() []datatypes.SessionView {
	now := st.clock.Now()

	st.mu.RLock()
	views := make([]datatypes.SessionView, 0, len(st.sessions))
	for _, s := range st.sessions {
		if s.ExpiredAt(now, st.ttl) {
			continue
		}
		views = append(views, s.View())
	}
	st.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].Key < views[j].Key })
	return views
}

// Len returns the number of stored sessions, expired entries included.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Lock acquires the per-key request lock, creating it on first use.
// Returns false if ctx is cancelled before the lock is acquired.
func (st *Store) Lock(ctx context.Context, key string) bool {
	val, _ := st.locks.LoadOrStore(key, newSemaphore())
	sem := val.(*semaphore)
	select {
	case <-sem.ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Unlock releases the per-key request lock.
func (st *Store) Unlock(key string) {
	if val, ok := st.locks.Load(key); ok {
		sem := val.(*semaphore)
		sem.ch <- struct{}{}
	}
}

// Sweep removes every session idle past the TTL and returns how many
// were dropped. The janitor calls this on an interval.
func (st *Store) Sweep() int {
	now := st.clock.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for key, s := range st.sessions {
		if s.ExpiredAt(now, st.ttl) {
			delete(st.sessions, key)
			st.locks.Delete(key)
			removed++
		}
	}
	return removed
}

// TTL returns the configured idle expiry.
func (st *Store) TTL() time.Duration {
	return st.ttl
}

// SetLoopDefaults swaps the loop-detection config stamped onto sessions
// created from now on. Live sessions keep their current detector until
// they expire, are reset, or override it with a command.
func (st *Store) SetLoopDefaults(cfg control.Config) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if cfg.MaxRepeats == 0 {
		cfg = control.DefaultConfig()
	}
	st.loopCfg = cfg
}
