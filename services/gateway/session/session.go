// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the proxy's per-caller state: routing overrides
// written by chat commands, the one-off route, sampling overrides, the
// tool-loop detector, and usage counters. Sessions are created lazily by
// the Store and expire after a TTL of inactivity.
package session

import (
	"sync"
	"time"

	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway/control"
	"github.com/AleutianAI/strait/services/gateway/datatypes"
)

// Session is the mutable state the proxy keeps for one caller.
//
// # Description
//
// Everything a chat command can change lives here: the backend and model
// overrides, project/pwd labels, temperature and max-tokens scalars, the
// extra-params map for keys the proxy does not interpret, and the one-off
// route consumed by the next routed request. The loop detector and usage
// counters ride along so the whole session can be inspected and reset as
// one unit.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The Store additionally hands
// out a per-key semaphore so a whole request's read-mutate-route window
// can be serialized; the Session's own mutex only protects individual
// field access (admin handlers snapshot sessions while requests run).
type Session struct {
	key       string
	createdAt time.Time

	mu          sync.Mutex
	lastSeen    time.Time
	backend     string
	model       string
	project     string
	pwd         string
	temperature *float32
	maxTokens   int
	extra       map[string]string
	oneOff      *backends.Route

	promptTokens     int64
	completionTokens int64
	requests         int64

	// loop has its own lock; it is shared with the pipeline which
	// observes tool calls outside the session mutex.
	loop *control.Detector
}

// New creates a Session with the given key and loop-detection defaults.
// Timestamps start at now.
func New(key string, loopCfg control.Config, now time.Time) *Session {
	return &Session{
		key:       key,
		createdAt: now,
		lastSeen:  now,
		extra:     make(map[string]string),
		loop:      control.NewDetector(loopCfg),
	}
}

// Key returns the immutable session key.
func (s *Session) Key() string {
	return s.key
}

// CreatedAt returns the creation timestamp.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastSeen returns the time of the most recent Touch.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Touch records activity at now. The Store touches on every access so
// active sessions never expire mid-conversation.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
}

// ExpiredAt reports whether the session has been idle longer than ttl
// as of now. A non-positive ttl disables expiry.
func (s *Session) ExpiredAt(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen) > ttl
}

// SetBackend sets the session's backend override. Last write wins.
func (s *Session) SetBackend(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = prefix
}

// SetModel sets the session's model override. Last write wins.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// SetProject sets the project label.
func (s *Session) SetProject(project string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project = project
}

// SetPwd sets the working-directory marker.
func (s *Session) SetPwd(pwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pwd = pwd
}

// SetTemperature sets the sampling temperature override.
func (s *Session) SetTemperature(t float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = &t
}

// SetMaxTokens sets the completion-size override.
func (s *Session) SetMaxTokens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxTokens = n
}

// SetExtra stores a scalar the proxy does not interpret itself. These
// surface in session inspection and are available to future commands.
func (s *Session) SetExtra(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra[key] = value
}

// Unset clears the named override. Known keys map to their fields;
// anything else clears an extra-params entry. Returns false when there
// was nothing to clear.
func (s *Session) Unset(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch key {
	case "backend":
		had := s.backend != ""
		s.backend = ""
		return had
	case "model":
		had := s.model != ""
		s.model = ""
		return had
	case "project":
		had := s.project != ""
		s.project = ""
		return had
	case "pwd":
		had := s.pwd != ""
		s.pwd = ""
		return had
	case "temperature":
		had := s.temperature != nil
		s.temperature = nil
		return had
	case "max-tokens", "max_tokens":
		had := s.maxTokens != 0
		s.maxTokens = 0
		return had
	case "oneoff":
		had := s.oneOff != nil
		s.oneOff = nil
		return had
	default:
		if _, ok := s.extra[key]; ok {
			delete(s.extra, key)
			return true
		}
		return false
	}
}

// Backend returns the backend override, empty when unset.
func (s *Session) Backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// Model returns the model override, empty when unset.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Temperature returns the temperature override, nil when unset.
func (s *Session) Temperature() *float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.temperature == nil {
		return nil
	}
	t := *s.temperature
	return &t
}

// MaxTokens returns the max-tokens override, zero when unset.
func (s *Session) MaxTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxTokens
}

// Extra returns the uninterpreted scalar stored under key.
func (s *Session) Extra(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.extra[key]
	return v, ok
}

// SetOneOff arms a route for exactly one upcoming request.
func (s *Session) SetOneOff(route backends.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneOff = &route
}

// RouteOptions snapshots the session's routing preferences and consumes
// the one-off route. The pipeline calls this once per routed request, so
// "consumed by the next routed call" holds even when the upstream call
// later fails.
func (s *Session) RouteOptions() backends.SelectOptions {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := backends.SelectOptions{
		BackendOverride: s.backend,
		ModelOverride:   s.model,
	}
	if s.oneOff != nil {
		route := *s.oneOff
		opts.OneOff = &route
		s.oneOff = nil
	}
	return opts
}

// Loop returns the session's tool-loop detector.
func (s *Session) Loop() *control.Detector {
	return s.loop
}

// AddUsage accumulates token counts reported by a completed request.
func (s *Session) AddUsage(promptTokens, completionTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptTokens += int64(promptTokens)
	s.completionTokens += int64(completionTokens)
	s.requests++
}

// View snapshots the session for the admin API. The returned value
// shares nothing with the live session.
func (s *Session) View() datatypes.SessionView {
	s.mu.Lock()

	view := datatypes.SessionView{
		Key:       s.key,
		CreatedAt: s.createdAt,
		LastSeen:  s.lastSeen,
		Backend:   s.backend,
		Model:     s.model,
		Project:   s.project,
		Pwd:       s.pwd,
		MaxTokens: s.maxTokens,
		Usage: datatypes.UsageView{
			PromptTokens:     s.promptTokens,
			CompletionTokens: s.completionTokens,
			TotalTokens:      s.promptTokens + s.completionTokens,
			Requests:         s.requests,
		},
	}
	if s.temperature != nil {
		t := *s.temperature
		view.Temperature = &t
	}
	if len(s.extra) > 0 {
		view.Extra = make(map[string]string, len(s.extra))
		for k, v := range s.extra {
			view.Extra[k] = v
		}
	}
	if s.oneOff != nil {
		view.OneOff = &datatypes.RouteView{
			Backend: s.oneOff.Prefix,
			Model:   s.oneOff.Model,
		}
	}
	s.mu.Unlock()

	cfg := s.loop.Config()
	view.Loop = datatypes.LoopView{
		Mode:       string(cfg.Mode),
		MaxRepeats: cfg.MaxRepeats,
		TTLSeconds: int(cfg.TTL / time.Second),
		State:      string(s.loop.State()),
		History:    s.loop.HistoryLen(),
	}
	return view
}
