// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package control implements per-session tool-loop detection.
//
// Agents occasionally get stuck re-issuing the same tool call with the
// same arguments. The Detector fingerprints every tool call observed in
// backend responses and raises a trigger when one fingerprint repeats
// enough times inside a sliding time window. How a trigger is handled
// (annotate vs. short-circuit) is the session's choice, carried in Mode.
package control

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// Mode selects what the pipeline does when a loop triggers.
type Mode string

const (
	// ModeWarn appends a notice to the outgoing response text.
	ModeWarn Mode = "warn"

	// ModeBlock drops the looping tool calls and answers with a proxy
	// notice in their place.
	ModeBlock Mode = "block"
)

// ParseMode converts user input into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModeWarn):
		return ModeWarn, nil
	case string(ModeBlock):
		return ModeBlock, nil
	default:
		return "", fmt.Errorf("unknown loop mode %q (want warn or block)", s)
	}
}

// State represents a position in the detector's cycle.
type State string

const (
	// StateIdle means no live history.
	StateIdle State = "idle"

	// StateAccumulating means history exists below the trigger threshold.
	StateAccumulating State = "accumulating"

	// StateTriggered means a repeat threshold was crossed and the trigger
	// has not been consumed yet.
	StateTriggered State = "triggered"
)

// Config holds the session-tunable detection thresholds.
type Config struct {
	// Mode selects warn or block handling.
	Mode Mode

	// MaxRepeats is the occurrence count that trips the detector.
	// Always positive.
	MaxRepeats int

	// TTL is the sliding window; entries older than this are pruned.
	// Always positive.
	TTL time.Duration
}

// DefaultConfig returns the startup thresholds applied to new sessions.
func DefaultConfig() Config {
	return Config{
		Mode:       ModeWarn,
		MaxRepeats: 3,
		TTL:        5 * time.Minute,
	}
}

// Trigger describes one tripped loop, handed to the pipeline by Consume.
type Trigger struct {
	// Tool is the name of the repeating tool.
	Tool string

	// Repeats is how many times its fingerprint occurred in the window.
	Repeats int

	// Window is the TTL that bounded the count.
	Window time.Duration
}

type record struct {
	signature string
	seen      time.Time
}

// Detector tracks repeated tool calls for one session.
//
// # Description
//
// Each observed tool call is reduced to a signature (tool name plus a
// hash of its normalized arguments) and appended to a history list with
// its timestamp. Before counting, entries older than the configured TTL
// are pruned. When one signature reaches MaxRepeats occurrences the
// detector moves to StateTriggered and stays there until the pipeline
// consumes the trigger, which resets the cycle to idle.
//
// # Thread Safety
//
// Safe for concurrent use.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	state   State
	history []record
	trigger *Trigger
}

// NewDetector creates a Detector. Zero fields in cfg fall back to
// DefaultConfig values.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.MaxRepeats < 1 {
		cfg.MaxRepeats = def.MaxRepeats
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &Detector{
		cfg:   cfg,
		state: StateIdle,
	}
}

// Signature fingerprints one tool call as "name|argshash".
func Signature(name, argsJSON string) string {
	h := fnv.New64a()
	h.Write([]byte(normalizeArgs(argsJSON)))
	return fmt.Sprintf("%s|%x", name, h.Sum64())
}

// normalizeArgs compacts and key-sorts the argument JSON so semantically
// equal objects hash identically. json.Marshal writes map keys in sorted
// order, which provides the sorting. Unparseable input hashes as the
// trimmed raw string.
func normalizeArgs(argsJSON string) string {
	trimmed := strings.TrimSpace(argsJSON)
	if trimmed == "" {
		return "{}"
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return trimmed
	}
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return string(out)
}

// Observe records one tool call at time now and returns the state after
// the update.
func (d *Detector) Observe(name, argsJSON string, now time.Time) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(now)

	sig := Signature(name, argsJSON)
	d.history = append(d.history, record{signature: sig, seen: now})

	count := 0
	for _, r := range d.history {
		if r.signature == sig {
			count++
		}
	}

	if count >= d.cfg.MaxRepeats {
		d.state = StateTriggered
		d.trigger = &Trigger{Tool: name, Repeats: count, Window: d.cfg.TTL}
	} else if d.state != StateTriggered {
		d.state = StateAccumulating
	}
	return d.state
}

// Consume returns the pending trigger, or nil, and resets a triggered
// detector to idle with cleared history. The pipeline calls this once
// per backend response after recording its tool calls.
func (d *Detector) Consume() *Trigger {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateTriggered {
		return nil
	}
	t := d.trigger
	d.trigger = nil
	d.history = d.history[:0]
	d.state = StateIdle
	return t
}

// Reset clears history and any pending trigger. Configuration is kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.trigger = nil
	d.history = d.history[:0]
	d.state = StateIdle
}

// State returns the current cycle position.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Config returns a copy of the current thresholds.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Mode returns the configured handling mode.
func (d *Detector) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Mode
}

// HistoryLen reports how many unpruned records the detector holds.
func (d *Detector) HistoryLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

// SetMode updates the handling mode.
func (d *Detector) SetMode(m Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Mode = m
}

// SetMaxRepeats updates the trigger threshold. Values below 1 are
// rejected and leave the configuration unchanged.
func (d *Detector) SetMaxRepeats(n int) error {
	if n < 1 {
		return fmt.Errorf("max repeats must be positive, got %d", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.MaxRepeats = n
	return nil
}

// SetTTL updates the sliding window. Non-positive durations are rejected
// and leave the configuration unchanged.
func (d *Detector) SetTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.TTL = ttl
	return nil
}

// pruneLocked drops records older than the TTL. Callers hold d.mu.
func (d *Detector) pruneLocked(now time.Time) {
	if len(d.history) == 0 {
		return
	}
	cutoff := now.Add(-d.cfg.TTL)
	keep := d.history[:0]
	for _, r := range d.history {
		if !r.seen.Before(cutoff) {
			keep = append(keep, r)
		}
	}
	d.history = keep
	if len(d.history) == 0 && d.state == StateAccumulating {
		d.state = StateIdle
	}
}
