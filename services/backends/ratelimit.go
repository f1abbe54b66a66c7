// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backends

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ThrottleStats contains throttle counters for one backend.
type ThrottleStats struct {
	Allowed   int64 // Requests that passed without waiting
	Throttled int64 // Requests that had to wait for a token
}

// ThrottledBackend wraps a Backend with a client-side token bucket.
//
// Description:
//
//	Upstream providers enforce their own request-per-minute quotas.
//	Waiting locally before sending keeps the proxy under quota instead
//	of burning retry budget on 429 responses. Requests wait for a token
//	or fail with the context's error.
//
// Thread Safety:
//
//	Safe for concurrent use.
type ThrottledBackend struct {
	inner   Backend
	limiter *rate.Limiter

	allowed   int64
	throttled int64
}

var _ Backend = (*ThrottledBackend)(nil)

// NewThrottledBackend wraps inner with a token bucket of the given rate.
// A non-positive rps disables throttling (infinite rate). Burst is clamped
// to at least one so single requests always make progress.
func NewThrottledBackend(inner Backend, rps float64, burst int) *ThrottledBackend {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &ThrottledBackend{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (t *ThrottledBackend) Prefix() string { return t.inner.Prefix() }

func (t *ThrottledBackend) ChatCompletions(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.ChatCompletions(ctx, req)
}

func (t *ThrottledBackend) ChatCompletionsStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.ChatCompletionsStream(ctx, req)
}

func (t *ThrottledBackend) ListModels(ctx context.Context) ([]string, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.ListModels(ctx)
}

// Unwrap exposes the decorated backend.
func (t *ThrottledBackend) Unwrap() Backend { return t.inner }

// Stats reports throttle counters.
func (t *ThrottledBackend) Stats() ThrottleStats {
	return ThrottleStats{
		Allowed:   atomic.LoadInt64(&t.allowed),
		Throttled: atomic.LoadInt64(&t.throttled),
	}
}

func (t *ThrottledBackend) wait(ctx context.Context) error {
	// Tokens() is a snapshot; the counter tolerates the race.
	if t.limiter.Tokens() < 1 {
		atomic.AddInt64(&t.throttled, 1)
		slog.Debug("Throttling request to backend", "prefix", t.inner.Prefix())
	} else {
		atomic.AddInt64(&t.allowed, 1)
	}
	return t.limiter.Wait(ctx)
}
