// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backends

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultModelsTTL = 5 * time.Minute

// ModelsCache aggregates model listings across every registered backend.
//
// Description:
//
//	Each backend's models are qualified with its routing prefix
//	("openai:gpt-4o", "gemini:gemini-2.0-flash") so a client can pick a
//	backend by naming a qualified model. Upstream listings are cached for
//	a TTL and refreshed through singleflight so concurrent misses trigger
//	a single fan-out.
//
// Thread Safety:
//
//	Safe for concurrent use.
type ModelsCache struct {
	registry *Registry
	clock    Clock
	ttl      time.Duration

	mu        sync.RWMutex
	models    []string
	fetchedAt time.Time

	flight singleflight.Group

	hits   int64
	misses int64
}

// NewModelsCache creates a cache over the given registry. A non-positive
// ttl falls back to the 5 minute default.
func NewModelsCache(registry *Registry, ttl time.Duration) *ModelsCache {
	if ttl <= 0 {
		ttl = defaultModelsTTL
	}
	return &ModelsCache{
		registry: registry,
		clock:    NewSystemClock(),
		ttl:      ttl,
	}
}

// WithClock substitutes the time source. Used by tests.
func (c *ModelsCache) WithClock(clock Clock) *ModelsCache {
	c.clock = clock
	return c
}

// List returns the qualified model names, refreshing from upstreams when
// the cached listing is missing or expired.
//
// A backend whose listing fails is logged and skipped; the endpoint stays
// useful while one upstream is down. An error is returned only when no
// backend produced a listing.
func (c *ModelsCache) List(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	if c.models != nil && c.clock.Now().Sub(c.fetchedAt) < c.ttl {
		out := make([]string, len(c.models))
		copy(out, c.models)
		c.mu.RUnlock()
		atomic.AddInt64(&c.hits, 1)
		return out, nil
	}
	c.mu.RUnlock()
	atomic.AddInt64(&c.misses, 1)

	result, err, _ := c.flight.Do("models", func() (interface{}, error) {
		// Double-check inside singleflight
		c.mu.RLock()
		if c.models != nil && c.clock.Now().Sub(c.fetchedAt) < c.ttl {
			out := make([]string, len(c.models))
			copy(out, c.models)
			c.mu.RUnlock()
			return out, nil
		}
		c.mu.RUnlock()

		models, err := c.fetchAll(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.models = models
		c.fetchedAt = c.clock.Now()
		c.mu.Unlock()

		out := make([]string, len(models))
		copy(out, models)
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	models, ok := result.([]string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from singleflight group 'models': got %T", result)
	}
	return models, nil
}

// Invalidate discards the cached listing. The next List refreshes.
func (c *ModelsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = nil
	c.fetchedAt = time.Time{}
}

// Stats reports hit and miss counters.
func (c *ModelsCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

func (c *ModelsCache) fetchAll(ctx context.Context) ([]string, error) {
	prefixes := c.registry.Prefixes()
	if len(prefixes) == 0 {
		return []string{}, nil
	}

	var models []string
	var lastErr error
	failures := 0

	for _, prefix := range prefixes {
		backend, ok := c.registry.Get(prefix)
		if !ok {
			continue
		}
		listed, err := backend.ListModels(ctx)
		if err != nil {
			slog.Warn("Model listing failed for backend, skipping",
				"prefix", prefix, "error", err)
			failures++
			lastErr = err
			continue
		}
		for _, m := range listed {
			models = append(models, prefix+":"+m)
		}
	}

	if failures == len(prefixes) && lastErr != nil {
		return nil, fmt.Errorf("all %d backends failed to list models: %w", failures, lastErr)
	}

	sort.Strings(models)
	return models, nil
}
