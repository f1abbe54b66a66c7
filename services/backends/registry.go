// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backends

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Route pairs a backend prefix with the model name to send it.
type Route struct {
	Prefix string
	Model  string
}

// SelectOptions carries per-session routing preferences into Select.
// Both fields may be zero; Select then resolves by prefix or default.
type SelectOptions struct {
	// OneOff routes exactly one call. It outranks BackendOverride and
	// is consumed by the caller, not by the registry.
	OneOff *Route

	// BackendOverride names the session's preferred backend for model
	// strings that carry no registered prefix.
	BackendOverride string

	// ModelOverride replaces the request's model string on every path
	// except an explicit registered prefix in the request itself.
	ModelOverride string
}

// Registry holds the configured backends keyed by routing prefix.
//
// # Description
//
// All registration happens during startup, before the first request is
// served; after that the registry is read-only and reads take the shared
// lock only. A duplicate prefix is a configuration error and fails
// registration with ErrDuplicatePrefix.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	backends      map[string]Backend
	defaultPrefix string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend under its prefix. The first backend registered
// becomes the default until SetDefault names another.
func (r *Registry) Register(b Backend) error {
	prefix := b.Prefix()
	if prefix == "" {
		return fmt.Errorf("backend prefix must not be empty")
	}
	if strings.Contains(prefix, ":") {
		return fmt.Errorf("backend prefix %q must not contain ':'", prefix)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[prefix]; exists {
		return fmt.Errorf("backend prefix %q: %w", prefix, ErrDuplicatePrefix)
	}
	r.backends[prefix] = b
	if r.defaultPrefix == "" {
		r.defaultPrefix = prefix
	}
	return nil
}

// SetDefault marks the backend that handles model strings without a
// registered prefix.
func (r *Registry) SetDefault(prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[prefix]; !exists {
		return fmt.Errorf("cannot set default: backend %q not registered", prefix)
	}
	r.defaultPrefix = prefix
	return nil
}

// Get returns the backend registered under prefix.
func (r *Registry) Get(prefix string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[prefix]
	return b, ok
}

// Default returns the default backend, or nil when none is registered.
func (r *Registry) Default() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[r.defaultPrefix]
}

// Prefixes returns all registered prefixes in sorted order.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.backends))
	for prefix := range r.backends {
		out = append(out, prefix)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Select resolves a request's model string to a backend and the model
// name that backend should see.
//
// Resolution order:
//  1. "prefix:rest" where prefix is registered routes to that backend
//     with the prefix stripped. An unregistered prefix is NOT an error;
//     the full string falls through untouched so model names that
//     legitimately contain ':' keep working.
//  2. A one-off route, when the caller passed one.
//  3. The session's model override replaces the model string. When the
//     override itself carries a registered prefix it routes there.
//  4. The session's backend override, when set.
//  5. The default backend with the model string unchanged.
func (r *Registry) Select(model string, opts SelectOptions) (Backend, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if b, rest, ok := r.splitPrefix(model); ok {
		return b, rest, nil
	}

	if opts.OneOff != nil {
		b, ok := r.backends[opts.OneOff.Prefix]
		if !ok {
			return nil, "", fmt.Errorf("one-off backend %q not registered", opts.OneOff.Prefix)
		}
		routed := opts.OneOff.Model
		if routed == "" {
			routed = model
		}
		return b, routed, nil
	}

	if opts.ModelOverride != "" {
		model = opts.ModelOverride
		if b, rest, ok := r.splitPrefix(model); ok {
			return b, rest, nil
		}
	}

	if opts.BackendOverride != "" {
		b, ok := r.backends[opts.BackendOverride]
		if !ok {
			return nil, "", fmt.Errorf("session backend %q not registered", opts.BackendOverride)
		}
		return b, model, nil
	}

	b := r.backends[r.defaultPrefix]
	if b == nil {
		return nil, "", ErrNoDefaultBackend
	}
	return b, model, nil
}

// splitPrefix resolves "prefix:rest" against the registered backends.
// Callers hold r.mu.
func (r *Registry) splitPrefix(model string) (Backend, string, bool) {
	idx := strings.Index(model, ":")
	if idx <= 0 {
		return nil, "", false
	}
	b, ok := r.backends[model[:idx]]
	if !ok {
		return nil, "", false
	}
	return b, model[idx+1:], true
}
