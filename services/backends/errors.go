// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backends

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrDuplicatePrefix is returned by Registry.Register when a backend
// prefix is already taken. Registration happens at startup and callers
// treat this as fatal.
var ErrDuplicatePrefix = errors.New("backend prefix already registered")

// ErrNoDefaultBackend is returned by Registry.Select when no backend
// matched and no default is configured.
var ErrNoDefaultBackend = errors.New("no default backend configured")

// RateLimitError is the normalized form of an upstream rate-limit
// response. RetryAfter is the provider-requested wait, zero when the
// provider gave no hint. Body preserves the upstream payload verbatim so
// exhaustion can surface it unchanged.
type RateLimitError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream rate limited (status %d, retry after %s)", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("upstream rate limited (status %d)", e.StatusCode)
}

// UpstreamError is any non-rate-limit upstream failure. It is never
// retried; StatusCode and Body carry the provider's response unchanged.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, truncateForLog(e.Body, 512))
}

// IsRateLimit reports whether err is (or wraps) a *RateLimitError.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// ParseRetryDelay parses a provider-supplied delay hint in the trailing
// seconds form used by Gemini-style RetryInfo details ("1s", "0.5s",
// "30s"). Returns false for anything it does not recognize; callers fall
// back to their configured base delay.
func ParseRetryDelay(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || !strings.HasSuffix(s, "s") {
		return 0, false
	}
	secs, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// ParseRetryAfterHeader interprets an HTTP Retry-After header value.
// Only the delta-seconds form is supported; HTTP-date forms return false.
func ParseRetryAfterHeader(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// truncateForLog keeps error strings bounded when upstream bodies are
// large. The full body is preserved on the error value itself.
func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
