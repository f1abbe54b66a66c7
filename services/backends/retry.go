// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backends

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var retryTracer = otel.Tracer("strait.backends.retry")

// RetryPolicy bounds how rate-limited calls are retried. Only rate
// limits are retried; every other error returns immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the wait used when the provider gave no retry hint.
	BaseDelay time.Duration

	// MaxDelay caps the wait regardless of what the provider requested.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the shipped configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	return p
}

// RetryController re-invokes an operation while the upstream reports
// rate limiting, honoring provider-requested delays.
//
// # Description
//
// The controller waits between attempts using the provider's RetryAfter
// hint when present, its BaseDelay otherwise, always capped at MaxDelay.
// Waits suspend only the calling goroutine and abort on ctx
// cancellation. When attempts are exhausted the LAST rate-limit error is
// returned unchanged so the caller can surface the provider's original
// status and body.
//
// # Thread Safety
//
// Safe for concurrent use; the controller holds no per-call state.
type RetryController struct {
	policy RetryPolicy
	clock  Clock

	// onWait, when set, observes each wait before it starts. The
	// gateway wires this to its retry metrics.
	onWait func(op string, attempt int, delay time.Duration)
}

// NewRetryController creates a controller with the given policy.
func NewRetryController(policy RetryPolicy) *RetryController {
	return &RetryController{
		policy: policy.normalized(),
		clock:  NewSystemClock(),
	}
}

// WithClock replaces the controller's clock. Tests use this to avoid
// real sleeps.
func (c *RetryController) WithClock(clock Clock) *RetryController {
	c.clock = clock
	return c
}

// OnWait registers an observer for retry waits.
func (c *RetryController) OnWait(fn func(op string, attempt int, delay time.Duration)) *RetryController {
	c.onWait = fn
	return c
}

// Do runs fn, retrying on *RateLimitError up to the policy's attempt
// budget. op names the operation for logs and spans.
func (c *RetryController) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var rle *RateLimitError
		if !errors.As(err, &rle) {
			return err
		}
		last = err

		if attempt == c.policy.MaxAttempts {
			break
		}

		delay := rle.RetryAfter
		if delay <= 0 {
			delay = c.policy.BaseDelay
		}
		if delay > c.policy.MaxDelay {
			delay = c.policy.MaxDelay
		}

		slog.Warn("upstream rate limited, waiting before retry",
			"operation", op,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"delay", delay,
			"status_code", rle.StatusCode,
		)
		if c.onWait != nil {
			c.onWait(op, attempt, delay)
		}
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.AddEvent("rate_limit_wait", trace.WithAttributes(
				attribute.String("operation", op),
				attribute.Int("attempt", attempt),
				attribute.String("delay", delay.String()),
			))
		}

		if err := c.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return last
}

// ChatWithRetry performs a non-streaming chat call through the retry
// controller and returns the final response.
func (c *RetryController) ChatWithRetry(ctx context.Context, b Backend, req ChatRequest) (*ChatResponse, error) {
	ctx, span := retryTracer.Start(ctx, "RetryController.ChatWithRetry")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", b.Prefix()),
		attribute.String("model", req.Model),
	)

	var resp *ChatResponse
	err := c.Do(ctx, "chat_completions", func(ctx context.Context) error {
		r, err := b.ChatCompletions(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// StreamWithRetry opens a streaming chat call through the retry
// controller. Retries cover stream establishment only; once chunks are
// flowing, a rate limit cannot occur mid-stream.
func (c *RetryController) StreamWithRetry(ctx context.Context, b Backend, req ChatRequest) (*Stream, error) {
	ctx, span := retryTracer.Start(ctx, "RetryController.StreamWithRetry")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", b.Prefix()),
		attribute.String("model", req.Model),
	)

	var stream *Stream
	err := c.Do(ctx, "chat_completions_stream", func(ctx context.Context) error {
		s, err := b.ChatCompletionsStream(ctx, req)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	return stream, err
}
