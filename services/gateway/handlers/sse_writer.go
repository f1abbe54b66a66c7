// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/strait/services/gateway/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes the OpenAI streaming wire format to an HTTP response.
//
// # Description
//
// The chat completions streaming protocol is a sequence of
// "data: {json}\n\n" frames terminated by the literal "data: [DONE]\n\n".
// There are no named events; clients dispatch on the JSON payload. The
// writer flushes after every frame so chunks reach the client as they
// are produced, and can emit SSE comment lines as connection keepalives
// during long upstream silences.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the heartbeat
// goroutine writes keepalives while the relay loop writes chunks.
type SSEWriter interface {
	// WriteChunk writes one completion chunk as a data frame.
	WriteChunk(chunk *datatypes.ChatCompletionChunk) error

	// WriteError writes an error envelope as a data frame. Used for
	// failures after the stream has started, when the HTTP status is
	// already committed.
	WriteError(resp *datatypes.ErrorResponse) error

	// WriteDone writes the "data: [DONE]" terminator. No frames may
	// follow it.
	WriteDone() error

	// WriteKeepAlive writes an SSE comment (": ping"). Comments are
	// ignored by clients but reset load balancer idle timers.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Thread Safety
//
// Thread-safe via mutex. Cannot be reused across requests.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter for the given ResponseWriter. The
// caller must set SSE headers via SetSSEHeaders before the first write.
// Returns an error when the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

// writeData marshals v and writes it as a single SSE data frame.
func (w *sseWriter) writeData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteChunk(chunk *datatypes.ChatCompletionChunk) error {
	return w.writeData(chunk)
}

func (w *sseWriter) WriteError(resp *datatypes.ErrorResponse) error {
	return w.writeData(resp)
}

func (w *sseWriter) WriteDone() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write done: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
