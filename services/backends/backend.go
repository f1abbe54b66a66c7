// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package backends defines the provider-neutral chat completion contract
// and the adapters that translate it to concrete upstream wire formats
// (OpenAI-compatible, Gemini-style, Anthropic-style, plus an in-process
// dummy for development).
//
// The gateway speaks only the types in this file. Each adapter owns the
// role and content translation for its provider, normalizes rate-limit
// responses into *RateLimitError, and normalizes every other upstream
// failure into *UpstreamError with the original status and body.
package backends

import (
	"context"
	"io"
)

// Message is one turn of a conversation in provider-neutral form.
// Content is always plain text; multi-part inbound content is flattened
// before it reaches an adapter.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant turns that requested tools
	ToolCallID string     // set on role "tool" result turns
}

// ToolCall describes a tool invocation requested by a model.
// Arguments holds the raw JSON argument object as the provider sent it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a callable tool offered to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatRequest is the normalized request handed to an adapter. Model is
// the provider-local model name with any routing prefix already removed.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature *float32
	MaxTokens   int
	Stop        []string
	Tools       []ToolDefinition
}

// Usage reports token consumption as the provider counted it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ChatResponse is the normalized result of a completed (non-streaming)
// chat call.
type ChatResponse struct {
	Model        string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// StreamChunk is one increment of a streaming response. Usage, when the
// provider reports it, arrives on the final chunk.
type StreamChunk struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage
}

// Stream is a lazy, finite sequence of chunks from one upstream call.
// Recv returns io.EOF after the final chunk. A Stream is not restartable;
// Close releases the underlying transport and is safe to call at any
// point, including mid-stream on consumer cancellation.
type Stream struct {
	recv   func() (StreamChunk, error)
	close  func() error
	closed bool
}

// NewStream builds a Stream from a receive function and a close function.
// Adapters use this to wrap their transport-specific readers.
func NewStream(recv func() (StreamChunk, error), close func() error) *Stream {
	return &Stream{recv: recv, close: close}
}

// Recv returns the next chunk, or io.EOF when the sequence is complete.
func (s *Stream) Recv() (StreamChunk, error) {
	if s.closed {
		return StreamChunk{}, io.EOF
	}
	return s.recv()
}

// Close releases the transport. Subsequent Recv calls return io.EOF.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Backend is the contract every protocol adapter implements.
//
// Implementations must honor ctx cancellation on every method, must not
// retry internally (the retry controller owns that), and must return
// errors from the taxonomy in errors.go so callers can classify them
// with errors.As.
type Backend interface {
	// Prefix returns the routing prefix this backend is registered under.
	Prefix() string

	// ChatCompletions performs one non-streaming chat call.
	ChatCompletions(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatCompletionsStream opens a streaming chat call. The returned
	// Stream must be closed by the caller.
	ChatCompletionsStream(ctx context.Context, req ChatRequest) (*Stream, error)

	// ListModels returns the provider-local model names currently served.
	ListModels(ctx context.Context) ([]string, error)
}

// KeyFunc returns the API key for an upstream call. Implementations may
// read from a locked enclave; callers must not retain the returned string.
type KeyFunc func() (string, error)

// StaticKey wraps a plain string credential as a KeyFunc. Intended for
// tests and for providers configured without a vault.
func StaticKey(key string) KeyFunc {
	return func() (string, error) { return key, nil }
}
