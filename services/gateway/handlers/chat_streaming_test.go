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
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway/agents"
)

// =============================================================================
// Streaming Handler Tests
// =============================================================================

func TestStreamChatCompletion_RelaysContent(t *testing.T) {
	h := newHandlerHarness(t)
	h.backend.chunks = []backends.StreamChunk{
		{Content: "Hel"},
		{Content: "lo"},
		{FinishReason: "stop"},
	}

	w := h.post(t, reqBody(t, "gpt-x", true, "hi"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	frames, done := parseSSE(w.Body.String())
	assert.True(t, done, "stream must terminate with [DONE]")
	chunks := decodeChunks(t, frames)
	require.NotEmpty(t, chunks)

	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role,
		"first chunk announces the role")
	assert.Equal(t, "Hello", joinDeltas(chunks))

	last := chunks[len(chunks)-1]
	require.NotEmpty(t, last.Choices)
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)

	for _, c := range chunks {
		assert.Equal(t, chunks[0].ID, c.ID, "all chunks share one stream id")
		assert.Equal(t, "chat.completion.chunk", c.Object)
		assert.Equal(t, "gpt-x", c.Model)
	}
}

func TestStreamChatCompletion_EnvelopeMatchesNonStreaming(t *testing.T) {
	h := newHandlerHarness(t)
	h.backend.chunks = []backends.StreamChunk{
		{Content: "Hel"},
		{Content: "lo"},
		{FinishReason: "stop"},
	}

	w := h.post(t, reqBody(t, "gpt-x", true,
		"You are Cline, a coding assistant.", "do the task"))
	require.Equal(t, http.StatusOK, w.Code)

	frames, done := parseSSE(w.Body.String())
	assert.True(t, done)
	joined := joinDeltas(decodeChunks(t, frames))

	assert.Equal(t, agents.FormatFinal("Hello", agents.AgentCline), joined,
		"assembled stream must equal the non-streaming body byte for byte")
}

func TestStreamChatCompletion_CommandOnly(t *testing.T) {
	h := newHandlerHarness(t)

	w := h.post(t, reqBody(t, "gpt-x", true, "!/hello()"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	frames, done := parseSSE(w.Body.String())
	assert.True(t, done)
	chunks := decodeChunks(t, frames)

	assert.Contains(t, joinDeltas(chunks), "hello")
	last := chunks[len(chunks)-1]
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
	assert.Zero(t, h.backend.callCount(), "command-only streams never go upstream")
}

func TestStreamChatCompletion_NoticesPrecedeContent(t *testing.T) {
	h := newHandlerHarness(t)
	h.backend.chunks = []backends.StreamChunk{
		{Content: "Hello"},
		{FinishReason: "stop"},
	}

	w := h.post(t, reqBody(t, "gpt-x", true, "!/frobnicate(1) hi"))
	require.Equal(t, http.StatusOK, w.Code)

	frames, _ := parseSSE(w.Body.String())
	joined := joinDeltas(decodeChunks(t, frames))

	assert.Contains(t, joined, `unknown command "frobnicate"`)
	assert.Contains(t, joined, "Hello")
	assert.Less(t, strings.Index(joined, "frobnicate"), strings.Index(joined, "Hello"),
		"notices come before the model answer")
	assert.Contains(t, joined, "\n\n", "notice and content are separate paragraphs")
}

func TestStreamChatCompletion_ToolCallsArriveInFinalChunk(t *testing.T) {
	h := newHandlerHarness(t)
	h.backend.chunks = []backends.StreamChunk{
		{Content: "checking"},
		{ToolCalls: []backends.ToolCall{{ID: "1", Name: "read_file", Arguments: `{"path":"a.go"}`}}},
		{FinishReason: "tool_calls"},
	}

	w := h.post(t, reqBody(t, "gpt-x", true, "hi"))
	require.Equal(t, http.StatusOK, w.Code)

	frames, done := parseSSE(w.Body.String())
	assert.True(t, done)
	chunks := decodeChunks(t, frames)

	// Tool calls appear only on the final chunk, never incrementally.
	for _, c := range chunks[:len(chunks)-1] {
		if len(c.Choices) > 0 {
			assert.Empty(t, c.Choices[0].Delta.ToolCalls)
		}
	}
	last := chunks[len(chunks)-1]
	require.NotEmpty(t, last.Choices)
	require.Len(t, last.Choices[0].Delta.ToolCalls, 1)
	assert.Equal(t, "read_file", last.Choices[0].Delta.ToolCalls[0].Function.Name)
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "tool_calls", *last.Choices[0].FinishReason)
}

func TestStreamChatCompletion_BlockModeDropsLoopingToolCalls(t *testing.T) {
	h := newHandlerHarness(t)

	w := h.post(t, reqBody(t, "gpt-x", false, "!/tool-loop-mode(block)"))
	require.Equal(t, http.StatusOK, w.Code)

	h.backend.chunks = []backends.StreamChunk{
		{ToolCalls: []backends.ToolCall{{ID: "1", Name: "run_tests", Arguments: `{}`}}},
		{FinishReason: "tool_calls"},
	}

	var lastBody string
	for i := 0; i < 3; i++ {
		w := h.post(t, reqBody(t, "gpt-x", true, "continue"))
		require.Equal(t, http.StatusOK, w.Code)
		lastBody = w.Body.String()
	}

	frames, done := parseSSE(lastBody)
	assert.True(t, done)
	chunks := decodeChunks(t, frames)

	for _, c := range chunks {
		if len(c.Choices) > 0 {
			assert.Empty(t, c.Choices[0].Delta.ToolCalls, "block mode drops tool calls")
		}
	}
	last := chunks[len(chunks)-1]
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
	assert.Contains(t, joinDeltas(chunks), "dropped")
}

func TestStreamChatCompletion_UsageChunkOptIn(t *testing.T) {
	h := newHandlerHarness(t)
	h.backend.chunks = []backends.StreamChunk{
		{Content: "hi"},
		{FinishReason: "stop", Usage: &backends.Usage{PromptTokens: 7, CompletionTokens: 2}},
	}

	body := `{"model":"gpt-x","messages":[{"role":"user","content":"hi"}],` +
		`"stream":true,"stream_options":{"include_usage":true}}`
	w := h.post(t, body)
	require.Equal(t, http.StatusOK, w.Code)

	frames, _ := parseSSE(w.Body.String())
	chunks := decodeChunks(t, frames)

	last := chunks[len(chunks)-1]
	require.NotNil(t, last.Usage, "opted-in streams get a trailing usage chunk")
	assert.Equal(t, 9, last.Usage.TotalTokens)
	assert.Empty(t, last.Choices, "the usage chunk carries no choices")
}

func TestStreamChatCompletion_NoUsageChunkByDefault(t *testing.T) {
	h := newHandlerHarness(t)
	h.backend.chunks = []backends.StreamChunk{
		{Content: "hi"},
		{FinishReason: "stop", Usage: &backends.Usage{PromptTokens: 7, CompletionTokens: 2}},
	}

	w := h.post(t, reqBody(t, "gpt-x", true, "hi"))
	require.Equal(t, http.StatusOK, w.Code)

	frames, _ := parseSSE(w.Body.String())
	for _, c := range decodeChunks(t, frames) {
		assert.Nil(t, c.Usage)
	}

	// The session still accounts the reported usage.
	views := h.store.List()
	require.Len(t, views, 1)
	assert.Equal(t, int64(7), views[0].Usage.PromptTokens)
}

func TestStreamChatCompletion_OpenErrorIsPlainJSON(t *testing.T) {
	h := emptyHarness()

	w := h.post(t, reqBody(t, "gpt-x", true, "hello"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json",
		"open failures predate any SSE bytes and keep the JSON shape")
	assert.Contains(t, w.Body.String(), "model_not_found")
}

func TestStreamChatCompletion_UpstreamOpenErrorVerbatim(t *testing.T) {
	h := newHandlerHarness(t)
	upstreamBody := `{"error":"bad gateway"}`
	h.backend.err = &backends.UpstreamError{StatusCode: 502, Body: upstreamBody}

	w := h.post(t, reqBody(t, "gpt-x", true, "hello"))
	assert.Equal(t, 502, w.Code)
	assert.Equal(t, upstreamBody, w.Body.String())
}

func TestStreamChatCompletion_ModelEchoIgnoresRouting(t *testing.T) {
	h := newHandlerHarness(t)
	h.backend.chunks = []backends.StreamChunk{
		{Content: "ok"},
		{FinishReason: "stop"},
	}

	w := h.post(t, reqBody(t, "fast:gpt-mini", true, "hi"))
	require.Equal(t, http.StatusOK, w.Code)

	frames, _ := parseSSE(w.Body.String())
	for _, c := range decodeChunks(t, frames) {
		assert.Equal(t, "fast:gpt-mini", c.Model,
			"chunks echo the client's requested model string")
	}
}
