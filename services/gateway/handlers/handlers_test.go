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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway/commands"
	"github.com/AleutianAI/strait/services/gateway/datatypes"
	"github.com/AleutianAI/strait/services/gateway/middleware"
	"github.com/AleutianAI/strait/services/gateway/services"
	"github.com/AleutianAI/strait/services/gateway/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fakes
// =============================================================================

// stubBackend is a scriptable Backend for handler tests.
type stubBackend struct {
	prefix string

	mu        sync.Mutex
	calls     int
	resp      backends.ChatResponse
	err       error
	chunks    []backends.StreamChunk
	models    []string
	modelsErr error
}

var _ backends.Backend = (*stubBackend)(nil)

func newStubBackend(prefix string) *stubBackend {
	return &stubBackend{
		prefix: prefix,
		resp: backends.ChatResponse{
			Content:      "upstream answer",
			FinishReason: "stop",
			Usage:        backends.Usage{PromptTokens: 10, CompletionTokens: 5},
		},
		models: []string{"m1"},
	}
}

func (s *stubBackend) Prefix() string { return s.prefix }

func (s *stubBackend) ChatCompletions(_ context.Context, req backends.ChatRequest) (*backends.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	resp := s.resp
	resp.Model = req.Model
	return &resp, nil
}

func (s *stubBackend) ChatCompletionsStream(_ context.Context, _ backends.ChatRequest) (*backends.Stream, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	chunks := s.chunks
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	i := 0
	return backends.NewStream(func() (backends.StreamChunk, error) {
		if i >= len(chunks) {
			return backends.StreamChunk{}, io.EOF
		}
		c := chunks[i]
		i++
		return c, nil
	}, func() error { return nil }), nil
}

func (s *stubBackend) ListModels(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modelsErr != nil {
		return nil, s.modelsErr
	}
	return s.models, nil
}

func (s *stubBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// =============================================================================
// Test Harness
// =============================================================================

type handlerHarness struct {
	router   *gin.Engine
	pipeline *services.ChatPipeline
	backend  *stubBackend
	store    *session.Store
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	t.Helper()

	backend := newStubBackend("fast")
	registry := backends.NewRegistry()
	require.NoError(t, registry.Register(backend))
	return harnessOver(registry, backend)
}

// emptyHarness has no backends registered, so every routed request fails.
func emptyHarness() *handlerHarness {
	return harnessOver(backends.NewRegistry(), nil)
}

func harnessOver(registry *backends.Registry, backend *stubBackend) *handlerHarness {
	store := session.NewStore(session.StoreConfig{})
	pipeline := services.NewChatPipeline(registry, store,
		commands.NewExecutor(commands.NewRegistry()),
		backends.NewRetryController(backends.DefaultRetryPolicy()).
			WithClock(backends.NewFakeClock(time.Unix(1700000000, 0))))

	router := gin.New()
	router.Use(middleware.SessionKey())
	router.POST("/v1/chat/completions", HandleChatCompletions(pipeline))

	return &handlerHarness{
		router:   router,
		pipeline: pipeline,
		backend:  backend,
		store:    store,
	}
}

func (h *handlerHarness) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	h.router.ServeHTTP(w, req)
	return w
}

// reqBody builds a minimal chat completion request body.
func reqBody(t *testing.T, model string, stream bool, contents ...string) string {
	t.Helper()
	msgs := make([]map[string]string, 0, len(contents))
	for _, c := range contents {
		msgs = append(msgs, map[string]string{"role": "user", "content": c})
	}
	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
	}
	if stream {
		body["stream"] = true
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return string(raw)
}

// =============================================================================
// SSE Parsing Helpers
// =============================================================================

// parseSSE splits an SSE body into its data payloads. Comment lines
// (keepalives) are skipped.
func parseSSE(body string) (frames []string, done bool) {
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			done = true
			continue
		}
		frames = append(frames, payload)
	}
	return frames, done
}

func decodeChunks(t *testing.T, frames []string) []datatypes.ChatCompletionChunk {
	t.Helper()
	chunks := make([]datatypes.ChatCompletionChunk, 0, len(frames))
	for _, f := range frames {
		var chunk datatypes.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(f), &chunk), "frame: %s", f)
		chunks = append(chunks, chunk)
	}
	return chunks
}

// joinDeltas reassembles the content stream the way a client would.
func joinDeltas(chunks []datatypes.ChatCompletionChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if len(c.Choices) > 0 {
			b.WriteString(c.Choices[0].Delta.Content)
		}
	}
	return b.String()
}
