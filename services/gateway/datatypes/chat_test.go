// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"
)

// =============================================================================
// ChatCompletionRequest Validation Tests
// =============================================================================

func TestChatCompletionRequest_Validate_Success(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: "user", Content: "Hello"},
		},
	}

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

func TestChatCompletionRequest_Validate_MissingModel(t *testing.T) {
	req := &ChatCompletionRequest{
		Messages: []Message{{Role: "user", Content: "Hello"}},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for missing model, got nil")
	}
}

func TestChatCompletionRequest_Validate_EmptyMessages(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []Message{},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for empty messages, got nil")
	}
}

func TestChatCompletionRequest_Validate_TooManyMessages(t *testing.T) {
	messages := make([]Message, MaxMessagesPerRequest+1)
	for i := range messages {
		messages[i] = Message{Role: "user", Content: "Message"}
	}

	req := &ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: messages,
	}

	if err := req.Validate(); err == nil {
		t.Errorf("expected error for %d messages (max is %d), got nil",
			len(messages), MaxMessagesPerRequest)
	}
}

func TestChatCompletionRequest_Validate_OversizedContent(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: "user", Content: MessageContent(strings.Repeat("a", MaxMessageContentBytes+1))},
		},
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for oversized content, got nil")
	}
}

func TestChatCompletionRequest_Validate_TemperatureRange(t *testing.T) {
	tooHot := float32(2.5)
	req := &ChatCompletionRequest{
		Model:       "gpt-4o",
		Messages:    []Message{{Role: "user", Content: "Hello"}},
		Temperature: &tooHot,
	}

	if err := req.Validate(); err == nil {
		t.Error("expected error for temperature > 2, got nil")
	}
}

func TestChatCompletionRequest_EffectiveMaxTokens(t *testing.T) {
	req := &ChatCompletionRequest{MaxTokens: 100}
	if got := req.EffectiveMaxTokens(); got != 100 {
		t.Errorf("EffectiveMaxTokens() = %d, want 100", got)
	}

	req.MaxCompletionTokens = 200
	if got := req.EffectiveMaxTokens(); got != 200 {
		t.Errorf("EffectiveMaxTokens() with both set = %d, want 200", got)
	}
}

// =============================================================================
// MessageContent Decoding Tests
// =============================================================================

func TestMessageContent_UnmarshalString(t *testing.T) {
	var msg Message
	raw := `{"role": "user", "content": "plain text"}`

	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if msg.Content.String() != "plain text" {
		t.Errorf("content = %q, want %q", msg.Content, "plain text")
	}
}

func TestMessageContent_UnmarshalParts(t *testing.T) {
	var msg Message
	raw := `{"role": "user", "content": [
		{"type": "text", "text": "first part"},
		{"type": "text", "text": "second part"}
	]}`

	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if msg.Content.String() != "first part second part" {
		t.Errorf("content = %q, want single-space join", msg.Content)
	}
}

func TestMessageContent_DropsNonTextParts(t *testing.T) {
	var msg Message
	raw := `{"role": "user", "content": [
		{"type": "text", "text": "look at this"},
		{"type": "image_url", "image_url": {"url": "https://example.com/a.png"}},
		{"type": "text", "text": "please"}
	]}`

	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if msg.Content.String() != "look at this please" {
		t.Errorf("content = %q, want image part dropped", msg.Content)
	}
}

func TestMessageContent_UnmarshalNull(t *testing.T) {
	var msg Message
	raw := `{"role": "assistant", "content": null, "tool_calls": [{"id": "c1", "type": "function", "function": {"name": "f", "arguments": "{}"}}]}`

	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if msg.Content.String() != "" {
		t.Errorf("content = %q, want empty for null", msg.Content)
	}
	if len(msg.ToolCalls) != 1 {
		t.Errorf("tool_calls length = %d, want 1", len(msg.ToolCalls))
	}
}

func TestMessageContent_UnmarshalInvalid(t *testing.T) {
	var msg Message
	raw := `{"role": "user", "content": 42}`

	if err := json.Unmarshal([]byte(raw), &msg); err == nil {
		t.Error("expected error for numeric content, got nil")
	}
}

func TestMessageContent_MarshalAsString(t *testing.T) {
	msg := Message{Role: "user", Content: "round trip"}
	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(out), `"content":"round trip"`) {
		t.Errorf("marshaled form = %s, want plain string content", out)
	}
}

// =============================================================================
// StopSequences Decoding Tests
// =============================================================================

func TestStopSequences_UnmarshalString(t *testing.T) {
	var req ChatCompletionRequest
	raw := `{"model": "m", "messages": [{"role": "user", "content": "x"}], "stop": "END"}`

	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("stop = %v, want [END]", req.Stop)
	}
}

func TestStopSequences_UnmarshalArray(t *testing.T) {
	var req ChatCompletionRequest
	raw := `{"model": "m", "messages": [{"role": "user", "content": "x"}], "stop": ["a", "b"]}`

	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(req.Stop) != 2 {
		t.Errorf("stop = %v, want two entries", req.Stop)
	}
}

// =============================================================================
// Response Envelope Tests
// =============================================================================

func TestNewChatCompletionResponse(t *testing.T) {
	resp := NewChatCompletionResponse("gpt-4o", "hello", "stop")

	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("id = %q, want chatcmpl- prefix", resp.ID)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q, want chat.completion", resp.Object)
	}
	if resp.Created == 0 {
		t.Error("created timestamp not set")
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello" {
		t.Errorf("choices = %+v, want single assistant choice", resp.Choices)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", resp.Choices[0].FinishReason)
	}
}

func TestChunkChoice_FinishReasonNullUntilFinal(t *testing.T) {
	chunk := NewChatCompletionChunk("chatcmpl-x", "gpt-4o")
	chunk.Choices = []ChunkChoice{{Delta: Delta{Content: "hi"}}}

	out, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(out), `"finish_reason":null`) {
		t.Errorf("mid-stream chunk = %s, want finish_reason null", out)
	}
	if !strings.Contains(string(out), `"object":"chat.completion.chunk"`) {
		t.Errorf("chunk object field wrong: %s", out)
	}
}

func TestNewModelList(t *testing.T) {
	list := NewModelList([]string{"openai:gpt-4o", "gemini:flash"})

	if list.Object != "list" {
		t.Errorf("object = %q, want list", list.Object)
	}
	if len(list.Data) != 2 {
		t.Fatalf("data length = %d, want 2", len(list.Data))
	}
	if list.Data[0].ID != "openai:gpt-4o" || list.Data[0].Object != "model" {
		t.Errorf("first entry = %+v", list.Data[0])
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("bad request", "invalid_request_error", "missing_model")

	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"error":{"message":"bad request","type":"invalid_request_error","code":"missing_model"}}`
	if string(out) != want {
		t.Errorf("envelope = %s, want %s", out, want)
	}
}
