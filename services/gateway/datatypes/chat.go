// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the wire types for the gateway service.
//
// This file contains the OpenAI-compatible chat completion request and
// response types. Clients built against the OpenAI API (editor agents,
// SDKs, curl scripts) talk to the gateway without modification; the
// gateway translates to whichever backend the request routes to.
package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Size Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message
	// content. Agent transcripts embed whole files, so the bound is
	// generous; it exists to stop unbounded bodies, not to trim prompts.
	MaxMessageContentBytes = 1 * 1024 * 1024 // 1MB

	// MaxMessagesPerRequest is the maximum number of messages in a
	// request. Editor agents accumulate long histories.
	MaxMessagesPerRequest = 1000
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string-kind fields.
// Byte length, not rune count: the bound protects memory.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Flexible Content
// =============================================================================

// MessageContent is a message body that accepts both OpenAI content
// encodings.
//
// # Description
//
// The chat completions API allows content to be a plain string or an
// array of typed parts. Agents mix both forms in one conversation.
// MessageContent decodes either; multi-part content collapses to the
// text parts joined with a single space, and non-text parts (images,
// audio) are dropped because the gateway proxies text-only traffic.
// It always re-encodes as a plain string.
type MessageContent string

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = MessageContent(s)
		return nil
	}

	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of content parts: %w", err)
	}

	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	*c = MessageContent(strings.Join(texts, " "))
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(c))
}

func (c MessageContent) String() string { return string(c) }

// =============================================================================
// Chat Completion Request Types
// =============================================================================

// Message is a single conversation turn.
//
// Role is not restricted to a fixed set; unknown roles pass through to
// the backend adapter, which decides how to map them.
type Message struct {
	Role       string         `json:"role" validate:"required"`
	Content    MessageContent `json:"content" validate:"maxbytes"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// StopSequences accepts the string and array encodings of "stop".
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StopSequences{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings: %w", err)
	}
	*s = StopSequences(many)
	return nil
}

// StreamOptions mirrors the OpenAI stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionRequest is the POST /v1/chat/completions body.
//
// # Description
//
// The shape follows the OpenAI chat completions API. Model selects the
// backend when it carries a registered "prefix:" (stripped before the
// upstream call); otherwise session overrides and the configured default
// apply. User, when present, keys the conversation session.
//
// # Validation
//
// Uses go-playground/validator:
//   - Model: required
//   - Messages: required, 1-1000 elements, each element validated
//   - Messages[].Content: max 1MB per message
//   - Temperature: 0-2 when present
type ChatCompletionRequest struct {
	Model               string         `json:"model" validate:"required"`
	Messages            []Message      `json:"messages" validate:"required,min=1,max=1000,dive"`
	Temperature         *float32       `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens           int            `json:"max_tokens,omitempty" validate:"gte=0"`
	MaxCompletionTokens int            `json:"max_completion_tokens,omitempty" validate:"gte=0"`
	Stop                StopSequences  `json:"stop,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *StreamOptions `json:"stream_options,omitempty"`
	Tools               []Tool         `json:"tools,omitempty"`
	User                string         `json:"user,omitempty"`
}

// Validate validates the request after JSON binding.
func (r *ChatCompletionRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EffectiveMaxTokens resolves the two token-limit spellings; the newer
// max_completion_tokens wins when both are present.
func (r *ChatCompletionRequest) EffectiveMaxTokens() int {
	if r.MaxCompletionTokens > 0 {
		return r.MaxCompletionTokens
	}
	return r.MaxTokens
}

// =============================================================================
// Tool Types
// =============================================================================

// Tool is a function definition offered to the model.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a model-requested function invocation. Arguments is the
// raw JSON string exactly as the model produced it.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// =============================================================================
// Chat Completion Response Types
// =============================================================================

// Usage contains token consumption statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseMessage is the assistant turn inside a completion choice.
type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming completion envelope.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// NewChatCompletionResponse creates a single-choice response with a
// fresh id and timestamp.
func NewChatCompletionResponse(model, content, finishReason string) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      generateID("chatcmpl"),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Message:      ResponseMessage{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
	}
}

// =============================================================================
// Streaming Chunk Types
// =============================================================================

// Delta is the incremental payload inside a streaming choice.
type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ChunkChoice is a streaming choice. FinishReason stays null until the
// final chunk, matching the OpenAI wire encoding.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatCompletionChunk is one server-sent event in a streamed completion.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// NewChatCompletionChunk creates a chunk envelope sharing the stream's
// id so all chunks of one completion correlate.
func NewChatCompletionChunk(id, model string) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
	}
}

// =============================================================================
// Model Listing Types
// =============================================================================

type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// NewModelList wraps qualified model names in the OpenAI list envelope.
func NewModelList(ids []string) *ModelList {
	now := time.Now().Unix()
	data := make([]ModelObject, 0, len(ids))
	for _, id := range ids {
		data = append(data, ModelObject{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: "strait",
		})
	}
	return &ModelList{Object: "list", Data: data}
}

// =============================================================================
// Error Envelope
// =============================================================================

// APIError is the OpenAI-compatible error body.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// NewErrorResponse builds the error envelope clients expect.
func NewErrorResponse(message, errType, code string) *ErrorResponse {
	return &ErrorResponse{Error: APIError{Message: message, Type: errType, Code: code}}
}

// =============================================================================
// ID Generation
// =============================================================================

// generateID produces OpenAI-style object ids ("chatcmpl-<uuid>").
func generateID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// StreamID creates the id shared by every chunk of one streamed
// completion.
func StreamID() string {
	return generateID("chatcmpl")
}
