// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides the business logic of the gateway.
//
// The chat pipeline lives here, separated from HTTP handlers. It is
// responsible for:
//   - Detecting the calling agent from the inbound conversation
//   - Executing and stripping embedded chat commands
//   - Routing the rewritten request to a backend
//   - Driving the retry controller and the per-session loop detector
//   - Shaping the final answer for the calling agent
//
// Handlers own the transport concerns (JSON binding, SSE relay,
// WebSocket frames, HTTP status mapping) and call into this package.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway/agents"
	"github.com/AleutianAI/strait/services/gateway/commands"
	"github.com/AleutianAI/strait/services/gateway/control"
	"github.com/AleutianAI/strait/services/gateway/datatypes"
	"github.com/AleutianAI/strait/services/gateway/observability"
	"github.com/AleutianAI/strait/services/gateway/session"
)

// pipelineTracer is the OpenTelemetry tracer for ChatPipeline operations.
var pipelineTracer = otel.Tracer("strait.gateway.services.pipeline")

// =============================================================================
// Errors
// =============================================================================

// RoutingError reports that a model string resolved to no usable
// backend. Handlers map it to a client error instead of an upstream one.
type RoutingError struct {
	Model string
	Err   error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing %q: %v", e.Model, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// =============================================================================
// Pipeline
// =============================================================================

// ChatPipeline orchestrates one chat completion end to end.
//
// # Description
//
// A single pipeline instance serves every session. Per-request state
// lives on the stack; per-conversation state lives in the session
// store. Concurrent requests for the same session key serialize their
// mutation window (command execution plus route snapshot) on the
// store's per-key lock; the upstream call itself runs unlocked so a
// slow completion does not starve the session.
//
// # Thread Safety
//
// Safe for concurrent use.
type ChatPipeline struct {
	registry *backends.Registry
	store    *session.Store
	executor *commands.Executor
	retry    *backends.RetryController
}

// NewChatPipeline creates a pipeline over the given collaborators.
func NewChatPipeline(
	registry *backends.Registry,
	store *session.Store,
	executor *commands.Executor,
	retry *backends.RetryController,
) *ChatPipeline {
	return &ChatPipeline{
		registry: registry,
		store:    store,
		executor: executor,
		retry:    retry,
	}
}

// Store exposes the session store for admin handlers.
func (p *ChatPipeline) Store() *session.Store { return p.store }

// Result is the outcome of a non-streaming completion.
type Result struct {
	// Response is the wire object to return to the client.
	Response *datatypes.ChatCompletionResponse

	// Agent is the detected caller, already applied to Response.
	Agent agents.Agent

	// Proxied is true when the answer came from the proxy itself
	// (command-only request) and no upstream call was made.
	Proxied bool
}

// prepared carries the shared early-stage output of both entry points.
type prepared struct {
	sess       *session.Session
	agent      agents.Agent
	backend    backends.Backend
	model      string // provider-local model handed upstream
	backendReq backends.ChatRequest
	notices    []string
	proxy      *datatypes.ChatCompletionResponse // non-nil: command-only short circuit
}

// =============================================================================
// Non-Streaming Entry Point
// =============================================================================

// Process handles a non-streaming chat completion.
//
// The processing flow is:
//  1. Detect the calling agent from the original messages
//  2. Execute and strip embedded commands under the session lock
//  3. Short-circuit with a proxy reply when the request became command-only
//  4. Route the rewritten request and call upstream with retries
//  5. Run loop detection over the returned tool calls
//  6. Account usage and shape the final answer for the agent
//
// Errors from the upstream keep their original taxonomy
// (*backends.RateLimitError, *backends.UpstreamError) so the handler
// can surface the provider's own status and body. Routing failures
// come back as *RoutingError.
func (p *ChatPipeline) Process(ctx context.Context, sessionKey string, req *datatypes.ChatCompletionRequest) (*Result, error) {
	ctx, span := pipelineTracer.Start(ctx, "ChatPipeline.Process")
	defer span.End()

	prep, err := p.prepare(ctx, sessionKey, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		return nil, err
	}

	if prep.proxy != nil {
		span.SetAttributes(attribute.Bool("proxy.command_only", true))
		return &Result{Response: prep.proxy, Agent: prep.agent, Proxied: true}, nil
	}

	span.SetAttributes(
		attribute.String("backend.prefix", prep.backend.Prefix()),
		attribute.String("backend.model", prep.model),
		attribute.String("agent", string(prep.agent)),
	)

	resp, err := p.retry.ChatWithRetry(ctx, prep.backend, prep.backendReq)
	if err != nil {
		recordUpstreamFailure(prep.backend.Prefix(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream call failed")
		return nil, err
	}

	toolCalls := resp.ToolCalls
	parts := make([]string, 0, 3)
	if len(prep.notices) > 0 {
		parts = append(parts, strings.Join(prep.notices, "\n"))
	}
	if resp.Content != "" {
		parts = append(parts, resp.Content)
	}

	finish := resp.FinishReason
	if decision := evaluateLoop(prep.sess, toolCalls, time.Now()); decision != nil {
		span.SetAttributes(attribute.String("loop.mode", string(decision.Mode)))
		parts = append(parts, decision.Notice)
		if decision.Drop {
			toolCalls = nil
			finish = "stop"
		}
	}
	if finish == "" {
		if len(toolCalls) > 0 {
			finish = "tool_calls"
		} else {
			finish = "stop"
		}
	}

	prep.sess.AddUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, qualifiedModel(prep.backend, prep.model))
	}

	content := agents.FormatFinal(strings.Join(parts, "\n\n"), prep.agent)

	out := datatypes.NewChatCompletionResponse(req.Model, content, finish)
	out.Choices[0].Message.ToolCalls = WireToolCalls(toolCalls)
	out.Usage = &datatypes.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
	}

	slog.Debug("Completed chat request",
		"session", sessionKey,
		"backend", prep.backend.Prefix(),
		"model", prep.model,
		"agent", prep.agent,
		"finish_reason", finish,
	)

	return &Result{Response: out, Agent: prep.agent}, nil
}

// =============================================================================
// Streaming Entry Point
// =============================================================================

// StreamHandle is the pipeline's half of a streaming completion. The
// handler relays chunks from Stream and reports back through the
// handle's methods; the handle owns the session-side effects.
type StreamHandle struct {
	// Proxy is non-nil when the request was command-only; there is no
	// upstream stream and the handler synthesizes the reply.
	Proxy *datatypes.ChatCompletionResponse

	// Stream is the open upstream stream. Nil when Proxy is set.
	Stream *backends.Stream

	// Agent is the detected caller.
	Agent agents.Agent

	// Notices holds command notices to surface before the streamed
	// content.
	Notices []string

	// Model is the prefix-qualified model for metrics labels.
	Model string

	backendPrefix string
	sess          *session.Session
}

// OpenStream prepares a request and opens the upstream stream.
//
// A command-only request returns a handle with Proxy set and no
// stream. The caller must Close the stream when Proxy is nil.
func (p *ChatPipeline) OpenStream(ctx context.Context, sessionKey string, req *datatypes.ChatCompletionRequest) (*StreamHandle, error) {
	ctx, span := pipelineTracer.Start(ctx, "ChatPipeline.OpenStream")
	defer span.End()

	prep, err := p.prepare(ctx, sessionKey, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		return nil, err
	}

	if prep.proxy != nil {
		span.SetAttributes(attribute.Bool("proxy.command_only", true))
		return &StreamHandle{Proxy: prep.proxy, Agent: prep.agent}, nil
	}

	span.SetAttributes(
		attribute.String("backend.prefix", prep.backend.Prefix()),
		attribute.String("backend.model", prep.model),
		attribute.String("agent", string(prep.agent)),
	)

	stream, err := p.retry.StreamWithRetry(ctx, prep.backend, prep.backendReq)
	if err != nil {
		recordUpstreamFailure(prep.backend.Prefix(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream stream open failed")
		return nil, err
	}

	return &StreamHandle{
		Stream:        stream,
		Agent:         prep.agent,
		Notices:       prep.notices,
		Model:         qualifiedModel(prep.backend, prep.model),
		backendPrefix: prep.backend.Prefix(),
		sess:          prep.sess,
	}, nil
}

// FinishToolCalls runs loop detection over the tool calls accumulated
// from the stream. Returns nil when no loop triggered.
func (h *StreamHandle) FinishToolCalls(toolCalls []backends.ToolCall, now time.Time) *LoopDecision {
	if h.sess == nil {
		return nil
	}
	return evaluateLoop(h.sess, toolCalls, now)
}

// RecordUsage accounts usage reported on the stream's final chunk.
func (h *StreamHandle) RecordUsage(usage *backends.Usage) {
	if usage == nil || h.sess == nil {
		return
	}
	h.sess.AddUsage(usage.PromptTokens, usage.CompletionTokens)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(usage.PromptTokens, usage.CompletionTokens, h.Model)
	}
}

// ObserveError records a mid-stream upstream failure for metrics.
func (h *StreamHandle) ObserveError(err error) {
	if h.backendPrefix != "" {
		recordUpstreamFailure(h.backendPrefix, err)
	}
}

// =============================================================================
// Shared Stages
// =============================================================================

// prepare runs agent detection, command execution, and routing. The
// session lock is held only for the mutation window and is released
// before any upstream call.
func (p *ChatPipeline) prepare(ctx context.Context, sessionKey string, req *datatypes.ChatCompletionRequest) (*prepared, error) {
	ctx, span := pipelineTracer.Start(ctx, "ChatPipeline.prepare")
	defer span.End()

	// Step 1: Detect the calling agent before any rewriting; command
	// text is part of the detection surface.
	agent := agents.DetectFromMessages(req.Messages)

	// Step 2: Serialize the mutation window for this session key.
	if !p.store.Lock(ctx, sessionKey) {
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		return nil, fmt.Errorf("waiting for session %q: %w", sessionKey, err)
	}
	defer p.store.Unlock(sessionKey)

	sess := p.store.GetOrCreate(sessionKey)
	span.SetAttributes(attribute.String("session.key", sessionKey))

	// Step 3: Execute embedded commands in message-then-occurrence
	// order and strip them from the outgoing conversation.
	outcome := p.executor.Process(sess, req.Messages)
	if m := observability.DefaultMetrics; m != nil {
		for _, ex := range outcome.Executed {
			m.RecordCommand(ex.Name, ex.Status)
		}
	}
	span.SetAttributes(attribute.Int("commands.executed", len(outcome.Executed)))

	// Step 4: A request that became command-only is answered by the
	// proxy; nothing goes upstream.
	if outcome.CommandOnly() {
		body := agents.FormatProxyMessage(agent, strings.Join(outcome.Replies, "\n"))
		return &prepared{
			sess:  sess,
			agent: agent,
			proxy: datatypes.NewChatCompletionResponse(req.Model, body, "stop"),
		}, nil
	}

	// Step 5: Snapshot routing state. RouteOptions consumes a pending
	// one-off route, so this stays inside the lock.
	opts := sess.RouteOptions()
	backend, model, err := p.registry.Select(req.Model, opts)
	if err != nil {
		return nil, &RoutingError{Model: req.Model, Err: err}
	}

	// Step 6: Build the normalized upstream request, filling session
	// defaults where the request is silent.
	backendReq := backends.ChatRequest{
		Model:       model,
		Messages:    toBackendMessages(outcome.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.EffectiveMaxTokens(),
		Stop:        req.Stop,
		Tools:       toBackendTools(req.Tools),
	}
	if backendReq.Temperature == nil {
		backendReq.Temperature = sess.Temperature()
	}
	if backendReq.MaxTokens == 0 {
		backendReq.MaxTokens = sess.MaxTokens()
	}

	return &prepared{
		sess:       sess,
		agent:      agent,
		backend:    backend,
		model:      model,
		backendReq: backendReq,
		notices:    outcome.Notices,
	}, nil
}

// =============================================================================
// Loop Detection
// =============================================================================

// LoopDecision is the pipeline's verdict after observing a response's
// tool calls.
type LoopDecision struct {
	// Mode is the session's handling mode at trigger time.
	Mode control.Mode

	// Notice is the assistant-visible text describing the loop.
	Notice string

	// Drop is true in block mode: the looping tool calls must not
	// reach the client and the finish reason becomes "stop".
	Drop bool
}

// evaluateLoop feeds a response's tool calls to the session's detector
// and converts a trigger into a decision. Returns nil when nothing
// triggered.
func evaluateLoop(sess *session.Session, toolCalls []backends.ToolCall, now time.Time) *LoopDecision {
	det := sess.Loop()
	for _, tc := range toolCalls {
		det.Observe(tc.Name, tc.Arguments, now)
	}

	trigger := det.Consume()
	if trigger == nil {
		return nil
	}

	mode := det.Mode()
	if m := observability.DefaultMetrics; m != nil {
		m.RecordLoopDetection(string(mode))
	}
	slog.Warn("Tool loop detected",
		"session", sess.Key(),
		"tool", trigger.Tool,
		"repeats", trigger.Repeats,
		"window", trigger.Window,
		"mode", mode,
	)

	notice := fmt.Sprintf(
		"Notice from proxy: tool %q was called %d times with identical arguments within %s.",
		trigger.Tool, trigger.Repeats, trigger.Window,
	)
	decision := &LoopDecision{Mode: mode, Notice: notice}
	if mode == control.ModeBlock {
		decision.Drop = true
		decision.Notice = notice + " The repeated tool calls were dropped; change approach before retrying."
	}
	return decision
}

// =============================================================================
// Conversions
// =============================================================================

// toBackendMessages converts wire messages to the provider-neutral form.
func toBackendMessages(msgs []datatypes.Message) []backends.Message {
	out := make([]backends.Message, 0, len(msgs))
	for _, m := range msgs {
		bm := backends.Message{
			Role:       m.Role,
			Content:    m.Content.String(),
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			bm.ToolCalls = append(bm.ToolCalls, backends.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out = append(out, bm)
	}
	return out
}

// toBackendTools converts wire tool definitions to the neutral form.
func toBackendTools(tools []datatypes.Tool) []backends.ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	out := make([]backends.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, backends.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out
}

// WireToolCalls converts neutral tool calls back to the wire form. The
// streaming handler shares it to shape the final chunk.
func WireToolCalls(calls []backends.ToolCall) []datatypes.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]datatypes.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, datatypes.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: datatypes.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return out
}

// qualifiedModel labels metrics with "prefix:model" so one series per
// backend-model pair.
func qualifiedModel(b backends.Backend, model string) string {
	return b.Prefix() + ":" + model
}

// recordUpstreamFailure feeds upstream error metrics from the error
// taxonomy. Context cancellation is the client's doing, not the
// upstream's, and is skipped.
func recordUpstreamFailure(prefix string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	m := observability.DefaultMetrics
	if m == nil {
		return
	}

	var rle *backends.RateLimitError
	if errors.As(err, &rle) {
		m.RecordUpstreamError(prefix, rle.StatusCode)
		return
	}
	var ue *backends.UpstreamError
	if errors.As(err, &ue) {
		m.RecordUpstreamError(prefix, ue.StatusCode)
		return
	}
	m.RecordUpstreamError(prefix, 0)
}
