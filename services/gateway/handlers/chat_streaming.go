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
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway/agents"
	"github.com/AleutianAI/strait/services/gateway/datatypes"
	"github.com/AleutianAI/strait/services/gateway/observability"
	"github.com/AleutianAI/strait/services/gateway/services"
)

// heartbeatInterval is the interval for sending keepalive pings.
// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
const heartbeatInterval = 15 * time.Second

// streamChatCompletion relays an upstream stream to the client as
// OpenAI chat completion chunks.
//
// # Description
//
// The flow is:
//  1. Open the upstream stream through the pipeline (errors here still
//     return plain JSON; nothing has been written yet)
//  2. Set SSE headers and create the writer
//  3. Short-circuit command-only requests with a synthesized stream
//  4. Start the heartbeat goroutine
//  5. Relay content chunks verbatim inside the agent envelope; hold
//     tool calls back until the stream ends
//  6. Run the loop verdict, close the envelope, emit the final chunk,
//     the optional usage chunk, and the [DONE] terminator
//
// Agent formatting wraps the assembled final text, not each chunk: the
// envelope opener rides the first content frame and the closer follows
// the last, so the concatenated frames equal the non-streaming body.
//
// Tool calls are withheld until the final chunk because block mode must
// be able to drop a looping batch; content already relayed cannot be
// unsent, but tool calls can be held for the verdict.
func streamChatCompletion(ctx context.Context, c *gin.Context, pipeline *services.ChatPipeline, req *datatypes.ChatCompletionRequest, sessionKey string) {
	startTime := time.Now()
	endpoint := observability.EndpointChatStream

	ctx, span := chatTracer.Start(ctx, "StreamChatCompletion")
	defer span.End()

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	// Step 1: Open the upstream stream. Failures surface exactly like
	// the non-streaming path since the response is still untouched.
	handle, err := pipeline.OpenStream(ctx, sessionKey, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		writeChatError(c, endpoint, err)
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	// Step 2: Set SSE headers and create the writer
	SetSSEHeaders(c.Writer)
	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		if handle.Stream != nil {
			_ = handle.Stream.Close()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"streaming not supported", "api_error", "internal_error"))
		return
	}

	streamID := datatypes.StreamID()

	// Step 3: A command-only request streams the proxy's reply without
	// touching any backend.
	if handle.Proxy != nil {
		span.SetAttributes(attribute.Bool("proxy.command_only", true))
		if err := writeProxyStream(sse, streamID, req.Model, handle.Proxy); err != nil {
			recordStreamDisconnect(endpoint)
			return
		}
		success = true
		return
	}
	defer handle.Stream.Close()

	// Step 4: Start the heartbeat goroutine so slow upstreams do not
	// trip idle connection timeouts.
	heartbeatDone := make(chan struct{})
	go runHeartbeat(ctx, sse, endpoint, heartbeatDone)

	opener, closer := agents.StreamEnvelope(handle.Agent)
	em := &bodyEmitter{sse: sse, id: streamID, model: req.Model, opener: opener}

	var (
		toolCalls  []backends.ToolCall
		finish     string
		usage      *backends.Usage
		chunkCount int
	)
	firstToken := time.Time{}

	if err := sse.WriteChunk(roleChunk(streamID, req.Model)); err != nil {
		close(heartbeatDone)
		recordStreamDisconnect(endpoint)
		return
	}

	// Command notices precede upstream content, same as the
	// non-streaming body layout.
	if len(handle.Notices) > 0 {
		if err := em.part(strings.Join(handle.Notices, "\n")); err != nil {
			close(heartbeatDone)
			recordStreamDisconnect(endpoint)
			return
		}
	}

	// Step 5: Relay loop. Content flows through verbatim; tool calls
	// accumulate for the post-stream loop verdict.
	for {
		chunk, err := handle.Stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			close(heartbeatDone)
			handle.ObserveError(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "upstream stream failed")
			slog.Error("Upstream stream failed mid-relay",
				"error", err,
				"session", sessionKey,
				"model", handle.Model,
			)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeUpstream)
			}
			// The status line is long gone; the error rides the stream.
			_ = sse.WriteError(datatypes.NewErrorResponse(
				"upstream stream failed", "api_error", "upstream_error"))
			_ = sse.WriteDone()
			return
		}

		chunkCount++
		toolCalls = append(toolCalls, chunk.ToolCalls...)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Content == "" {
			continue
		}

		if firstToken.IsZero() {
			firstToken = time.Now()
			if m := observability.DefaultMetrics; m != nil {
				m.RecordTimeToFirstToken(endpoint, firstToken.Sub(startTime).Seconds())
			}
		}
		if err := em.chunk(chunk.Content); err != nil {
			close(heartbeatDone)
			recordStreamDisconnect(endpoint)
			slog.Debug("Client disconnected mid-stream", "session", sessionKey)
			return
		}
	}
	close(heartbeatDone)

	// Step 6: Loop verdict over the accumulated tool calls. Block mode
	// drops the batch before anything reaches the client.
	if decision := handle.FinishToolCalls(toolCalls, time.Now()); decision != nil {
		span.SetAttributes(attribute.String("loop.mode", string(decision.Mode)))
		if decision.Drop {
			toolCalls = nil
			finish = "stop"
		}
		if err := em.part(decision.Notice); err != nil {
			recordStreamDisconnect(endpoint)
			return
		}
	}

	// Close the agent envelope at the final content boundary.
	if err := em.close(closer); err != nil {
		recordStreamDisconnect(endpoint)
		return
	}

	if finish == "" {
		if len(toolCalls) > 0 {
			finish = "tool_calls"
		} else {
			finish = "stop"
		}
	}
	if err := sse.WriteChunk(finishChunk(streamID, req.Model, finish, services.WireToolCalls(toolCalls))); err != nil {
		recordStreamDisconnect(endpoint)
		return
	}

	// Step 7: Account usage; the usage chunk itself is opt-in.
	handle.RecordUsage(usage)
	if usage != nil && req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
		if err := sse.WriteChunk(usageChunk(streamID, req.Model, usage)); err != nil {
			recordStreamDisconnect(endpoint)
			return
		}
	}

	if err := sse.WriteDone(); err != nil {
		recordStreamDisconnect(endpoint)
		return
	}

	success = true
	span.SetAttributes(
		attribute.Int("stream.chunk_count", chunkCount),
		attribute.String("finish_reason", finish),
	)
	span.SetStatus(codes.Ok, "stream completed")
}

// runHeartbeat sends keepalive comments until the stream finishes or
// the client goes away.
func runHeartbeat(ctx context.Context, sse SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// =============================================================================
// Body Assembly
// =============================================================================

// bodyEmitter lays out the streamed body exactly as the non-streaming
// path does: parts (notices, upstream content, loop notice) joined by
// blank lines, wrapped in the agent envelope. The opener rides the
// first frame; empty bodies still get both envelope halves.
type bodyEmitter struct {
	sse    SSEWriter
	id     string
	model  string
	opener string

	started   bool // opener written
	hasBody   bool // at least one part written
	inContent bool // inside the upstream content part
}

// part writes one complete body part.
func (e *bodyEmitter) part(text string) error {
	if text == "" {
		return nil
	}
	out := text
	if e.hasBody {
		out = "\n\n" + out
	}
	if !e.started {
		out = e.opener + out
		e.started = true
	}
	e.hasBody = true
	e.inContent = false
	return e.sse.WriteChunk(contentChunk(e.id, e.model, out))
}

// chunk writes one increment of the upstream content part. Only the
// first increment carries the part separator.
func (e *bodyEmitter) chunk(text string) error {
	if text == "" {
		return nil
	}
	out := text
	if !e.inContent {
		if e.hasBody {
			out = "\n\n" + out
		}
		e.inContent = true
		e.hasBody = true
	}
	if !e.started {
		out = e.opener + out
		e.started = true
	}
	return e.sse.WriteChunk(contentChunk(e.id, e.model, out))
}

// close writes the envelope closer. An empty body still gets the full
// envelope so the assembled text matches the non-streaming formatter.
func (e *bodyEmitter) close(closer string) error {
	out := closer
	if !e.started {
		out = e.opener + out
		e.started = true
	}
	if out == "" {
		return nil
	}
	return e.sse.WriteChunk(contentChunk(e.id, e.model, out))
}

// =============================================================================
// Chunk Builders
// =============================================================================

// roleChunk is the customary first frame announcing the assistant role.
func roleChunk(id, model string) *datatypes.ChatCompletionChunk {
	chunk := datatypes.NewChatCompletionChunk(id, model)
	chunk.Choices = []datatypes.ChunkChoice{{
		Delta: datatypes.Delta{Role: "assistant"},
	}}
	return chunk
}

func contentChunk(id, model, content string) *datatypes.ChatCompletionChunk {
	chunk := datatypes.NewChatCompletionChunk(id, model)
	chunk.Choices = []datatypes.ChunkChoice{{
		Delta: datatypes.Delta{Content: content},
	}}
	return chunk
}

// finishChunk carries the finish reason and any withheld tool calls.
func finishChunk(id, model, reason string, toolCalls []datatypes.ToolCall) *datatypes.ChatCompletionChunk {
	chunk := datatypes.NewChatCompletionChunk(id, model)
	chunk.Choices = []datatypes.ChunkChoice{{
		Delta:        datatypes.Delta{ToolCalls: toolCalls},
		FinishReason: &reason,
	}}
	return chunk
}

// usageChunk is the trailing frame for stream_options.include_usage.
// Choices is empty but present, matching the OpenAI encoding.
func usageChunk(id, model string, usage *backends.Usage) *datatypes.ChatCompletionChunk {
	chunk := datatypes.NewChatCompletionChunk(id, model)
	chunk.Choices = []datatypes.ChunkChoice{}
	chunk.Usage = &datatypes.Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.PromptTokens + usage.CompletionTokens,
	}
	return chunk
}

// writeProxyStream streams a command-only reply as a single synthesized
// completion. The content is already formatted for the agent.
func writeProxyStream(sse SSEWriter, id, model string, proxy *datatypes.ChatCompletionResponse) error {
	if err := sse.WriteChunk(roleChunk(id, model)); err != nil {
		return err
	}
	if content := proxy.Choices[0].Message.Content; content != "" {
		if err := sse.WriteChunk(contentChunk(id, model, content)); err != nil {
			return err
		}
	}
	if err := sse.WriteChunk(finishChunk(id, model, "stop", nil)); err != nil {
		return err
	}
	return sse.WriteDone()
}

// recordStreamDisconnect counts a client that went away mid-stream.
func recordStreamDisconnect(endpoint observability.Endpoint) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
		m.RecordClientDisconnect(endpoint)
	}
}
