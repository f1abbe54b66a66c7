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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway/datatypes"
	"github.com/AleutianAI/strait/services/gateway/middleware"
	"github.com/AleutianAI/strait/services/gateway/observability"
	"github.com/AleutianAI/strait/services/gateway/services"
)

var chatTracer = otel.Tracer("strait.gateway.handlers")

// HandleChatCompletions serves POST /v1/chat/completions.
//
// # Description
//
// The handler owns the transport boundary only: JSON binding,
// validation, session key resolution, and the streaming/non-streaming
// dispatch. Everything else happens in the pipeline. The flow is:
//  1. Parse and validate the request body
//  2. Resolve the session key (header or connection identity)
//  3. Dispatch on the stream flag
//
// Upstream failures keep the provider's original status and body so
// the calling agent sees the provider's own diagnostic; only routing
// and validation failures are translated into gateway error envelopes.
func HandleChatCompletions(pipeline *services.ChatPipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatCompletions")
		defer span.End()

		// Step 1: Parse request body
		var req datatypes.ChatCompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid request body")
			slog.Error("Failed to parse chat completion request", "error", err)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(observability.EndpointChat, observability.ErrorCodeValidation)
			}
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(
				"invalid request body", "invalid_request_error", ""))
			return
		}

		endpoint := observability.EndpointChat
		if req.Stream {
			endpoint = observability.EndpointChatStream
		}

		// Step 2: Validate request
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "validation failed")
			slog.Error("Chat completion request validation failed",
				"error", err,
				"model", req.Model,
			)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeValidation)
			}
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(
				"invalid request: validation failed", "invalid_request_error", ""))
			return
		}

		// Step 3: Resolve the conversation session key
		sessionKey := middleware.GetSessionKey(c)
		span.SetAttributes(
			attribute.String("request.model", req.Model),
			attribute.Int("request.message_count", len(req.Messages)),
			attribute.Bool("request.stream", req.Stream),
			attribute.String("session.key", sessionKey),
		)

		// Step 4: Dispatch
		if req.Stream {
			streamChatCompletion(ctx, c, pipeline, &req, sessionKey)
			return
		}
		completeChat(ctx, c, pipeline, &req, sessionKey)
	}
}

// completeChat runs the non-streaming path and writes the completion
// object or the mapped error.
func completeChat(ctx context.Context, c *gin.Context, pipeline *services.ChatPipeline, req *datatypes.ChatCompletionRequest, sessionKey string) {
	startTime := time.Now()
	endpoint := observability.EndpointChat

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	result, err := pipeline.Process(ctx, sessionKey, req)
	if err != nil {
		writeChatError(c, endpoint, err)
		return
	}

	success = true
	c.JSON(http.StatusOK, result.Response)
}

// writeChatError maps a pipeline error onto the response. Routing
// failures are the client's mistake; upstream failures are relayed with
// the provider's original status and body untranslated.
func writeChatError(c *gin.Context, endpoint observability.Endpoint, err error) {
	m := observability.DefaultMetrics

	var re *services.RoutingError
	if errors.As(err, &re) {
		if m != nil {
			m.RecordError(endpoint, observability.ErrorCodeRouting)
		}
		c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(
			re.Error(), "invalid_request_error", "model_not_found"))
		return
	}

	var rle *backends.RateLimitError
	if errors.As(err, &rle) {
		if m != nil {
			m.RecordError(endpoint, observability.ErrorCodeRateLimited)
		}
		surfaceUpstream(c, rle.StatusCode, rle.Body, http.StatusTooManyRequests)
		return
	}

	var ue *backends.UpstreamError
	if errors.As(err, &ue) {
		if m != nil {
			m.RecordError(endpoint, observability.ErrorCodeUpstream)
		}
		surfaceUpstream(c, ue.StatusCode, ue.Body, http.StatusBadGateway)
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if m != nil {
			m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
			m.RecordClientDisconnect(endpoint)
		}
		slog.Debug("Client went away before completion", "error", err)
		return
	}

	if m != nil {
		m.RecordError(endpoint, observability.ErrorCodeInternal)
	}
	slog.Error("Chat completion failed", "error", err)
	c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
		err.Error(), "api_error", "internal_error"))
}

// surfaceUpstream relays the provider's response verbatim. The fallback
// status covers adapters that failed before reading a status line.
func surfaceUpstream(c *gin.Context, statusCode int, body string, fallback int) {
	if statusCode == 0 {
		statusCode = fallback
	}
	if body == "" {
		c.JSON(statusCode, datatypes.NewErrorResponse(
			http.StatusText(statusCode), "api_error", "upstream_error"))
		return
	}
	c.Data(statusCode, "application/json", []byte(body))
}
