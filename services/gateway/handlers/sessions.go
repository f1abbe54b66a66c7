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

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/strait/services/gateway/datatypes"
	"github.com/AleutianAI/strait/services/gateway/observability"
	"github.com/AleutianAI/strait/services/gateway/session"
)

// ListSessions returns a snapshot view of every live session.
func ListSessions(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := chatTracer.Start(c.Request.Context(), "ListSessions")
		defer span.End()

		views := store.List()
		span.SetAttributes(attribute.Int("sessions.count", len(views)))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(observability.EndpointSessions, true)
		}
		c.JSON(http.StatusOK, datatypes.SessionListResponse{
			Sessions: views,
			Count:    len(views),
		})
	}
}

// GetSession returns one session's snapshot, 404 if unknown or expired.
func GetSession(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := chatTracer.Start(c.Request.Context(), "GetSession")
		defer span.End()

		key := c.Param("sessionId")
		span.SetAttributes(attribute.String("session.key", key))

		sess, ok := store.Get(key)
		if !ok {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordRequest(observability.EndpointSessions, false)
			}
			c.JSON(http.StatusNotFound, datatypes.NewErrorResponse(
				"session not found", "invalid_request_error", "session_not_found"))
			return
		}

		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(observability.EndpointSessions, true)
		}
		c.JSON(http.StatusOK, sess.View())
	}
}

// DeleteSession removes a session outright. The next request under the
// same key starts from defaults, which subsumes an override reset.
func DeleteSession(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := chatTracer.Start(c.Request.Context(), "DeleteSession")
		defer span.End()

		key := c.Param("sessionId")
		span.SetAttributes(attribute.String("session.key", key))

		if !store.Delete(key) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordRequest(observability.EndpointSessions, false)
			}
			c.JSON(http.StatusNotFound, datatypes.NewErrorResponse(
				"session not found", "invalid_request_error", "session_not_found"))
			return
		}

		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(observability.EndpointSessions, true)
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "deleted",
			"session": key,
		})
	}
}
