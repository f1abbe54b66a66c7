// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// sessionKeyCtxKey is the context key for the resolved session key.
// Using a prefixed key prevents collisions with other context values.
const sessionKeyCtxKey = "strait_session_key"

// SessionIDHeader names a session explicitly. Clients that cannot set it
// are identified by connection instead.
const SessionIDHeader = "X-Session-ID"

// =============================================================================
// Session Key Middleware
// =============================================================================

// SessionKey creates a Gin middleware that resolves the session key for
// the request.
//
// # Description
//
// A request belongs to the session named by the X-Session-ID header when
// present. Otherwise the session is keyed by connection identity: client
// IP plus a short hash of the User-Agent. Coding agents rarely set the
// header, so the fallback keeps one agent process on one session without
// colliding with a second tool on the same host.
//
// # Examples
//
//	v1.Use(middleware.SessionKey())
//	// in a handler:
//	key := middleware.GetSessionKey(c)
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func SessionKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(sessionKeyCtxKey, resolveSessionKey(c))
		c.Next()
	}
}

// GetSessionKey retrieves the resolved session key from the Gin context.
//
// Returns the key stored by SessionKey, or resolves one directly when the
// middleware did not run (some tests exercise handlers bare).
func GetSessionKey(c *gin.Context) string {
	if v, exists := c.Get(sessionKeyCtxKey); exists {
		if key, ok := v.(string); ok {
			return key
		}
	}
	return resolveSessionKey(c)
}

// resolveSessionKey derives the session key for a request.
func resolveSessionKey(c *gin.Context) string {
	if header := c.GetHeader(SessionIDHeader); header != "" {
		return header
	}

	sum := sha256.Sum256([]byte(c.Request.UserAgent()))
	return fmt.Sprintf("%s/%s", c.ClientIP(), hex.EncodeToString(sum[:])[:8])
}
