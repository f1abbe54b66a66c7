// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the gateway service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header
// and checks it against the API keys configured for the proxy itself. These
// are the proxy's own access keys, not upstream provider credentials.
//
//	Request
//	   │
//	   ▼
//	RequireAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   └─► Constant-time compare against configured keys
//
// # Local Behavior
//
// When no keys are configured (the default), all requests pass. This keeps
// a localhost proxy usable without any authentication setup.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Auth Middleware
// =============================================================================

// RequireAuth creates a Gin middleware that authenticates requests against
// a static key list.
//
// # Description
//
// Extracts the bearer token from the Authorization header and compares it
// against each configured key. An empty key list disables authentication
// entirely and every request passes through.
//
// # Inputs
//
//   - keys: Accepted bearer tokens. May be empty.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.RequireAuth(cfg.Server.APIKeys))
//
// # Limitations
//
//   - Only supports Bearer token authentication
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func RequireAuth(keys []string) gin.HandlerFunc {
	if len(keys) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	// Copy so later mutation of the caller's slice cannot change the
	// accepted key set.
	accepted := make([][]byte, len(keys))
	for i, k := range keys {
		accepted[i] = []byte(k)
	}

	return func(c *gin.Context) {
		token := []byte(extractBearerToken(c))

		for _, key := range accepted {
			if subtle.ConstantTimeCompare(token, key) == 1 {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "unauthorized",
		})
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
//
// Parses the Authorization header expecting format: "Bearer <token>".
// Returns empty string if the header is missing or malformed. The
// "Bearer" prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
