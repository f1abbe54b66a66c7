// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway/handlers"
	"github.com/AleutianAI/strait/services/gateway/middleware"
	"github.com/AleutianAI/strait/services/gateway/services"
	"github.com/AleutianAI/strait/services/gateway/session"
)

func SetupRoutes(router *gin.Engine, pipeline *services.ChatPipeline,
	models *backends.ModelsCache, store *session.Store, apiKeys []string) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.RequireAuth(apiKeys))
	v1.Use(middleware.SessionKey())
	{
		v1.POST("/chat/completions", handlers.HandleChatCompletions(pipeline))
		v1.GET("/chat/ws", handlers.HandleChatWebSocket(pipeline))
		v1.GET("/models", handlers.ListModels(models))
		// Session administration routes
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(store))
			sessions.GET("/:sessionId", handlers.GetSession(store))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(store))
		}
	}
}
