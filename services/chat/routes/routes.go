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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAgent/services/chat/handlers"
)

// SetupRoutes registers the chat endpoints on router. A nil metrics handler
// leaves /metrics unregistered. mw runs on the /v1 group only, so health
// checks and scrapes are never rate limited.
func SetupRoutes(router *gin.Engine, h *handlers.Handler, metrics http.Handler, mw ...gin.HandlerFunc) {
	router.GET("/health", handlers.HealthCheck)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := router.Group("/v1", mw...)
	{
		v1.POST("/chat", h.HandleChat)
		v1.POST("/chat/stream", h.HandleChatStream)
		v1.GET("/chat/ws", h.HandleChatWebSocket)

		conversations := v1.Group("/conversations")
		{
			conversations.GET("/:id/messages", h.HandleHistory)
			conversations.DELETE("/:id", h.HandleForget)
		}
	}
}
