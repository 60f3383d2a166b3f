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
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianAgent/services/chat/advisor"
	"github.com/AleutianAI/AleutianAgent/services/chat/handlers"
	"github.com/AleutianAI/AleutianAgent/services/chat/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func hasRoute(routes gin.RoutesInfo, method, path string) bool {
	for _, r := range routes {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

func TestSetupRoutes(t *testing.T) {
	store := memory.NewFileStore(t.TempDir())
	h := handlers.NewHandler(advisor.NewChain(nil, nil), store)

	t.Run("with metrics", func(t *testing.T) {
		router := gin.New()
		reg := prometheus.NewRegistry()
		SetupRoutes(router, h, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		expected := []struct{ method, path string }{
			{http.MethodGet, "/health"},
			{http.MethodGet, "/metrics"},
			{http.MethodPost, "/v1/chat"},
			{http.MethodPost, "/v1/chat/stream"},
			{http.MethodGet, "/v1/chat/ws"},
			{http.MethodGet, "/v1/conversations/:id/messages"},
			{http.MethodDelete, "/v1/conversations/:id"},
		}
		routes := router.Routes()
		for _, e := range expected {
			assert.True(t, hasRoute(routes, e.method, e.path), "%s %s", e.method, e.path)
		}

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("without metrics", func(t *testing.T) {
		router := gin.New()
		SetupRoutes(router, h, nil)
		assert.False(t, hasRoute(router.Routes(), http.MethodGet, "/metrics"))
	})

	t.Run("middleware on v1 only", func(t *testing.T) {
		router := gin.New()
		teapot := func(c *gin.Context) { c.AbortWithStatus(http.StatusTeapot) }
		SetupRoutes(router, h, nil, teapot)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/conversations/abc", nil))
		assert.Equal(t, http.StatusTeapot, w.Code)

		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
