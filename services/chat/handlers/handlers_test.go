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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgent/services/chat/advisor"
	"github.com/AleutianAI/AleutianAgent/services/chat/memory"
	"github.com/AleutianAI/AleutianAgent/services/chat/message"
	"github.com/AleutianAI/AleutianAgent/services/chat/moderation"
	"github.com/AleutianAI/AleutianAgent/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type scriptedModel struct {
	mu        sync.Mutex
	reply     string
	fragments []string
	err       error
	recvErr   error
	requests  []*llm.Request
}

func (m *scriptedModel) Call(_ context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &llm.Response{
		Generations: []llm.Generation{{Message: message.Assistant(m.reply), FinishReason: "stop"}},
		Metadata: llm.ResponseMetadata{
			ID:    "r1",
			Model: "scripted",
			Usage: llm.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		},
	}, nil
}

func (m *scriptedModel) Stream(_ context.Context, req *llm.Request) (llm.FragmentStream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &scriptedStream{fragments: append([]string(nil), m.fragments...), recvErr: m.recvErr}, nil
}

func (m *scriptedModel) lastRequest() *llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

type scriptedStream struct {
	fragments []string
	recvErr   error
	pos       int
}

func (s *scriptedStream) Recv() (llm.Fragment, error) {
	if s.pos < len(s.fragments) {
		s.pos++
		return llm.Fragment{ID: "s1", Model: "scripted", Text: s.fragments[s.pos-1]}, nil
	}
	if s.recvErr != nil {
		return llm.Fragment{}, s.recvErr
	}
	if s.pos == len(s.fragments) {
		s.pos++
		return llm.Fragment{FinishReason: "stop"}, nil
	}
	return llm.Fragment{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type fixture struct {
	router *gin.Engine
	model  *scriptedModel
	store  *memory.FileStore
}

func newFixture(t *testing.T, model *scriptedModel, opts ...Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewFileStore(t.TempDir(), memory.WithLogger(logger))
	filter := moderation.NewFilter(moderation.NewCache(moderation.StaticSource{"forbidden", "lo wo"}))
	chain := advisor.NewChain(model, []advisor.Advisor{
		advisor.NewModerationAdvisor(filter, logger, nil),
		advisor.NewHistoryAdvisor(store, advisor.WithHistoryLogger(logger)),
	}, advisor.WithChainLogger(logger))

	h := NewHandler(chain, store, append([]Option{WithLogger(logger), WithHeartbeat(0)}, opts...)...)
	router := gin.New()
	router.GET("/health", HealthCheck)
	router.POST("/v1/chat", h.HandleChat)
	router.POST("/v1/chat/stream", h.HandleChatStream)
	router.GET("/v1/chat/ws", h.HandleChatWebSocket)
	router.GET("/v1/conversations/:id/messages", h.HandleHistory)
	router.DELETE("/v1/conversations/:id", h.HandleForget)
	return &fixture{router: router, model: model, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

type sseEvent struct {
	name string
	data StreamEvent
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data))
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, &scriptedModel{})
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandleChat_Success(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "hi there"}, WithSystemPrompt("be kind"))

	w := f.do(t, http.MethodPost, "/v1/chat", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hi there", resp.Answer)
	assert.Equal(t, advisor.DefaultConversationID, resp.ConversationID)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.ResponseID)
	assert.Equal(t, "stop", resp.FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 6, resp.Usage.TotalTokens)

	sent := f.model.lastRequest()
	require.NotNil(t, sent)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, message.RoleSystem, sent.Messages[0].Role())
	assert.Equal(t, "be kind", sent.Messages[0].Text())
}

func TestHandleChat_RequestFieldsReachTheModel(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "ok"})
	id := "0b0f8c8e-6c57-4f57-9a37-3f0d1b5b7c11"

	w := f.do(t, http.MethodPost, "/v1/chat", map[string]any{
		"request_id":      id,
		"conversation_id": "conv-1",
		"system":          "custom",
		"message":         "look",
		"model":           "m2",
		"temperature":     0.5,
		"max_tokens":      64,
		"media":           []map[string]any{{"mime_type": "image/png", "url": "https://example.com/a.png"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.RequestID)
	assert.Equal(t, "conv-1", resp.ConversationID)

	sent := f.model.lastRequest()
	assert.Equal(t, "m2", sent.Model)
	require.NotNil(t, sent.Params.Temperature)
	assert.InDelta(t, 0.5, *sent.Params.Temperature, 1e-6)
	require.NotNil(t, sent.Params.MaxTokens)
	assert.Equal(t, 64, *sent.Params.MaxTokens)
	assert.Equal(t, "custom", sent.Messages[0].Text())

	user, ok := sent.Messages[len(sent.Messages)-1].(*message.UserMessage)
	require.True(t, ok)
	require.Len(t, user.Media(), 1)
	assert.Equal(t, "image/png", user.Media()[0].MimeType)
}

func TestHandleChat_Validation(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "x"})

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"malformed json", `{"message":`, ""},
		{"missing message", map[string]any{}, "ChatRequest.Message"},
		{"bad request id", map[string]any{"message": "hi", "request_id": "nope"}, "ChatRequest.RequestID"},
		{"path in conversation id", map[string]any{"message": "hi", "conversation_id": "a/b"}, "ChatRequest.ConversationID"},
		{"oversized message", map[string]any{"message": strings.Repeat("x", MaxMessageBytes+1)}, "ChatRequest.Message"},
		{"history too large", map[string]any{"message": "hi", "history_size": 5000}, "ChatRequest.HistorySize"},
		{"media without source", map[string]any{"message": "hi", "media": []map[string]any{{"mime_type": "image/png"}}}, "ChatRequest.Media[0].URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.field != "" {
				assert.Contains(t, body.Fields, tt.field)
			}
		})
	}
	assert.Nil(t, f.model.lastRequest())
}

func TestHandleChat_PolicyViolation(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "x"})

	w := f.do(t, http.MethodPost, "/v1/chat", map[string]any{"message": "something FORBIDDEN"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "request contains prohibited content", body.Error)
	assert.NotContains(t, w.Body.String(), "FORBIDDEN")
	assert.Nil(t, f.model.lastRequest())
}

func TestHandleChat_ModelError(t *testing.T) {
	f := newFixture(t, &scriptedModel{err: errors.New("dial tcp 10.0.0.1:443: connection refused")})

	w := f.do(t, http.MethodPost, "/v1/chat", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.1")
}

func TestHandleChat_RedactsReply(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "this is forbidden talk"})

	w := f.do(t, http.MethodPost, "/v1/chat", map[string]any{"message": "hi", "conversation_id": "r"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "this is ********* talk", resp.Answer)
}

func TestHandleChatStream(t *testing.T) {
	t.Run("tokens then moderated done event", func(t *testing.T) {
		f := newFixture(t, &scriptedModel{fragments: []string{"Hello", " world"}})

		w := f.do(t, http.MethodPost, "/v1/chat/stream", map[string]any{"message": "greet", "conversation_id": "s"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

		events := parseSSE(t, w.Body.String())
		require.Len(t, events, 3)
		assert.Equal(t, EventToken, events[0].name)
		assert.Equal(t, "Hello", events[0].data.Content)
		assert.Equal(t, " world", events[1].data.Content)
		assert.Equal(t, EventDone, events[2].name)
		assert.Equal(t, "Hel*****rld", events[2].data.Answer)
		assert.Equal(t, "s", events[2].data.ConversationID)
		assert.Equal(t, "stop", events[2].data.FinishReason)
		assert.NotEmpty(t, events[2].data.ID)

		history, err := f.store.FetchRecent(context.Background(), "s", 10)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "Hel*****rld", history[1].Text())
	})

	t.Run("policy violation before the stream", func(t *testing.T) {
		f := newFixture(t, &scriptedModel{fragments: []string{"x"}})
		w := f.do(t, http.MethodPost, "/v1/chat/stream", map[string]any{"message": "forbidden"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	})

	t.Run("upstream failure mid stream", func(t *testing.T) {
		f := newFixture(t, &scriptedModel{fragments: []string{"part"}, recvErr: errors.New("reset by peer")})

		w := f.do(t, http.MethodPost, "/v1/chat/stream", map[string]any{"message": "hi", "conversation_id": "e"})
		require.Equal(t, http.StatusOK, w.Code)

		events := parseSSE(t, w.Body.String())
		require.Len(t, events, 2)
		assert.Equal(t, EventToken, events[0].name)
		assert.Equal(t, EventError, events[1].name)
		assert.Equal(t, "model backend error", events[1].data.Error)

		history, err := f.store.FetchRecent(context.Background(), "e", 10)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestConversationEndpoints(t *testing.T) {
	f := newFixture(t, &scriptedModel{reply: "answer"})

	w := f.do(t, http.MethodPost, "/v1/chat", map[string]any{"message": "question", "conversation_id": "c9"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/conversations/c9/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs, err := message.UnmarshalJSONList(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "question", msgs[0].Text())
	assert.Equal(t, "answer", msgs[1].Text())
	assert.Contains(t, w.Body.String(), `"messageType":"USER"`)

	w = f.do(t, http.MethodGet, "/v1/conversations/c9/messages?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs, err = message.UnmarshalJSONList(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "answer", msgs[0].Text())

	w = f.do(t, http.MethodGet, "/v1/conversations/c9/messages?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/conversations/c9", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/v1/conversations/c9/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = f.do(t, http.MethodDelete, "/v1/conversations/..", nil)
	assert.NotEqual(t, http.StatusNoContent, w.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("advisor moderation: %w", &moderation.ViolationError{Field: "user_text"}), http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", memory.ErrInvalidConversationID), http.StatusBadRequest},
		{fmt.Errorf("load: %w", message.ErrInvalidMessageRole), http.StatusInternalServerError},
		{fmt.Errorf("save: %w", memory.ErrStoreWrite), http.StatusServiceUnavailable},
		{&advisor.ModelError{Op: "call", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{context.Canceled, statusClientClosed},
		{advisor.ErrStreamClosed, statusClientClosed},
		{&advisor.ModelError{Op: "call", Err: errors.New("boom")}, http.StatusBadGateway},
		{errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			code, msg := errorStatus(tt.err)
			assert.Equal(t, tt.code, code)
			assert.NotEmpty(t, msg)
		})
	}
}
