// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the advisor chain over HTTP.
//
// # Endpoints
//
//	POST   /v1/chat                          single response (JSON)
//	POST   /v1/chat/stream                   server-sent events
//	GET    /v1/chat/ws                       websocket, one turn per frame
//	GET    /v1/conversations/:id/messages    recent history
//	DELETE /v1/conversations/:id             forget a conversation
//
// # Error Mapping
//
// Error bodies never carry internal detail:
//
//	moderation.ErrPolicyViolation     422
//	memory.ErrInvalidConversationID   400
//	message.ErrInvalidMessageRole     500
//	memory.ErrStoreWrite              503
//	*advisor.ModelError               502
//	context.DeadlineExceeded          504
//
// # Streaming
//
// Token events carry fragments as the model produced them. The done event
// carries the moderated answer, which is also what history stores.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAgent/services/chat/advisor"
	"github.com/AleutianAI/AleutianAgent/services/chat/memory"
	"github.com/AleutianAI/AleutianAgent/services/chat/message"
	"github.com/AleutianAI/AleutianAgent/services/chat/moderation"
)

var tracer = otel.Tracer("aleutian.chat.handlers")

const (
	// DefaultHeartbeat is the SSE keepalive interval.
	DefaultHeartbeat = 15 * time.Second

	// DefaultHistoryLimit is used by the history endpoint without ?limit.
	DefaultHistoryLimit = 100

	// statusClientClosed is the de facto status for a request the client
	// abandoned.
	statusClientClosed = 499

	msgInternal = "An error occurred while processing your request"
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithSystemPrompt sets the system text used when a request has none.
func WithSystemPrompt(s string) Option {
	return func(h *Handler) { h.systemPrompt = s }
}

// WithHeartbeat sets the SSE keepalive interval. Zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) { h.heartbeat = d }
}

// Handler serves the chat endpoints.
type Handler struct {
	chain        *advisor.Chain
	store        memory.Store
	logger       *slog.Logger
	systemPrompt string
	heartbeat    time.Duration
}

// NewHandler creates a handler over chain. store backs the conversation
// endpoints and should be the one the chain's history advisor uses.
func NewHandler(chain *advisor.Chain, store memory.Store, opts ...Option) *Handler {
	h := &Handler{
		chain:     chain,
		store:     store,
		logger:    slog.Default(),
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleChat runs one non-streaming call.
func (h *Handler) HandleChat(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()

	req, ok := h.bind(c, span)
	if !ok {
		return
	}
	areq := req.ToAdvisorRequest(h.systemPrompt)

	start := time.Now()
	resp, err := h.chain.Call(ctx, areq)
	if err != nil {
		h.fail(c, span, areq.ID, err)
		return
	}
	c.JSON(http.StatusOK, NewChatResponse(areq, resp, time.Since(start)))
}

// HandleChatStream runs a streamed call and relays it as SSE.
//
// Errors raised before the first byte (validation, moderation, model
// connect) are returned as JSON with the mapped status. Later errors are
// sent as an error event.
func (h *Handler) HandleChatStream(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	req, ok := h.bind(c, span)
	if !ok {
		return
	}
	areq := req.ToAdvisorRequest(h.systemPrompt)

	stream, err := h.chain.Stream(ctx, areq)
	if err != nil {
		h.fail(c, span, areq.ID, err)
		return
	}
	defer stream.Close()

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("SSE setup failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: msgInternal, RequestID: areq.ID})
		return
	}
	c.Status(http.StatusOK)

	done := make(chan struct{})
	var wg sync.WaitGroup
	if h.heartbeat > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runHeartbeat(ctx, writer, done)
		}()
	}
	defer func() {
		close(done)
		wg.Wait()
	}()

	_ = h.relay(writer, span, areq, stream)
}

// relay writes a stream's fragments, then its done event or an error event.
// The returned error is a write failure, meaning the client went away.
func (h *Handler) relay(w SSEWriter, span trace.Span, areq *advisor.Request, stream *advisor.Stream) error {
	fragments := 0
	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return h.streamFailed(w, span, areq.ID, err)
		}
		if frag.Text == "" {
			continue
		}
		if err := w.WriteToken(frag.Text); err != nil {
			h.logger.Debug("client went away", slog.String("request_id", areq.ID), slog.String("error", err.Error()))
			return err
		}
		fragments++
	}

	resp, err := stream.Final()
	if err != nil {
		return h.streamFailed(w, span, areq.ID, err)
	}
	span.SetAttributes(attribute.Int("chat.fragments", fragments))

	final := NewChatResponse(areq, resp, 0)
	return w.WriteDone(StreamEvent{
		RequestID:      final.RequestID,
		ConversationID: final.ConversationID,
		Answer:         final.Answer,
		FinishReason:   final.FinishReason,
		Usage:          final.Usage,
	})
}

// HandleHistory returns the most recent messages of a conversation in the
// JSON envelope format used by the KV store.
func (h *Handler) HandleHistory(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleHistory")
	defer span.End()

	limit := DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > MaxHistoryWindow {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	msgs, err := h.store.FetchRecent(ctx, c.Param("id"), limit)
	if err != nil {
		h.fail(c, span, "", err)
		return
	}
	data, err := message.MarshalJSONList(msgs)
	if err != nil {
		h.fail(c, span, "", err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// HandleForget deletes a conversation.
func (h *Handler) HandleForget(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleForget")
	defer span.End()

	id := c.Param("id")
	if err := h.store.Clear(ctx, id); err != nil {
		h.fail(c, span, "", err)
		return
	}
	h.logger.Info("conversation cleared", slog.String("conversation_id", id))
	c.Status(http.StatusNoContent)
}

func (h *Handler) bind(c *gin.Context, span trace.Span) (*ChatRequest, bool) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request body")
		h.logger.Warn("failed to parse chat request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return nil, false
	}
	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid request: validation failed",
			Fields:    validationFields(err),
			RequestID: req.RequestID,
		})
		return nil, false
	}
	req.EnsureDefaults()
	span.SetAttributes(
		attribute.String("chat.request_id", req.RequestID),
		attribute.Bool("chat.has_conversation", req.ConversationID != ""),
	)
	return &req, true
}

func (h *Handler) fail(c *gin.Context, span trace.Span, requestID string, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		h.logger.Error("chat request failed",
			slog.String("request_id", requestID),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: msg, RequestID: requestID})
}

func (h *Handler) streamFailed(w SSEWriter, span trace.Span, requestID string, err error) error {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		h.logger.Error("chat stream failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}
	return w.WriteError(msg)
}

func (h *Handler) runHeartbeat(ctx context.Context, w SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				return
			}
		}
	}
}

// errorStatus maps a pipeline error to an HTTP status and a client-safe
// message.
func errorStatus(err error) (int, string) {
	var modelErr *advisor.ModelError
	switch {
	case errors.Is(err, moderation.ErrPolicyViolation):
		return http.StatusUnprocessableEntity, moderation.ErrPolicyViolation.Error()
	case errors.Is(err, memory.ErrInvalidConversationID):
		return http.StatusBadRequest, "invalid conversation id"
	case errors.Is(err, message.ErrInvalidMessageRole):
		return http.StatusInternalServerError, "stored conversation is unreadable"
	case errors.Is(err, memory.ErrStoreWrite):
		return http.StatusServiceUnavailable, "conversation store unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "model timed out"
	case errors.Is(err, context.Canceled), errors.Is(err, advisor.ErrStreamClosed):
		return statusClientClosed, "request cancelled"
	case errors.As(err, &modelErr):
		return http.StatusBadGateway, "model backend error"
	default:
		return http.StatusInternalServerError, msgInternal
	}
}
