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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// wsReadLimit bounds one inbound frame. Media may be inlined, so it is
	// well above MaxMessageBytes.
	wsReadLimit = 1 << 20

	wsWriteTimeout = 10 * time.Second
)

// The default origin check applies: browsers must come from the same host.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleChatWebSocket relays chat turns over one websocket connection.
//
// # Description
//
// Each inbound text frame is a ChatRequest. The reply is a series of token
// frames followed by one done frame, or a single error frame. Frames are
// StreamEvent JSON, the same payloads the SSE endpoint emits. A rejected or
// failed turn leaves the connection open for the next one. When a heartbeat
// is configured, ping control frames keep idle connections alive.
//
// # Thread Safety
//
// Turns on one connection run one at a time.
func (h *Handler) HandleChatWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ctx := c.Request.Context()
	w := &wsWriter{conn: conn}

	done := make(chan struct{})
	var wg sync.WaitGroup
	if h.heartbeat > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runHeartbeat(ctx, w, done)
		}()
	}
	defer func() {
		close(done)
		wg.Wait()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed", slog.String("error", err.Error()))
			}
			return
		}
		if kind != websocket.TextMessage {
			if err := w.WriteError("expected a text frame"); err != nil {
				return
			}
			continue
		}
		if err := h.websocketTurn(ctx, w, data); err != nil {
			return
		}
	}
}

// websocketTurn runs one request frame. It returns only write errors.
func (h *Handler) websocketTurn(ctx context.Context, w SSEWriter, data []byte) error {
	ctx, span := tracer.Start(ctx, "HandleChatWebSocket.Turn")
	defer span.End()

	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		span.SetStatus(codes.Error, "invalid request body")
		return w.WriteError("invalid request body")
	}
	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return w.WriteError("invalid request: validation failed")
	}
	req.EnsureDefaults()
	span.SetAttributes(attribute.String("chat.request_id", req.RequestID))

	areq := req.ToAdvisorRequest(h.systemPrompt)
	stream, err := h.chain.Stream(ctx, areq)
	if err != nil {
		return h.streamFailed(w, span, areq.ID, err)
	}
	defer stream.Close()
	return h.relay(w, span, areq, stream)
}

// wsWriter sends StreamEvents as websocket text frames. Keepalives are ping
// control frames.
type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsWriter) WriteEvent(event StreamEvent) error {
	event.ID = uuid.NewString()
	event.CreatedAt = time.Now().UnixMilli()

	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (w *wsWriter) WriteToken(content string) error {
	return w.WriteEvent(StreamEvent{Type: EventToken, Content: content})
}

func (w *wsWriter) WriteError(errMsg string) error {
	return w.WriteEvent(StreamEvent{Type: EventError, Error: errMsg})
}

func (w *wsWriter) WriteDone(event StreamEvent) error {
	event.Type = EventDone
	return w.WriteEvent(event)
}

func (w *wsWriter) WriteKeepAlive() error {
	if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	return nil
}

var _ SSEWriter = (*wsWriter)(nil)
