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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAgent/services/llm"
)

// SSE event types.
const (
	EventToken = "token"
	EventError = "error"
	EventDone  = "done"
)

// StreamEvent is the JSON payload of one SSE event.
type StreamEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`

	// Token events.
	Content string `json:"content,omitempty"`

	// Error events. Always a sanitized message.
	Error string `json:"error,omitempty"`

	// Done events.
	RequestID      string     `json:"request_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Answer         string     `json:"answer,omitempty"`
	FinishReason   string     `json:"finish_reason,omitempty"`
	Usage          *llm.Usage `json:"usage,omitempty"`
}

// SSEWriter writes server-sent events. The websocket relay implements it
// too, so both transports share one relay loop.
//
// Thread Safety: Safe for concurrent use; the heartbeat goroutine and the
// handler share one writer.
type SSEWriter interface {
	// WriteEvent stamps id and timestamp, then writes and flushes.
	WriteEvent(event StreamEvent) error

	// WriteToken writes one model fragment.
	WriteToken(content string) error

	// WriteError writes a sanitized error. The stream ends after it.
	WriteError(errMsg string) error

	// WriteDone writes the final event carrying the moderated answer.
	WriteDone(event StreamEvent) error

	// WriteKeepAlive writes an SSE comment so proxies keep the
	// connection open.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps w. It fails when w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.ID = uuid.NewString()
	event.CreatedAt = time.Now().UnixMilli()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(StreamEvent{Type: EventToken, Content: content})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(StreamEvent{Type: EventError, Error: errMsg})
}

func (w *sseWriter) WriteDone(event StreamEvent) error {
	event.Type = EventDone
	return w.WriteEvent(event)
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the headers for an event stream and disables proxy
// buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
