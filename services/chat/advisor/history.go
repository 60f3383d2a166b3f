// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package advisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianAgent/services/chat/memory"
	"github.com/AleutianAI/AleutianAgent/services/chat/message"
	"github.com/AleutianAI/AleutianAgent/services/llm"
)

const (
	// DefaultConversationID is used when a request names no conversation.
	DefaultConversationID = "default"

	// DefaultHistoryWindow is how many past messages are loaded per call.
	DefaultHistoryWindow = 100

	// HistoryOrder is the history advisor's default position. It runs after
	// moderation on the way in, so blocked input never touches the store,
	// and after moderation on the way out, so history keeps redacted text.
	HistoryOrder = 100
)

// HistoryOption configures a HistoryAdvisor.
type HistoryOption func(*HistoryAdvisor)

// WithHistoryWindow sets the number of messages loaded per call.
func WithHistoryWindow(n int) HistoryOption {
	return func(h *HistoryAdvisor) {
		if n > 0 {
			h.window = n
		}
	}
}

// WithHistoryOrder overrides the chain position.
func WithHistoryOrder(order int) HistoryOption {
	return func(h *HistoryAdvisor) { h.order = order }
}

// WithDefaultConversationID overrides the fallback conversation id.
func WithDefaultConversationID(id string) HistoryOption {
	return func(h *HistoryAdvisor) {
		if id != "" {
			h.defaultID = id
		}
	}
}

// WithHistoryLogger sets the logger.
func WithHistoryLogger(l *slog.Logger) HistoryOption {
	return func(h *HistoryAdvisor) {
		if l != nil {
			h.logger = l
		}
	}
}

// HistoryAdvisor loads recent conversation history before the call and
// records the exchange after it.
type HistoryAdvisor struct {
	store     memory.Store
	window    int
	order     int
	defaultID string
	logger    *slog.Logger
}

// NewHistoryAdvisor creates a history advisor over store.
func NewHistoryAdvisor(store memory.Store, opts ...HistoryOption) *HistoryAdvisor {
	h := &HistoryAdvisor{
		store:     store,
		window:    DefaultHistoryWindow,
		order:     HistoryOrder,
		defaultID: DefaultConversationID,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements Advisor.
func (h *HistoryAdvisor) Name() string { return "history" }

// Order implements Advisor.
func (h *HistoryAdvisor) Order() int { return h.order }

// Before resolves the conversation id and prepends recent history.
//
// The id comes from the ContextConversationID advise value, then
// Request.ConversationID, then the default. The resolved id is written back
// to Request.ConversationID.
func (h *HistoryAdvisor) Before(ctx context.Context, req *Request) error {
	req.ConversationID = h.conversationID(req)

	window := h.window
	if n, ok := req.contextInt(ContextHistoryWindow); ok && n > 0 {
		window = n
	}

	past, err := h.store.FetchRecent(ctx, req.ConversationID, window)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", req.ConversationID, err)
	}
	if len(past) > 0 {
		req.History = append(past, req.History...)
	}
	h.logger.Debug("history loaded",
		slog.String("request_id", req.ID),
		slog.String("conversation_id", req.ConversationID),
		slog.Int("messages", len(past)))
	return nil
}

// After appends the user turn and the assistant reply.
func (h *HistoryAdvisor) After(ctx context.Context, req *Request, resp *llm.Response) (*llm.Response, error) {
	id := h.conversationID(req)
	turn := []message.Message{req.UserMessage(), assistantMessage(resp)}
	if err := h.store.Append(ctx, id, turn...); err != nil {
		return nil, fmt.Errorf("save history for %s: %w", id, err)
	}
	return resp, nil
}

func (h *HistoryAdvisor) conversationID(req *Request) string {
	if id, ok := req.contextString(ContextConversationID); ok {
		return id
	}
	if req.ConversationID != "" {
		return req.ConversationID
	}
	return h.defaultID
}

// assistantMessage returns the first generation's message, or an empty
// assistant message for a response without generations.
func assistantMessage(resp *llm.Response) *message.AssistantMessage {
	if resp != nil && len(resp.Generations) > 0 && resp.Generations[0].Message != nil {
		return resp.Generations[0].Message
	}
	return message.Assistant("")
}
