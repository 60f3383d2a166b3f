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
	"log/slog"

	"github.com/AleutianAI/AleutianAgent/services/llm"
)

// LoggingAdvisor logs a summary of each request and response at debug level.
// Message text is logged only when IncludeText is set.
type LoggingAdvisor struct {
	logger      *slog.Logger
	order       int
	IncludeText bool
}

// NewLoggingAdvisor creates a logging advisor at the given order.
func NewLoggingAdvisor(logger *slog.Logger, order int) *LoggingAdvisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingAdvisor{logger: logger, order: order}
}

// Name implements Advisor.
func (l *LoggingAdvisor) Name() string { return "logging" }

// Order implements Advisor.
func (l *LoggingAdvisor) Order() int { return l.order }

// Before implements Advisor.
func (l *LoggingAdvisor) Before(ctx context.Context, req *Request) error {
	attrs := []slog.Attr{
		slog.String("request_id", req.ID),
		slog.String("conversation_id", req.ConversationID),
		slog.Int("history", len(req.History)),
		slog.Int("user_chars", len(req.UserText)),
		slog.Int("media", len(req.Media)),
	}
	if l.IncludeText {
		attrs = append(attrs, slog.String("user_text", req.UserText))
	}
	l.logger.LogAttrs(ctx, slog.LevelDebug, "chat request", attrs...)
	return nil
}

// After implements Advisor.
func (l *LoggingAdvisor) After(ctx context.Context, req *Request, resp *llm.Response) (*llm.Response, error) {
	text := resp.Text()
	attrs := []slog.Attr{
		slog.String("request_id", req.ID),
		slog.String("model", resp.Metadata.Model),
		slog.Int("response_chars", len(text)),
		slog.Int("prompt_tokens", resp.Metadata.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Metadata.Usage.CompletionTokens),
	}
	if l.IncludeText {
		attrs = append(attrs, slog.String("response_text", text))
	}
	l.logger.LogAttrs(ctx, slog.LevelDebug, "chat response", attrs...)
	return resp, nil
}
