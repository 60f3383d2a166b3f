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

	"github.com/AleutianAI/AleutianAgent/services/chat/moderation"
	"github.com/AleutianAI/AleutianAgent/services/chat/observability"
	"github.com/AleutianAI/AleutianAgent/services/llm"
)

// ModerationOrder is the moderation advisor's default position.
const ModerationOrder = 10

// ModerationAdvisor rejects requests whose user or system text contains a
// forbidden term and redacts forbidden terms from the model's reply.
type ModerationAdvisor struct {
	filter  *moderation.Filter
	order   int
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewModerationAdvisor creates a moderation advisor.
//
// Inputs:
//
//	filter - Term filter. Must not be nil.
//	logger - Optional; defaults to slog.Default().
//	metrics - Optional.
func NewModerationAdvisor(filter *moderation.Filter, logger *slog.Logger, metrics *observability.Metrics) *ModerationAdvisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModerationAdvisor{
		filter:  filter,
		order:   ModerationOrder,
		logger:  logger,
		metrics: metrics,
	}
}

// Name implements Advisor.
func (m *ModerationAdvisor) Name() string { return "moderation" }

// Order implements Advisor.
func (m *ModerationAdvisor) Order() int { return m.order }

// Before checks the user text, then the system text. Both checks and the
// later redaction share one matcher, so the term source is read at most once
// per call.
func (m *ModerationAdvisor) Before(ctx context.Context, req *Request) error {
	matcher, err := m.filter.Matcher(ctx)
	if err != nil {
		return err
	}
	req.matcher = matcher

	res := m.filter.FilterInputWith(matcher, req.UserText)
	if res.WasBlocked {
		m.metrics.RecordPolicyViolation(observability.StageInput)
		m.logger.Warn("request contains prohibited terms",
			slog.String("request_id", req.ID),
			slog.String("field", "user_text"),
			slog.Int("detections", len(res.Detections)))
		return &moderation.ViolationError{Field: "user_text"}
	}

	res = m.filter.FilterContextWith(matcher, req.SystemText)
	if res.WasBlocked {
		m.metrics.RecordPolicyViolation(observability.StageSystem)
		m.logger.Warn("system text contains prohibited terms",
			slog.String("request_id", req.ID),
			slog.String("field", "system_text"),
			slog.Int("detections", len(res.Detections)))
		return &moderation.ViolationError{Field: "system_text"}
	}
	return nil
}

// After redacts the reply. A clean reply is returned as is; a dirty one is
// replaced by a copy that keeps the response metadata.
func (m *ModerationAdvisor) After(ctx context.Context, req *Request, resp *llm.Response) (*llm.Response, error) {
	matcher := req.matcher
	if matcher == nil {
		var err error
		if matcher, err = m.filter.Matcher(ctx); err != nil {
			return nil, err
		}
	}
	res := m.filter.FilterOutputWith(matcher, resp.Text())
	if !res.WasModified {
		return resp, nil
	}
	m.metrics.RecordPolicyViolation(observability.StageOutput)
	m.logger.Warn("response contained prohibited terms, redacted",
		slog.String("request_id", req.ID),
		slog.Int("detections", len(res.Detections)))
	return resp.WithText(res.Filtered), nil
}
