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
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAgent/services/chat/moderation"
	"github.com/AleutianAI/AleutianAgent/services/chat/observability"
	"github.com/AleutianAI/AleutianAgent/services/llm"
)

var tracer = otel.Tracer("aleutian.chat.advisor")

// ModelError wraps a failure reported by the model client.
type ModelError struct {
	Op  string // "call" or "stream"
	Err error
}

func (e *ModelError) Error() string { return "model " + e.Op + ": " + e.Err.Error() }

func (e *ModelError) Unwrap() error { return e.Err }

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithChainLogger sets the chain logger.
func WithChainLogger(l *slog.Logger) ChainOption {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithChainMetrics sets the metrics handle. Nil disables metrics.
func WithChainMetrics(m *observability.Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// Chain runs advisors around a ChatModel.
//
// Thread Safety: Safe for concurrent use. The advisor list is fixed at
// construction.
type Chain struct {
	model    llm.ChatModel
	advisors []Advisor
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewChain creates a chain over model.
//
// Inputs:
//
//	model - The model client. Must not be nil.
//	advisors - Interceptors in any order; sorted by Order, ties stable.
//	opts - Logger and metrics.
func NewChain(model llm.ChatModel, advisors []Advisor, opts ...ChainOption) *Chain {
	sorted := slices.Clone(advisors)
	slices.SortStableFunc(sorted, func(a, b Advisor) int {
		return a.Order() - b.Order()
	})
	c := &Chain{
		model:    model,
		advisors: sorted,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Advisors returns the advisors in execution order.
func (c *Chain) Advisors() []Advisor {
	return slices.Clone(c.advisors)
}

// Call runs a single-response chat call.
//
// Outputs:
//
//	*llm.Response - The model response after every After hook.
//	error - A Before error (e.g. moderation.ErrPolicyViolation), the
//	model error, or an After error; each wrapped with %w.
func (c *Chain) Call(ctx context.Context, req *Request) (*llm.Response, error) {
	start := time.Now()
	prepare(req)

	ctx, span := tracer.Start(ctx, "Chain.Call", trace.WithAttributes(
		attribute.String("chat.request_id", req.ID),
	))
	defer span.End()

	resp, err := c.call(ctx, req)
	c.finish(span, observability.ModeCall, start, resp, err)
	return resp, err
}

func (c *Chain) call(ctx context.Context, req *Request) (*llm.Response, error) {
	if err := c.before(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.model.Call(ctx, c.modelRequest(req))
	if err != nil {
		return nil, &ModelError{Op: "call", Err: err}
	}
	return c.after(ctx, req, resp)
}

// Stream runs the Before hooks and opens a streamed call.
//
// The returned Stream must be drained (Recv until io.EOF, or Final) or
// closed; otherwise its pump goroutine stays blocked.
func (c *Chain) Stream(ctx context.Context, req *Request) (*Stream, error) {
	start := time.Now()
	prepare(req)

	ctx, span := tracer.Start(ctx, "Chain.Stream", trace.WithAttributes(
		attribute.String("chat.request_id", req.ID),
	))

	if err := c.before(ctx, req); err != nil {
		c.finish(span, observability.ModeStream, start, nil, err)
		span.End()
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	upstream, err := c.model.Stream(sctx, c.modelRequest(req))
	if err != nil {
		cancel()
		err = &ModelError{Op: "stream", Err: err}
		c.finish(span, observability.ModeStream, start, nil, err)
		span.End()
		return nil, err
	}

	s := newStream(sctx, cancel, upstream)
	c.metrics.StreamStarted()
	go s.pump(func(ctx context.Context, resp *llm.Response, err error) (*llm.Response, error) {
		defer span.End()
		defer c.metrics.StreamEnded()
		if err == nil {
			resp, err = c.after(ctx, req, resp)
		}
		c.finish(span, observability.ModeStream, start, resp, err)
		return resp, err
	}, c.metrics)
	return s, nil
}

func (c *Chain) before(ctx context.Context, req *Request) error {
	for _, a := range c.advisors {
		if err := a.Before(ctx, req); err != nil {
			return fmt.Errorf("advisor %s: %w", a.Name(), err)
		}
	}
	return nil
}

func (c *Chain) after(ctx context.Context, req *Request, resp *llm.Response) (*llm.Response, error) {
	for _, a := range c.advisors {
		next, err := a.After(ctx, req, resp)
		if err != nil {
			return nil, fmt.Errorf("advisor %s: %w", a.Name(), err)
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

func (c *Chain) modelRequest(req *Request) *llm.Request {
	return &llm.Request{
		Model:    req.Model,
		Messages: req.Messages(),
		Params:   req.Params,
	}
}

func (c *Chain) finish(span trace.Span, mode string, start time.Time, resp *llm.Response, err error) {
	status := statusOf(err)
	c.metrics.RecordCall(mode, status, time.Since(start))
	span.SetAttributes(attribute.String("chat.status", status))

	if err != nil {
		if status != observability.StatusPolicyViolation && status != observability.StatusCancelled {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Error("chat call failed", slog.String("mode", mode), slog.String("error", err.Error()))
		}
		return
	}
	if resp != nil {
		u := resp.Metadata.Usage
		c.metrics.RecordTokens(resp.Metadata.Model, u.PromptTokens, u.CompletionTokens)
		span.SetAttributes(attribute.Int("llm.total_tokens", u.TotalTokens))
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return observability.StatusSuccess
	case errors.Is(err, moderation.ErrPolicyViolation):
		return observability.StatusPolicyViolation
	case errors.Is(err, context.Canceled), errors.Is(err, ErrStreamClosed):
		return observability.StatusCancelled
	default:
		return observability.StatusError
	}
}

func prepare(req *Request) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Context == nil {
		req.Context = make(map[string]any)
	}
}
