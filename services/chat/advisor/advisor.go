// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package advisor wraps a model call in an ordered chain of interceptors.
//
// # Description
//
// An Advisor sees every request before the model is called and every
// response after it returns. The Chain sorts advisors by Order (ties keep
// registration order) and runs
//
//	Before hooks, ascending -> model -> After hooks, ascending
//
// A Before error aborts the call: the model is not invoked and no After hook
// runs. An After error is returned to the caller; the model call is never
// retried.
//
// # Streaming
//
// Chain.Stream runs the Before hooks, opens a model stream and returns a
// Stream. One pump goroutine reads upstream fragments, accumulates them and
// hands each one to the consumer through an unbuffered channel. When the
// upstream ends the After hooks run once on the aggregated response, which
// is then available from Stream.Final. Closing the stream or cancelling its
// context stops the pump and skips the After hooks, so a partial reply is
// never written to history.
//
// Fragments are forwarded as the model produced them. Output moderation
// applies to the aggregated response returned by Final.
package advisor

import (
	"context"

	"github.com/AleutianAI/AleutianAgent/services/chat/message"
	"github.com/AleutianAI/AleutianAgent/services/chat/moderation"
	"github.com/AleutianAI/AleutianAgent/services/llm"
)

// Advise context keys understood by the built-in advisors.
const (
	// ContextConversationID overrides Request.ConversationID.
	ContextConversationID = "chat_memory_conversation_id"

	// ContextHistoryWindow overrides the history advisor's window (int).
	ContextHistoryWindow = "chat_memory_response_size"
)

// Advisor intercepts a chat call.
//
// Thread Safety: Implementations must be safe for concurrent use; one
// advisor instance serves every call on a chain.
type Advisor interface {
	// Name identifies the advisor in logs and errors.
	Name() string

	// Order positions the advisor in the chain. Lower runs earlier.
	Order() int

	// Before may inspect or modify req. A non-nil error aborts the call.
	Before(ctx context.Context, req *Request) error

	// After may inspect resp or return a replacement. Returning resp
	// unchanged is the common case.
	After(ctx context.Context, req *Request, resp *llm.Response) (*llm.Response, error)
}

// Request is the per-call state shared by the advisors.
type Request struct {
	// ID identifies the call. The chain assigns one when empty.
	ID string

	ConversationID string
	SystemText     string
	UserText       string
	Media          []message.Media

	// History is prepended between the system message and the user message.
	History []message.Message

	// Model overrides the model client's default when set.
	Model  string
	Params llm.GenerationParams

	// Context carries free-form values between advisors.
	Context map[string]any

	// matcher is the term snapshot the prompt was screened with. The reply
	// is redacted with the same one.
	matcher *moderation.Matcher
}

// Messages assembles the model input: the system message (if any), the
// history in order, then the user message.
func (r *Request) Messages() []message.Message {
	out := make([]message.Message, 0, len(r.History)+2)
	if r.SystemText != "" {
		out = append(out, message.System(r.SystemText))
	}
	out = append(out, r.History...)
	out = append(out, r.UserMessage())
	return out
}

// UserMessage returns the request's user turn.
func (r *Request) UserMessage() *message.UserMessage {
	return message.NewUser(r.UserText, r.Media, nil)
}

func (r *Request) contextString(key string) (string, bool) {
	v, ok := r.Context[key].(string)
	return v, ok && v != ""
}

func (r *Request) contextInt(key string) (int, bool) {
	switch v := r.Context[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
