// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the model invocation contract used by the advisor
// chain and provides OpenAI-compatible and Ollama implementations.
package llm

import (
	"context"
	"maps"

	"github.com/AleutianAI/AleutianAgent/services/chat/message"
)

// GenerationParams are optional sampling controls. Nil fields use the
// backend's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Request is a fully assembled model call.
type Request struct {
	// Model overrides the client's default model when set.
	Model    string
	Messages []message.Message
	Params   GenerationParams
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Generation is one candidate reply.
type Generation struct {
	Message      *message.AssistantMessage
	FinishReason string
}

// ResponseMetadata describes the call that produced a Response.
type ResponseMetadata struct {
	ID    string
	Model string
	Usage Usage
	Extra map[string]any
}

// Response is a complete model reply.
type Response struct {
	Generations []Generation
	Metadata    ResponseMetadata
}

// Text returns the first generation's text, or "" when there is none.
func (r *Response) Text() string {
	if r == nil || len(r.Generations) == 0 || r.Generations[0].Message == nil {
		return ""
	}
	return r.Generations[0].Message.Text()
}

// WithText returns a copy of r whose only generation carries text. Response
// metadata, the finish reason and the first generation's message metadata
// and tool calls are kept.
func (r *Response) WithText(text string) *Response {
	out := &Response{Metadata: r.Metadata}
	out.Metadata.Extra = maps.Clone(r.Metadata.Extra)

	var (
		finish string
		meta   map[string]any
		calls  []message.ToolCall
	)
	if len(r.Generations) > 0 {
		finish = r.Generations[0].FinishReason
		if m := r.Generations[0].Message; m != nil {
			meta = m.Metadata()
			calls = m.ToolCalls()
		}
	}
	out.Generations = []Generation{{
		Message:      message.NewAssistant(text, meta, calls),
		FinishReason: finish,
	}}
	return out
}

// Fragment is one piece of a streamed reply. Only the final fragment of a
// stream is expected to carry Usage and FinishReason.
type Fragment struct {
	ID           string
	Model        string
	Text         string
	FinishReason string
	Usage        *Usage
}

// FragmentStream yields fragments until Recv returns io.EOF.
//
// Thread Safety: Recv is not safe for concurrent use. Close may be called
// from another goroutine to abort a blocked Recv.
type FragmentStream interface {
	Recv() (Fragment, error)
	Close() error
}

// ChatModel invokes a language model.
//
// Errors from the backend are returned wrapped with %w so callers can
// inspect the original cause.
type ChatModel interface {
	Call(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (FragmentStream, error)
}
