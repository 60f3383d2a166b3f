// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAgent/services/chat/message"
)

var openaiTracer = otel.Tracer("aleutian.llm.openai")

// OpenAIConfig configures an OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible endpoint. Empty uses the
	// public API.
	BaseURL string
	Model   string
}

// OpenAIClient implements ChatModel with go-openai.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client from cfg.
//
// An empty APIKey falls back to OPENAI_API_KEY and then to the
// /run/secrets/openai_api_key container secret. An empty Model defaults to
// gpt-4o-mini.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		if b, err := os.ReadFile(secretPath); err == nil {
			apiKey = strings.TrimSpace(string(b))
			slog.Info("Read the OpenAI API key from container secrets")
		}
	}
	if apiKey == "" {
		return nil, errors.New("OpenAI API key not configured")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting to gpt-4o-mini")
	}

	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", model, "base_url", oc.BaseURL)
	return &OpenAIClient{client: openai.NewClientWithConfig(oc), model: model}, nil
}

// Call implements ChatModel.
func (o *OpenAIClient) Call(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Call")
	defer span.End()

	creq := o.buildRequest(req)
	span.SetAttributes(
		attribute.String("llm.model", creq.Model),
		attribute.Int("llm.num_messages", len(creq.Messages)),
	)

	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		failSpan(span, err)
		slog.Error("OpenAI API call failed", "error", err)
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}

	out := &Response{
		Metadata: ResponseMetadata{
			ID:    resp.ID,
			Model: resp.Model,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		},
	}
	for _, choice := range resp.Choices {
		out.Generations = append(out.Generations, Generation{
			Message:      message.NewAssistant(choice.Message.Content, nil, fromOpenAIToolCalls(choice.Message.ToolCalls)),
			FinishReason: string(choice.FinishReason),
		})
	}
	if len(out.Generations) == 0 {
		slog.Warn("OpenAI returned no choices")
	}
	span.SetAttributes(attribute.Int("llm.total_tokens", resp.Usage.TotalTokens))
	return out, nil
}

// Stream implements ChatModel.
func (o *OpenAIClient) Stream(ctx context.Context, req *Request) (FragmentStream, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Stream")

	creq := o.buildRequest(req)
	creq.Stream = true
	creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	span.SetAttributes(attribute.String("llm.model", creq.Model))

	stream, err := o.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		failSpan(span, err)
		span.End()
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}
	return &openaiStream{stream: stream, span: span}, nil
}

func (o *OpenAIClient) buildRequest(req *Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = o.model
	}
	creq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
	}
	p := req.Params
	if p.Temperature != nil {
		creq.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		creq.MaxCompletionTokens = *p.MaxTokens
	}
	if p.TopP != nil {
		creq.TopP = *p.TopP
	}
	if len(p.Stop) > 0 {
		creq.Stop = p.Stop
	}
	return creq
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
	span   trace.Span
	ended  bool
}

func (s *openaiStream) Recv() (Fragment, error) {
	chunk, err := s.stream.Recv()
	if err != nil {
		s.end(err)
		return Fragment{}, err
	}
	frag := Fragment{ID: chunk.ID, Model: chunk.Model}
	if len(chunk.Choices) > 0 {
		frag.Text = chunk.Choices[0].Delta.Content
		frag.FinishReason = string(chunk.Choices[0].FinishReason)
	}
	if chunk.Usage != nil {
		frag.Usage = &Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return frag, nil
}

func (s *openaiStream) Close() error {
	s.stream.Close()
	s.end(nil)
	return nil
}

func (s *openaiStream) end(err error) {
	if s.ended {
		return
	}
	s.ended = true
	if err != nil && !isEOF(err) {
		failSpan(s.span, err)
	}
	s.span.End()
}

func toOpenAIMessages(msgs []message.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch v := m.(type) {
		case *message.SystemMessage:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: v.Text()})
		case *message.UserMessage:
			out = append(out, toOpenAIUser(v))
		case *message.AssistantMessage:
			cm := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: v.Text()}
			for _, tc := range v.ToolCalls() {
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolType(tc.Type),
					Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			out = append(out, cm)
		case *message.ToolResponseMessage:
			responses := v.Responses()
			if len(responses) == 0 {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: v.Text()})
				continue
			}
			for _, r := range responses {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    r.ResponseData,
					Name:       r.Name,
					ToolCallID: r.ID,
				})
			}
		}
	}
	return out
}

// toOpenAIUser sends image URLs as multi-part content. Other media kinds
// have no chat-completions representation and are dropped.
func toOpenAIUser(m *message.UserMessage) openai.ChatCompletionMessage {
	var parts []openai.ChatMessagePart
	for _, media := range m.Media() {
		if strings.HasPrefix(media.MimeType, "image/") && media.URL != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: media.URL},
			})
		}
	}
	if len(parts) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text()}
	}
	parts = append([]openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Text()}}, parts...)
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []message.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]message.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, message.ToolCall{
			ID:        c.ID,
			Type:      string(c.Type),
			Name:      c.Function.Name,
			Arguments: c.Function.Arguments,
		})
	}
	return out
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
