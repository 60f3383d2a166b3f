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
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAgent/services/chat/advisor"
	"github.com/AleutianAI/AleutianAgent/services/chat/message"
	"github.com/AleutianAI/AleutianAgent/services/llm"
)

const (
	// MaxMessageBytes bounds the user and system text of one request.
	MaxMessageBytes = 32 * 1024

	// MaxMediaPerRequest bounds attachments per request.
	MaxMediaPerRequest = 8

	// MaxHistoryWindow bounds the per-request history override.
	MaxHistoryWindow = 1000
)

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("convid", validateConversationID)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageBytes
}

// validateConversationID rejects ids that cannot name a file.
func validateConversationID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" {
		return true
	}
	return len(id) <= 128 && id != "." && id != ".." && !strings.ContainsAny(id, "/\\\x00")
}

// ChatRequest is the body of POST /v1/chat and POST /v1/chat/stream.
//
// Validation:
//   - RequestID: optional, UUID v4 when set
//   - ConversationID: optional, at most 128 bytes, no path separators
//   - Message: required, at most 32KB
//   - System: optional, at most 32KB
//   - Media: at most 8 items, each with a MIME type and a URL or data
//   - HistorySize: 0 (server default) to 1000
type ChatRequest struct {
	RequestID      string     `json:"request_id" validate:"omitempty,uuid4"`
	ConversationID string     `json:"conversation_id" validate:"convid"`
	System         string     `json:"system,omitempty" validate:"maxbytes"`
	Message        string     `json:"message" validate:"required,maxbytes"`
	Media          []MediaDTO `json:"media,omitempty" validate:"max=8,dive"`
	Model          string     `json:"model,omitempty" validate:"max=128"`
	Temperature    *float32   `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens      *int       `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	HistorySize    int        `json:"history_size,omitempty" validate:"gte=0,lte=1000"`
}

// MediaDTO is an attachment on the user message.
type MediaDTO struct {
	MimeType string `json:"mime_type" validate:"required"`
	URL      string `json:"url,omitempty" validate:"required_without=Data,omitempty,url"`
	Data     []byte `json:"data,omitempty"`
}

// Validate runs the validator tags.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults assigns a request id when the client sent none.
func (r *ChatRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
}

// ToAdvisorRequest builds the pipeline request. systemPrompt applies when
// the request carries no system text.
func (r *ChatRequest) ToAdvisorRequest(systemPrompt string) *advisor.Request {
	system := r.System
	if system == "" {
		system = systemPrompt
	}

	var media []message.Media
	for _, m := range r.Media {
		media = append(media, message.Media{MimeType: m.MimeType, URL: m.URL, Data: m.Data})
	}

	req := &advisor.Request{
		ID:             r.RequestID,
		ConversationID: r.ConversationID,
		SystemText:     system,
		UserText:       r.Message,
		Media:          media,
		Model:          r.Model,
		Params: llm.GenerationParams{
			Temperature: r.Temperature,
			MaxTokens:   r.MaxTokens,
		},
		Context: map[string]any{},
	}
	if r.HistorySize > 0 {
		req.Context[advisor.ContextHistoryWindow] = r.HistorySize
	}
	return req
}

// validationFields lists the request fields that failed validation.
func validationFields(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace())
	}
	return fields
}

// ChatResponse is the body returned by POST /v1/chat.
type ChatResponse struct {
	ResponseID       string     `json:"response_id"`
	RequestID        string     `json:"request_id"`
	ConversationID   string     `json:"conversation_id"`
	Timestamp        int64      `json:"timestamp"`
	Answer           string     `json:"answer"`
	Model            string     `json:"model,omitempty"`
	FinishReason     string     `json:"finish_reason,omitempty"`
	Usage            *llm.Usage `json:"usage,omitempty"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
}

// NewChatResponse builds the response body from the pipeline result.
func NewChatResponse(req *advisor.Request, resp *llm.Response, elapsed time.Duration) ChatResponse {
	out := ChatResponse{
		ResponseID:       uuid.NewString(),
		RequestID:        req.ID,
		ConversationID:   req.ConversationID,
		Timestamp:        time.Now().UnixMilli(),
		Answer:           resp.Text(),
		Model:            resp.Metadata.Model,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
	if len(resp.Generations) > 0 {
		out.FinishReason = resp.Generations[0].FinishReason
	}
	if u := resp.Metadata.Usage; u.TotalTokens > 0 || u.PromptTokens > 0 || u.CompletionTokens > 0 {
		out.Usage = &u
	}
	return out
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Fields    []string `json:"fields,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}
