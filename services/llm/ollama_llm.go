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
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAgent/services/chat/message"
)

var ollamaTracer = otel.Tracer("aleutian.llm.ollama")

// maxNDJSONLine bounds a single streamed line.
const maxNDJSONLine = 1 << 20

// OllamaConfig configures an Ollama client.
type OllamaConfig struct {
	BaseURL string
	Model   string
	// Timeout bounds non-streaming calls. Streams are bounded by ctx only.
	Timeout time.Duration
}

// OllamaClient implements ChatModel against Ollama's /api/chat.
type OllamaClient struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	model        string
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolFunction `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

// NewOllamaClient builds a client from cfg.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ollama base URL not set")
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("Ollama model not set, defaulting to gpt-oss")
		model = "gpt-oss"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		baseURL:      baseURL,
		model:        model,
	}, nil
}

// Call implements ChatModel.
func (o *OllamaClient) Call(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Call")
	defer span.End()

	payload := o.buildRequest(req, false)
	span.SetAttributes(
		attribute.String("llm.model", payload.Model),
		attribute.Int("llm.num_messages", len(payload.Messages)),
	)

	resp, err := o.post(ctx, o.httpClient, payload)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		failSpan(span, err)
		return nil, fmt.Errorf("read ollama response: %w", err)
	}
	var or ollamaChatResponse
	if err := json.Unmarshal(body, &or); err != nil {
		failSpan(span, err)
		slog.Error("Failed to parse JSON chat response from Ollama", "error", err, "response", string(body))
		return nil, fmt.Errorf("parse ollama response: %w", err)
	}
	if or.Error != "" {
		err := fmt.Errorf("ollama: %s", or.Error)
		failSpan(span, err)
		return nil, err
	}
	if or.Message.Role != "" && or.Message.Role != "assistant" {
		slog.Warn("Ollama chat response message role was not 'assistant'", "role", or.Message.Role)
	}

	usage := Usage{
		PromptTokens:     or.PromptEvalCount,
		CompletionTokens: or.EvalCount,
		TotalTokens:      or.PromptEvalCount + or.EvalCount,
	}
	span.SetAttributes(attribute.Int("llm.total_tokens", usage.TotalTokens))
	return &Response{
		Generations: []Generation{{
			Message:      message.NewAssistant(or.Message.Content, nil, fromOllamaToolCalls(or.Message.ToolCalls)),
			FinishReason: or.DoneReason,
		}},
		Metadata: ResponseMetadata{
			Model: or.Model,
			Usage: usage,
			Extra: map[string]any{"created_at": or.CreatedAt},
		},
	}, nil
}

// Stream implements ChatModel.
//
// The response body is read as NDJSON, one chat response object per line.
// The line with done=true carries the finish reason and token counts.
func (o *OllamaClient) Stream(ctx context.Context, req *Request) (FragmentStream, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Stream")

	payload := o.buildRequest(req, true)
	span.SetAttributes(attribute.String("llm.model", payload.Model))

	resp, err := o.post(ctx, o.streamClient, payload)
	if err != nil {
		failSpan(span, err)
		span.End()
		return nil, err
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxNDJSONLine)
	return &ollamaStream{body: resp.Body, scanner: sc, span: span}, nil
}

func (o *OllamaClient) post(ctx context.Context, client *http.Client, payload ollamaChatRequest) (*http.Response, error) {
	chatURL := o.baseURL + "/api/chat"
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request to %s: %w", chatURL, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil &&
			strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			slog.Warn("Ollama model not found", "model", payload.Model)
			return nil, fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", payload.Model, payload.Model)
		}
	}
	slog.Error("Ollama chat returned an error", "status_code", resp.StatusCode, "response", string(respBody))
	return nil, fmt.Errorf("ollama chat failed with status %d: %s", resp.StatusCode, string(respBody))
}

func (o *OllamaClient) buildRequest(req *Request, stream bool) ollamaChatRequest {
	model := req.Model
	if model == "" {
		model = o.model
	}
	return ollamaChatRequest{
		Model:    model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   stream,
		Options:  ollamaOptions(req.Params),
	}
}

// ollamaOptions applies the service's sampling defaults for unset params.
func ollamaOptions(p GenerationParams) map[string]interface{} {
	options := map[string]interface{}{
		"temperature": float32(0.2),
		"top_k":       20,
		"top_p":       float32(0.9),
		"num_predict": 8192,
	}
	if p.Temperature != nil {
		options["temperature"] = *p.Temperature
	}
	if p.TopK != nil {
		options["top_k"] = *p.TopK
	}
	if p.TopP != nil {
		options["top_p"] = *p.TopP
	}
	if p.MaxTokens != nil {
		options["num_predict"] = *p.MaxTokens
	}
	if len(p.Stop) > 0 {
		options["stop"] = p.Stop
	}
	return options
}

func toOllamaMessages(msgs []message.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		om := ollamaMessage{Role: m.Role().String(), Content: m.Text()}
		switch v := m.(type) {
		case *message.UserMessage:
			for _, media := range v.Media() {
				if strings.HasPrefix(media.MimeType, "image/") && len(media.Data) > 0 {
					om.Images = append(om.Images, base64.StdEncoding.EncodeToString(media.Data))
				}
			}
		case *message.AssistantMessage:
			for _, tc := range v.ToolCalls() {
				call := ollamaToolCall{Function: ollamaToolFunction{Name: tc.Name}}
				if json.Valid([]byte(tc.Arguments)) {
					call.Function.Arguments = json.RawMessage(tc.Arguments)
				}
				om.ToolCalls = append(om.ToolCalls, call)
			}
		case *message.ToolResponseMessage:
			if rs := v.Responses(); len(rs) > 0 {
				for _, r := range rs {
					out = append(out, ollamaMessage{Role: "tool", Content: r.ResponseData})
				}
				continue
			}
		}
		out = append(out, om)
	}
	return out
}

func fromOllamaToolCalls(calls []ollamaToolCall) []message.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]message.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, message.ToolCall{
			Type:      "function",
			Name:      c.Function.Name,
			Arguments: string(c.Function.Arguments),
		})
	}
	return out
}

// ollamaStream reads NDJSON chat chunks.
type ollamaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	span    trace.Span

	done      bool
	err       error
	closeOnce sync.Once
}

func (s *ollamaStream) Recv() (Fragment, error) {
	if s.err != nil {
		return Fragment{}, s.err
	}
	if s.done {
		return Fragment{}, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			err = fmt.Errorf("parse ollama stream chunk: %w", err)
			s.fail(err)
			return Fragment{}, err
		}
		if chunk.Error != "" {
			err := fmt.Errorf("ollama: %s", chunk.Error)
			s.fail(err)
			return Fragment{}, err
		}
		frag := Fragment{Model: chunk.Model, Text: chunk.Message.Content}
		if chunk.Done {
			s.done = true
			frag.FinishReason = chunk.DoneReason
			frag.Usage = &Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			s.finish()
		}
		return frag, nil
	}
	if err := s.scanner.Err(); err != nil {
		err = fmt.Errorf("read ollama stream: %w", err)
		s.fail(err)
		return Fragment{}, err
	}
	err := fmt.Errorf("ollama stream ended before done: %w", io.ErrUnexpectedEOF)
	s.fail(err)
	return Fragment{}, err
}

func (s *ollamaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		s.span.End()
	})
	return err
}

func (s *ollamaStream) fail(err error) {
	failSpan(s.span, err)
	s.err = err
}

func (s *ollamaStream) finish() {
	s.span.SetAttributes(attribute.Bool("llm.stream_complete", true))
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
