// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package message defines the conversation turn types shared by the chat
// pipeline, the conversation stores and the model clients.
//
// # Description
//
// A Message is one turn of a conversation. The set of message kinds is closed
// and keyed by Role:
//
//	RoleSystem    -> *SystemMessage
//	RoleUser      -> *UserMessage        (may carry media attachments)
//	RoleAssistant -> *AssistantMessage   (may carry tool calls)
//	RoleTool      -> *ToolResponseMessage (carries tool responses)
//
// Messages are immutable once constructed. Accessors that return slices or
// maps return copies, so a message can be shared freely between goroutines.
//
// # Persistence
//
// Stores do not serialize the variants directly. They convert to and from
// Record (see record.go), a flat tagged form whose Role field selects the
// variant on the way back in. An unrecognised role is reported as
// ErrInvalidMessageRole.
package message

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrInvalidMessageRole is returned when a role tag does not name one of the
// known message kinds. It indicates corrupt or incompatible persisted data.
var ErrInvalidMessageRole = errors.New("invalid message role")

// Role tags the kind of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ParseRole maps a role tag to a Role.
//
// Matching is case-insensitive so that upper-case tags ("USER") written by
// other producers are accepted.
func ParseRole(tag string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(tag))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleTool:
		return RoleTool, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMessageRole, tag)
	}
}

// String returns the lower-case role tag.
func (r Role) String() string { return string(r) }

// Message is one conversation turn.
//
// The interface is sealed: only the variants in this package implement it.
type Message interface {
	// Role returns the message kind.
	Role() Role

	// Text returns the textual content. May be empty (e.g. tool responses).
	Text() string

	// Metadata returns a copy of the message metadata. Never nil.
	Metadata() map[string]any

	sealed()
}

// Media references an attachment on a user message.
type Media struct {
	MimeType string `json:"mimeType"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// ToolCall is a function call requested by the assistant.
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResponse is the result of executing a ToolCall.
type ToolResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ResponseData string `json:"responseData"`
}

type base struct {
	content  string
	metadata map[string]any
}

func newBase(content string, metadata map[string]any) base {
	if len(metadata) == 0 {
		return base{content: content}
	}
	return base{content: content, metadata: maps.Clone(metadata)}
}

func (b base) Text() string { return b.content }

func (b base) Metadata() map[string]any {
	if b.metadata == nil {
		return map[string]any{}
	}
	return maps.Clone(b.metadata)
}

// SystemMessage carries instructions for the model.
type SystemMessage struct{ base }

// UserMessage carries user input and optional media.
type UserMessage struct {
	base
	media []Media
}

// AssistantMessage carries a model reply and optional tool calls.
type AssistantMessage struct {
	base
	toolCalls []ToolCall
}

// ToolResponseMessage carries tool execution results back to the model.
type ToolResponseMessage struct {
	base
	responses []ToolResponse
}

// System creates a system message.
func System(content string) *SystemMessage { return NewSystem(content, nil) }

// NewSystem creates a system message with metadata.
func NewSystem(content string, metadata map[string]any) *SystemMessage {
	return &SystemMessage{base: newBase(content, metadata)}
}

// User creates a user message.
func User(content string) *UserMessage { return NewUser(content, nil, nil) }

// NewUser creates a user message with media and metadata.
func NewUser(content string, media []Media, metadata map[string]any) *UserMessage {
	return &UserMessage{base: newBase(content, metadata), media: cloneMedia(media)}
}

// Assistant creates an assistant message.
func Assistant(content string) *AssistantMessage { return NewAssistant(content, nil, nil) }

// NewAssistant creates an assistant message with metadata and tool calls.
func NewAssistant(content string, metadata map[string]any, toolCalls []ToolCall) *AssistantMessage {
	return &AssistantMessage{base: newBase(content, metadata), toolCalls: slices.Clone(toolCalls)}
}

// Tool creates a tool response message with only textual content.
func Tool(content string) *ToolResponseMessage { return NewToolResponse(content, nil, nil) }

// NewToolResponse creates a tool response message.
func NewToolResponse(content string, responses []ToolResponse, metadata map[string]any) *ToolResponseMessage {
	return &ToolResponseMessage{base: newBase(content, metadata), responses: slices.Clone(responses)}
}

func (*SystemMessage) Role() Role       { return RoleSystem }
func (*UserMessage) Role() Role         { return RoleUser }
func (*AssistantMessage) Role() Role    { return RoleAssistant }
func (*ToolResponseMessage) Role() Role { return RoleTool }

func (*SystemMessage) sealed()       {}
func (*UserMessage) sealed()         {}
func (*AssistantMessage) sealed()    {}
func (*ToolResponseMessage) sealed() {}

// Media returns a copy of the attachments.
func (m *UserMessage) Media() []Media { return cloneMedia(m.media) }

// ToolCalls returns a copy of the requested tool calls.
func (m *AssistantMessage) ToolCalls() []ToolCall { return slices.Clone(m.toolCalls) }

// Responses returns a copy of the tool responses.
func (m *ToolResponseMessage) Responses() []ToolResponse { return slices.Clone(m.responses) }

func cloneMedia(in []Media) []Media {
	if in == nil {
		return nil
	}
	out := make([]Media, len(in))
	for i, m := range in {
		out[i] = Media{MimeType: m.MimeType, URL: m.URL, Data: slices.Clone(m.Data)}
	}
	return out
}
