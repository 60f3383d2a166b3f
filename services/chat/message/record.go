// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package message

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"strings"
)

// Record is the flat, serializable form of a Message.
//
// Field names are stable; both the gob file store and the JSON key-value
// store depend on them.
type Record struct {
	Role      string
	Content   string
	Metadata  map[string]any
	Media     []Media
	ToolCalls []ToolCall
	Responses []ToolResponse
}

// gobRecord is the gob shape of a Record. Metadata is carried as
// MarshalMetadata bytes so gob never sees interface values.
type gobRecord struct {
	Role      string
	Content   string
	Metadata  []byte
	Media     []Media
	ToolCalls []ToolCall
	Responses []ToolResponse
}

// GobEncode implements gob.GobEncoder.
func (r Record) GobEncode() ([]byte, error) {
	md, err := MarshalMetadata(r.Metadata)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = gob.NewEncoder(&buf).Encode(gobRecord{
		Role:      r.Role,
		Content:   r.Content,
		Metadata:  md,
		Media:     r.Media,
		ToolCalls: r.ToolCalls,
		Responses: r.Responses,
	})
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (r *Record) GobDecode(data []byte) error {
	var g gobRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	md, err := UnmarshalMetadata(g.Metadata)
	if err != nil {
		return err
	}
	*r = Record{
		Role:      g.Role,
		Content:   g.Content,
		Metadata:  md,
		Media:     g.Media,
		ToolCalls: g.ToolCalls,
		Responses: g.Responses,
	}
	return nil
}

// ToRecord flattens a message.
func ToRecord(m Message) Record {
	rec := Record{
		Role:     m.Role().String(),
		Content:  m.Text(),
		Metadata: m.Metadata(),
	}
	switch v := m.(type) {
	case *UserMessage:
		rec.Media = v.Media()
	case *AssistantMessage:
		rec.ToolCalls = v.ToolCalls()
	case *ToolResponseMessage:
		rec.Responses = v.Responses()
	}
	return rec
}

// FromRecord rebuilds the message variant selected by rec.Role.
//
// Outputs:
//
//	Message - The reconstructed message.
//	error   - ErrInvalidMessageRole (wrapped) if the role is unknown.
func FromRecord(rec Record) (Message, error) {
	role, err := ParseRole(rec.Role)
	if err != nil {
		return nil, err
	}
	switch role {
	case RoleSystem:
		return NewSystem(rec.Content, rec.Metadata), nil
	case RoleUser:
		return NewUser(rec.Content, rec.Media, rec.Metadata), nil
	case RoleAssistant:
		return NewAssistant(rec.Content, rec.Metadata, rec.ToolCalls), nil
	case RoleTool:
		return NewToolResponse(rec.Content, rec.Responses, rec.Metadata), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidMessageRole, rec.Role)
}

// ToRecords flattens a history in order.
func ToRecords(msgs []Message) []Record {
	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ToRecord(m))
	}
	return out
}

// FromRecords rebuilds a history in order, failing on the first bad role.
func FromRecords(recs []Record) ([]Message, error) {
	out := make([]Message, 0, len(recs))
	for i, rec := range recs {
		m, err := FromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// =============================================================================
// JSON wire form
// =============================================================================

// jsonEnvelope is the JSON shape used by key-value stores:
//
//	{"messageType":"USER","message":{"content":"hi","metadata":{}}}
//
// messageType is upper-case on write and accepted in any case on read.
// metadata is plain JSON for other readers of the same key; typedMetadata
// carries the Go types and wins when present.
type jsonEnvelope struct {
	MessageType string      `json:"messageType"`
	Message     jsonPayload `json:"message"`
}

type jsonPayload struct {
	Content   string          `json:"content"`
	Media     []Media         `json:"media,omitempty"`
	Metadata  json.RawMessage `json:"metadata"`
	Typed     json.RawMessage `json:"typedMetadata,omitempty"`
	ToolCalls []ToolCall      `json:"toolCalls,omitempty"`
	Responses []ToolResponse  `json:"responses,omitempty"`
}

// MarshalJSONList encodes a history as a JSON array of envelopes.
func MarshalJSONList(msgs []Message) ([]byte, error) {
	envs := make([]jsonEnvelope, 0, len(msgs))
	for i, m := range msgs {
		rec := ToRecord(m)
		typed, err := MarshalMetadata(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		plain := []byte("{}")
		if len(rec.Metadata) > 0 {
			if plain, err = json.Marshal(rec.Metadata); err != nil {
				return nil, fmt.Errorf("message %d: marshal metadata: %w", i, err)
			}
		}
		envs = append(envs, jsonEnvelope{
			MessageType: strings.ToUpper(rec.Role),
			Message: jsonPayload{
				Content:   rec.Content,
				Media:     rec.Media,
				Metadata:  plain,
				Typed:     typed,
				ToolCalls: rec.ToolCalls,
				Responses: rec.Responses,
			},
		})
	}
	data, err := json.Marshal(envs)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	return data, nil
}

// UnmarshalJSONList decodes a JSON array written by MarshalJSONList.
//
// Blank input decodes to an empty history. Envelopes without typedMetadata
// fall back to the plain metadata object, where integral numbers decode as
// int and other numbers as float64.
func UnmarshalJSONList(data []byte) ([]Message, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return []Message{}, nil
	}
	var envs []jsonEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	recs := make([]Record, 0, len(envs))
	for i, e := range envs {
		md, err := envelopeMetadata(e.Message)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		recs = append(recs, Record{
			Role:      e.MessageType,
			Content:   e.Message.Content,
			Metadata:  md,
			Media:     e.Message.Media,
			ToolCalls: e.Message.ToolCalls,
			Responses: e.Message.Responses,
		})
	}
	return FromRecords(recs)
}

func envelopeMetadata(p jsonPayload) (map[string]any, error) {
	if len(p.Typed) > 0 {
		return UnmarshalMetadata(p.Typed)
	}
	raw := bytes.TrimSpace(p.Metadata)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	v, err := decodePlainJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	md, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata is %T, want object", v)
	}
	return md, nil
}
