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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHistory() []Message {
	return []Message{
		NewSystem("be brief", map[string]any{"source": "default"}),
		NewUser("what is in this picture?", []Media{
			{MimeType: "image/png", URL: "https://example.com/cat.png"},
			{MimeType: "text/plain", Data: []byte("inline")},
		}, map[string]any{"lang": "en"}),
		NewAssistant("", map[string]any{"model": "gpt-4o"}, []ToolCall{
			{ID: "call_1", Type: "function", Name: "lookup", Arguments: `{"q":"cat"}`},
		}),
		NewToolResponse("", []ToolResponse{{ID: "call_1", Name: "lookup", ResponseData: "a cat"}}, nil),
		Assistant("It is a cat."),
	}
}

func TestParseRole(t *testing.T) {
	for tag, want := range map[string]Role{
		"user":      RoleUser,
		"USER":      RoleUser,
		"System":    RoleSystem,
		"ASSISTANT": RoleAssistant,
		" tool ":    RoleTool,
	} {
		got, err := ParseRole(tag)
		require.NoError(t, err, tag)
		assert.Equal(t, want, got, tag)
	}

	_, err := ParseRole("moderator")
	assert.ErrorIs(t, err, ErrInvalidMessageRole)
}

func TestMessage_Accessors(t *testing.T) {
	t.Run("metadata is copied", func(t *testing.T) {
		meta := map[string]any{"k": "v"}
		m := NewUser("hi", nil, meta)
		meta["k"] = "changed"
		assert.Equal(t, "v", m.Metadata()["k"])

		got := m.Metadata()
		got["k"] = "mutated"
		assert.Equal(t, "v", m.Metadata()["k"])
	})

	t.Run("nil metadata reads as empty", func(t *testing.T) {
		assert.NotNil(t, User("hi").Metadata())
		assert.Empty(t, User("hi").Metadata())
	})

	t.Run("media is copied", func(t *testing.T) {
		m := NewUser("hi", []Media{{MimeType: "text/plain", Data: []byte("abc")}}, nil)
		media := m.Media()
		media[0].Data[0] = 'X'
		assert.Equal(t, []byte("abc"), m.Media()[0].Data)
	})

	t.Run("roles", func(t *testing.T) {
		assert.Equal(t, RoleSystem, System("").Role())
		assert.Equal(t, RoleUser, User("").Role())
		assert.Equal(t, RoleAssistant, Assistant("").Role())
		assert.Equal(t, RoleTool, Tool("").Role())
	})
}

func TestRecord_RoundTrip(t *testing.T) {
	in := sampleHistory()
	out, err := FromRecords(ToRecords(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRecord_GobRoundTrip(t *testing.T) {
	in := sampleHistory()

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(ToRecords(in)))

	var recs []Record
	require.NoError(t, gob.NewDecoder(&buf).Decode(&recs))
	out, err := FromRecords(recs)
	require.NoError(t, err)

	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i].Role(), out[i].Role())
		assert.Equal(t, in[i].Text(), out[i].Text())
		assert.Equal(t, in[i].Metadata(), out[i].Metadata())
	}
	assert.Equal(t, in[1].(*UserMessage).Media(), out[1].(*UserMessage).Media())
	assert.Equal(t, in[2].(*AssistantMessage).ToolCalls(), out[2].(*AssistantMessage).ToolCalls())
	assert.Equal(t, in[3].(*ToolResponseMessage).Responses(), out[3].(*ToolResponseMessage).Responses())
}

func TestFromRecord_UnknownRole(t *testing.T) {
	_, err := FromRecords([]Record{{Role: "user", Content: "ok"}, {Role: "narrator", Content: "?"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMessageRole)
}

func TestJSONList(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		in := sampleHistory()
		data, err := MarshalJSONList(in)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"messageType":"USER"`)
		assert.Contains(t, string(data), `"messageType":"TOOL"`)

		out, err := UnmarshalJSONList(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("blank input is empty history", func(t *testing.T) {
		out, err := UnmarshalJSONList([]byte("  "))
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("accepts foreign producer casing", func(t *testing.T) {
		out, err := UnmarshalJSONList([]byte(`[{"messageType":"assistant","message":{"content":"hello","metadata":{}}}]`))
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, RoleAssistant, out[0].Role())
		assert.Equal(t, "hello", out[0].Text())
	})

	t.Run("unknown role is a hard error", func(t *testing.T) {
		_, err := UnmarshalJSONList([]byte(`[{"messageType":"FUNCTION","message":{"content":"x"}}]`))
		assert.ErrorIs(t, err, ErrInvalidMessageRole)
	})

	t.Run("corrupt json", func(t *testing.T) {
		_, err := UnmarshalJSONList([]byte(`[{`))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalidMessageRole)
	})
}

func TestMetadata_RoundTrip(t *testing.T) {
	meta := map[string]any{
		"int":     7,
		"int32":   int32(-3),
		"uint64":  uint64(math.MaxUint64),
		"float":   1.0,
		"float32": float32(0.5),
		"flag":    false,
		"at":      time.Date(2024, 12, 24, 8, 0, 0, 0, time.UTC),
		"labels":  map[string]string{"team": "core"},
		"list":    []any{1, 2.5, "three", map[string]any{"four": 4}},
		"nothing": nil,
	}

	t.Run("tagged bytes", func(t *testing.T) {
		data, err := MarshalMetadata(meta)
		require.NoError(t, err)
		out, err := UnmarshalMetadata(data)
		require.NoError(t, err)
		assert.Equal(t, meta, out)
	})

	t.Run("gob records need no registration", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode([]Record{{Role: "user", Content: "hi", Metadata: meta}}))
		var recs []Record
		require.NoError(t, gob.NewDecoder(&buf).Decode(&recs))
		require.Len(t, recs, 1)
		assert.Equal(t, meta, recs[0].Metadata)
	})

	t.Run("json list", func(t *testing.T) {
		data, err := MarshalJSONList([]Message{NewUser("hi", nil, meta)})
		require.NoError(t, err)
		out, err := UnmarshalJSONList(data)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, meta, out[0].Metadata())
	})

	t.Run("empty", func(t *testing.T) {
		data, err := MarshalMetadata(nil)
		require.NoError(t, err)
		assert.Nil(t, data)
		out, err := UnmarshalMetadata(data)
		require.NoError(t, err)
		assert.Nil(t, out)
	})

	t.Run("unencodable value", func(t *testing.T) {
		_, err := MarshalMetadata(map[string]any{"bad": math.NaN()})
		assert.ErrorContains(t, err, `metadata "bad"`)
	})
}

func TestJSONList_PlainMetadata(t *testing.T) {
	out, err := UnmarshalJSONList([]byte(`[{"messageType":"USER","message":{"content":"hi","metadata":{"n":1,"ratio":0.25,"tags":["a"]}}}]`))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, map[string]any{"n": 1, "ratio": 0.25, "tags": []any{"a"}}, out[0].Metadata())

	_, err = UnmarshalJSONList([]byte(`[{"messageType":"USER","message":{"content":"hi","metadata":[1]}}]`))
	assert.ErrorContains(t, err, "want object")
}
