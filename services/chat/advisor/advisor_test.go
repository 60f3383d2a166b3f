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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgent/services/chat/memory"
	"github.com/AleutianAI/AleutianAgent/services/chat/message"
	"github.com/AleutianAI/AleutianAgent/services/chat/moderation"
	"github.com/AleutianAI/AleutianAgent/services/chat/observability"
	"github.com/AleutianAI/AleutianAgent/services/llm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newModerationAdvisor(terms ...string) *ModerationAdvisor {
	cache := moderation.NewCache(moderation.StaticSource(terms))
	return NewModerationAdvisor(moderation.NewFilter(cache), quietLogger(), nil)
}

func TestRequestMessages(t *testing.T) {
	t.Run("system history user", func(t *testing.T) {
		req := &Request{SystemText: "be brief", UserText: "hi"}
		req.History = []message.Message{message.User("earlier"), message.Assistant("ok")}
		assert.Equal(t,
			[]string{"system:be brief", "user:earlier", "assistant:ok", "user:hi"},
			texts(req.Messages()))
	})

	t.Run("no system text", func(t *testing.T) {
		req := &Request{UserText: "hi"}
		assert.Equal(t, []string{"user:hi"}, texts(req.Messages()))
	})
}

func TestChain_Order(t *testing.T) {
	log := &eventLog{}
	advisors := []Advisor{
		&recordingAdvisor{name: "c", order: 50, log: log},
		&recordingAdvisor{name: "a", order: 5, log: log},
		&recordingAdvisor{name: "d", order: 50, log: log},
		&recordingAdvisor{name: "b", order: 10, log: log},
	}
	chain := NewChain(&fakeModel{reply: "ok"}, advisors, WithChainLogger(quietLogger()))

	var names []string
	for _, a := range chain.Advisors() {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)

	_, err := chain.Call(context.Background(), &Request{UserText: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"before:a", "before:b", "before:c", "before:d",
		"after:a", "after:b", "after:c", "after:d",
	}, log.all())
}

func TestChain_Call(t *testing.T) {
	t.Run("assigns request id and passes messages", func(t *testing.T) {
		model := &fakeModel{reply: "hello back"}
		chain := NewChain(model, nil)

		req := &Request{SystemText: "sys", UserText: "hello", Model: "m1"}
		resp, err := chain.Call(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, "hello back", resp.Text())
		assert.NotEmpty(t, req.ID)
		assert.NotNil(t, req.Context)

		calls := model.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "m1", calls[0].Model)
		assert.Equal(t, []string{"system:sys", "user:hello"}, texts(calls[0].Messages))
	})

	t.Run("before error aborts", func(t *testing.T) {
		log := &eventLog{}
		boom := errors.New("boom")
		model := &fakeModel{reply: "x"}
		chain := NewChain(model, []Advisor{
			&recordingAdvisor{name: "first", order: 1, log: log, beforeErr: boom},
			&recordingAdvisor{name: "second", order: 2, log: log},
		}, WithChainLogger(quietLogger()))

		_, err := chain.Call(context.Background(), &Request{UserText: "hi"})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "advisor first")
		assert.Empty(t, model.calls())
		assert.Equal(t, []string{"before:first"}, log.all())
	})

	t.Run("model error is wrapped", func(t *testing.T) {
		log := &eventLog{}
		boom := errors.New("upstream down")
		chain := NewChain(&fakeModel{callErr: boom}, []Advisor{
			&recordingAdvisor{name: "a", order: 1, log: log},
		}, WithChainLogger(quietLogger()))

		_, err := chain.Call(context.Background(), &Request{UserText: "hi"})
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "model call")
		var me *ModelError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, "call", me.Op)
		assert.Equal(t, []string{"before:a"}, log.all())
	})

	t.Run("after error is returned", func(t *testing.T) {
		log := &eventLog{}
		boom := errors.New("after failed")
		model := &fakeModel{reply: "x"}
		chain := NewChain(model, []Advisor{
			&recordingAdvisor{name: "a", order: 1, log: log, afterErr: boom},
			&recordingAdvisor{name: "b", order: 2, log: log},
		}, WithChainLogger(quietLogger()))

		_, err := chain.Call(context.Background(), &Request{UserText: "hi"})
		assert.ErrorIs(t, err, boom)
		assert.Len(t, model.calls(), 1)
		assert.Equal(t, []string{"before:a", "before:b", "after:a"}, log.all())
	})

	t.Run("after can replace the response", func(t *testing.T) {
		log := &eventLog{}
		chain := NewChain(&fakeModel{reply: "base"}, []Advisor{
			&recordingAdvisor{name: "a", order: 1, log: log, suffix: "+a"},
			&recordingAdvisor{name: "b", order: 2, log: log, suffix: "+b"},
		})

		resp, err := chain.Call(context.Background(), &Request{UserText: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "base+a+b", resp.Text())
		assert.Equal(t, "resp-1", resp.Metadata.ID)
	})
}

func TestModerationAdvisor(t *testing.T) {
	t.Run("blocked user text never reaches the model", func(t *testing.T) {
		store := memory.NewFileStore(t.TempDir())
		model := &fakeModel{reply: "x"}
		chain := NewChain(model, []Advisor{
			newModerationAdvisor("secret"),
			NewHistoryAdvisor(store, WithHistoryLogger(quietLogger())),
		}, WithChainLogger(quietLogger()))

		_, err := chain.Call(context.Background(), &Request{UserText: "tell me the SECRET"})
		require.Error(t, err)
		assert.ErrorIs(t, err, moderation.ErrPolicyViolation)

		var ve *moderation.ViolationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "user_text", ve.Field)
		assert.Empty(t, model.calls())

		history, err := store.FetchRecent(context.Background(), DefaultConversationID, 10)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("blocked system text", func(t *testing.T) {
		model := &fakeModel{reply: "x"}
		chain := NewChain(model, []Advisor{newModerationAdvisor("secret")}, WithChainLogger(quietLogger()))

		_, err := chain.Call(context.Background(), &Request{SystemText: "the secret plan", UserText: "hello"})
		var ve *moderation.ViolationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "system_text", ve.Field)
		assert.Empty(t, model.calls())
	})

	t.Run("reply is redacted and metadata kept", func(t *testing.T) {
		store := memory.NewFileStore(t.TempDir())
		model := &fakeModel{reply: "the secret is out", usage: llm.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}}
		chain := NewChain(model, []Advisor{
			NewHistoryAdvisor(store, WithHistoryLogger(quietLogger())),
			newModerationAdvisor("secret"),
		})

		resp, err := chain.Call(context.Background(), &Request{ConversationID: "c1", UserText: "tell me"})
		require.NoError(t, err)
		assert.Equal(t, "the ****** is out", resp.Text())
		assert.Equal(t, "resp-1", resp.Metadata.ID)
		assert.Equal(t, 7, resp.Metadata.Usage.TotalTokens)
		assert.Equal(t, "stop", resp.Generations[0].FinishReason)

		history, err := store.FetchRecent(context.Background(), "c1", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"user:tell me", "assistant:the ****** is out"}, texts(history))
	})

	t.Run("term source is read once per call", func(t *testing.T) {
		var reads atomic.Int32
		source := moderation.TermSourceFunc(func(context.Context) ([]string, error) {
			reads.Add(1)
			return []string{"secret"}, nil
		})
		cache := moderation.NewCache(source, moderation.WithTTL(0), moderation.WithCacheLogger(quietLogger()))
		adv := NewModerationAdvisor(moderation.NewFilter(cache), quietLogger(), nil)
		chain := NewChain(&fakeModel{reply: "the secret is out"}, []Advisor{adv}, WithChainLogger(quietLogger()))

		resp, err := chain.Call(context.Background(), &Request{SystemText: "be brief", UserText: "tell me"})
		require.NoError(t, err)
		assert.Equal(t, "the ****** is out", resp.Text())
		assert.Equal(t, int32(1), reads.Load())

		_, err = chain.Call(context.Background(), &Request{UserText: "again"})
		require.NoError(t, err)
		assert.Equal(t, int32(2), reads.Load())
	})

	t.Run("clean reply passes through", func(t *testing.T) {
		chain := NewChain(&fakeModel{reply: "all good"}, []Advisor{newModerationAdvisor("secret")})
		resp, err := chain.Call(context.Background(), &Request{UserText: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "all good", resp.Text())
	})
}

func TestHistoryAdvisor(t *testing.T) {
	ctx := context.Background()

	t.Run("prepends history and records the turn", func(t *testing.T) {
		store := memory.NewFileStore(t.TempDir())
		model := &fakeModel{reply: "hi there"}
		chain := NewChain(model, []Advisor{NewHistoryAdvisor(store, WithHistoryLogger(quietLogger()))})

		_, err := chain.Call(ctx, &Request{ConversationID: "c1", SystemText: "sys", UserText: "hello"})
		require.NoError(t, err)
		_, err = chain.Call(ctx, &Request{ConversationID: "c1", SystemText: "sys", UserText: "again"})
		require.NoError(t, err)

		calls := model.calls()
		require.Len(t, calls, 2)
		assert.Equal(t,
			[]string{"system:sys", "user:hello", "assistant:hi there", "user:again"},
			texts(calls[1].Messages))

		history, err := store.FetchRecent(ctx, "c1", 10)
		require.NoError(t, err)
		assert.Equal(t,
			[]string{"user:hello", "assistant:hi there", "user:again", "assistant:hi there"},
			texts(history))
	})

	t.Run("default conversation id", func(t *testing.T) {
		store := memory.NewFileStore(t.TempDir())
		chain := NewChain(&fakeModel{reply: "r"}, []Advisor{NewHistoryAdvisor(store)})

		req := &Request{UserText: "q"}
		_, err := chain.Call(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, DefaultConversationID, req.ConversationID)

		history, err := store.FetchRecent(ctx, "default", 10)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("custom default conversation id", func(t *testing.T) {
		store := memory.NewFileStore(t.TempDir())
		chain := NewChain(&fakeModel{reply: "r"}, []Advisor{
			NewHistoryAdvisor(store, WithDefaultConversationID("anon")),
		})
		req := &Request{UserText: "q"}
		_, err := chain.Call(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "anon", req.ConversationID)
	})

	t.Run("context overrides the request field", func(t *testing.T) {
		store := memory.NewFileStore(t.TempDir())
		chain := NewChain(&fakeModel{reply: "r"}, []Advisor{NewHistoryAdvisor(store)})

		req := &Request{
			ConversationID: "ignored",
			UserText:       "q",
			Context:        map[string]any{ContextConversationID: "ctx-id"},
		}
		_, err := chain.Call(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "ctx-id", req.ConversationID)

		history, err := store.FetchRecent(ctx, "ctx-id", 10)
		require.NoError(t, err)
		assert.Len(t, history, 2)
		history, err = store.FetchRecent(ctx, "ignored", 10)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("window limits loaded history", func(t *testing.T) {
		store := memory.NewFileStore(t.TempDir())
		require.NoError(t, store.Append(ctx, "w",
			message.User("one"), message.Assistant("two"), message.User("three"), message.Assistant("four")))

		model := &fakeModel{reply: "r"}
		chain := NewChain(model, []Advisor{NewHistoryAdvisor(store, WithHistoryWindow(2))})

		_, err := chain.Call(ctx, &Request{ConversationID: "w", UserText: "five"})
		require.NoError(t, err)
		assert.Equal(t, []string{"user:three", "assistant:four", "user:five"}, texts(model.calls()[0].Messages))

		_, err = chain.Call(ctx, &Request{
			ConversationID: "w",
			UserText:       "six",
			Context:        map[string]any{ContextHistoryWindow: 1},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"assistant:r", "user:six"}, texts(model.calls()[1].Messages))
	})

	t.Run("store read error aborts", func(t *testing.T) {
		model := &fakeModel{reply: "r"}
		chain := NewChain(model, []Advisor{NewHistoryAdvisor(memory.NewFileStore(t.TempDir()))},
			WithChainLogger(quietLogger()))

		_, err := chain.Call(ctx, &Request{ConversationID: "../escape", UserText: "q"})
		require.Error(t, err)
		assert.ErrorIs(t, err, memory.ErrInvalidConversationID)
		assert.Empty(t, model.calls())
	})
}

func TestLoggingAdvisor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	la := NewLoggingAdvisor(logger, 0)
	assert.Equal(t, "logging", la.Name())

	chain := NewChain(&fakeModel{reply: "reply text"}, []Advisor{la})
	_, err := chain.Call(context.Background(), &Request{ID: "req-1", UserText: "private words"})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "chat request")
	assert.Contains(t, out, "chat response")
	assert.Contains(t, out, "request_id=req-1")
	assert.NotContains(t, out, "private words")

	buf.Reset()
	la.IncludeText = true
	_, err = chain.Call(context.Background(), &Request{UserText: "private words"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "private words")
	assert.Contains(t, buf.String(), "reply text")
}

func TestChain_Stream(t *testing.T) {
	ctx := context.Background()

	t.Run("forwards fragments and aggregates", func(t *testing.T) {
		store := memory.NewFileStore(t.TempDir())
		log := &eventLog{}
		model := &fakeModel{
			fragments: []string{"Hello", " world"},
			usage:     llm.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4},
		}
		chain := NewChain(model, []Advisor{
			&recordingAdvisor{name: "rec", order: 1, log: log},
			NewHistoryAdvisor(store, WithHistoryLogger(quietLogger())),
		})

		s, err := chain.Stream(ctx, &Request{ConversationID: "s1", UserText: "greet"})
		require.NoError(t, err)

		got, err := collect(s)
		require.NoError(t, err)
		assert.Equal(t, []string{"Hello", " world"}, got)

		resp, err := s.Final()
		require.NoError(t, err)
		assert.Equal(t, "Hello world", resp.Text())
		assert.Equal(t, "stream-1", resp.Metadata.ID)
		assert.Equal(t, "fake-model", resp.Metadata.Model)
		assert.Equal(t, 4, resp.Metadata.Usage.TotalTokens)
		assert.Equal(t, "stop", resp.Generations[0].FinishReason)
		assert.Equal(t, []string{"before:rec", "after:rec"}, log.all())

		history, err := store.FetchRecent(ctx, "s1", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"user:greet", "assistant:Hello world"}, texts(history))

		require.NoError(t, s.Close())
	})

	t.Run("final without recv drains", func(t *testing.T) {
		chain := NewChain(&fakeModel{fragments: []string{"a", "b", "c"}}, nil)
		s, err := chain.Stream(ctx, &Request{UserText: "q"})
		require.NoError(t, err)

		resp, err := s.Final()
		require.NoError(t, err)
		assert.Equal(t, "abc", resp.Text())
	})

	t.Run("moderation redacts the aggregate across fragments", func(t *testing.T) {
		store := memory.NewFileStore(t.TempDir())
		chain := NewChain(&fakeModel{fragments: []string{"Hello", " world"}}, []Advisor{
			newModerationAdvisor("lo wo"),
			NewHistoryAdvisor(store, WithHistoryLogger(quietLogger())),
		})

		s, err := chain.Stream(ctx, &Request{ConversationID: "m1", UserText: "greet"})
		require.NoError(t, err)

		got, err := collect(s)
		require.NoError(t, err)
		assert.Equal(t, []string{"Hello", " world"}, got)

		resp, err := s.Final()
		require.NoError(t, err)
		assert.Equal(t, "Hel*****rld", resp.Text())

		history, err := store.FetchRecent(ctx, "m1", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"user:greet", "assistant:Hel*****rld"}, texts(history))
	})

	t.Run("blocked input fails before the stream opens", func(t *testing.T) {
		model := &fakeModel{fragments: []string{"x"}}
		chain := NewChain(model, []Advisor{newModerationAdvisor("secret")}, WithChainLogger(quietLogger()))

		s, err := chain.Stream(ctx, &Request{UserText: "secret"})
		assert.Nil(t, s)
		assert.ErrorIs(t, err, moderation.ErrPolicyViolation)
		assert.Empty(t, model.calls())
	})

	t.Run("open error", func(t *testing.T) {
		log := &eventLog{}
		boom := errors.New("refused")
		chain := NewChain(&fakeModel{streamErr: boom}, []Advisor{
			&recordingAdvisor{name: "rec", order: 1, log: log},
		}, WithChainLogger(quietLogger()))

		s, err := chain.Stream(ctx, &Request{UserText: "q"})
		assert.Nil(t, s)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "model stream")
		assert.Equal(t, []string{"before:rec"}, log.all())
	})

	t.Run("upstream error skips after hooks", func(t *testing.T) {
		store := memory.NewFileStore(t.TempDir())
		log := &eventLog{}
		boom := errors.New("connection reset")
		chain := NewChain(&fakeModel{fragments: []string{"part"}, recvErr: boom}, []Advisor{
			&recordingAdvisor{name: "rec", order: 1, log: log},
			NewHistoryAdvisor(store),
		}, WithChainLogger(quietLogger()))

		s, err := chain.Stream(ctx, &Request{ConversationID: "e1", UserText: "q"})
		require.NoError(t, err)

		got, err := collect(s)
		assert.Equal(t, []string{"part"}, got)
		assert.ErrorIs(t, err, boom)

		_, err = s.Final()
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"before:rec"}, log.all())

		history, err := store.FetchRecent(ctx, "e1", 10)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("close aborts without after hooks", func(t *testing.T) {
		store := memory.NewFileStore(t.TempDir())
		log := &eventLog{}
		chain := NewChain(&fakeModel{fragments: []string{"partial"}, hang: true}, []Advisor{
			&recordingAdvisor{name: "rec", order: 1, log: log},
			NewHistoryAdvisor(store),
		})

		s, err := chain.Stream(ctx, &Request{ConversationID: "x1", UserText: "q"})
		require.NoError(t, err)

		frag, err := s.Recv()
		require.NoError(t, err)
		assert.Equal(t, "partial", frag.Text)

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err = s.Recv()
		assert.ErrorIs(t, err, ErrStreamClosed)
		_, err = s.Final()
		assert.ErrorIs(t, err, ErrStreamClosed)

		assert.Equal(t, []string{"before:rec"}, log.all())
		history, err := store.FetchRecent(ctx, "x1", 10)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("cancelled context aborts", func(t *testing.T) {
		log := &eventLog{}
		cctx, cancel := context.WithCancel(ctx)
		chain := NewChain(&fakeModel{fragments: []string{"a", "b"}}, []Advisor{
			&recordingAdvisor{name: "rec", order: 1, log: log},
		})

		s, err := chain.Stream(cctx, &Request{UserText: "q"})
		require.NoError(t, err)

		cancel()
		time.Sleep(50 * time.Millisecond)

		_, err = s.Final()
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []string{"before:rec"}, log.all())
	})
}

func TestChain_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	model := &fakeModel{reply: "ok", fragments: []string{"x", "y"}, usage: llm.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}}
	chain := NewChain(model, []Advisor{
		NewModerationAdvisor(moderation.NewFilter(moderation.NewCache(moderation.StaticSource{"secret"})), quietLogger(), m),
	}, WithChainMetrics(m), WithChainLogger(quietLogger()))

	_, err := chain.Call(context.Background(), &Request{UserText: "hi"})
	require.NoError(t, err)
	_, err = chain.Call(context.Background(), &Request{UserText: "secret"})
	require.Error(t, err)

	s, err := chain.Stream(context.Background(), &Request{UserText: "hi"})
	require.NoError(t, err)
	_, err = s.Final()
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues(observability.ModeCall, observability.StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues(observability.ModeCall, observability.StatusPolicyViolation)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues(observability.ModeStream, observability.StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyViolationsTotal.WithLabelValues(observability.StageInput)))
	// "x", "y" and the closing usage fragment.
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StreamFragmentsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams))
}
