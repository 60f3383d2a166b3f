// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAgent/services/chat/kv"
	"github.com/AleutianAI/AleutianAgent/services/chat/message"
)

const (
	// DefaultKeyPrefix is prepended to the conversation id to form the key.
	DefaultKeyPrefix = "CHAT:MEMORY:KEY:CONVERSATIONID:"

	// DefaultKVTTL is the expiry written with every save.
	DefaultKVTTL = time.Hour
)

// KVStore keeps each conversation as a JSON array under one key.
//
// Every Append rewrites the whole document and resets its expiry, so an
// active conversation lives for TTL after its last turn.
type KVStore struct {
	kv     kv.Store
	prefix string
	ttl    time.Duration
	opts   Options
	locks  *keyedMutex
}

// NewKVStore creates a store over kvs.
//
// Inputs:
//
//	kvs - Backing key-value store. Must not be nil.
//	ttl - Expiry per save. Values <= 0 use DefaultKVTTL.
//	opts - Write policy, logger and failure recorder.
func NewKVStore(kvs kv.Store, ttl time.Duration, opts ...Option) *KVStore {
	if ttl <= 0 {
		ttl = DefaultKVTTL
	}
	return &KVStore{
		kv:     kvs,
		prefix: DefaultKeyPrefix,
		ttl:    ttl,
		opts:   buildOptions(opts),
		locks:  newKeyedMutex(),
	}
}

// Key returns the storage key for a conversation.
func (s *KVStore) Key(conversationID string) string {
	return s.prefix + conversationID
}

// TTL returns the expiry applied on every save.
func (s *KVStore) TTL() time.Duration { return s.ttl }

// Append implements Store.
func (s *KVStore) Append(ctx context.Context, conversationID string, msgs ...message.Message) error {
	if err := validateKVID(conversationID); err != nil {
		return err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	history, err := s.load(ctx, conversationID)
	if err != nil {
		return err
	}
	history = append(history, msgs...)

	data, err := message.MarshalJSONList(history)
	if err != nil {
		return s.writeFailure("append", conversationID, err)
	}
	return s.writeFailure("append", conversationID, s.kv.Set(ctx, s.Key(conversationID), string(data), s.ttl))
}

// FetchRecent implements Store.
func (s *KVStore) FetchRecent(ctx context.Context, conversationID string, lastN int) ([]message.Message, error) {
	if err := validateKVID(conversationID); err != nil {
		return nil, err
	}
	if lastN <= 0 {
		return []message.Message{}, nil
	}
	history, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return tail(history, lastN), nil
}

// Clear implements Store.
func (s *KVStore) Clear(ctx context.Context, conversationID string) error {
	if err := validateKVID(conversationID); err != nil {
		return err
	}
	unlock := s.locks.Lock(conversationID)
	defer unlock()
	return s.writeFailure("clear", conversationID, s.kv.Delete(ctx, s.Key(conversationID)))
}

func (s *KVStore) load(ctx context.Context, conversationID string) ([]message.Message, error) {
	raw, found, err := s.kv.Get(ctx, s.Key(conversationID))
	if err != nil {
		s.readFailure(conversationID, err)
		return []message.Message{}, nil
	}
	if !found || strings.TrimSpace(raw) == "" {
		return []message.Message{}, nil
	}

	history, err := message.UnmarshalJSONList([]byte(raw))
	if errors.Is(err, message.ErrInvalidMessageRole) {
		return nil, err
	}
	if err != nil {
		s.readFailure(conversationID, err)
		return []message.Message{}, nil
	}
	return history, nil
}

func validateKVID(conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidConversationID)
	}
	return nil
}

func (s *KVStore) readFailure(conversationID string, err error) {
	s.opts.recordFailure(s.kv.Name(), "read")
	s.opts.Logger.Warn("conversation read failed, using empty history",
		slog.String("backend", s.kv.Name()),
		slog.String("conversation_id", conversationID),
		slog.String("error", err.Error()))
}

func (s *KVStore) writeFailure(op, conversationID string, err error) error {
	if err == nil {
		return nil
	}
	s.opts.recordFailure(s.kv.Name(), op)
	s.opts.Logger.Error("conversation write failed",
		slog.String("backend", s.kv.Name()),
		slog.String("op", op),
		slog.String("conversation_id", conversationID),
		slog.String("error", err.Error()))
	if s.opts.Policy == WritePolicyStrict {
		return fmt.Errorf("%w: %s %s: %v", ErrStoreWrite, op, conversationID, err)
	}
	return nil
}
