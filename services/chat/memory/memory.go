// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory persists conversation history keyed by conversation id.
//
// Two interchangeable backends implement Store:
//
//	FileStore - one gob blob per conversation under a base directory
//	KVStore   - one JSON document per conversation in a kv.Store, with expiry
//
// Both follow the same failure model. A failed read is logged and treated as
// an empty history, so a damaged record never blocks a conversation. A failed
// write is logged and, under WritePolicyStrict, returned as ErrStoreWrite.
// A record that decodes but names an unknown role is not a read failure:
// message.ErrInvalidMessageRole is returned to the caller.
//
// Appends for the same conversation id are serialized within one process.
// Two processes sharing a backend still race with last-write-wins.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianAgent/services/chat/message"
)

var (
	// ErrStoreWrite is returned under WritePolicyStrict when persisting
	// history fails.
	ErrStoreWrite = errors.New("memory: store write failed")

	// ErrInvalidConversationID is returned for ids that are empty or cannot
	// be used safely as a storage key.
	ErrInvalidConversationID = errors.New("memory: invalid conversation id")
)

// Store is durable conversation history.
//
// Thread Safety: Implementations are safe for concurrent use.
type Store interface {
	// Append loads the existing history, appends msgs and persists the whole
	// sequence.
	Append(ctx context.Context, conversationID string, msgs ...message.Message) error

	// FetchRecent returns the last min(lastN, len(history)) messages, oldest
	// first. lastN <= 0 and unknown conversations yield an empty slice.
	FetchRecent(ctx context.Context, conversationID string, lastN int) ([]message.Message, error)

	// Clear deletes the conversation. Clearing a missing one is a no-op.
	Clear(ctx context.Context, conversationID string) error
}

// WritePolicy selects how write failures surface.
type WritePolicy int

const (
	// WritePolicyBestEffort logs write failures and reports success.
	WritePolicyBestEffort WritePolicy = iota

	// WritePolicyStrict returns write failures wrapped in ErrStoreWrite.
	WritePolicyStrict
)

// String returns the config name of the policy.
func (p WritePolicy) String() string {
	if p == WritePolicyStrict {
		return "strict"
	}
	return "best_effort"
}

// FailureRecorder counts swallowed or surfaced store failures.
//
// observability.Metrics satisfies this interface.
type FailureRecorder interface {
	RecordStoreFailure(backend, op string)
}

// Options configures a store.
type Options struct {
	Policy   WritePolicy
	Logger   *slog.Logger
	Failures FailureRecorder
}

// Option is a functional option for store constructors.
type Option func(*Options)

// WithWritePolicy sets the write failure policy.
func WithWritePolicy(p WritePolicy) Option {
	return func(o *Options) { o.Policy = p }
}

// WithLogger sets the logger for swallowed failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithFailureRecorder sets the failure counter.
func WithFailureRecorder(r FailureRecorder) Option {
	return func(o *Options) { o.Failures = r }
}

func buildOptions(opts []Option) Options {
	o := Options{Policy: WritePolicyBestEffort, Logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o Options) recordFailure(backend, op string) {
	if o.Failures != nil {
		o.Failures.RecordStoreFailure(backend, op)
	}
}

// tail returns the last n messages of history as a fresh slice.
func tail(history []message.Message, n int) []message.Message {
	if n <= 0 || len(history) == 0 {
		return []message.Message{}
	}
	if n > len(history) {
		n = len(history)
	}
	out := make([]message.Message, n)
	copy(out, history[len(history)-n:])
	return out
}

// keyedMutex hands out one mutex per key. Entries are reference counted so
// idle conversations do not accumulate.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
