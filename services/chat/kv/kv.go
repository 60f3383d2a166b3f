// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kv provides the string key-value contract used by the chat service
// for expiring entries, with a networked backend (Redis) and an embedded one
// (BadgerDB).
//
// Both the conversation store and the moderation term cache sit on top of
// this contract, so a deployment picks one backend and gets both features.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyKey is returned when an operation is given an empty key.
var ErrEmptyKey = errors.New("kv: empty key")

// Store is a string key-value store with per-entry expiry.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key. found is false when the key is absent
	// or expired; that case is not an error.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set writes value under key. ttl <= 0 means no expiry. Every Set
	// resets the expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Name identifies the backend in logs and metrics ("redis", "badger").
	Name() string
}
