// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianAgent/services/chat/kv"
)

// TermSource yields the current forbidden-term list.
type TermSource interface {
	Terms(ctx context.Context) ([]string, error)
}

// TermSourceFunc adapts a function to TermSource.
type TermSourceFunc func(ctx context.Context) ([]string, error)

// Terms implements TermSource.
func (f TermSourceFunc) Terms(ctx context.Context) ([]string, error) { return f(ctx) }

// StaticSource is a fixed term list.
type StaticSource []string

// Terms implements TermSource.
func (s StaticSource) Terms(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// =============================================================================
// YAML file source
// =============================================================================

// termFile is the on-disk format:
//
//	terms:
//	  - badword
//	  - another phrase
type termFile struct {
	Terms []string `yaml:"terms"`
}

// YAMLFileSource reads terms from a YAML file on every call.
//
// A missing file is an empty list, so the filter can be enabled before the
// operator has written any terms.
type YAMLFileSource struct {
	Path string
}

// Terms implements TermSource.
func (s *YAMLFileSource) Terms(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read term file %s: %w", s.Path, err)
	}
	var tf termFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse term file %s: %w", s.Path, err)
	}
	if tf.Terms == nil {
		return []string{}, nil
	}
	return tf.Terms, nil
}

// Invalidator drops cached state so the next read goes to the source.
type Invalidator interface {
	Invalidate()
}

// Watch calls target.Invalidate whenever the term file changes.
//
// Description:
//
//	Watches the file's directory rather than the file itself so that
//	editors which replace the file via rename are still observed. Runs
//	until ctx is cancelled.
//
// Inputs:
//
//	ctx - Stops the watcher when cancelled.
//	path - Term file to watch.
//	target - Receives Invalidate on write, create, rename or remove.
//	logger - Optional; defaults to slog.Default().
//
// Outputs:
//
//	error - Non-nil if the watcher cannot be created. Runtime watcher
//	errors are logged, not returned.
func Watch(ctx context.Context, path string, target Invalidator, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
					ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
					logger.Info("term file changed", slog.String("path", abs), slog.String("op", ev.Op.String()))
					target.Invalidate()
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("term file watcher error", slog.String("error", werr.Error()))
			}
		}
	}()
	return nil
}

// =============================================================================
// KV-cached source
// =============================================================================

const (
	// DefaultTermsKey is the key under which the term list is cached.
	DefaultTermsKey = "prohibitedWords"

	// DefaultTermsKVTTL is how long a cached list lives in the KV store.
	DefaultTermsKVTTL = 15 * 24 * time.Hour
)

// KVCachedSource fronts a slower source with a shared KV cache.
//
// On a hit the JSON list stored under Key is returned. On a miss or a blank
// value the origin is read and, if non-empty, written back with TTL. KV errors
// fall through to the origin so the KV store is never a hard dependency.
type KVCachedSource struct {
	Origin TermSource
	Store  kv.Store
	Key    string
	TTL    time.Duration
	Logger *slog.Logger
}

// NewKVCachedSource wires origin behind store with default key and TTL.
func NewKVCachedSource(origin TermSource, store kv.Store, logger *slog.Logger) *KVCachedSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVCachedSource{
		Origin: origin,
		Store:  store,
		Key:    DefaultTermsKey,
		TTL:    DefaultTermsKVTTL,
		Logger: logger,
	}
}

// Terms implements TermSource.
func (s *KVCachedSource) Terms(ctx context.Context) ([]string, error) {
	raw, found, err := s.Store.Get(ctx, s.Key)
	switch {
	case err != nil:
		s.Logger.Warn("term cache read failed", slog.String("key", s.Key), slog.String("error", err.Error()))
	case found && strings.TrimSpace(raw) != "":
		var terms []string
		jerr := json.Unmarshal([]byte(raw), &terms)
		if jerr == nil {
			return terms, nil
		}
		s.Logger.Warn("term cache value is not a JSON list", slog.String("key", s.Key), slog.String("error", jerr.Error()))
	}

	terms, err := s.Origin.Terms(ctx)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return []string{}, nil
	}
	data, err := json.Marshal(terms)
	if err != nil {
		return nil, fmt.Errorf("encode terms: %w", err)
	}
	if err := s.Store.Set(ctx, s.Key, string(data), s.TTL); err != nil {
		s.Logger.Warn("term cache write failed", slog.String("key", s.Key), slog.String("error", err.Error()))
	}
	return terms, nil
}

// InvalidateContext deletes the shared cache entry so every process re-reads
// the origin. Call it after the origin's term list changes.
func (s *KVCachedSource) InvalidateContext(ctx context.Context) error {
	if err := s.Store.Delete(ctx, s.Key); err != nil {
		return fmt.Errorf("invalidate term cache: %w", err)
	}
	return nil
}
