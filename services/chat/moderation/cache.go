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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a compiled matcher is served before the term
// source is consulted again.
const DefaultCacheTTL = 30 * time.Second

// DefaultRefreshTimeout bounds one shared term source read.
const DefaultRefreshTimeout = 10 * time.Second

// RefreshRecorder counts term list refreshes.
//
// observability.Metrics satisfies this interface.
type RefreshRecorder interface {
	RecordTermRefresh(ok bool)
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	// TTL is the matcher lifetime. 0 rebuilds on every Matcher call.
	TTL time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// RefreshTimeout bounds a shared source read. The read is detached from
	// the cancellation of the caller that started it.
	RefreshTimeout time.Duration

	Logger  *slog.Logger
	Metrics RefreshRecorder
}

// CacheOption is a functional option for NewCache.
type CacheOption func(*CacheOptions)

// WithTTL sets the matcher lifetime. Negative values are treated as 0.
func WithTTL(d time.Duration) CacheOption {
	return func(o *CacheOptions) {
		if d < 0 {
			d = 0
		}
		o.TTL = d
	}
}

// WithRefreshTimeout bounds a shared source read. Non-positive values keep
// the default.
func WithRefreshTimeout(d time.Duration) CacheOption {
	return func(o *CacheOptions) {
		if d > 0 {
			o.RefreshTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CacheOption {
	return func(o *CacheOptions) {
		if now != nil {
			o.Now = now
		}
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(o *CacheOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithRefreshRecorder sets the refresh counter.
func WithRefreshRecorder(r RefreshRecorder) CacheOption {
	return func(o *CacheOptions) { o.Metrics = r }
}

// Cache holds the compiled Matcher for a TermSource.
//
// # Description
//
// Matcher returns the cached matcher while it is younger than TTL and
// rebuilds it otherwise. Concurrent rebuilds share one source read. If a
// rebuild fails the previous matcher keeps being served and the failure is
// logged; with no previous matcher the error is returned.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Cache struct {
	source TermSource
	opts   CacheOptions

	mu       sync.RWMutex
	current  *Matcher
	loadedAt time.Time
	stale    bool

	flight singleflight.Group
}

// NewCache creates an empty cache over source. Nothing is loaded until the
// first Matcher or Refresh call.
func NewCache(source TermSource, opts ...CacheOption) *Cache {
	o := CacheOptions{
		TTL:            DefaultCacheTTL,
		Now:            time.Now,
		RefreshTimeout: DefaultRefreshTimeout,
		Logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache{source: source, opts: o}
}

// Matcher returns a matcher no older than the TTL when the source allows it.
func (c *Cache) Matcher(ctx context.Context) (*Matcher, error) {
	c.mu.RLock()
	m, at, stale := c.current, c.loadedAt, c.stale
	c.mu.RUnlock()

	if m != nil && !stale && c.opts.TTL > 0 && c.opts.Now().Sub(at) < c.opts.TTL {
		return m, nil
	}

	fresh, err := c.refresh(ctx)
	if err == nil {
		return fresh, nil
	}
	if m != nil {
		c.opts.Logger.Warn("term refresh failed, serving previous list",
			slog.Int("terms", m.Len()),
			slog.String("error", err.Error()))
		return m, nil
	}
	return nil, err
}

// Refresh rebuilds the matcher now and returns the source error, if any.
func (c *Cache) Refresh(ctx context.Context) (*Matcher, error) {
	return c.refresh(ctx)
}

// Invalidate marks the cached matcher stale. The next Matcher call rebuilds;
// the old matcher remains the fallback if that rebuild fails.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// refresh runs one shared source read. A caller whose ctx ends stops
// waiting, but the read keeps going for the others.
func (c *Cache) refresh(ctx context.Context) (*Matcher, error) {
	ch := c.flight.DoChan("terms", func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RefreshTimeout)
		defer cancel()

		terms, err := c.source.Terms(loadCtx)
		if err != nil {
			c.record(false)
			return nil, fmt.Errorf("load forbidden terms: %w", err)
		}
		m := Compile(terms)

		c.mu.Lock()
		c.current = m
		c.loadedAt = c.opts.Now()
		c.stale = false
		c.mu.Unlock()

		c.record(true)
		c.opts.Logger.Debug("forbidden terms loaded", slog.Int("terms", m.Len()))
		return m, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Matcher), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) record(ok bool) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordTermRefresh(ok)
	}
}
