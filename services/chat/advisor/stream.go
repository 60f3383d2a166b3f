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
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianAgent/services/chat/message"
	"github.com/AleutianAI/AleutianAgent/services/chat/observability"
	"github.com/AleutianAI/AleutianAgent/services/llm"
)

// ErrStreamClosed is returned by Recv and Final after Close aborted a stream
// before it completed.
var ErrStreamClosed = errors.New("advisor: stream closed")

// finishFunc runs once when the pump stops. On success it receives the
// aggregated response and returns the post-processed one.
type finishFunc func(ctx context.Context, resp *llm.Response, err error) (*llm.Response, error)

// Stream is an in-flight streamed call.
//
// # Description
//
// Recv returns fragments in upstream order until io.EOF. Final waits for the
// pump, draining any fragments not yet received, and returns the aggregated
// response after the After hooks. Close aborts.
//
// # Thread Safety
//
// Recv and Final are meant for a single consumer goroutine. Close may be
// called from any goroutine, any number of times.
type Stream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	upstream llm.FragmentStream

	frags chan llm.Fragment
	done  chan struct{}

	// Written by the pump before frags is closed.
	final *llm.Response
	err   error

	closed        atomic.Bool
	upstreamClose sync.Once
}

func newStream(ctx context.Context, cancel context.CancelFunc, upstream llm.FragmentStream) *Stream {
	return &Stream{
		ctx:      ctx,
		cancel:   cancel,
		upstream: upstream,
		frags:    make(chan llm.Fragment),
		done:     make(chan struct{}),
	}
}

// Recv returns the next fragment, io.EOF after the last one, or the error
// that ended the stream.
func (s *Stream) Recv() (llm.Fragment, error) {
	frag, ok := <-s.frags
	if ok {
		return frag, nil
	}
	if s.err != nil {
		return llm.Fragment{}, s.err
	}
	return llm.Fragment{}, io.EOF
}

// Final drains the stream and returns the aggregated, post-processed
// response.
func (s *Stream) Final() (*llm.Response, error) {
	for range s.frags {
	}
	<-s.done
	return s.final, s.err
}

// Close aborts the stream and waits for the pump to exit. After hooks do not
// run for a stream closed before its upstream ended. Closing a completed
// stream is a no-op.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.cancel()
	s.closeUpstream()
	for range s.frags {
	}
	<-s.done
	return nil
}

func (s *Stream) closeUpstream() {
	s.upstreamClose.Do(func() { _ = s.upstream.Close() })
}

func (s *Stream) pump(finish finishFunc, metrics *observability.Metrics) {
	defer close(s.done)
	defer close(s.frags)
	defer s.cancel()
	defer s.closeUpstream()

	var acc accumulator
	for {
		frag, err := s.upstream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if cerr := s.abortErr(); cerr != nil {
				err = cerr
			} else {
				err = &ModelError{Op: "stream", Err: err}
			}
			s.final, s.err = finish(s.ctx, nil, err)
			return
		}

		acc.add(frag)
		select {
		case s.frags <- frag:
			metrics.RecordFragment()
		case <-s.ctx.Done():
			s.final, s.err = finish(s.ctx, nil, s.abortErr())
			return
		}
	}

	if err := s.abortErr(); err != nil {
		s.final, s.err = finish(s.ctx, nil, err)
		return
	}
	s.final, s.err = finish(s.ctx, acc.response(), nil)
}

// abortErr reports why the stream was stopped early, or nil.
func (s *Stream) abortErr() error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	return s.ctx.Err()
}

// accumulator reassembles fragments into a response.
type accumulator struct {
	text   strings.Builder
	id     string
	model  string
	finish string
	usage  *llm.Usage
}

func (a *accumulator) add(f llm.Fragment) {
	a.text.WriteString(f.Text)
	if f.ID != "" {
		a.id = f.ID
	}
	if f.Model != "" {
		a.model = f.Model
	}
	if f.FinishReason != "" {
		a.finish = f.FinishReason
	}
	if f.Usage != nil {
		u := *f.Usage
		a.usage = &u
	}
}

func (a *accumulator) response() *llm.Response {
	resp := &llm.Response{
		Generations: []llm.Generation{{
			Message:      message.Assistant(a.text.String()),
			FinishReason: a.finish,
		}},
		Metadata: llm.ResponseMetadata{ID: a.id, Model: a.model},
	}
	if a.usage != nil {
		resp.Metadata.Usage = *a.usage
	}
	return resp
}
