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
	"sync"

	"github.com/AleutianAI/AleutianAgent/services/chat/message"
	"github.com/AleutianAI/AleutianAgent/services/llm"
)

// fakeModel is a scripted ChatModel.
type fakeModel struct {
	mu sync.Mutex

	reply     string
	fragments []string
	usage     llm.Usage

	callErr   error
	streamErr error // returned by Stream itself
	recvErr   error // returned by Recv after the fragments
	hang      bool  // block after the fragments until Close

	requests []*llm.Request
}

func (m *fakeModel) Call(_ context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.callErr != nil {
		return nil, m.callErr
	}
	return &llm.Response{
		Generations: []llm.Generation{{Message: message.Assistant(m.reply), FinishReason: "stop"}},
		Metadata:    llm.ResponseMetadata{ID: "resp-1", Model: "fake-model", Usage: m.usage},
	}, nil
}

func (m *fakeModel) Stream(_ context.Context, req *llm.Request) (llm.FragmentStream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	usage := m.usage
	return &fakeStream{
		fragments: append([]string(nil), m.fragments...),
		usage:     &usage,
		recvErr:   m.recvErr,
		hang:      m.hang,
		closed:    make(chan struct{}),
	}, nil
}

func (m *fakeModel) calls() []*llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.Request(nil), m.requests...)
}

type fakeStream struct {
	fragments []string
	usage     *llm.Usage
	recvErr   error
	hang      bool

	pos       int
	finished  bool
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeStream) Recv() (llm.Fragment, error) {
	select {
	case <-s.closed:
		return llm.Fragment{}, errors.New("stream closed")
	default:
	}
	if s.pos < len(s.fragments) {
		f := llm.Fragment{ID: "stream-1", Model: "fake-model", Text: s.fragments[s.pos]}
		s.pos++
		return f, nil
	}
	if s.recvErr != nil {
		return llm.Fragment{}, s.recvErr
	}
	if s.hang {
		<-s.closed
		return llm.Fragment{}, errors.New("stream closed")
	}
	if !s.finished {
		s.finished = true
		return llm.Fragment{ID: "stream-1", FinishReason: "stop", Usage: s.usage}, nil
	}
	return llm.Fragment{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// eventLog records advisor hook invocations in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// recordingAdvisor logs its hooks and optionally fails or rewrites.
type recordingAdvisor struct {
	name      string
	order     int
	log       *eventLog
	beforeErr error
	afterErr  error
	suffix    string // appended to the response text in After
}

func (a *recordingAdvisor) Name() string { return a.name }
func (a *recordingAdvisor) Order() int   { return a.order }

func (a *recordingAdvisor) Before(_ context.Context, _ *Request) error {
	a.log.add("before:" + a.name)
	return a.beforeErr
}

func (a *recordingAdvisor) After(_ context.Context, _ *Request, resp *llm.Response) (*llm.Response, error) {
	a.log.add("after:" + a.name)
	if a.afterErr != nil {
		return nil, a.afterErr
	}
	if a.suffix != "" {
		return resp.WithText(resp.Text() + a.suffix), nil
	}
	return resp, nil
}

func texts(msgs []message.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Role())+":"+m.Text())
	}
	return out
}

func collect(s *Stream) ([]string, error) {
	var out []string
	for {
		f, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if f.Text != "" {
			out = append(out, f.Text)
		}
	}
}
