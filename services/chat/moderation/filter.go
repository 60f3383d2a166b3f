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
)

// DetectionType is the Detection.Type for forbidden-term hits.
const DetectionType = "prohibited_term"

// Detection actions.
const (
	ActionBlocked  = "blocked"
	ActionRedacted = "redacted"
)

// FilterResult is the outcome of one filter pass.
type FilterResult struct {
	// Original is the input before filtering.
	Original string

	// Filtered is the text after redaction. Equals Original when
	// WasModified is false. Must not be used when WasBlocked is true.
	Filtered string

	WasModified bool
	WasBlocked  bool

	// BlockReason explains a block.
	BlockReason string

	// Detections lists every term occurrence found.
	Detections []Detection
}

// Detection is a single forbidden-term occurrence.
type Detection struct {
	Type     string
	Location string
	Action   string

	// Original is the matched text. Only set when the filter runs with
	// Debug enabled; it may contain exactly the content being suppressed.
	Original string

	Replacement string
}

// MatcherProvider supplies the current matcher. *Cache implements it.
type MatcherProvider interface {
	Matcher(ctx context.Context) (*Matcher, error)
}

// Filter applies forbidden-term policy at the three points text enters or
// leaves the model: user input, system context and model output.
//
// Input and context are blocked on any hit. Output is redacted.
type Filter struct {
	provider MatcherProvider

	// Debug copies matched text into Detection.Original.
	Debug bool
}

// NewFilter creates a filter over provider.
func NewFilter(provider MatcherProvider) *Filter {
	return &Filter{provider: provider}
}

// Matcher returns the provider's current matcher. Callers that screen
// several texts for one request fetch it once and use the *With methods.
func (f *Filter) Matcher(ctx context.Context) (*Matcher, error) {
	return f.provider.Matcher(ctx)
}

// FilterInput screens user text. A hit sets WasBlocked.
func (f *Filter) FilterInput(ctx context.Context, text string) (*FilterResult, error) {
	m, err := f.provider.Matcher(ctx)
	if err != nil {
		return nil, err
	}
	return f.FilterInputWith(m, text), nil
}

// FilterContext screens system text. A hit sets WasBlocked.
func (f *Filter) FilterContext(ctx context.Context, text string) (*FilterResult, error) {
	m, err := f.provider.Matcher(ctx)
	if err != nil {
		return nil, err
	}
	return f.FilterContextWith(m, text), nil
}

// FilterOutput redacts model output.
func (f *Filter) FilterOutput(ctx context.Context, text string) (*FilterResult, error) {
	m, err := f.provider.Matcher(ctx)
	if err != nil {
		return nil, err
	}
	return f.FilterOutputWith(m, text), nil
}

// FilterInputWith is FilterInput against a given matcher.
func (f *Filter) FilterInputWith(m *Matcher, text string) *FilterResult {
	return f.block(m, text, "user text contains a prohibited term")
}

// FilterContextWith is FilterContext against a given matcher.
func (f *Filter) FilterContextWith(m *Matcher, text string) *FilterResult {
	return f.block(m, text, "system text contains a prohibited term")
}

// FilterOutputWith is FilterOutput against a given matcher.
func (f *Filter) FilterOutputWith(m *Matcher, text string) *FilterResult {
	res := &FilterResult{Original: text, Filtered: text}
	if !m.Check(text) {
		return res
	}
	res.Filtered = m.Redact(text)
	res.WasModified = res.Filtered != text
	res.Detections = f.detections(m.Find(text), ActionRedacted)
	return res
}

func (f *Filter) block(m *Matcher, text, reason string) *FilterResult {
	res := &FilterResult{Original: text, Filtered: text}
	if !m.Check(text) {
		return res
	}
	res.WasBlocked = true
	res.BlockReason = reason
	res.Detections = f.detections(m.Find(text), ActionBlocked)
	return res
}

func (f *Filter) detections(matches []Match, action string) []Detection {
	out := make([]Detection, 0, len(matches))
	for _, mt := range matches {
		d := Detection{
			Type:     DetectionType,
			Location: fmt.Sprintf("bytes %d-%d", mt.Start, mt.End),
			Action:   action,
		}
		if action == ActionRedacted {
			d.Replacement = mask(mt.Text)
		}
		if f.Debug {
			d.Original = mt.Text
		}
		out = append(out, d)
	}
	return out
}
