// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package moderation screens chat text against a dynamic list of forbidden
// literal terms.
//
// # Matching
//
// Terms are literal and case-insensitive. A Matcher compiles all terms into
// one alternation for Check and keeps one pattern per term for Redact, which
// applies terms one after another in list order. Because each pass runs on
// the output of the previous one, an earlier term can mask text a later
// overlapping term would have matched.
//
// # Refresh
//
// The term list lives behind a TermSource. Cache holds the compiled Matcher
// and rebuilds it when it is older than a TTL, coalescing concurrent rebuilds
// and falling back to the last good matcher when a rebuild fails.
package moderation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrPolicyViolation is returned when inbound text contains a forbidden term.
// No model call is made.
var ErrPolicyViolation = errors.New("request contains prohibited content")

// ViolationError names the request field that matched.
type ViolationError struct {
	// Field is "user_text" or "system_text".
	Field string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPolicyViolation.Error(), e.Field)
}

// Unwrap returns ErrPolicyViolation.
func (e *ViolationError) Unwrap() error { return ErrPolicyViolation }

// Matcher is an immutable compiled term set.
//
// Thread Safety: Safe for concurrent use.
type Matcher struct {
	terms []string
	all   *regexp.Regexp
	each  []*regexp.Regexp
}

// Compile builds a Matcher from terms.
//
// Description:
//
//	Terms are escaped with regexp.QuoteMeta and joined with "|" under the
//	(?i) flag. Blank terms are skipped since they would match everywhere.
//	An empty list yields a matcher that never matches.
//
// Inputs:
//
//	terms - Literal forbidden terms, in priority order.
//
// Outputs:
//
//	*Matcher - Never nil.
func Compile(terms []string) *Matcher {
	m := &Matcher{}
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		if strings.TrimSpace(term) == "" {
			continue
		}
		q := regexp.QuoteMeta(term)
		m.terms = append(m.terms, term)
		m.each = append(m.each, regexp.MustCompile("(?i)"+q))
		quoted = append(quoted, q)
	}
	if len(quoted) > 0 {
		m.all = regexp.MustCompile("(?i)(?:" + strings.Join(quoted, "|") + ")")
	}
	return m
}

// Terms returns a copy of the compiled terms in order.
func (m *Matcher) Terms() []string {
	return append([]string(nil), m.terms...)
}

// Len returns the number of compiled terms.
func (m *Matcher) Len() int { return len(m.terms) }

// Check reports whether text contains any term. Empty text never matches.
func (m *Matcher) Check(text string) bool {
	if text == "" || m.all == nil {
		return false
	}
	return m.all.MatchString(text)
}

// Redact masks every occurrence of every term with asterisks, one per rune
// of the matched text. Terms are applied in order.
func (m *Matcher) Redact(text string) string {
	if text == "" {
		return text
	}
	out := text
	for _, re := range m.each {
		out = re.ReplaceAllStringFunc(out, mask)
	}
	return out
}

// Match is one term occurrence in the original text.
type Match struct {
	Term  string
	Start int // byte offset, inclusive
	End   int // byte offset, exclusive
	Text  string
}

// Find lists occurrences of each term in the unmodified text, grouped by
// term in list order.
func (m *Matcher) Find(text string) []Match {
	if text == "" {
		return nil
	}
	var out []Match
	for i, re := range m.each {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			out = append(out, Match{
				Term:  m.terms[i],
				Start: loc[0],
				End:   loc[1],
				Text:  text[loc[0]:loc[1]],
			})
		}
	}
	return out
}

func mask(s string) string {
	return strings.Repeat("*", utf8.RuneCountInString(s))
}
