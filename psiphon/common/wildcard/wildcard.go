/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package wildcard implements the wildcard filter rules used by the
// blocklist for patterns that are not simple domain suffixes, such as
// "ads*.example.com" or "*.tracker-*.net". The only special term is '*',
// which matches any sequence of characters, including dots.
//
// A pattern is compiled once into its literal segments and then matched
// many times; compile-and-match per lookup is what makes general glob
// libraries slow on the filter path (see benchmark_test.go, which compares
// against github.com/gobwas/glob and github.com/ryanuber/go-glob).
package wildcard

import (
	"strings"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
)

const wildcard = "*"

// Rule is a compiled wildcard pattern.
type Rule struct {
	pattern  string
	prefix   string
	suffix   string
	middle   []string
	anyMatch bool
}

// Compile validates and compiles a wildcard pattern. The pattern is
// lowercased; it must be non-empty and contain at least one '*'.
func Compile(pattern string) (*Rule, error) {

	pattern = strings.ToLower(strings.TrimSpace(pattern))

	if pattern == "" {
		return nil, errors.TraceNew("empty pattern")
	}
	if !strings.Contains(pattern, wildcard) {
		return nil, errors.Tracef("pattern has no wildcard: %s", pattern)
	}
	if strings.ContainsAny(pattern, " \t/\\") {
		return nil, errors.Tracef("invalid pattern: %s", pattern)
	}

	segments := strings.Split(pattern, wildcard)

	// For a pattern with n '*' terms, Split returns n+1 segments. The first
	// and last are anchored; empty segments, from leading, trailing, or
	// repeated '*', impose no constraint.

	rule := &Rule{
		pattern: pattern,
		prefix:  segments[0],
		suffix:  segments[len(segments)-1],
	}

	for _, segment := range segments[1 : len(segments)-1] {
		if segment != "" {
			rule.middle = append(rule.middle, segment)
		}
	}

	rule.anyMatch = rule.prefix == "" && rule.suffix == "" && len(rule.middle) == 0

	return rule, nil
}

// String returns the normalized pattern.
func (rule *Rule) String() string {
	return rule.pattern
}

// Match reports whether the target matches the compiled pattern. The
// target is expected to already be normalized to lowercase.
func (rule *Rule) Match(target string) bool {

	if rule.anyMatch {
		return true
	}

	if len(target) < len(rule.prefix)+len(rule.suffix) ||
		!strings.HasPrefix(target, rule.prefix) ||
		!strings.HasSuffix(target, rule.suffix) {
		return false
	}

	// The middle segments must appear, in order and without overlapping,
	// between the anchored prefix and suffix. Leftmost matching is
	// sufficient since each '*' may absorb any gap.

	remaining := target[len(rule.prefix) : len(target)-len(rule.suffix)]

	for _, segment := range rule.middle {
		i := strings.Index(remaining, segment)
		if i == -1 {
			return false
		}
		remaining = remaining[i+len(segment):]
	}

	return true
}

// Match compiles the pattern and matches the target. A pattern without
// any '*' matches only an identical target. Use Compile for patterns that
// are matched repeatedly.
func Match(pattern, target string) bool {
	rule, err := Compile(pattern)
	if err != nil {
		return pattern != "" && strings.ToLower(pattern) == target
	}
	return rule.Match(target)
}
