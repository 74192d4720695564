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

package wildcard

import (
	"testing"

	"github.com/gobwas/glob"
	go_glob "github.com/ryanuber/go-glob"
)

// The glob libraries are compared against Rule.Match on the same domain
// patterns the blocklist uses. With gobwas/glob, '.' is used as the
// separator so that '*' does not span labels; "**" spans labels.

func TestGlobAgreement(t *testing.T) {

	patterns := []string{"pixel.*", "*.example.com", "*tracker*", "*ads*west*example*", "*.example.net"}

	for _, pattern := range patterns {
		rule, err := Compile(pattern)
		if err != nil {
			t.Fatalf("Compile failed: %s", err)
		}
		if rule.Match(target) != go_glob.Glob(pattern, target) {
			t.Errorf("go-glob disagrees on %s", pattern)
		}
		if rule.Match(target) != glob.MustCompile(pattern).Match(target) {
			t.Errorf("glob disagrees on %s", pattern)
		}
	}
}

func BenchmarkSuffixGlobPrecompile(b *testing.B) {
	g := glob.MustCompile("**.example.com", '.')
	for i := 0; i < b.N; i++ {
		if !g.Match(target) {
			b.Fatalf("unexpected result")
		}
	}
}

func BenchmarkMultipleGlobPrecompile(b *testing.B) {
	g := glob.MustCompile("*ads*west*example*")
	for i := 0; i < b.N; i++ {
		if !g.Match(target) {
			b.Fatalf("unexpected result")
		}
	}
}

func BenchmarkSuffixGlob(b *testing.B) {
	for i := 0; i < b.N; i++ {
		g := glob.MustCompile("**.example.com", '.')
		if !g.Match(target) {
			b.Fatalf("unexpected result")
		}
	}
}

func BenchmarkSuffixGoGlob(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if !go_glob.Glob("*.example.com", target) {
			b.Fatalf("unexpected result")
		}
	}
}

func BenchmarkMultipleGoGlob(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if !go_glob.Glob("*ads*west*example*", target) {
			b.Fatalf("unexpected result")
		}
	}
}
