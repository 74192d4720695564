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

package blocklist

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcherSuffix(t *testing.T) {

	matcher := NewMatcher()
	require.Equal(t, 2, matcher.Load([]string{"ads.example.com", "tracker.net"}))

	testCases := []struct {
		domain  string
		blocked bool
	}{
		{"ads.example.com", true},
		{"x.ads.example.com", true},
		{"a.b.c.ads.example.com", true},
		{"ADS.Example.COM", true},
		{"ads.example.com.", true},
		{" ads.example.com ", true},
		{"tracker.net", true},
		{"cdn.tracker.net", true},
		{"example.com", false},
		{"com", false},
		{"badads.example.com", false},
		{"ads.example.com.evil.org", false},
		{"xtracker.net", false},
		{"tracker.network", false},
		{"", false},
		{".", false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.domain, func(t *testing.T) {
			assert.Equal(t, testCase.blocked, matcher.IsBlocked(testCase.domain))
		})
	}
}

func TestMatcherEmpty(t *testing.T) {

	matcher := NewMatcher()
	assert.Equal(t, 0, matcher.Count())
	assert.False(t, matcher.IsBlocked("example.com"))
	assert.False(t, matcher.IsBlocked(""))
}

func TestMatcherAddIdempotent(t *testing.T) {

	matcher := NewMatcher()

	assert.True(t, matcher.Add("Example.COM."))
	assert.False(t, matcher.Add("example.com"))
	assert.False(t, matcher.Add(" EXAMPLE.com "))
	assert.Equal(t, 1, matcher.Count())

	// A parent entry does not absorb a more specific entry.

	assert.True(t, matcher.Add("www.example.com"))
	assert.Equal(t, 2, matcher.Count())

	assert.Equal(t, 0, matcher.Load([]string{"example.com", "www.example.com"}))
	assert.Equal(t, 2, matcher.Count())
}

func TestMatcherRejectsInvalid(t *testing.T) {

	matcher := NewMatcher()

	longLabel := fmt.Sprintf("%064d.com", 0)
	longDomain := ""
	for len(longDomain) <= MAX_DOMAIN_LENGTH {
		longDomain += "abcdefghi."
	}
	longDomain += "com"

	for _, domain := range []string{
		"",
		".",
		"a..com",
		".example.com",
		"exa mple.com",
		"http://example.com/",
		longLabel,
		longDomain,
		"*",
		"*.*",
	} {
		assert.False(t, matcher.Add(domain), domain)
	}

	assert.Equal(t, 0, matcher.Count())
	assert.False(t, matcher.IsBlocked("example.com"))
}

func TestMatcherWildcard(t *testing.T) {

	matcher := NewMatcher()

	// A leading "*." is a plain suffix entry.

	assert.True(t, matcher.Add("*.example.com"))
	assert.True(t, matcher.IsBlocked("example.com"))
	assert.True(t, matcher.IsBlocked("www.example.com"))

	assert.True(t, matcher.Add("ads*.tracker.org"))
	assert.False(t, matcher.Add("ADS*.tracker.org"))
	assert.True(t, matcher.Add("*-telemetry.*"))
	assert.Equal(t, 3, matcher.Count())

	assert.True(t, matcher.IsBlocked("ads1.tracker.org"))
	assert.True(t, matcher.IsBlocked("ads.tracker.org"))
	assert.False(t, matcher.IsBlocked("x.ads1.tracker.org"))
	assert.False(t, matcher.IsBlocked("tracker.org"))
	assert.True(t, matcher.IsBlocked("app-telemetry.vendor.io"))
	assert.False(t, matcher.IsBlocked("telemetry.vendor.io"))
}

func TestMatcherInternationalized(t *testing.T) {

	matcher := NewMatcher()

	assert.True(t, matcher.Add("bücher.example"))
	assert.True(t, matcher.IsBlocked("xn--bcher-kva.example"))
	assert.True(t, matcher.IsBlocked("www.BÜCHER.example"))
	assert.False(t, matcher.Add("xn--bcher-kva.example"))
}

func TestMatcherPrefilterCapacity(t *testing.T) {

	// Overfilling the prefilter only raises its false positive rate.

	matcher := NewMatcherWithCapacity(10)

	domains := make([]string, 1000)
	for i := range domains {
		domains[i] = fmt.Sprintf("host%d.example%d.com", i, i%7)
	}
	require.Equal(t, len(domains), matcher.Load(domains))

	for i := range domains {
		assert.True(t, matcher.IsBlocked("sub."+domains[i]))
		assert.False(t, matcher.IsBlocked(fmt.Sprintf("other%d.example%d.com", i, i%7)))
	}
}

func TestMatcherConcurrency(t *testing.T) {

	matcher := NewMatcher()
	matcher.Add("seed.example.com")

	var waitGroup sync.WaitGroup

	for i := 0; i < 4; i++ {
		waitGroup.Add(1)
		go func(i int) {
			defer waitGroup.Done()
			for j := 0; j < 500; j++ {
				matcher.Add(fmt.Sprintf("w%d-%d.example.org", i, j))
			}
		}(i)
	}

	for i := 0; i < 8; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			for j := 0; j < 1000; j++ {
				if !matcher.IsBlocked("a.seed.example.com") {
					t.Error("unexpected not blocked")
					return
				}
				matcher.IsBlocked(fmt.Sprintf("w0-%d.example.org", j))
				matcher.Count()
			}
		}()
	}

	waitGroup.Wait()

	assert.Equal(t, 1+4*500, matcher.Count())
	assert.True(t, matcher.IsBlocked("x.w3-499.example.org"))
}

func BenchmarkMatcherIsBlocked(b *testing.B) {

	matcher := NewMatcher()
	domains := make([]string, 50000)
	for i := range domains {
		domains[i] = fmt.Sprintf("ads%d.tracker%d.com", i, i%100)
	}
	matcher.Load(domains)

	b.Run("hit", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			matcher.IsBlocked("cdn.ads1234.tracker34.com")
		}
	})

	b.Run("miss", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			matcher.IsBlocked("www.unlisted.example.org")
		}
	})
}
