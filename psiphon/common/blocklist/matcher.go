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

// Package blocklist implements the in-memory domain blocklist: a
// reverse-label suffix trie with a bloom filter prefilter and optional
// wildcard rules, and the parsers that turn hosts files and plain domain
// lists into blocklist entries.
package blocklist

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/wildcard"
	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/net/idna"
)

const (
	DEFAULT_EXPECTED_ENTRIES = 100000
	BLOOM_FALSE_POSITIVE     = 0.001
	MAX_DOMAIN_LENGTH        = 253
	MAX_LABEL_LENGTH         = 63
	WILDCARD_PREFIX          = "*."
)

// Matcher is a domain blocklist. An entry "ads.example.com" matches
// itself and every subdomain, such as "x.ads.example.com", but not
// "example.com".
//
// Lookups are read-locked and may run concurrently with each other;
// Load and Add hold the write lock only while mutating the trie. No
// entry is ever removed; to drop entries, build a new Matcher.
type Matcher struct {
	mutex     sync.RWMutex
	root      *trieNode
	entries   int
	prefilter *bloom.BloomFilter
	rules     []*wildcard.Rule
	ruleSet   map[string]bool
}

// trieNode children are keyed by label, with the root holding TLDs.
type trieNode struct {
	children map[string]*trieNode
	terminal bool
}

// NewMatcher creates an empty Matcher sized for DEFAULT_EXPECTED_ENTRIES.
func NewMatcher() *Matcher {
	return NewMatcherWithCapacity(DEFAULT_EXPECTED_ENTRIES)
}

// NewMatcherWithCapacity creates an empty Matcher whose bloom prefilter
// is sized for expectedEntries. Exceeding expectedEntries raises the
// prefilter false positive rate, which costs trie walks but never
// correctness.
func NewMatcherWithCapacity(expectedEntries int) *Matcher {
	if expectedEntries < 1 {
		expectedEntries = DEFAULT_EXPECTED_ENTRIES
	}
	return &Matcher{
		root:      newTrieNode(),
		prefilter: bloom.NewWithEstimates(uint(expectedEntries), BLOOM_FALSE_POSITIVE),
		ruleSet:   make(map[string]bool),
	}
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// NormalizeDomain lowercases the domain, removes surrounding whitespace
// and one trailing dot, and converts internationalized names to their
// ASCII (punycode) form. Names that fail IDNA conversion are returned in
// lowercase form.
func NormalizeDomain(domain string) string {

	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimSuffix(domain, ".")

	if !isASCII(domain) {
		ascii, err := idna.ToASCII(domain)
		if err == nil {
			domain = strings.ToLower(ascii)
		}
	}

	return domain
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// validEntry checks the length limits of a normalized domain and its
// labels. Characters are not restricted beyond excluding whitespace and
// '*', as filter lists in the wild carry underscores and other
// non-hostname characters in otherwise valid DNS names.
func validEntry(domain string) bool {

	if domain == "" || len(domain) > MAX_DOMAIN_LENGTH {
		return false
	}
	if strings.ContainsAny(domain, " \t*/") {
		return false
	}

	for _, label := range strings.Split(domain, ".") {
		if label == "" || len(label) > MAX_LABEL_LENGTH {
			return false
		}
	}

	return true
}

// Load inserts all of the domains and returns the number of new entries.
// Invalid entries and duplicates are ignored.
func (m *Matcher) Load(domains []string) int {

	m.mutex.Lock()
	defer m.mutex.Unlock()

	added := 0
	for _, domain := range domains {
		if m.add(domain) {
			added++
		}
	}
	return added
}

// Add inserts a single domain, returning true when it is a new entry.
func (m *Matcher) Add(domain string) bool {

	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.add(domain)
}

func (m *Matcher) add(domain string) bool {

	domain = NormalizeDomain(domain)

	// "*.example.com" is a suffix entry for "example.com", which also
	// blocks the apex. Any other use of '*' is a wildcard rule.

	domain = strings.TrimPrefix(domain, WILDCARD_PREFIX)

	if strings.Contains(domain, "*") {
		return m.addRule(domain)
	}

	if !validEntry(domain) {
		return false
	}

	node := m.root
	end := len(domain)
	for end > 0 {
		start := strings.LastIndexByte(domain[:end], '.') + 1
		label := domain[start:end]
		child, ok := node.children[label]
		if !ok {
			child = newTrieNode()
			node.children[label] = child
		}
		node = child
		end = start - 1
	}

	if node.terminal {
		return false
	}

	node.terminal = true
	m.entries++
	m.prefilter.AddString(domain)

	return true
}

func (m *Matcher) addRule(pattern string) bool {

	// A pattern with no literal label text, such as "*" or "*.*", would
	// block every domain.

	if m.ruleSet[pattern] || strings.Trim(pattern, "*.") == "" {
		return false
	}

	rule, err := wildcard.Compile(pattern)
	if err != nil {
		return false
	}

	m.ruleSet[rule.String()] = true
	m.rules = append(m.rules, rule)

	return true
}

// IsBlocked reports whether the domain, or any parent domain formed by
// dropping leading labels, is an entry; or whether the domain matches a
// wildcard rule.
func (m *Matcher) IsBlocked(domain string) bool {

	domain = NormalizeDomain(domain)
	if domain == "" {
		return false
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.matchSuffix(domain) {
		return true
	}

	for _, rule := range m.rules {
		if rule.Match(domain) {
			return true
		}
	}

	return false
}

func (m *Matcher) matchSuffix(domain string) bool {

	// The bloom filter has no false negatives, so when no suffix of the
	// domain is in the filter, no suffix is in the trie.

	candidate := false
	for i := 0; ; {
		if m.prefilter.TestString(domain[i:]) {
			candidate = true
			break
		}
		j := strings.IndexByte(domain[i:], '.')
		if j == -1 {
			break
		}
		i += j + 1
	}
	if !candidate {
		return false
	}

	// Walk from the TLD. Any terminal node reached is an entry that is a
	// suffix of the domain ending on a label boundary.

	node := m.root
	end := len(domain)
	for end > 0 {
		start := strings.LastIndexByte(domain[:end], '.') + 1
		child, ok := node.children[domain[start:end]]
		if !ok {
			return false
		}
		if child.terminal {
			return true
		}
		node = child
		end = start - 1
	}

	return false
}

// Count returns the number of distinct entries, including wildcard rules.
func (m *Matcher) Count() int {

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.entries + len(m.rules)
}
