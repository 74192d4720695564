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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
)

const MAX_LINE_LENGTH = 1024 * 1024

// FilterLoadError reports a filter file that could not be opened or read.
// Entries loaded before the failure remain in place.
type FilterLoadError struct {
	Path string
	Err  error
}

func (e *FilterLoadError) Error() string {
	return fmt.Sprintf("load filter file %s: %v", e.Path, e.Err)
}

func (e *FilterLoadError) Unwrap() error {
	return e.Err
}

// ParseStats summarizes a Parse.
type ParseStats struct {
	Lines    int
	Domains  int
	Skipped  int
	Comments int
}

// hostsReservedNames are the names a stock hosts file maps to loopback
// or broadcast addresses. They are never treated as blocklist entries.
var hostsReservedNames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"local":                 true,
	"broadcasthost":         true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
	"ip6-localnet":          true,
	"ip6-mcastprefix":       true,
	"ip6-allnodes":          true,
	"ip6-allrouters":        true,
	"ip6-allhosts":          true,
	"0.0.0.0":               true,
}

// Parse reads a filter list in either hosts-file syntax,
//
//	0.0.0.0 ads.example.com tracker.example.com # comment
//
// or plain one-domain-per-line syntax, and returns the listed domains.
// The two syntaxes may be mixed in one list. Blank lines, comments, and
// malformed lines are skipped. Parse performs no I/O beyond reading r,
// and the only error returned is a read error.
func Parse(r io.Reader) ([]string, error) {
	domains, _, err := ParseWithStats(r)
	return domains, errors.Trace(err)
}

// ParseWithStats is Parse, additionally returning line counts.
func ParseWithStats(r io.Reader) ([]string, ParseStats, error) {

	var stats ParseStats
	var domains []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MAX_LINE_LENGTH)

	for scanner.Scan() {
		stats.Lines++

		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i != -1 {
			if strings.TrimSpace(line[:i]) == "" {
				stats.Comments++
				continue
			}
			line = line[:i]
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		lineDomains := parseFields(fields)
		if len(lineDomains) == 0 {
			stats.Skipped++
			continue
		}

		domains = append(domains, lineDomains...)
		stats.Domains += len(lineDomains)
	}

	err := scanner.Err()
	if err != nil {
		return domains, stats, errors.Trace(err)
	}

	return domains, stats, nil
}

func parseFields(fields []string) []string {

	_, err := netip.ParseAddr(fields[0])
	if err != nil {

		// Plain list line. Anything after the domain is ignored.

		return []string{fields[0]}
	}

	// Hosts line: the address is followed by a canonical name and
	// optional aliases. An address alone is malformed.

	var domains []string
	for _, name := range fields[1:] {
		if hostsReservedNames[strings.ToLower(name)] {
			continue
		}
		domains = append(domains, name)
	}
	return domains
}

// LoadFile reads and parses the filter file at path and loads its domains
// into matcher, returning the number of new entries. Failure to open or
// read the file is reported as a *FilterLoadError.
func LoadFile(matcher *Matcher, path string) (int, error) {

	file, err := os.Open(path)
	if err != nil {
		return 0, errors.Trace(&FilterLoadError{Path: path, Err: err})
	}
	defer file.Close()

	domains, err := Parse(file)
	if err != nil {
		return 0, errors.Trace(&FilterLoadError{Path: path, Err: err})
	}

	return matcher.Load(domains), nil
}

// FilterFile is a filter list file whose parsed domains may be reloaded
// when the file content changes.
type FilterFile struct {
	*common.ReloadableFile
	path    string
	domains []string
	stats   ParseStats
}

// NewFilterFile creates a FilterFile. The file is not read until Reload
// is called.
func NewFilterFile(path string) *FilterFile {

	filterFile := &FilterFile{path: path}

	filterFile.ReloadableFile = common.NewReloadableFile(
		path,
		func(content []byte) error {
			domains, stats, err := ParseWithStats(bytes.NewReader(content))
			if err != nil {
				return errors.Trace(err)
			}
			filterFile.domains = domains
			filterFile.stats = stats
			return nil
		})

	return filterFile
}

// Reload re-reads the file when its content has changed. Failures are
// reported as a *FilterLoadError and leave the previous domains in place.
func (f *FilterFile) Reload() (bool, error) {
	reloaded, err := f.ReloadableFile.Reload()
	if err != nil {
		return false, errors.Trace(&FilterLoadError{Path: f.path, Err: err})
	}
	return reloaded, nil
}

// Path returns the filter file path.
func (f *FilterFile) Path() string {
	return f.path
}

// Domains returns the domains parsed by the last successful reload. The
// returned slice must not be modified.
func (f *FilterFile) Domains() []string {
	f.RLock()
	defer f.RUnlock()
	return f.domains
}

// Stats returns the line counts from the last successful reload.
func (f *FilterFile) Stats() ParseStats {
	f.RLock()
	defer f.RUnlock()
	return f.stats
}
