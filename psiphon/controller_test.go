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

package psiphon

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/blocklist"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNotices captures emitted notices for the duration of a test.
type testNotices struct {
	mutex    sync.Mutex
	notices  []string
	payloads []map[string]interface{}
}

func captureNotices(t *testing.T) *testNotices {
	captured := &testNotices{}
	SetNoticeWriter(NewNoticeReceiver(func(notice []byte) {
		noticeType, payload, err := GetNotice(notice)
		if err != nil {
			return
		}
		captured.mutex.Lock()
		captured.notices = append(captured.notices, noticeType)
		captured.payloads = append(captured.payloads, payload)
		captured.mutex.Unlock()
	}))
	t.Cleanup(func() { SetNoticeWriter(os.Stderr) })
	return captured
}

func (n *testNotices) find(noticeType string) (map[string]interface{}, bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	for i, t := range n.notices {
		if t == noticeType {
			return n.payloads[i], true
		}
	}
	return nil, false
}

func writeFilterFile(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func newTestController(t *testing.T, configJSON string) *Controller {
	config, err := LoadConfig([]byte(configJSON))
	require.NoError(t, err)
	controller, err := NewController(config, nil, common.NoopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = controller.Stop() })
	return controller
}

func TestControllerLoadFilterFile(t *testing.T) {

	notices := captureNotices(t)

	dir := t.TempDir()
	hostsPath := writeFilterFile(t, dir, "hosts",
		"# ad servers\n"+
			"127.0.0.1 localhost\n"+
			"0.0.0.0 ads.example.com\n"+
			"0.0.0.0 tracker.example.net # inline\n")
	plainPath := writeFilterFile(t, dir, "plain.txt",
		"Analytics.Example.ORG\n"+
			"\n"+
			"ads.example.com\n")

	controller := newTestController(t, "{}")

	require.NoError(t, controller.LoadFilterFile(hostsPath))
	assert.Equal(t, 2, controller.EntryCount())

	payload, ok := notices.find("FilterLoaded")
	require.True(t, ok)
	assert.Equal(t, hostsPath, payload["path"])
	assert.EqualValues(t, 2, payload["added"])

	require.NoError(t, controller.LoadFilterFile(plainPath))
	assert.Equal(t, 3, controller.EntryCount())

	for _, domain := range []string{
		"ads.example.com",
		"cdn.ads.example.com",
		"tracker.example.net",
		"analytics.example.org",
		"ADS.EXAMPLE.COM.",
	} {
		assert.True(t, controller.IsBlocked(domain), domain)
	}

	for _, domain := range []string{
		"example.com",
		"localhost",
		"notads.example.com",
		"",
	} {
		assert.False(t, controller.IsBlocked(domain), domain)
	}

	// Loading the same file again adds nothing.

	require.NoError(t, controller.LoadFilterFile(hostsPath))
	assert.Equal(t, 3, controller.EntryCount())
}

func TestControllerLoadFilterFileMissing(t *testing.T) {

	controller := newTestController(t, "{}")
	controller.AddDomain("blocked.example.com")

	path := filepath.Join(t.TempDir(), "missing")
	err := controller.LoadFilterFile(path)
	require.Error(t, err)

	var loadErr *blocklist.FilterLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, path, loadErr.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	assert.Equal(t, 1, controller.EntryCount())
	assert.True(t, controller.IsBlocked("blocked.example.com"))
}

func TestControllerConfigFilterFiles(t *testing.T) {

	dir := t.TempDir()
	path := writeFilterFile(t, dir, "hosts", "0.0.0.0 ads.example.com\n")

	controller := newTestController(t,
		`{"FilterFiles": ["`+filepath.ToSlash(path)+`"]}`)
	assert.True(t, controller.IsBlocked("ads.example.com"))

	config, err := LoadConfig([]byte(
		`{"FilterFiles": ["` + filepath.ToSlash(filepath.Join(dir, "missing")) + `"]}`))
	require.NoError(t, err)
	_, err = NewController(config, nil, common.NoopLogger{})
	assert.Error(t, err)
}

func TestControllerAddDomain(t *testing.T) {

	controller := newTestController(t, "{}")

	assert.True(t, controller.AddDomain("Example.COM"))
	assert.False(t, controller.AddDomain("example.com"))
	assert.False(t, controller.AddDomain(""))
	assert.False(t, controller.AddDomain("bad domain"))

	assert.True(t, controller.IsBlocked("www.example.com"))
	assert.Equal(t, 1, controller.EntryCount())
}

func TestControllerReloadFilters(t *testing.T) {

	notices := captureNotices(t)

	dir := t.TempDir()
	path := writeFilterFile(t, dir, "plain.txt", "ads.example.com\nold.example.com\n")

	controller := newTestController(t, "{}")
	require.NoError(t, controller.LoadFilterFile(path))
	controller.AddDomain("added.example.com")

	reloaded, err := controller.ReloadFilters()
	require.NoError(t, err)
	assert.False(t, reloaded)

	writeFilterFile(t, dir, "plain.txt", "ads.example.com\nnew.example.com\n")

	previousMatcher := controller.matcher.Load()

	reloaded, err = controller.ReloadFilters()
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.NotSame(t, previousMatcher, controller.matcher.Load())

	assert.True(t, controller.IsBlocked("ads.example.com"))
	assert.True(t, controller.IsBlocked("new.example.com"))
	assert.False(t, controller.IsBlocked("old.example.com"))
	assert.True(t, controller.IsBlocked("added.example.com"))
	assert.Equal(t, 3, controller.EntryCount())

	// The previous matcher is unchanged by the reload.

	assert.True(t, previousMatcher.IsBlocked("old.example.com"))

	payload, ok := notices.find("FilterReloaded")
	require.True(t, ok)
	assert.EqualValues(t, 3, payload["total"])

	// A removed file keeps its previously loaded domains.

	require.NoError(t, os.Remove(path))
	reloaded, err = controller.ReloadFilters()
	assert.Error(t, err)
	assert.False(t, reloaded)
	assert.True(t, controller.IsBlocked("new.example.com"))
}

func TestControllerLoadChangedFilterFile(t *testing.T) {

	dir := t.TempDir()
	path := writeFilterFile(t, dir, "plain.txt", "ads.example.com\nold.example.com\n")
	otherPath := writeFilterFile(t, dir, "other.txt", "other.example.com\n")

	controller := newTestController(t, "{}")
	require.NoError(t, controller.LoadFilterFile(path))
	require.NoError(t, controller.LoadFilterFile(otherPath))
	controller.AddDomain("added.example.com")

	writeFilterFile(t, dir, "plain.txt", "ads.example.com\nnew.example.com\n")

	require.NoError(t, controller.LoadFilterFile(path))

	assert.True(t, controller.IsBlocked("new.example.com"))
	assert.False(t, controller.IsBlocked("old.example.com"))
	assert.True(t, controller.IsBlocked("other.example.com"))
	assert.True(t, controller.IsBlocked("added.example.com"))
	assert.Equal(t, 4, controller.EntryCount())

	// The change was applied by LoadFilterFile, so there's nothing
	// further to reload.
	reloaded, err := controller.ReloadFilters()
	require.NoError(t, err)
	assert.False(t, reloaded)
	assert.False(t, controller.IsBlocked("old.example.com"))
}

func TestControllerConcurrentLookups(t *testing.T) {

	dir := t.TempDir()
	path := writeFilterFile(t, dir, "plain.txt", "ads.example.com\n")

	controller := newTestController(t, "{}")
	require.NoError(t, controller.LoadFilterFile(path))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if !controller.IsBlocked("www.ads.example.com") {
					t.Error("unexpected lookup miss")
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		contents := "ads.example.com\n"
		if i%2 == 0 {
			contents += "other.example.com\n"
		}
		writeFilterFile(t, dir, "plain.txt", contents)
		_, err := controller.ReloadFilters()
		require.NoError(t, err)
		controller.AddDomain("extra.example.com")
	}

	close(stop)
	wg.Wait()
}

func TestControllerStartInvalidFD(t *testing.T) {

	controller := newTestController(t, "{}")

	err := controller.Start(-1)
	assert.Error(t, err)
	assert.Equal(t, "stopped", controller.State())

	assert.NoError(t, controller.Stop())
	assert.NoError(t, controller.Stop())
}

func TestControllerMetrics(t *testing.T) {

	controller := newTestController(t, "{}")
	controller.AddDomain("example.com")

	metrics := controller.GetMetrics()
	assert.Equal(t, 1, metrics["blocklist_entries"])
	assert.Equal(t, "stopped", metrics["engine_state"])
	assert.EqualValues(t, 0, controller.FilteredCount())
	assert.EqualValues(t, 0, controller.TotalPackets())
	assert.NoError(t, controller.FatalError())
}
