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

package filter

// This package is a shim between Java/Obj-C and the "psiphon" package. Due to
// limitations on what Go types may be exposed
// (http://godoc.org/golang.org/x/mobile/cmd/gobind), a psiphon.Controller
// cannot be directly used by Java. This shim exposes a trivial
// Init/Start/Stop interface on top of a single Controller instance.

import (
	"sync"
	"sync/atomic"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/buildinfo"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
)

type FilterProviderNoticeHandler interface {
	Notice(noticeJSON string)
}

// FilterProvider is implemented by the host. Protect must exempt the
// socket fileDescriptor from the VPN, as with Android
// VpnService.protect, and return false on failure.
type FilterProvider interface {
	FilterProviderNoticeHandler
	Protect(fileDescriptor int) bool
}

// controllerMutex serializes Init, Start, Stop, and LoadFilterFile. Queries
// read controller without taking controllerMutex.
var controllerMutex sync.Mutex
var controller atomic.Pointer[psiphon.Controller]
var pendingFilterFiles []string

// Init creates the filter controller. No files are read and no packets
// are processed until LoadFilterFile or Start is called. Init may be
// called more than once; calls after the first successful call are
// ignored.
//
// Any FilterFiles in configJSON are loaded by the first Start.
func Init(configJSON string, provider FilterProvider) error {

	controllerMutex.Lock()
	defer controllerMutex.Unlock()

	if controller.Load() != nil {
		return nil
	}

	// Wrap the provider in a layer that locks a mutex before calling a
	// provider function. As the provider callbacks are Java/Obj-C via
	// gomobile, they are cgo calls that can cause OS threads to be spawned.
	// The mutex prevents many calling goroutines from causing unbounded
	// numbers of OS threads to be spawned.
	wrappedProvider := newMutexFilterProvider(provider)

	config, err := psiphon.LoadConfig([]byte(configJSON))
	if err != nil {
		return errors.Trace(err)
	}

	psiphon.SetNoticeWriter(psiphon.NewNoticeReceiver(
		func(notice []byte) {
			wrappedProvider.Notice(string(notice))
		}))

	psiphon.SetEmitDiagnosticNotices(config.EmitDiagnosticNotices)

	// BuildInfo is a diagnostic notice, so emit only after
	// EmitDiagnosticNotices is set.

	psiphon.NoticeBuildInfo()

	filterFiles := config.FilterFiles
	config.FilterFiles = nil

	newController, err := psiphon.NewController(
		config, wrappedProvider, psiphon.NewNoticeLogger())
	if err != nil {
		return errors.Trace(err)
	}

	pendingFilterFiles = filterFiles
	controller.Store(newController)

	return nil
}

// Start begins filtering packets read from the VPN tun device
// fileDescriptor. The host retains ownership of fileDescriptor and must
// close it only after Stop returns.
func Start(fileDescriptor int) error {

	controllerMutex.Lock()
	defer controllerMutex.Unlock()

	c := controller.Load()
	if c == nil {
		return errors.TraceNew("not initialized")
	}

	for len(pendingFilterFiles) > 0 {
		err := c.LoadFilterFile(pendingFilterFiles[0])
		if err != nil {
			return errors.Trace(err)
		}
		pendingFilterFiles = pendingFilterFiles[1:]
	}

	err := c.Start(fileDescriptor)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// Stop halts packet filtering, blocking until the filter is stopped or
// the configured stop timeout elapses.
func Stop() {

	controllerMutex.Lock()
	defer controllerMutex.Unlock()

	c := controller.Load()
	if c != nil {
		err := c.Stop()
		if err != nil {
			psiphon.NoticeError("stop failed: %s", err)
		}
	}
}

// LoadFilterFile adds the domains in the filter list at path, in plain or
// hosts format, to the blocklist. Previously loaded domains are retained
// when the file cannot be read.
func LoadFilterFile(path string) error {

	controllerMutex.Lock()
	defer controllerMutex.Unlock()

	c := controller.Load()
	if c == nil {
		return errors.TraceNew("not initialized")
	}

	return errors.Trace(c.LoadFilterFile(path))
}

// AddDomain adds a single domain to the blocklist.
func AddDomain(domain string) bool {

	c := getController()
	if c == nil {
		return false
	}

	return c.AddDomain(domain)
}

// IsBlocked indicates whether domain, or any parent domain, is in the
// blocklist.
func IsBlocked(domain string) bool {

	c := getController()
	if c == nil {
		return false
	}

	return c.IsBlocked(domain)
}

// GetFilteredCount returns the number of blocked queries since the last
// Start.
func GetFilteredCount() int64 {

	c := getController()
	if c == nil {
		return 0
	}

	return c.FilteredCount()
}

// GetTotalPacketCount returns the number of packets read from the tun
// device since the last Start.
func GetTotalPacketCount() int64 {

	c := getController()
	if c == nil {
		return 0
	}

	return c.TotalPackets()
}

// GetState returns the filter state: "stopped", "starting", "running", or
// "stopping".
func GetState() string {

	c := getController()
	if c == nil {
		return "stopped"
	}

	return c.State()
}

// GetBuildInfo returns build information as a JSON string.
func GetBuildInfo() string {
	return buildinfo.GetBuildInfo().String()
}

// getController returns the controller without taking controllerMutex, so
// queries aren't blocked by a Start, Stop, or LoadFilterFile in progress.
func getController() *psiphon.Controller {
	return controller.Load()
}

type mutexFilterProvider struct {
	sync.Mutex
	p FilterProvider
}

func newMutexFilterProvider(p FilterProvider) *mutexFilterProvider {
	return &mutexFilterProvider{p: p}
}

func (p *mutexFilterProvider) Notice(noticeJSON string) {
	p.Lock()
	defer p.Unlock()
	p.p.Notice(noticeJSON)
}

func (p *mutexFilterProvider) Protect(fileDescriptor int) bool {
	p.Lock()
	defer p.Unlock()
	return p.p.Protect(fileDescriptor)
}
