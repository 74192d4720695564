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

// Package psiphon implements the domain filter host boundary: the
// Controller, which owns the domain matcher, loaded filter files, and the
// packet filter engine; along with configuration, logging, and notices.
package psiphon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/blocklist"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/prng"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/tun"
	mapset "github.com/deckarep/golang-set"
)

const FILTER_RELOAD_PERIOD_JITTER = 0.1

// Controller is the domain filter host API. A Controller owns the active
// domain matcher, the filter files loaded into it, and the packet filter
// engine that consults it.
//
// All Controller methods are safe for concurrent use. Domain lookups
// never wait on filter loading.
type Controller struct {
	config       *Config
	logger       common.Logger
	engine       *tun.Engine
	matcher      atomic.Pointer[blocklist.Matcher]
	filterMutex  sync.Mutex
	filterFiles  map[string]*blocklist.FilterFile
	filterPaths  []string
	addedDomains mapset.Set
	runMutex     sync.Mutex
	stopRunning  context.CancelFunc
	workers      *sync.WaitGroup
}

// NewController initializes a new Controller and loads the configured
// filter files. protector is called with each socket the engine opens;
// see tun.Protector.
//
// When logger is nil, the process TraceLogger configured by InitLogging
// is used.
func NewController(
	config *Config,
	protector tun.Protector,
	logger common.Logger) (*Controller, error) {

	if logger == nil {
		logger = CommonLogger(getLogger())
	}

	controller := &Controller{
		config:       config,
		logger:       logger,
		filterFiles:  make(map[string]*blocklist.FilterFile),
		addedDomains: mapset.NewSet(),
	}

	controller.matcher.Store(
		blocklist.NewMatcherWithCapacity(config.ExpectedFilterEntries))

	engineConfig := config.newEngineConfig(logger, controller, protector)
	engineConfig.OnFatalError = controller.onFatalError
	engineConfig.OnDomainBlocked = NoticeDomainBlocked
	controller.engine = tun.NewEngine(engineConfig)

	for _, path := range config.FilterFiles {
		err := controller.LoadFilterFile(path)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	return controller, nil
}

// Start starts filtering packets read from the tun device file descriptor
// fd. The caller retains ownership of fd.
func (controller *Controller) Start(fd int) error {

	controller.runMutex.Lock()
	defer controller.runMutex.Unlock()

	err := controller.engine.Start(fd)
	if err != nil {
		return errors.Trace(err)
	}

	// After a fatal error, the engine is stopped while the previous run's
	// reload loop remains.
	if controller.stopRunning != nil {
		controller.stopRunning()
		controller.workers.Wait()
	}

	runContext, stopRunning := context.WithCancel(context.Background())
	controller.stopRunning = stopRunning
	controller.workers = new(sync.WaitGroup)

	if controller.config.FilterReloadPeriodSeconds > 0 {
		controller.workers.Add(1)
		go controller.runFilterReloader(runContext, controller.workers)
	}

	NoticeTunnelStarted()

	return nil
}

// Stop halts packet filtering, waiting up to the configured stop timeout
// for the engine to halt. Stop is a no-op when not started.
func (controller *Controller) Stop() error {

	controller.runMutex.Lock()
	defer controller.runMutex.Unlock()

	if controller.stopRunning == nil {
		return nil
	}

	controller.stopRunning()
	controller.workers.Wait()
	controller.stopRunning = nil

	wasRunning := controller.engine.IsRunning()

	err := controller.engine.Stop()

	if wasRunning {
		NoticeTunnelStopped(
			controller.engine.TotalPackets(), controller.engine.FilteredCount())
	}

	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func (controller *Controller) onFatalError(err error) {
	NoticeTunnelFatalError(err)
}

// LoadFilterFile loads the filter list at path, in plain or hosts format,
// adding its domains to the blocklist. An unreadable file results in a
// *blocklist.FilterLoadError and no change to the blocklist.
//
// Loading an already loaded file that has changed rebuilds the blocklist,
// as with ReloadFilters, so entries removed from the file are no longer
// blocked.
func (controller *Controller) LoadFilterFile(path string) error {

	controller.filterMutex.Lock()
	defer controller.filterMutex.Unlock()

	file, ok := controller.filterFiles[path]
	if !ok {
		file = blocklist.NewFilterFile(path)
	}

	reloaded, err := file.Reload()
	if err != nil {
		return errors.Trace(err)
	}

	var matcher *blocklist.Matcher
	var added int

	if ok && reloaded {

		// A later ReloadFilters won't see this change, as the file's
		// checksum is now current.
		matcher, added = controller.rebuildMatcher(path)

	} else {

		if !ok {
			controller.filterFiles[path] = file
			controller.filterPaths = append(controller.filterPaths, path)
		}

		matcher = controller.matcher.Load()
		added = matcher.Load(file.Domains())
	}

	stats := file.Stats()
	controller.logger.WithTraceFields(
		common.LogFields{
			"path":     path,
			"added":    added,
			"total":    matcher.Count(),
			"lines":    stats.Lines,
			"skipped":  stats.Skipped,
			"comments": stats.Comments,
		}).Info("filter loaded")

	NoticeFilterLoaded(path, added, matcher.Count())

	return nil
}

// AddDomain adds a single domain to the blocklist. The return value
// indicates whether the domain was a new, valid entry. Added domains are
// retained across filter reloads.
func (controller *Controller) AddDomain(domain string) bool {

	controller.filterMutex.Lock()
	defer controller.filterMutex.Unlock()

	added := controller.matcher.Load().Add(domain)
	if added {
		controller.addedDomains.Add(domain)
	}

	return added
}

// IsBlocked indicates whether domain, or any parent domain, is in the
// blocklist.
func (controller *Controller) IsBlocked(domain string) bool {
	return controller.matcher.Load().IsBlocked(domain)
}

// EntryCount returns the number of blocklist entries.
func (controller *Controller) EntryCount() int {
	return controller.matcher.Load().Count()
}

// ReloadFilters re-reads the loaded filter files and, when any has
// changed, builds a new blocklist from all filter files and added domains
// and swaps it in. Lookups continue against the previous blocklist until
// the swap.
//
// A file that fails to reload keeps its previously loaded domains; the
// first such error is returned after the remaining files are processed.
func (controller *Controller) ReloadFilters() (bool, error) {

	controller.filterMutex.Lock()
	defer controller.filterMutex.Unlock()

	var firstErr error
	changed := false

	for _, path := range controller.filterPaths {
		reloaded, err := controller.filterFiles[path].Reload()
		if err != nil {
			controller.logger.WithTraceFields(
				common.LogFields{"path": path, "error": err}).Warning("filter reload failed")
			if firstErr == nil {
				firstErr = errors.Trace(err)
			}
			continue
		}
		if reloaded {
			changed = true
		}
	}

	if !changed {
		return false, firstErr
	}

	matcher, _ := controller.rebuildMatcher("")

	controller.logger.WithTraceFields(
		common.LogFields{"total": matcher.Count()}).Info("filters reloaded")

	NoticeFilterReloaded(controller.filterPaths, matcher.Count())

	return true, firstErr
}

// rebuildMatcher builds a new blocklist from all filter files and added
// domains and swaps it in. The domains of lastPath, when not blank, are
// loaded last, and the number of entries they add is returned. The caller
// must hold filterMutex.
func (controller *Controller) rebuildMatcher(lastPath string) (*blocklist.Matcher, int) {

	matcher := blocklist.NewMatcherWithCapacity(controller.config.ExpectedFilterEntries)

	for _, path := range controller.filterPaths {
		if path != lastPath {
			matcher.Load(controller.filterFiles[path].Domains())
		}
	}

	for _, domain := range controller.addedDomains.ToSlice() {
		matcher.Add(domain.(string))
	}

	added := 0
	if lastPath != "" {
		added = matcher.Load(controller.filterFiles[lastPath].Domains())
	}

	controller.matcher.Store(matcher)

	return matcher, added
}

func (controller *Controller) runFilterReloader(
	runContext context.Context, workers *sync.WaitGroup) {

	defer workers.Done()

	period := time.Duration(controller.config.FilterReloadPeriodSeconds) * time.Second

	for {
		timer := time.NewTimer(
			prng.JitterDuration(period, FILTER_RELOAD_PERIOD_JITTER))

		select {
		case <-timer.C:
		case <-runContext.Done():
			timer.Stop()
			return
		}

		_, err := controller.ReloadFilters()
		if err != nil {
			NoticeAlert("reload filters failed: %s", err)
		}
	}
}

// State returns the packet filter engine state: "stopped", "starting",
// "running", or "stopping".
func (controller *Controller) State() string {
	return controller.engine.State().String()
}

// FilteredCount returns the number of blocked DNS queries, and blocked
// TCP flows when hostname blocking is enabled, since the last Start.
func (controller *Controller) FilteredCount() int64 {
	return controller.engine.FilteredCount()
}

// TotalPackets returns the number of packets read from the tun device
// since the last Start.
func (controller *Controller) TotalPackets() int64 {
	return controller.engine.TotalPackets()
}

// FatalError returns the tun device failure that stopped the engine, or
// nil.
func (controller *Controller) FatalError() error {
	return controller.engine.FatalError()
}

// GetMetrics implements the common.MetricsSource interface.
func (controller *Controller) GetMetrics() common.LogFields {
	logFields := controller.engine.GetMetrics()
	logFields["blocklist_entries"] = controller.EntryCount()
	return logFields
}
