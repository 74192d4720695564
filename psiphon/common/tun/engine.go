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

package tun

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/packet"
	lrucache "github.com/cognusion/go-cache-lru"
	"golang.org/x/time/rate"
)

const (
	DEFAULT_STOP_TIMEOUT                = 1 * time.Second
	DEFAULT_SWEEP_INTERVAL              = 5 * time.Second
	DEFAULT_METRICS_CHECKPOINT_INTERVAL = 5 * time.Minute
	DEFAULT_TCP_RESET_RATE_LIMIT        = 100

	blockedDomainLogTTL        = 1 * time.Minute
	blockedDomainLogMaxEntries = 4096
)

// DomainMatcher decides whether a domain is blocked. IsBlocked must be
// safe for concurrent use.
type DomainMatcher interface {
	IsBlocked(domain string) bool
}

// EngineConfig specifies the configuration of an Engine.
type EngineConfig struct {

	// Logger is used for logging events and metrics.
	Logger common.Logger

	// Matcher decides which DNS query names, and which TCP hostnames when
	// BlockHostnames is set, are blocked. A nil Matcher blocks nothing.
	Matcher DomainMatcher

	// Protector is called with every session socket. See Protector.
	Protector Protector

	// MTU is the tun device MTU. When MTU is 0, DEFAULT_MTU is used.
	MTU int

	// BlockMode selects the response synthesized for blocked DNS queries.
	BlockMode packet.BlockMode

	// BlockHostnames enables blocking TCP flows by the HTTP Host or TLS
	// SNI hostname in the first client payload. DNS blocking is always
	// enabled.
	BlockHostnames bool

	// UDPIdleTimeout, DNSIdleTimeout, TCPIdleTimeout, MaxSessions, and
	// DialTimeout configure the SessionTable. See SessionTableConfig.
	UDPIdleTimeout time.Duration
	DNSIdleTimeout time.Duration
	TCPIdleTimeout time.Duration
	MaxSessions    int
	DialTimeout    time.Duration

	// DNSServer, when valid, receives allowed DNS queries in place of
	// their destination. See SessionTableConfig.
	DNSServer netip.AddrPort

	// StopTimeout bounds how long Stop waits for workers to exit. When
	// 0, DEFAULT_STOP_TIMEOUT is used.
	StopTimeout time.Duration

	// SweepInterval is the period for removing idle sessions. When 0,
	// DEFAULT_SWEEP_INTERVAL is used.
	SweepInterval time.Duration

	// MetricsCheckpointInterval is the period for logging packet
	// metrics. When 0, DEFAULT_METRICS_CHECKPOINT_INTERVAL is used.
	MetricsCheckpointInterval time.Duration

	// TCPResetRateLimit is the maximum number of RSTs per second sent for
	// segments that have no session. When 0, DEFAULT_TCP_RESET_RATE_LIMIT
	// is used.
	TCPResetRateLimit int

	// OnFatalError, when set, is called once, in its own goroutine, when
	// a tun device failure stops the engine.
	OnFatalError func(err error)

	// OnDomainBlocked, when set, is called when a domain is blocked. Calls
	// for the same domain are suppressed for a period.
	OnDomainBlocked func(domain string)
}

// EngineState is the Engine lifecycle state.
type EngineState int32

const (
	EngineStopped EngineState = iota
	EngineStarting
	EngineRunning
	EngineStopping
)

func (state EngineState) String() string {
	switch state {
	case EngineStopped:
		return "stopped"
	case EngineStarting:
		return "starting"
	case EngineRunning:
		return "running"
	case EngineStopping:
		return "stopping"
	}
	return "unknown"
}

// Engine reads packets from a tun device, answers DNS queries for blocked
// domains with synthesized responses, and relays all other TCP and UDP
// traffic through protected sockets.
//
// An Engine may be started and stopped repeatedly. Start and Stop are
// serialized; the remaining methods may be called at any time.
type Engine struct {
	config         *EngineConfig
	lifecycleMutex sync.Mutex
	state          atomic.Int32
	device         *Device
	sessions       *SessionTable
	metrics        *packetMetrics
	totalPackets   atomic.Int64
	filteredCount  atomic.Int64
	blockedLog     *lrucache.Cache
	resetLimiter   *rate.Limiter
	runContext     context.Context
	stopRunning    context.CancelFunc
	workers        *sync.WaitGroup
	fatalMutex     sync.Mutex
	fatalError     error
}

// NewEngine initializes a new, stopped Engine.
func NewEngine(config *EngineConfig) *Engine {

	engineConfig := *config
	if engineConfig.Logger == nil {
		engineConfig.Logger = common.NoopLogger{}
	}
	engineConfig.MTU = getMTU(engineConfig.MTU)
	if engineConfig.StopTimeout <= 0 {
		engineConfig.StopTimeout = DEFAULT_STOP_TIMEOUT
	}
	if engineConfig.SweepInterval <= 0 {
		engineConfig.SweepInterval = DEFAULT_SWEEP_INTERVAL
	}
	if engineConfig.MetricsCheckpointInterval <= 0 {
		engineConfig.MetricsCheckpointInterval = DEFAULT_METRICS_CHECKPOINT_INTERVAL
	}
	if engineConfig.TCPResetRateLimit <= 0 {
		engineConfig.TCPResetRateLimit = DEFAULT_TCP_RESET_RATE_LIMIT
	}

	return &Engine{
		config:  &engineConfig,
		metrics: new(packetMetrics),
		blockedLog: lrucache.NewWithLRU(
			blockedDomainLogTTL, blockedDomainLogTTL, blockedDomainLogMaxEntries),
		resetLimiter: rate.NewLimiter(
			rate.Limit(engineConfig.TCPResetRateLimit), engineConfig.TCPResetRateLimit),
	}
}

// State returns the current lifecycle state.
func (engine *Engine) State() EngineState {
	return EngineState(engine.state.Load())
}

// IsRunning indicates whether the engine is running.
func (engine *Engine) IsRunning() bool {
	return engine.State() == EngineRunning
}

// TotalPackets returns the number of packets read from the tun device
// since the last Start.
func (engine *Engine) TotalPackets() int64 {
	return engine.totalPackets.Load()
}

// FilteredCount returns the number of DNS queries, and TCP flows when
// BlockHostnames is set, blocked since the last Start.
func (engine *Engine) FilteredCount() int64 {
	return engine.filteredCount.Load()
}

// SessionCount returns the number of active sessions.
func (engine *Engine) SessionCount() int {
	engine.lifecycleMutex.Lock()
	sessions := engine.sessions
	engine.lifecycleMutex.Unlock()
	if sessions == nil {
		return 0
	}
	return sessions.Count()
}

// FatalError returns the tun device failure that stopped the most recent
// run, or nil.
func (engine *Engine) FatalError() error {
	engine.fatalMutex.Lock()
	defer engine.fatalMutex.Unlock()
	return engine.fatalError
}

// GetMetrics implements the common.MetricsSource interface.
func (engine *Engine) GetMetrics() common.LogFields {
	logFields := engine.metrics.snapshot(false)
	logFields["engine_state"] = engine.State().String()
	logFields["total_packets"] = engine.TotalPackets()
	logFields["filtered_count"] = engine.FilteredCount()
	logFields["sessions"] = engine.SessionCount()
	return logFields
}

// Start starts the engine with the tun device file descriptor fd and
// returns with the engine running. The caller retains ownership of fd;
// the engine uses a duplicate.
//
// Start fails when the engine isn't stopped, or when fd is invalid, in
// which case the engine remains stopped.
func (engine *Engine) Start(fd int) error {

	engine.lifecycleMutex.Lock()
	defer engine.lifecycleMutex.Unlock()

	if !engine.state.CompareAndSwap(int32(EngineStopped), int32(EngineStarting)) {
		return errors.Tracef("engine is %s", engine.State())
	}

	engine.config.Logger.WithTraceFields(
		common.LogFields{"fd": fd}).Info("starting")

	err := validateFileDescriptor(fd)
	if err == nil {
		engine.device, err = NewDeviceFromFD(fd, engine.config.MTU)
	}
	if err != nil {
		engine.state.Store(int32(EngineStopped))
		return errors.Trace(newIoError("open tunnel", err, false))
	}

	engine.sessions = NewSessionTable(&SessionTableConfig{
		Logger:         engine.config.Logger,
		Protector:      engine.config.Protector,
		UDPIdleTimeout: engine.config.UDPIdleTimeout,
		DNSIdleTimeout: engine.config.DNSIdleTimeout,
		TCPIdleTimeout: engine.config.TCPIdleTimeout,
		MaxSessions:    engine.config.MaxSessions,
		DialTimeout:    engine.config.DialTimeout,
		DNSServer:      engine.config.DNSServer,
	})

	engine.totalPackets.Store(0)
	engine.filteredCount.Store(0)
	engine.metrics.snapshot(true)
	engine.blockedLog.Flush()

	engine.fatalMutex.Lock()
	engine.fatalError = nil
	engine.fatalMutex.Unlock()

	engine.runContext, engine.stopRunning = context.WithCancel(context.Background())
	engine.workers = new(sync.WaitGroup)

	engine.workers.Add(2)
	go engine.runDeviceUpstream(
		engine.runContext, engine.workers, engine.device, engine.sessions)
	go engine.runSessionReaper(
		engine.runContext, engine.workers, engine.sessions)

	engine.state.Store(int32(EngineRunning))

	engine.config.Logger.WithTrace().Info("started")

	return nil
}

// Stop halts a running engine. All sessions are closed and the duplicate
// tun device file descriptor is released. Stop is a no-op when the engine
// is stopped.
//
// Stop waits up to StopTimeout for workers to exit, and returns an error
// when workers remain. The engine is stopped in either case.
func (engine *Engine) Stop() error {

	engine.lifecycleMutex.Lock()
	defer engine.lifecycleMutex.Unlock()

	return engine.stop()
}

func (engine *Engine) stop() error {

	if !engine.state.CompareAndSwap(int32(EngineRunning), int32(EngineStopping)) {
		return nil
	}

	engine.config.Logger.WithTrace().Info("stopping")

	engine.stopRunning()
	engine.device.Close()

	deadline := time.Now().Add(engine.config.StopTimeout)

	completed := waitGroupTimeout(engine.workers, engine.config.StopTimeout)

	engine.sessions.CloseAll()

	if !engine.sessions.Wait(time.Until(deadline)) {
		completed = false
	}

	engine.metrics.checkpoint(engine.config.Logger, "packet_metrics")

	engine.state.Store(int32(EngineStopped))

	engine.config.Logger.WithTraceFields(
		common.LogFields{
			"total_packets":  engine.TotalPackets(),
			"filtered_count": engine.FilteredCount(),
		}).Info("stopped")

	if !completed {
		return errors.TraceNew("stop timed out waiting for workers")
	}

	return nil
}

// stopOnFatalError stops the run identified by runContext, records err,
// and reports it via OnFatalError. Nothing is done when that run was
// already stopped.
func (engine *Engine) stopOnFatalError(runContext context.Context, err error) {

	engine.lifecycleMutex.Lock()

	if engine.runContext != runContext || engine.State() != EngineRunning {
		engine.lifecycleMutex.Unlock()
		return
	}

	engine.config.Logger.WithTraceFields(
		common.LogFields{"error": err}).Error("tunnel device failed")

	engine.fatalMutex.Lock()
	engine.fatalError = err
	engine.fatalMutex.Unlock()

	stopErr := engine.stop()
	if stopErr != nil {
		engine.config.Logger.WithTraceFields(
			common.LogFields{"error": stopErr}).Warning("stop failed")
	}

	engine.lifecycleMutex.Unlock()

	if engine.config.OnFatalError != nil {
		engine.config.OnFatalError(err)
	}
}

func (engine *Engine) runDeviceUpstream(
	runContext context.Context,
	workers *sync.WaitGroup,
	device *Device,
	sessions *SessionTable) {

	defer workers.Done()

	for {
		readPacket, err := device.ReadPacket()

		select {
		case <-runContext.Done():
			// No error is logged as shutdown may have interrupted read.
			return
		default:
		}

		if err != nil {
			if device.IsClosed() {
				return
			}
			// The device was not closed by Stop, so the read failure is a
			// tun device failure. stopOnFatalError waits for this worker,
			// so it must run in another goroutine.
			go engine.stopOnFatalError(
				runContext, newIoError("read tunnel", err, true))
			return
		}

		engine.totalPackets.Add(1)

		engine.processPacket(device, sessions, readPacket)
	}
}

func (engine *Engine) processPacket(
	device *Device, sessions *SessionTable, readPacket []byte) {

	view, err := packet.Decode(readPacket)
	if err != nil {
		var decodeErr *packet.DecodeError
		if errors.As(err, &decodeErr) {
			engine.metrics.undecodablePacket(decodeErr.Reason)
		}
		return
	}

	if view.IsDNSQuery() && engine.isBlocked(view.DNS.Name) {
		engine.blockDNSQuery(device, view)
		return
	}

	switch view.Protocol {
	case packet.ProtocolUDP:
		engine.relayUDPUpstream(device, sessions, view)
	case packet.ProtocolTCP:
		engine.relayTCPUpstream(device, sessions, view)
	}
}

func (engine *Engine) isBlocked(domain string) bool {
	if engine.config.Matcher == nil || domain == "" {
		return false
	}
	return engine.config.Matcher.IsBlocked(domain)
}

func (engine *Engine) blockDNSQuery(device *Device, view *packet.PacketView) {

	engine.filteredCount.Add(1)
	atomic.AddInt64(&engine.metrics.blockedDNSQueries, 1)
	engine.domainBlocked(view.DNS.Name, "dns")

	response, err := packet.BuildBlockedDNSResponse(view, engine.config.BlockMode)
	if err != nil {
		engine.metrics.rejectedPacket(packetDirectionDownstream, packetRejectEncodeFailed)
		engine.config.Logger.WithTraceFields(
			common.LogFields{"error": err}).Warning("build DNS response failed")
		return
	}

	engine.writeDevicePacket(device, view.Key(), response)
}

// domainBlocked logs and reports a blocked domain, suppressing repeats for
// the same domain within blockedDomainLogTTL.
func (engine *Engine) domainBlocked(domain, source string) {

	if engine.blockedLog.Add(domain, true, lrucache.DefaultExpiration) != nil {
		return
	}

	engine.config.Logger.WithTraceFields(
		common.LogFields{"domain": domain, "source": source}).Info("domain blocked")

	if engine.config.OnDomainBlocked != nil {
		engine.config.OnDomainBlocked(domain)
	}
}

// writeDevicePacket writes a packet destined to the flow source.
func (engine *Engine) writeDevicePacket(
	device *Device, key packet.FlowKey, writePacket []byte) bool {

	if len(writePacket) > engine.config.MTU {
		engine.metrics.rejectedPacket(packetDirectionDownstream, packetRejectOversized)
		return false
	}

	err := device.WritePacket(writePacket)
	if err != nil {
		if !device.IsClosed() {
			engine.config.Logger.WithTraceFields(
				common.LogFields{"error": err}).Info("write device packet failed")
		}
		// May be temporary error condition, keep working. The packet is
		// dropped.
		return false
	}

	engine.metrics.relayedPacket(packetDirectionDownstream, key, len(writePacket))

	return true
}

func (engine *Engine) runSessionReaper(
	runContext context.Context,
	workers *sync.WaitGroup,
	sessions *SessionTable) {

	defer workers.Done()

	sweepTicker := time.NewTicker(engine.config.SweepInterval)
	defer sweepTicker.Stop()

	metricsTicker := time.NewTicker(engine.config.MetricsCheckpointInterval)
	defer metricsTicker.Stop()

	for {
		select {
		case <-sweepTicker.C:
			count := sessions.SweepIdle(time.Now())
			if count > 0 {
				engine.config.Logger.WithTraceFields(
					common.LogFields{"count": count}).Debug("removed idle sessions")
			}
		case <-metricsTicker.C:
			engine.metrics.checkpoint(engine.config.Logger, "packet_metrics")
		case <-runContext.Done():
			return
		}
	}
}

// rejectReasonForSessionError maps a session creation or dial failure to
// its metrics reason.
func rejectReasonForSessionError(err error) packetRejectReason {
	if errors.Is(err, ErrProtectionDenied) {
		return packetRejectProtectionDenied
	}
	if errors.Is(err, ErrSessionLimit) {
		return packetRejectSessionLimit
	}
	return packetRejectDialFailed
}
