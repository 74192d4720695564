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
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/packet"
	"github.com/cespare/xxhash"
	"github.com/marusama/semaphore"
	cache "github.com/patrickmn/go-cache"
)

const (
	DEFAULT_UDP_IDLE_TIMEOUT    = 60 * time.Second
	DEFAULT_DNS_IDLE_TIMEOUT    = 10 * time.Second
	DEFAULT_TCP_IDLE_TIMEOUT    = 300 * time.Second
	DEFAULT_MAX_SESSIONS        = 1024
	PROTECTION_DENIED_TTL       = 5 * time.Second
	SESSION_UPSTREAM_QUEUE_SIZE = 64

	sessionTableShardCount = 16
	flowKeyLength          = 1 + 2*(16+2)
)

// SessionTableConfig specifies the configuration for a SessionTable.
type SessionTableConfig struct {

	// Logger is used for logging events and metrics.
	Logger common.Logger

	// Protector is called for every new session socket. A nil Protector
	// denies every socket.
	Protector Protector

	// UDPIdleTimeout, DNSIdleTimeout, and TCPIdleTimeout specify how long
	// a session may be idle before SweepIdle removes it. DNS timeouts
	// apply to UDP flows to port 53. Zero values select defaults.
	UDPIdleTimeout time.Duration
	DNSIdleTimeout time.Duration
	TCPIdleTimeout time.Duration

	// MaxSessions is the maximum number of concurrent sessions. When 0,
	// DEFAULT_MAX_SESSIONS is used.
	MaxSessions int

	// DialTimeout limits the time to connect a session socket. When 0,
	// DEFAULT_DIAL_TIMEOUT is used.
	DialTimeout time.Duration

	// DNSServer, when valid, is dialed for UDP flows to port 53 in place
	// of the flow destination. Responses are still addressed from the
	// flow destination.
	DNSServer netip.AddrPort
}

// SessionTable tracks the flows relayed between the tun device and
// protected external sockets. There is at most one live session per flow
// key.
//
// The table is sharded by flow key hash, and each shard lock is held only
// to look up, insert, or delete map entries. Socket I/O, including the
// Protector callback, never happens under a table lock.
type SessionTable struct {
	config      *SessionTableConfig
	dialer      *net.Dialer
	shards      [sessionTableShardCount]sessionTableShard
	slots       semaphore.Semaphore
	deniedFlows *cache.Cache
	workers     sync.WaitGroup
}

type sessionTableShard struct {
	mutex    sync.Mutex
	sessions map[packet.FlowKey]*Session
}

// NewSessionTable initializes a new SessionTable.
func NewSessionTable(config *SessionTableConfig) *SessionTable {

	tableConfig := *config
	if tableConfig.Logger == nil {
		tableConfig.Logger = common.NoopLogger{}
	}
	if tableConfig.UDPIdleTimeout <= 0 {
		tableConfig.UDPIdleTimeout = DEFAULT_UDP_IDLE_TIMEOUT
	}
	if tableConfig.DNSIdleTimeout <= 0 {
		tableConfig.DNSIdleTimeout = DEFAULT_DNS_IDLE_TIMEOUT
	}
	if tableConfig.TCPIdleTimeout <= 0 {
		tableConfig.TCPIdleTimeout = DEFAULT_TCP_IDLE_TIMEOUT
	}
	if tableConfig.MaxSessions <= 0 {
		tableConfig.MaxSessions = DEFAULT_MAX_SESSIONS
	}

	table := &SessionTable{
		config:      &tableConfig,
		dialer:      newProtectedDialer(tableConfig.Protector, tableConfig.DialTimeout),
		slots:       semaphore.New(tableConfig.MaxSessions),
		deniedFlows: cache.New(PROTECTION_DENIED_TTL, PROTECTION_DENIED_TTL),
	}

	for i := range table.shards {
		table.shards[i].sessions = make(map[packet.FlowKey]*Session)
	}

	return table
}

func (table *SessionTable) shard(key packet.FlowKey) *sessionTableShard {

	var b [flowKeyLength]byte
	b[0] = byte(key.Protocol)
	source := key.Source.Addr().As16()
	copy(b[1:17], source[:])
	binary.BigEndian.PutUint16(b[17:19], key.Source.Port())
	destination := key.Destination.Addr().As16()
	copy(b[19:35], destination[:])
	binary.BigEndian.PutUint16(b[35:37], key.Destination.Port())

	return &table.shards[xxhash.Sum64(b[:])%sessionTableShardCount]
}

// GetOrCreate returns the session for key, creating a new session when
// none exists. The returned flag indicates whether the session is new.
//
// setup, when not nil, is called with a new session before it is visible
// to any other caller. A new session has no socket; its socket is opened
// by Dial.
//
// GetOrCreate fails with ErrProtectionDenied when the Protector recently
// refused a socket for the same flow, and with ErrSessionLimit when
// MaxSessions sessions exist. GetOrCreate does not block on I/O.
func (table *SessionTable) GetOrCreate(
	key packet.FlowKey, setup func(*Session)) (*Session, bool, error) {

	shard := table.shard(key)

	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	session, ok := shard.sessions[key]
	if ok {
		return session, false, nil
	}

	if _, denied := table.deniedFlows.Get(key.String()); denied {
		return nil, false, errors.TraceMsg(ErrProtectionDenied, "recently denied")
	}

	if !table.slots.TryAcquire(1) {
		return nil, false, errors.Trace(ErrSessionLimit)
	}

	session = newSession(table, key)
	if setup != nil {
		setup(session)
	}

	shard.sessions[key] = session

	return session, true, nil
}

// Get returns the session for key, or nil.
func (table *SessionTable) Get(key packet.FlowKey) *Session {

	shard := table.shard(key)

	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	return shard.sessions[key]
}

// Remove removes and closes the session for key, if any. Remove is
// idempotent.
func (table *SessionTable) Remove(key packet.FlowKey) {

	shard := table.shard(key)

	shard.mutex.Lock()
	session, ok := shard.sessions[key]
	if ok {
		delete(shard.sessions, key)
	}
	shard.mutex.Unlock()

	if ok {
		session.close()
	}
}

// removeSession removes the specified session, and not a newer session
// for the same flow key.
func (table *SessionTable) removeSession(session *Session) {

	shard := table.shard(session.key)

	shard.mutex.Lock()
	if shard.sessions[session.key] == session {
		delete(shard.sessions, session.key)
	}
	shard.mutex.Unlock()

	session.close()
}

// SweepIdle removes every session that has been idle for longer than its
// protocol's idle timeout, and returns the number of sessions removed.
func (table *SessionTable) SweepIdle(now time.Time) int {
	return table.sweep(now, func(session *Session) time.Duration {
		return session.idleTimeout
	})
}

// SweepIdleTimeout removes every session that has been idle for longer
// than timeout, regardless of protocol, and returns the number of
// sessions removed.
func (table *SessionTable) SweepIdleTimeout(now time.Time, timeout time.Duration) int {
	return table.sweep(now, func(_ *Session) time.Duration {
		return timeout
	})
}

func (table *SessionTable) sweep(
	now time.Time, idleTimeout func(*Session) time.Duration) int {

	var expired []*Session

	for i := range table.shards {
		shard := &table.shards[i]
		shard.mutex.Lock()
		for key, session := range shard.sessions {
			if session.expired(now, idleTimeout(session)) {
				delete(shard.sessions, key)
				expired = append(expired, session)
			}
		}
		shard.mutex.Unlock()
	}

	for _, session := range expired {
		session.close()
	}

	return len(expired)
}

// CloseAll removes and closes every session.
func (table *SessionTable) CloseAll() {

	var sessions []*Session

	for i := range table.shards {
		shard := &table.shards[i]
		shard.mutex.Lock()
		for key, session := range shard.sessions {
			delete(shard.sessions, key)
			sessions = append(sessions, session)
		}
		shard.mutex.Unlock()
	}

	for _, session := range sessions {
		session.close()
	}
}

// Count returns the number of sessions.
func (table *SessionTable) Count() int {
	count := 0
	for i := range table.shards {
		shard := &table.shards[i]
		shard.mutex.Lock()
		count += len(shard.sessions)
		shard.mutex.Unlock()
	}
	return count
}

// startWorker runs a session goroutine that Wait will wait for.
func (table *SessionTable) startWorker(worker func()) {
	table.workers.Add(1)
	go func() {
		defer table.workers.Done()
		worker()
	}()
}

// Wait waits, up to timeout, for all session goroutines to exit. Wait
// returns false on timeout.
func (table *SessionTable) Wait(timeout time.Duration) bool {
	return waitGroupTimeout(&table.workers, timeout)
}

func waitGroupTimeout(waitGroup *sync.WaitGroup, timeout time.Duration) bool {

	done := make(chan struct{})
	go func() {
		waitGroup.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Session is one relayed flow: a packet.FlowKey and the protected
// external socket that carries the flow's traffic.
type Session struct {
	table        *SessionTable
	key          packet.FlowKey
	idleTimeout  time.Duration
	lastActivity int64
	ctx          context.Context
	cancel       context.CancelFunc
	connMutex    sync.Mutex
	conn         net.Conn
	closed       bool
	upstream     chan []byte

	// tcp is the TCP state for TCP sessions.
	tcp *tcpConn
}

func newSession(table *SessionTable, key packet.FlowKey) *Session {

	idleTimeout := table.config.TCPIdleTimeout
	if key.Protocol == packet.ProtocolUDP {
		idleTimeout = table.config.UDPIdleTimeout
		if key.Destination.Port() == packet.PORT_NUMBER_DNS {
			idleTimeout = table.config.DNSIdleTimeout
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	session := &Session{
		table:       table,
		key:         key,
		idleTimeout: idleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		upstream:    make(chan []byte, SESSION_UPSTREAM_QUEUE_SIZE),
	}
	session.touch()

	return session
}

// Key returns the session flow key.
func (session *Session) Key() packet.FlowKey {
	return session.key
}

func (session *Session) touch() {
	atomic.StoreInt64(&session.lastActivity, time.Now().UnixNano())
}

// LastActivity returns the time of the most recent packet relayed in
// either direction.
func (session *Session) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&session.lastActivity))
}

func (session *Session) expired(now time.Time, idleTimeout time.Duration) bool {
	lastActivity := atomic.LoadInt64(&session.lastActivity)
	return now.UnixNano()-lastActivity > int64(idleTimeout)
}

// Done is closed when the session is closed.
func (session *Session) Done() <-chan struct{} {
	return session.ctx.Done()
}

// IsClosed indicates whether the session is closed.
func (session *Session) IsClosed() bool {
	return session.ctx.Err() != nil
}

// Dial opens the session's protected socket and connects it to the flow
// destination. On a ProtectionDenied failure, the flow is remembered for
// PROTECTION_DENIED_TTL so that retransmits don't repeatedly call the
// Protector. Dial is interrupted when the session is closed.
func (session *Session) Dial() (net.Conn, error) {

	network := "tcp"
	if session.key.Protocol == packet.ProtocolUDP {
		network = "udp"
	}

	address := session.key.Destination
	if session.key.Protocol == packet.ProtocolUDP &&
		address.Port() == packet.PORT_NUMBER_DNS &&
		session.table.config.DNSServer.IsValid() {

		address = session.table.config.DNSServer
	}

	conn, err := dialProtected(
		session.ctx, session.table.dialer, network, address.String())
	if err != nil {
		if errors.Is(err, ErrProtectionDenied) {
			session.table.deniedFlows.Set(
				session.key.String(), true, cache.DefaultExpiration)
		}
		return nil, errors.Trace(err)
	}

	session.connMutex.Lock()
	defer session.connMutex.Unlock()

	if session.closed {
		conn.Close()
		return nil, errors.TraceNew("session closed")
	}
	session.conn = conn

	return conn, nil
}

// enqueue queues a copy of payload for the session's upstream writer.
// enqueue doesn't block: false is returned when the queue is full or the
// session is closed.
//
// The copy is never nil, even for an empty UDP datagram, as nil signals
// close-write.
func (session *Session) enqueue(payload []byte) bool {
	if session.IsClosed() {
		return false
	}
	entry := make([]byte, len(payload))
	copy(entry, payload)
	select {
	case session.upstream <- entry:
		return true
	default:
		return false
	}
}

// enqueueCloseWrite queues a nil entry, which signals the upstream writer
// to half-close the socket after writing all previously queued payloads.
func (session *Session) enqueueCloseWrite() bool {
	if session.IsClosed() {
		return false
	}
	select {
	case session.upstream <- nil:
		return true
	default:
		return false
	}
}

func (session *Session) close() {

	session.connMutex.Lock()
	defer session.connMutex.Unlock()

	if session.closed {
		return
	}
	session.closed = true

	session.cancel()
	if session.conn != nil {
		session.conn.Close()
	}
	session.table.slots.Release(1)
}
