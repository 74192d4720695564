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
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/packet"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/prng"
)

/*
   TCP flows are terminated locally: the engine completes the handshake
   with the client only after the protected socket connects, and then
   relays the byte stream between the client and the socket.

   Sequence numbers follow RFC 793. The engine advertises a fixed receive
   window and ACKs client data once it's queued for the socket writer;
   out-of-order client segments are dropped with a duplicate ACK and are
   recovered by client retransmission. Data to the client is segmented to
   the negotiated MSS and limited to the client's advertised window. The
   engine doesn't retransmit, so it never sends beyond what the client
   has room to accept.
*/

const (
	TCP_RECEIVE_WINDOW  = 65535
	TCP_DEFAULT_MSS     = 536
	tcpRelayBufferSize  = 65536
	tcpStateSynReceived = 0
	tcpStateEstablished = 1
)

type tcpConn struct {
	device *Device

	mutex        sync.Mutex
	state        int
	serverISN    uint32
	rcvNxt       uint32
	sndNxt       uint32
	sndUna       uint32
	clientWindow uint32
	mss          int
	firstPayload bool
	finReceived  bool
	finSent      bool
	writeClosed  bool

	// windowUpdated is signaled when the client ACKs data or updates its
	// window.
	windowUpdated chan struct{}
}

func newTCPConn(device *Device, MTU int, view *packet.PacketView) *tcpConn {

	mss := int(view.TCP.MSS)
	if mss == 0 {
		mss = TCP_DEFAULT_MSS
	}
	if maxMSS := maxSegmentSize(MTU, view.Version); mss > maxMSS {
		mss = maxMSS
	}

	serverISN := prng.Uint32()

	return &tcpConn{
		device:        device,
		state:         tcpStateSynReceived,
		serverISN:     serverISN,
		rcvNxt:        view.TCP.Seq + 1,
		sndNxt:        serverISN,
		sndUna:        serverISN,
		clientWindow:  uint32(view.TCP.Window),
		mss:           mss,
		windowUpdated: make(chan struct{}, 1),
	}
}

// relayTCPUpstream handles a TCP segment from the client.
func (engine *Engine) relayTCPUpstream(
	device *Device, sessions *SessionTable, view *packet.PacketView) {

	key := view.Key()
	flags := view.TCP.Flags

	session := sessions.Get(key)

	if session == nil {

		if flags.Has(packet.TCPFlagRST) {
			return
		}

		if !flags.Has(packet.TCPFlagSYN) || flags.Has(packet.TCPFlagACK) {
			engine.metrics.rejectedPacket(packetDirectionUpstream, packetRejectNoSession)
			// Reset the client only when it's waiting on data, so that
			// trailing ACKs for removed sessions are silently dropped.
			if len(view.Payload) > 0 || flags.Has(packet.TCPFlagFIN) {
				engine.resetTCPSegment(device, view)
			}
			return
		}

		session, created, err := sessions.GetOrCreate(key, func(session *Session) {
			session.tcp = newTCPConn(device, engine.config.MTU, view)
		})
		if err != nil {
			engine.metrics.rejectedPacket(
				packetDirectionUpstream, rejectReasonForSessionError(err))
			engine.resetTCPSegment(device, view)
			return
		}

		if created {
			sessions.startWorker(func() {
				engine.runTCPSession(session)
			})
		}

		return
	}

	tcp := session.tcp

	if flags.Has(packet.TCPFlagRST) {
		sessions.removeSession(session)
		return
	}

	tcp.mutex.Lock()

	if tcp.state == tcpStateSynReceived {
		// The socket is still connecting; SYN retransmits are absorbed.
		tcp.mutex.Unlock()
		return
	}

	if flags.Has(packet.TCPFlagACK) {
		ack := view.TCP.Ack
		if ack != tcp.sndUna && ack-tcp.sndUna <= tcp.sndNxt-tcp.sndUna {
			tcp.sndUna = ack
		}
	}
	tcp.clientWindow = uint32(view.TCP.Window)

	select {
	case tcp.windowUpdated <- struct{}{}:
	default:
	}

	if len(view.Payload) == 0 && !flags.Has(packet.TCPFlagFIN) {
		tcp.mutex.Unlock()
		session.touch()
		return
	}

	if view.TCP.Seq != tcp.rcvNxt || tcp.finReceived {
		seq, ack := tcp.sndNxt, tcp.rcvNxt
		tcp.mutex.Unlock()
		engine.writeTCPSegment(session, seq, ack, packet.TCPFlagACK, nil)
		return
	}

	if len(view.Payload) > 0 && !tcp.firstPayload {
		tcp.firstPayload = true
		if engine.config.BlockHostnames {
			hostname := packet.ExtractHostname(view)
			if engine.isBlocked(hostname) {
				tcp.mutex.Unlock()
				engine.filteredCount.Add(1)
				atomic.AddInt64(&engine.metrics.blockedHostnames, 1)
				engine.domainBlocked(hostname, "tcp")
				engine.resetTCPSession(session)
				return
			}
		}
	}

	if len(view.Payload) > 0 {
		if !session.enqueue(view.Payload) {
			// Not ACKed; the client will retransmit.
			tcp.mutex.Unlock()
			engine.metrics.rejectedPacket(packetDirectionUpstream, packetRejectQueueFull)
			return
		}
		tcp.rcvNxt += uint32(len(view.Payload))
		engine.metrics.relayedPacket(packetDirectionUpstream, key, len(view.Payload))
	}

	if flags.Has(packet.TCPFlagFIN) && session.enqueueCloseWrite() {
		tcp.rcvNxt += 1
		tcp.finReceived = true
	}

	seq, ack := tcp.sndNxt, tcp.rcvNxt

	tcp.mutex.Unlock()

	session.touch()

	engine.writeTCPSegment(session, seq, ack, packet.TCPFlagACK, nil)
}

func (engine *Engine) runTCPSession(session *Session) {

	tcp := session.tcp

	conn, err := session.Dial()
	if err != nil {
		engine.metrics.rejectedPacket(
			packetDirectionUpstream, rejectReasonForSessionError(err))
		engine.config.Logger.WithTraceFields(
			common.LogFields{"flow": session.key.String(), "error": err}).Debug("dial failed")
		engine.resetTCPSession(session)
		return
	}

	tcp.mutex.Lock()
	tcp.state = tcpStateEstablished
	tcp.sndNxt = tcp.serverISN + 1
	tcp.sndUna = tcp.sndNxt
	seq, ack, mss := tcp.serverISN, tcp.rcvNxt, tcp.mss
	tcp.mutex.Unlock()

	writePacket, err := packet.EncodeTCP(
		session.key.Destination,
		session.key.Source,
		packet.TCPHeader{
			Seq:    seq,
			Ack:    ack,
			Flags:  packet.TCPFlagSYN | packet.TCPFlagACK,
			Window: TCP_RECEIVE_WINDOW,
			MSS:    uint16(mss),
		},
		nil)
	if err != nil {
		engine.metrics.rejectedPacket(packetDirectionDownstream, packetRejectEncodeFailed)
		session.table.removeSession(session)
		return
	}
	engine.writeDevicePacket(tcp.device, session.key, writePacket)

	session.table.startWorker(func() {
		engine.runSessionUpstream(session, conn)
	})

	engine.relayTCPDownstream(session, conn)
}

// relayTCPDownstream relays data read from the socket to the client until
// the socket reaches EOF, fails, or the session is closed.
func (engine *Engine) relayTCPDownstream(session *Session, conn net.Conn) {

	tcp := session.tcp

	buffer := make([]byte, tcpRelayBufferSize)

	for {
		n, err := conn.Read(buffer)

		data := buffer[:n]
		for len(data) > 0 {

			available := engine.awaitTCPWindow(session)
			if available == 0 {
				return
			}

			segmentSize := len(data)
			if segmentSize > available {
				segmentSize = available
			}

			tcp.mutex.Lock()
			seq, ack := tcp.sndNxt, tcp.rcvNxt
			tcp.sndNxt += uint32(segmentSize)
			tcp.mutex.Unlock()

			if !engine.writeTCPSegment(
				session,
				seq,
				ack,
				packet.TCPFlagPSH|packet.TCPFlagACK,
				data[:segmentSize]) {

				// Segments are never retransmitted, so a dropped segment
				// leaves a sequence gap the client can't ACK past.
				if !tcp.device.IsClosed() {
					engine.resetTCPSession(session)
				}
				return
			}

			session.touch()
			data = data[segmentSize:]
		}

		if err != nil {
			if session.IsClosed() {
				return
			}
			if err != io.EOF {
				engine.config.Logger.WithTraceFields(
					common.LogFields{"flow": session.key.String(), "error": err}).Debug("read session failed")
				engine.resetTCPSession(session)
				return
			}

			tcp.mutex.Lock()
			seq, ack := tcp.sndNxt, tcp.rcvNxt
			tcp.sndNxt += 1
			tcp.finSent = true
			closed := tcp.writeClosed
			tcp.mutex.Unlock()

			engine.writeTCPSegment(
				session, seq, ack, packet.TCPFlagFIN|packet.TCPFlagACK, nil)

			if closed {
				session.table.removeSession(session)
			}
			return
		}
	}
}

// awaitTCPWindow waits until the client can accept more data, and returns
// the number of bytes that may be sent in the next segment. 0 is returned
// when the session is closed.
func (engine *Engine) awaitTCPWindow(session *Session) int {

	tcp := session.tcp

	for {
		tcp.mutex.Lock()
		inFlight := tcp.sndNxt - tcp.sndUna
		window := tcp.clientWindow
		mss := tcp.mss
		tcp.mutex.Unlock()

		if inFlight < window {
			available := int(window - inFlight)
			if available > mss {
				available = mss
			}
			return available
		}

		select {
		case <-tcp.windowUpdated:
		case <-session.Done():
			return 0
		}
	}
}

// closeWriteTCP half-closes the socket after the client's FIN, and removes
// the session when the socket has already reached EOF.
func (engine *Engine) closeWriteTCP(session *Session, conn net.Conn) {

	tcp := session.tcp
	if tcp == nil {
		return
	}

	if closeWriter, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = closeWriter.CloseWrite()
	}

	tcp.mutex.Lock()
	tcp.writeClosed = true
	closed := tcp.finSent
	tcp.mutex.Unlock()

	if closed {
		session.table.removeSession(session)
	}
}

// resetTCPSession sends a RST to the client and removes the session.
func (engine *Engine) resetTCPSession(session *Session) {

	tcp := session.tcp

	tcp.mutex.Lock()
	seq, ack := tcp.sndNxt, tcp.rcvNxt
	tcp.mutex.Unlock()

	session.table.removeSession(session)

	engine.writeTCPSegment(
		session, seq, ack, packet.TCPFlagRST|packet.TCPFlagACK, nil)
}

func (engine *Engine) writeTCPSegment(
	session *Session,
	seq uint32,
	ack uint32,
	flags packet.TCPFlags,
	payload []byte) bool {

	writePacket, err := packet.EncodeTCP(
		session.key.Destination,
		session.key.Source,
		packet.TCPHeader{
			Seq:    seq,
			Ack:    ack,
			Flags:  flags,
			Window: TCP_RECEIVE_WINDOW,
		},
		payload)
	if err != nil {
		engine.metrics.rejectedPacket(packetDirectionDownstream, packetRejectEncodeFailed)
		return false
	}

	return engine.writeDevicePacket(session.tcp.device, session.key, writePacket)
}

// resetTCPSegment sends a RST in response to a segment that has no
// session, as specified in RFC 793 section 3.4. RSTs are rate limited, as
// a stream of stale segments after a restart may otherwise be answered
// one for one.
func (engine *Engine) resetTCPSegment(device *Device, view *packet.PacketView) {

	if !engine.resetLimiter.Allow() {
		engine.metrics.rejectedPacket(packetDirectionDownstream, packetRejectRateLimited)
		return
	}

	header := packet.TCPHeader{Flags: packet.TCPFlagRST}

	if view.TCP.Flags.Has(packet.TCPFlagACK) {
		header.Seq = view.TCP.Ack
	} else {
		header.Flags |= packet.TCPFlagACK
		header.Ack = view.TCP.Seq + uint32(len(view.Payload))
		if view.TCP.Flags.Has(packet.TCPFlagSYN) {
			header.Ack += 1
		}
		if view.TCP.Flags.Has(packet.TCPFlagFIN) {
			header.Ack += 1
		}
	}

	writePacket, err := packet.EncodeTCP(view.Destination, view.Source, header, nil)
	if err != nil {
		engine.metrics.rejectedPacket(packetDirectionDownstream, packetRejectEncodeFailed)
		return
	}

	engine.writeDevicePacket(device, view.Key(), writePacket)
}
