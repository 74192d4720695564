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
	"net"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/packet"
)

// relayUDPUpstream queues the datagram payload for the flow's session,
// creating the session on the first datagram. The session socket is
// dialed by the session goroutine, so datagrams may queue while the
// socket connects.
func (engine *Engine) relayUDPUpstream(
	device *Device, sessions *SessionTable, view *packet.PacketView) {

	session, created, err := sessions.GetOrCreate(view.Key(), nil)
	if err != nil {
		engine.metrics.rejectedPacket(
			packetDirectionUpstream, rejectReasonForSessionError(err))
		return
	}

	if created {
		sessions.startWorker(func() {
			engine.runUDPSession(device, session)
		})
	}

	if !session.enqueue(view.Payload) {
		engine.metrics.rejectedPacket(packetDirectionUpstream, packetRejectQueueFull)
		return
	}

	session.touch()

	engine.metrics.relayedPacket(
		packetDirectionUpstream, session.key, len(view.Payload))
}

func (engine *Engine) runUDPSession(device *Device, session *Session) {

	conn, err := session.Dial()
	if err != nil {
		engine.metrics.rejectedPacket(
			packetDirectionUpstream, rejectReasonForSessionError(err))
		engine.config.Logger.WithTraceFields(
			common.LogFields{"flow": session.key.String(), "error": err}).Debug("dial failed")
		session.table.removeSession(session)
		return
	}

	session.table.startWorker(func() {
		engine.runSessionUpstream(session, conn)
	})

	// Each datagram read from the socket is written to the tun device as
	// one packet. Datagrams which don't fit in the MTU are dropped, as
	// outbound IP fragmentation isn't supported.

	buffer := make([]byte, MAX_MTU)

	for {
		n, err := conn.Read(buffer)
		if err != nil {
			if !session.IsClosed() {
				engine.config.Logger.WithTraceFields(
					common.LogFields{"flow": session.key.String(), "error": err}).Debug("read session failed")
				session.table.removeSession(session)
			}
			return
		}

		writePacket, err := packet.EncodeUDP(
			session.key.Destination, session.key.Source, buffer[:n])
		if err != nil {
			engine.metrics.rejectedPacket(packetDirectionDownstream, packetRejectEncodeFailed)
			continue
		}

		if engine.writeDevicePacket(device, session.key, writePacket) {
			session.touch()
		}
	}
}

// runSessionUpstream writes queued client payloads to the session socket.
// A nil queue entry half-closes TCP sockets.
func (engine *Engine) runSessionUpstream(session *Session, conn net.Conn) {

	for {
		select {
		case <-session.Done():
			return
		case payload := <-session.upstream:

			if payload == nil {
				engine.closeWriteTCP(session, conn)
				continue
			}

			_, err := conn.Write(payload)
			if err != nil {
				if !session.IsClosed() {
					engine.config.Logger.WithTraceFields(
						common.LogFields{"flow": session.key.String(), "error": err}).Debug("write session failed")
					if session.tcp != nil {
						engine.resetTCPSession(session)
					} else {
						session.table.removeSession(session)
					}
				}
				return
			}
		}
	}
}
