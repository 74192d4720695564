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
	"sync/atomic"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/packet"
)

type packetDirection int

const (
	packetDirectionUpstream packetDirection = iota
	packetDirectionDownstream
)

type packetRejectReason int

const (
	packetRejectNoSession packetRejectReason = iota
	packetRejectSessionLimit
	packetRejectProtectionDenied
	packetRejectDialFailed
	packetRejectQueueFull
	packetRejectOversized
	packetRejectEncodeFailed
	packetRejectRateLimited
	packetRejectReasonCount
)

func packetRejectReasonDescription(reason packetRejectReason) string {

	// Description strings follow the metrics naming
	// convention: all lowercase; underscore seperators.

	switch reason {
	case packetRejectNoSession:
		return "no_session"
	case packetRejectSessionLimit:
		return "session_limit"
	case packetRejectProtectionDenied:
		return "protection_denied"
	case packetRejectDialFailed:
		return "dial_failed"
	case packetRejectQueueFull:
		return "queue_full"
	case packetRejectOversized:
		return "oversized_packet"
	case packetRejectEncodeFailed:
		return "encode_failed"
	case packetRejectRateLimited:
		return "rate_limited"
	}

	return "unknown_reason"
}

type packetMetrics struct {
	decodeRejectReasons     [packet.DecodeErrorReasonCount]int64
	upstreamRejectReasons   [packetRejectReasonCount]int64
	downstreamRejectReasons [packetRejectReasonCount]int64
	blockedDNSQueries       int64
	blockedHostnames        int64
	TCPIPv4                 relayedPacketMetrics
	TCPIPv6                 relayedPacketMetrics
	UDPIPv4                 relayedPacketMetrics
	UDPIPv6                 relayedPacketMetrics
}

type relayedPacketMetrics struct {
	packetsUp   int64
	packetsDown int64
	bytesUp     int64
	bytesDown   int64
}

func (metrics *packetMetrics) undecodablePacket(reason packet.DecodeErrorReason) {
	if reason < 0 || reason >= packet.DecodeErrorReasonCount {
		return
	}
	atomic.AddInt64(&metrics.decodeRejectReasons[reason], 1)
}

func (metrics *packetMetrics) rejectedPacket(
	direction packetDirection,
	reason packetRejectReason) {

	if direction == packetDirectionUpstream {

		atomic.AddInt64(&metrics.upstreamRejectReasons[reason], 1)

	} else { // packetDirectionDownstream

		atomic.AddInt64(&metrics.downstreamRejectReasons[reason], 1)

	}
}

func (metrics *packetMetrics) relayedPacket(
	direction packetDirection,
	key packet.FlowKey,
	packetLength int) {

	var relayed *relayedPacketMetrics

	if key.Source.Addr().Is4() {
		if key.Protocol == packet.ProtocolTCP {
			relayed = &metrics.TCPIPv4
		} else {
			relayed = &metrics.UDPIPv4
		}
	} else {
		if key.Protocol == packet.ProtocolTCP {
			relayed = &metrics.TCPIPv6
		} else {
			relayed = &metrics.UDPIPv6
		}
	}

	// Note: packet length, and so bytes transferred, includes IP and TCP/UDP
	// headers for packets written to the tun device, and only payload data
	// for packets written to session sockets.

	if direction == packetDirectionUpstream {
		atomic.AddInt64(&relayed.packetsUp, 1)
		atomic.AddInt64(&relayed.bytesUp, int64(packetLength))
	} else {
		atomic.AddInt64(&relayed.packetsDown, 1)
		atomic.AddInt64(&relayed.bytesDown, int64(packetLength))
	}
}

func (metrics *packetMetrics) snapshot(reset bool) common.LogFields {

	load := func(counter *int64) int64 {
		if reset {
			return atomic.SwapInt64(counter, 0)
		}
		return atomic.LoadInt64(counter)
	}

	logFields := make(common.LogFields)

	for i := packet.DecodeErrorReason(0); i < packet.DecodeErrorReasonCount; i++ {
		logFields["upstream_packet_rejected_"+i.String()] =
			load(&metrics.decodeRejectReasons[i])
	}

	for i := packetRejectReason(0); i < packetRejectReasonCount; i++ {
		logFields["upstream_packet_rejected_"+packetRejectReasonDescription(i)] =
			load(&metrics.upstreamRejectReasons[i])
		logFields["downstream_packet_rejected_"+packetRejectReasonDescription(i)] =
			load(&metrics.downstreamRejectReasons[i])
	}

	logFields["blocked_dns_queries"] = load(&metrics.blockedDNSQueries)
	logFields["blocked_hostnames"] = load(&metrics.blockedHostnames)

	relayedMetrics := []struct {
		prefix  string
		metrics *relayedPacketMetrics
	}{
		{"tcp_ipv4_", &metrics.TCPIPv4},
		{"tcp_ipv6_", &metrics.TCPIPv6},
		{"udp_ipv4_", &metrics.UDPIPv4},
		{"udp_ipv6_", &metrics.UDPIPv6},
	}

	for _, r := range relayedMetrics {
		logFields[r.prefix+"packets_up"] = load(&r.metrics.packetsUp)
		logFields[r.prefix+"packets_down"] = load(&r.metrics.packetsDown)
		logFields[r.prefix+"bytes_up"] = load(&r.metrics.bytesUp)
		logFields[r.prefix+"bytes_down"] = load(&r.metrics.bytesDown)
	}

	return logFields
}

// checkpoint reports all metric counters in a single log message. Each
// counter is reset to 0 when added to the log.
func (metrics *packetMetrics) checkpoint(logger common.Logger, logName string) {
	logger.LogMetric(logName, metrics.snapshot(true))
}
