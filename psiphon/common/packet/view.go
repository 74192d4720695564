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

// Package packet decodes the raw IP packets read from a tun device into
// a PacketView and encodes the IP packets written back to it.
//
// Decoding supports IPv4 and IPv6 with UDP or TCP transport, and parses
// the question of DNS queries. Encoding builds complete IP packets with
// recomputed checksums, including the responses for blocked DNS queries.
package packet

import (
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
)

// Protocol is an IP protocol number.
type Protocol uint8

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

func (protocol Protocol) String() string {
	switch protocol {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	}
	return fmt.Sprintf("protocol_%d", uint8(protocol))
}

const PORT_NUMBER_DNS = 53

// TCPFlags is the TCP header flags octet.
type TCPFlags uint8

const (
	TCPFlagFIN TCPFlags = 0x01
	TCPFlagSYN TCPFlags = 0x02
	TCPFlagRST TCPFlags = 0x04
	TCPFlagPSH TCPFlags = 0x08
	TCPFlagACK TCPFlags = 0x10
)

// Has reports whether all of the given flags are set.
func (flags TCPFlags) Has(f TCPFlags) bool {
	return flags&f == f
}

func (flags TCPFlags) String() string {
	s := ""
	for _, f := range []struct {
		flag TCPFlags
		name string
	}{
		{TCPFlagSYN, "S"},
		{TCPFlagACK, "A"},
		{TCPFlagPSH, "P"},
		{TCPFlagFIN, "F"},
		{TCPFlagRST, "R"},
	} {
		if flags.Has(f.flag) {
			s += f.name
		}
	}
	return s
}

// FlowKey identifies a flow by its protocol and endpoints, as seen in
// packets read from the tun device: Source is the local application and
// Destination is the remote peer. FlowKey is comparable.
type FlowKey struct {
	Protocol    Protocol
	Source      netip.AddrPort
	Destination netip.AddrPort
}

func (key FlowKey) String() string {
	return fmt.Sprintf("%s %s->%s", key.Protocol, key.Source, key.Destination)
}

// DNSQuestion is the first question of a DNS query. Name is lowercase,
// without a trailing dot.
type DNSQuestion struct {
	ID    uint16
	Name  string
	Type  uint16
	Class uint16
}

// TCPHeader holds the TCP header fields used for relaying.
type TCPHeader struct {
	Seq    uint32
	Ack    uint32
	Flags  TCPFlags
	Window uint16

	// MSS is the maximum segment size option value, or 0 when the
	// option is absent.
	MSS uint16
}

// PacketView is a decoded view of an IP packet.
//
// PacketView does not copy: Payload, and the raw packet, are slices of
// the buffer passed to Decode and are only valid while the buffer is not
// reused.
type PacketView struct {
	Version        int
	Protocol       Protocol
	Source         netip.AddrPort
	Destination    netip.AddrPort
	IPHeaderLength int
	TotalLength    int
	TCP            TCPHeader
	Payload        []byte

	// DNS is set for DNS queries, UDP packets to port 53 with at least
	// one question.
	DNS *DNSQuestion

	raw        []byte
	dnsMessage *dns.Msg
}

// Key returns the flow key for the packet.
func (view *PacketView) Key() FlowKey {
	return FlowKey{
		Protocol:    view.Protocol,
		Source:      view.Source,
		Destination: view.Destination,
	}
}

// Raw returns the entire IP packet.
func (view *PacketView) Raw() []byte {
	return view.raw
}

// IsDNSQuery reports whether the packet is a DNS query with a question.
func (view *PacketView) IsDNSQuery() bool {
	return view.DNS != nil
}
