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

package packet

import (
	"net"
	"strings"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"github.com/miekg/dns"
)

// BlockMode selects the DNS response synthesized for a blocked query.
type BlockMode int

const (
	// BlockModeNXDomain answers with NXDOMAIN.
	BlockModeNXDomain BlockMode = iota

	// BlockModeZeroIP answers A queries with 0.0.0.0 and AAAA queries
	// with ::. Other query types get an empty NOERROR response.
	BlockModeZeroIP
)

const BLOCKED_ANSWER_TTL = 60

func (mode BlockMode) String() string {
	switch mode {
	case BlockModeNXDomain:
		return "nxdomain"
	case BlockModeZeroIP:
		return "zeroip"
	}
	return "unknown"
}

// ParseBlockMode parses "nxdomain" or "zeroip". The empty string is
// BlockModeNXDomain.
func ParseBlockMode(s string) (BlockMode, error) {
	switch strings.ToLower(s) {
	case "", "nxdomain":
		return BlockModeNXDomain, nil
	case "zeroip":
		return BlockModeZeroIP, nil
	}
	return BlockModeNXDomain, errors.Tracef("unknown block mode: %s", s)
}

// BuildBlockedDNSResponse builds the complete IP packet answering the DNS
// query in view. The response carries the query transaction ID and
// question, and is addressed from the query destination back to the
// query source.
func BuildBlockedDNSResponse(view *PacketView, mode BlockMode) ([]byte, error) {

	if view.DNS == nil || view.dnsMessage == nil {
		return nil, errors.TraceNew("not a DNS query")
	}

	response := new(dns.Msg)
	response.SetReply(view.dnsMessage)
	response.Authoritative = false
	response.RecursionAvailable = true

	question := response.Question[0]

	switch mode {

	case BlockModeZeroIP:

		header := dns.RR_Header{
			Name:   question.Name,
			Rrtype: question.Qtype,
			Class:  dns.ClassINET,
			Ttl:    BLOCKED_ANSWER_TTL,
		}

		switch question.Qtype {
		case dns.TypeA:
			response.Answer = append(
				response.Answer, &dns.A{Hdr: header, A: net.IPv4zero.To4()})
		case dns.TypeAAAA:
			response.Answer = append(
				response.Answer, &dns.AAAA{Hdr: header, AAAA: net.IPv6zero})
		}

	default:
		response.Rcode = dns.RcodeNameError
	}

	payload, err := response.Pack()
	if err != nil {
		return nil, errors.Trace(err)
	}

	packet, err := EncodeUDP(view.Destination, view.Source, payload)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return packet, nil
}
