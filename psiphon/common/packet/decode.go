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
	"encoding/binary"
	"net/netip"
	"strings"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"github.com/miekg/dns"
)

/*
   Header offsets are from the following RFC definitions:

   IPv4 header: https://tools.ietf.org/html/rfc791
   IPv6 header: https://tools.ietf.org/html/rfc2460
   TCP header:  https://tools.ietf.org/html/rfc793
   UDP header:  https://tools.ietf.org/html/rfc768
*/

const (
	IPV4_HEADER_MIN_LENGTH = 20
	IPV6_HEADER_LENGTH     = 40
	UDP_HEADER_LENGTH      = 8
	TCP_HEADER_MIN_LENGTH  = 20

	ipv4FlagMoreFragments  = 0x2000
	ipv4FragmentOffsetMask = 0x1fff

	tcpOptionEnd = 0
	tcpOptionNOP = 1
	tcpOptionMSS = 2
)

// Decode parses the IP packet in buffer. Any error is a *DecodeError.
//
// Decode never panics on malformed input: every offset is checked
// against the buffer and the lengths declared by the headers.
func Decode(buffer []byte) (*PacketView, error) {
	view := &PacketView{}
	err := decodeInto(view, buffer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return view, nil
}

func decodeInto(view *PacketView, buffer []byte) error {

	if len(buffer) < 1 {
		return decodeError(Truncated, "empty packet")
	}

	var transport []byte

	switch version := buffer[0] >> 4; version {

	case 4:

		if len(buffer) < IPV4_HEADER_MIN_LENGTH {
			return decodeError(Truncated, "ipv4 header: %d bytes", len(buffer))
		}

		headerLength := int(buffer[0]&0x0f) * 4
		if headerLength < IPV4_HEADER_MIN_LENGTH || headerLength > len(buffer) {
			return decodeError(BadHeaderLength, "ipv4 header length %d", headerLength)
		}

		totalLength := int(binary.BigEndian.Uint16(buffer[2:4]))
		if totalLength < headerLength || totalLength > len(buffer) {
			return decodeError(
				BadTotalLength, "ipv4 total length %d, buffer %d", totalLength, len(buffer))
		}

		fragment := binary.BigEndian.Uint16(buffer[6:8])
		if fragment&ipv4FlagMoreFragments != 0 || fragment&ipv4FragmentOffsetMask != 0 {
			return decodeError(Fragmented, "ipv4 fragment 0x%04x", fragment)
		}

		view.Version = 4
		view.Protocol = Protocol(buffer[9])
		view.IPHeaderLength = headerLength
		view.TotalLength = totalLength

		source := netip.AddrFrom4([4]byte(buffer[12:16]))
		destination := netip.AddrFrom4([4]byte(buffer[16:20]))
		view.Source = netip.AddrPortFrom(source, 0)
		view.Destination = netip.AddrPortFrom(destination, 0)

		transport = buffer[headerLength:totalLength]

	case 6:

		if len(buffer) < IPV6_HEADER_LENGTH {
			return decodeError(Truncated, "ipv6 header: %d bytes", len(buffer))
		}

		payloadLength := int(binary.BigEndian.Uint16(buffer[4:6]))
		totalLength := IPV6_HEADER_LENGTH + payloadLength
		if totalLength > len(buffer) {
			return decodeError(
				BadTotalLength, "ipv6 payload length %d, buffer %d", payloadLength, len(buffer))
		}

		// Extension headers are not walked; a packet with any next header
		// other than TCP or UDP is rejected as unsupported below.

		view.Version = 6
		view.Protocol = Protocol(buffer[6])
		view.IPHeaderLength = IPV6_HEADER_LENGTH
		view.TotalLength = totalLength

		source := netip.AddrFrom16([16]byte(buffer[8:24]))
		destination := netip.AddrFrom16([16]byte(buffer[24:40]))
		view.Source = netip.AddrPortFrom(source, 0)
		view.Destination = netip.AddrPortFrom(destination, 0)

		transport = buffer[IPV6_HEADER_LENGTH:totalLength]

	default:
		return decodeError(BadIPVersion, "version %d", version)
	}

	view.raw = buffer[:view.TotalLength]

	switch view.Protocol {

	case ProtocolUDP:

		if len(transport) < UDP_HEADER_LENGTH {
			return decodeError(BadTransportHeader, "udp header: %d bytes", len(transport))
		}

		length := int(binary.BigEndian.Uint16(transport[4:6]))
		if length < UDP_HEADER_LENGTH || length > len(transport) {
			return decodeError(BadTransportHeader, "udp length %d", length)
		}

		view.setPorts(transport)
		view.Payload = transport[UDP_HEADER_LENGTH:length]

		if view.Destination.Port() == PORT_NUMBER_DNS ||
			view.Source.Port() == PORT_NUMBER_DNS {

			err := view.decodeDNS()
			if err != nil {
				return err
			}
		}

	case ProtocolTCP:

		if len(transport) < TCP_HEADER_MIN_LENGTH {
			return decodeError(BadTransportHeader, "tcp header: %d bytes", len(transport))
		}

		dataOffset := int(transport[12]>>4) * 4
		if dataOffset < TCP_HEADER_MIN_LENGTH || dataOffset > len(transport) {
			return decodeError(BadTransportHeader, "tcp data offset %d", dataOffset)
		}

		view.setPorts(transport)
		view.TCP = TCPHeader{
			Seq:    binary.BigEndian.Uint32(transport[4:8]),
			Ack:    binary.BigEndian.Uint32(transport[8:12]),
			Flags:  TCPFlags(transport[13]),
			Window: binary.BigEndian.Uint16(transport[14:16]),
			MSS:    parseMSSOption(transport[TCP_HEADER_MIN_LENGTH:dataOffset]),
		}
		view.Payload = transport[dataOffset:]

	default:
		return decodeError(UnsupportedProtocol, "%s", view.Protocol)
	}

	return nil
}

func (view *PacketView) setPorts(transport []byte) {
	view.Source = netip.AddrPortFrom(
		view.Source.Addr(), binary.BigEndian.Uint16(transport[0:2]))
	view.Destination = netip.AddrPortFrom(
		view.Destination.Addr(), binary.BigEndian.Uint16(transport[2:4]))
}

// parseMSSOption returns the value of the MSS option, or 0. Malformed
// options end the scan.
func parseMSSOption(options []byte) uint16 {
	for i := 0; i < len(options); {
		switch options[i] {
		case tcpOptionEnd:
			return 0
		case tcpOptionNOP:
			i++
			continue
		}
		if i+1 >= len(options) {
			return 0
		}
		length := int(options[i+1])
		if length < 2 || i+length > len(options) {
			return 0
		}
		if options[i] == tcpOptionMSS && length == 4 {
			return binary.BigEndian.Uint16(options[i+2 : i+4])
		}
		i += length
	}
	return 0
}

// decodeDNS parses the UDP payload of a port 53 packet. Responses, and
// queries without a question, leave view.DNS unset.
func (view *PacketView) decodeDNS() error {

	message := new(dns.Msg)
	err := message.Unpack(view.Payload)
	if err != nil {
		return decodeError(DNSMalformed, "%v", err)
	}

	if message.Response || len(message.Question) < 1 {
		return nil
	}

	question := message.Question[0]

	// The root name "." becomes "", which matches no entry.

	name := strings.ToLower(strings.TrimSuffix(question.Name, "."))

	view.DNS = &DNSQuestion{
		ID:    message.Id,
		Name:  name,
		Type:  question.Qtype,
		Class: question.Qclass,
	}
	view.dnsMessage = message

	return nil
}
