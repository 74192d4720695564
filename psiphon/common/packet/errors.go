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

import "fmt"

// DecodeErrorReason classifies why a packet could not be decoded.
type DecodeErrorReason int

const (
	Truncated DecodeErrorReason = iota
	BadIPVersion
	BadHeaderLength
	BadTotalLength
	Fragmented
	UnsupportedProtocol
	BadTransportHeader
	DNSMalformed
	DecodeErrorReasonCount
)

// String returns a description following the metrics naming convention:
// all lowercase; underscore separators.
func (reason DecodeErrorReason) String() string {
	switch reason {
	case Truncated:
		return "truncated"
	case BadIPVersion:
		return "invalid_ip_header_version"
	case BadHeaderLength:
		return "invalid_ip_header_length"
	case BadTotalLength:
		return "invalid_ip_packet_length"
	case Fragmented:
		return "fragmented"
	case UnsupportedProtocol:
		return "unsupported_protocol"
	case BadTransportHeader:
		return "invalid_transport_header"
	case DNSMalformed:
		return "malformed_dns_message"
	}
	return "unknown_reason"
}

// DecodeError is returned by Decode for packets that are malformed or
// that this package does not handle. The packet should be dropped.
type DecodeError struct {
	Reason DecodeErrorReason
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "decode packet: " + e.Reason.String()
	}
	return fmt.Sprintf("decode packet: %s: %s", e.Reason, e.Detail)
}

func decodeError(reason DecodeErrorReason, format string, args ...interface{}) error {
	return &DecodeError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
