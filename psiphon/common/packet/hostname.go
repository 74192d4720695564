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
	"bytes"
	"net"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

const (
	PORT_NUMBER_HTTP  = 80
	PORT_NUMBER_HTTPS = 443

	tlsRecordTypeHandshake      = 22
	tlsHandshakeTypeClientHello = 1
	tlsExtensionServerName      = 0
	tlsServerNameTypeHostName   = 0
	tlsRandomLength             = 32
	httpHeaderSearchLimit       = 4096
)

// ExtractHostname returns the hostname a TCP client names in the first
// payload of a flow: the HTTP Host header for port 80, or the TLS
// ClientHello SNI for port 443. The result is lowercase, without a port.
// "" is returned when no hostname is found, including when the payload
// is truncated or malformed.
func ExtractHostname(view *PacketView) string {

	if view.Protocol != ProtocolTCP || len(view.Payload) == 0 {
		return ""
	}

	var hostname string

	switch view.Destination.Port() {
	case PORT_NUMBER_HTTP:
		hostname = extractHTTPHost(view.Payload)
	case PORT_NUMBER_HTTPS:
		hostname = extractTLSServerName(view.Payload)
	}

	return strings.ToLower(strings.TrimSuffix(hostname, "."))
}

var (
	httpHeaderSeparator = []byte("\r\n")
	httpHostPrefix      = []byte("host:")
)

func extractHTTPHost(payload []byte) string {

	if len(payload) > httpHeaderSearchLimit {
		payload = payload[:httpHeaderSearchLimit]
	}

	// Skip the request line.

	i := bytes.Index(payload, httpHeaderSeparator)
	if i == -1 {
		return ""
	}
	payload = payload[i+len(httpHeaderSeparator):]

	for len(payload) > 0 {

		var line []byte
		i := bytes.Index(payload, httpHeaderSeparator)
		if i == -1 {
			line, payload = payload, nil
		} else {
			line, payload = payload[:i], payload[i+len(httpHeaderSeparator):]
		}

		if len(line) == 0 {
			break
		}

		if len(line) < len(httpHostPrefix) ||
			!bytes.EqualFold(line[:len(httpHostPrefix)], httpHostPrefix) {
			continue
		}

		host := strings.TrimSpace(string(line[len(httpHostPrefix):]))
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		return strings.Trim(host, "[]")
	}

	return ""
}

func extractTLSServerName(payload []byte) string {

	input := cryptobyte.String(payload)

	var recordType uint8
	var record cryptobyte.String
	if !input.ReadUint8(&recordType) ||
		recordType != tlsRecordTypeHandshake ||
		!input.Skip(2) {
		return ""
	}

	// The ClientHello may span several records, in which case only the
	// first record is available here; the extensions are parsed as far
	// as they are present.

	var recordLength uint16
	if !input.ReadUint16(&recordLength) {
		return ""
	}
	if int(recordLength) < len(input) {
		input = input[:recordLength]
	}
	record = input

	var handshakeType uint8
	var handshakeLength uint32
	if !record.ReadUint8(&handshakeType) ||
		handshakeType != tlsHandshakeTypeClientHello ||
		!record.ReadUint24(&handshakeLength) {
		return ""
	}

	var sessionID, cipherSuites, compressionMethods, extensions cryptobyte.String
	if !record.Skip(2) ||
		!record.Skip(tlsRandomLength) ||
		!record.ReadUint8LengthPrefixed(&sessionID) ||
		!record.ReadUint16LengthPrefixed(&cipherSuites) ||
		!record.ReadUint8LengthPrefixed(&compressionMethods) {
		return ""
	}

	var extensionsLength uint16
	if !record.ReadUint16(&extensionsLength) {
		return ""
	}
	extensions = record
	if int(extensionsLength) < len(extensions) {
		extensions = extensions[:extensionsLength]
	}

	for !extensions.Empty() {

		var extensionType uint16
		var extensionData cryptobyte.String
		if !extensions.ReadUint16(&extensionType) ||
			!extensions.ReadUint16LengthPrefixed(&extensionData) {
			return ""
		}

		if extensionType != tlsExtensionServerName {
			continue
		}

		var serverNameList cryptobyte.String
		if !extensionData.ReadUint16LengthPrefixed(&serverNameList) {
			return ""
		}

		for !serverNameList.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !serverNameList.ReadUint8(&nameType) ||
				!serverNameList.ReadUint16LengthPrefixed(&name) {
				return ""
			}
			if nameType == tlsServerNameTypeHostName {
				return string(name)
			}
		}

		return ""
	}

	return ""
}
