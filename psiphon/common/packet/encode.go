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

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const DEFAULT_HOP_LIMIT = 64

// EncodeUDP builds an IP/UDP packet from source to destination. Lengths
// and the IP header and UDP checksums are computed.
func EncodeUDP(source, destination netip.AddrPort, payload []byte) ([]byte, error) {

	networkLayer, serializableNetworkLayer, err := newNetworkLayer(
		source.Addr(), destination.Addr(), layers.IPProtocolUDP)
	if err != nil {
		return nil, errors.Trace(err)
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(source.Port()),
		DstPort: layers.UDPPort(destination.Port()),
	}

	err = udp.SetNetworkLayerForChecksum(networkLayer)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return serialize(serializableNetworkLayer, udp, gopacket.Payload(payload))
}

// EncodeTCP builds an IP/TCP packet from source to destination with the
// header fields in header. An MSS option is included when header.MSS is
// not 0. Lengths and the IP header and TCP checksums are computed.
func EncodeTCP(
	source, destination netip.AddrPort, header TCPHeader, payload []byte) ([]byte, error) {

	networkLayer, serializableNetworkLayer, err := newNetworkLayer(
		source.Addr(), destination.Addr(), layers.IPProtocolTCP)
	if err != nil {
		return nil, errors.Trace(err)
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(source.Port()),
		DstPort: layers.TCPPort(destination.Port()),
		Seq:     header.Seq,
		Ack:     header.Ack,
		FIN:     header.Flags.Has(TCPFlagFIN),
		SYN:     header.Flags.Has(TCPFlagSYN),
		RST:     header.Flags.Has(TCPFlagRST),
		PSH:     header.Flags.Has(TCPFlagPSH),
		ACK:     header.Flags.Has(TCPFlagACK),
		Window:  header.Window,
	}

	if header.MSS != 0 {
		mss := make([]byte, 2)
		binary.BigEndian.PutUint16(mss, header.MSS)
		tcp.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   mss,
		}}
	}

	err = tcp.SetNetworkLayerForChecksum(networkLayer)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return serialize(serializableNetworkLayer, tcp, gopacket.Payload(payload))
}

func newNetworkLayer(
	source, destination netip.Addr,
	protocol layers.IPProtocol) (gopacket.NetworkLayer, gopacket.SerializableLayer, error) {

	if !source.IsValid() || !destination.IsValid() {
		return nil, nil, errors.TraceNew("invalid address")
	}

	if source.Is4() != destination.Is4() {
		return nil, nil, errors.Tracef(
			"mixed address families: %s, %s", source, destination)
	}

	if source.Is4() {
		ipv4 := &layers.IPv4{
			Version:  4,
			TTL:      DEFAULT_HOP_LIMIT,
			Flags:    layers.IPv4DontFragment,
			Protocol: protocol,
			SrcIP:    source.AsSlice(),
			DstIP:    destination.AsSlice(),
		}
		return ipv4, ipv4, nil
	}

	ipv6 := &layers.IPv6{
		Version:    6,
		HopLimit:   DEFAULT_HOP_LIMIT,
		NextHeader: protocol,
		SrcIP:      source.AsSlice(),
		DstIP:      destination.AsSlice(),
	}
	return ipv6, ipv6, nil
}

func serialize(serializableLayers ...gopacket.SerializableLayer) ([]byte, error) {

	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	err := gopacket.SerializeLayers(buffer, options, serializableLayers...)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return buffer.Bytes(), nil
}
