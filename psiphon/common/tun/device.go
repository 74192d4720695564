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

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
)

const (
	DEFAULT_MTU = 1500
	MIN_MTU     = 576
	MAX_MTU     = 65535
)

// Device manages packet I/O on a tun device. It handles packet I/O using
// static, preallocated buffers to avoid GC churn.
type Device struct {
	name           string
	deviceIO       io.ReadWriteCloser
	closer         interface{ IsClosed() bool }
	inboundBuffer  []byte
	outboundBuffer []byte
}

// NewDeviceFromFD wraps an existing tun device file descriptor, such as
// the one established by a VpnService on Android. The file descriptor is
// duplicated: the caller retains ownership of tunFileDescriptor and Close
// does not close it.
func NewDeviceFromFD(tunFileDescriptor int, MTU int) (*Device, error) {

	nio, err := NewNonblockingIO(tunFileDescriptor)
	if err != nil {
		return nil, errors.Trace(err)
	}

	MTU = getMTU(MTU)

	return &Device{
		name:           "",
		deviceIO:       nio,
		closer:         nio,
		inboundBuffer:  makeDeviceInboundBuffer(MTU),
		outboundBuffer: makeDeviceOutboundBuffer(MTU),
	}, nil
}

// Name returns the interface name, when known.
func (device *Device) Name() string {
	return device.name
}

// ReadPacket reads one full packet from the tun device. The
// return value is a slice of a static, reused buffer, so the
// value is only valid until the next ReadPacket call.
// Concurrent calls to ReadPacket are not supported.
func (device *Device) ReadPacket() ([]byte, error) {

	// readTunPacket performs the platform dependent
	// packet read operation.
	offset, size, err := device.readTunPacket()
	if err != nil {
		return nil, errors.Trace(err)
	}

	return device.inboundBuffer[offset : offset+size], nil
}

// WritePacket writes one full packet to the tun device. WritePacket may
// be called concurrently, including concurrently with ReadPacket; writes
// are serialized.
func (device *Device) WritePacket(packet []byte) error {

	// writeTunPacket performs the platform dependent
	// packet write operation.
	err := device.writeTunPacket(packet)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// IsClosed indicates whether Close has been called.
func (device *Device) IsClosed() bool {
	return device.closer.IsClosed()
}

// Close interrupts any blocking ReadPacket/WritePacket calls and releases
// the duplicated file descriptor.
func (device *Device) Close() error {
	return device.deviceIO.Close()
}
