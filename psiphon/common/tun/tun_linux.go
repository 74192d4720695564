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
	"os"
	"strconv"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"golang.org/x/sys/unix"
)

// IsSupported indicates whether Device and the Engine are supported on
// this platform.
func IsSupported() bool {
	return true
}

func makeDeviceInboundBuffer(MTU int) []byte {
	return make([]byte, MTU)
}

func makeDeviceOutboundBuffer(MTU int) []byte {
	// On Linux, no outbound buffer is used.
	return nil
}

// OpenTunDevice opens a file for performing device I/O with either the
// specified tun device, or a new tun device when name is "". Requires
// the process to run as root or to have CAP_NET_ADMIN.
func OpenTunDevice(name string) (*os.File, string, error) {

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, "", errors.Trace(err)
	}

	if name == "" {
		name = "tun%d"
	}

	// Note: using IFF_NO_PI, so packets have no size/flags header. This does mean
	// that if the MTU is changed after the tun device is initialized, packets could
	// be truncated when read.

	ifReq, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, "", errors.Trace(err)
	}
	ifReq.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifReq)
	if err != nil {
		unix.Close(fd)
		return nil, "", errors.Trace(err)
	}

	deviceName := ifReq.Name()

	return os.NewFile(uintptr(fd), deviceName), deviceName, nil
}

// ConfigureTunDevice assigns the address and MTU to the named tun device
// and brings it up.
func ConfigureTunDevice(
	logger common.Logger, deviceName, IPAddressCIDR string, MTU int) error {

	IPAddress, prefixLen, err := splitIPPrefixLen(IPAddressCIDR)
	if err != nil {
		return errors.Trace(err)
	}

	err = runCommand(
		logger,
		"ip", "addr", "replace", IPAddress+"/"+prefixLen, "dev", deviceName)
	if err != nil {
		return errors.Trace(err)
	}

	err = runCommand(
		logger,
		"ip", "link", "set", "dev", deviceName,
		"mtu", strconv.Itoa(getMTU(MTU)), "up")
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func (device *Device) readTunPacket() (int, int, error) {

	// Assumes MTU passed to makeDeviceInboundBuffer is actual MTU and
	// so buffer is sufficiently large to always read a complete packet.

	n, err := device.deviceIO.Read(device.inboundBuffer)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	return 0, n, nil
}

func (device *Device) writeTunPacket(packet []byte) error {

	// Doesn't need outboundBuffer since there's no header; write directly to device.

	_, err := device.deviceIO.Write(packet)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// BindToDevice binds a socket to the specified interface, so that its
// traffic bypasses a tun device that holds the default route. It's an
// alternative to a host-supplied Protector on Linux.
func BindToDevice(fd int, deviceName string) error {
	err := unix.BindToDevice(fd, deviceName)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func validateFileDescriptor(fd int) error {
	if fd < 0 {
		return errors.Trace(unix.EBADF)
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
