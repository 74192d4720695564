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
	"context"
	"net"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
)

const DEFAULT_DIAL_TIMEOUT = 10 * time.Second

// Protector exempts sockets from the VPN routing that directs traffic
// into the tun device. On Android, this is VpnService.protect.
//
// Protect is called with the file descriptor of each new session socket,
// before the socket is connected. Protect returns false when the socket
// could not be exempted; the socket is then closed unused, since its
// traffic would loop back into the tun device.
type Protector interface {
	Protect(fileDescriptor int) bool
}

// ProtectorFunc adapts a function to the Protector interface.
type ProtectorFunc func(fileDescriptor int) bool

func (f ProtectorFunc) Protect(fileDescriptor int) bool {
	return f(fileDescriptor)
}

// newProtectedDialer returns a net.Dialer that passes each new socket
// through the Protector, between socket creation and connect. A refusal
// aborts the dial with a *ProtectionDeniedError.
func newProtectedDialer(protector Protector, timeout time.Duration) *net.Dialer {

	if timeout <= 0 {
		timeout = DEFAULT_DIAL_TIMEOUT
	}

	return &net.Dialer{
		Timeout: timeout,
		Control: func(_, _ string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				if protector == nil || !protector.Protect(int(fd)) {
					controlErr = &ProtectionDeniedError{FD: int(fd)}
				}
			})
			if controlErr != nil {
				return errors.Trace(controlErr)
			}
			return errors.Trace(err)
		},
	}
}

// dialProtected connects a protected socket to the destination of the
// flow.
func dialProtected(
	ctx context.Context,
	dialer *net.Dialer,
	network string,
	address string) (net.Conn, error) {

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return conn, nil
}
