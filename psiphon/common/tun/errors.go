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
	std_errors "errors"
	"fmt"
)

var (
	// ErrProtectionDenied is matched, with errors.Is, by every error
	// caused by the host refusing to protect a socket.
	ErrProtectionDenied = std_errors.New("socket protection denied")

	// ErrSessionLimit indicates that a new session was not created as
	// the maximum number of concurrent sessions was reached.
	ErrSessionLimit = std_errors.New("session limit reached")

	errUnsupported = std_errors.New("operation unsupported on this platform")
)

// ProtectionDeniedError is returned when the Protector refuses to protect
// the socket with file descriptor FD. The socket is closed and no session
// is created.
type ProtectionDeniedError struct {
	FD int
}

func (e *ProtectionDeniedError) Error() string {
	return fmt.Sprintf("protect socket %d: %s", e.FD, ErrProtectionDenied)
}

func (e *ProtectionDeniedError) Is(target error) bool {
	return target == ErrProtectionDenied
}

// IoError is a failed read or write on the tunnel device or on a session
// socket. A fatal IoError is a tunnel device failure that stops the
// Engine.
type IoError struct {
	Op    string
	Err   error
	fatal bool
}

func newIoError(op string, err error, fatal bool) *IoError {
	return &IoError{Op: op, Err: err, fatal: fatal}
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// Fatal indicates that the tunnel device itself failed.
func (e *IoError) Fatal() bool {
	return e.fatal
}
