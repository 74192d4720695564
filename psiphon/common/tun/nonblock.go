//go:build linux
// +build linux

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
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"golang.org/x/sys/unix"
)

// NonblockingIO provides interruptible I/O for non-pollable
// and/or foreign file descriptors, such as a tun fd handed over
// by the host app, that can't use the Go netpoller.
//
// A NonblockingIO wraps a file descriptor in an
// io.ReadWriteCloser interface. The underlying implementation
// uses poll and a pipe to interrupt Read and Write calls that
// are blocked when Close is called.
//
// Read and write mutexes allow, for each operation, only one
// concurrent goroutine to call syscalls, preventing an unbounded
// number of OS threads from being created by blocked poll
// syscalls.
type NonblockingIO struct {
	closed     int32
	ioFD       int
	controlFDs [2]int
	readMutex  sync.Mutex
	writeMutex sync.Mutex
}

// NewNonblockingIO creates a new NonblockingIO with the specified
// file descriptor, which is duplicated and set to nonblocking and
// close-on-exec. The caller retains ownership of ioFD; Close closes
// only the duplicate.
func NewNonblockingIO(ioFD int) (*NonblockingIO, error) {

	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	newFD, err := unix.Dup(ioFD)
	if err != nil {
		return nil, errors.Trace(err)
	}

	init := func(fd int) error {
		unix.CloseOnExec(fd)
		return unix.SetNonblock(fd, true)
	}

	err = init(newFD)
	if err != nil {
		unix.Close(newFD)
		return nil, errors.Trace(err)
	}

	var controlFDs [2]int
	err = unix.Pipe(controlFDs[:])
	if err != nil {
		unix.Close(newFD)
		return nil, errors.Trace(err)
	}

	for _, fd := range controlFDs {
		err = init(fd)
		if err != nil {
			unix.Close(newFD)
			unix.Close(controlFDs[0])
			unix.Close(controlFDs[1])
			return nil, errors.Trace(err)
		}
	}

	return &NonblockingIO{
		ioFD:       newFD,
		controlFDs: controlFDs,
	}, nil
}

// poll waits until the I/O fd has any of the specified events, or until
// the NonblockingIO is closed. The returned flag is true when closed.
func (nio *NonblockingIO) poll(events int16) (int16, bool, error) {
	for {
		fds := []unix.PollFd{
			{Fd: int32(nio.controlFDs[0]), Events: unix.POLLIN},
			{Fd: int32(nio.ioFD), Events: events},
		}
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		} else if err != nil {
			return 0, false, errors.Trace(err)
		}
		if fds[0].Revents != 0 {
			return 0, true, nil
		}
		if fds[1].Revents&unix.POLLNVAL != 0 {
			return 0, false, errors.Trace(unix.EBADF)
		}
		if fds[1].Revents != 0 {
			return fds[1].Revents, false, nil
		}
	}
}

// Read implements the io.Reader interface. Read returns io.EOF once the
// NonblockingIO is closed. When the peer of the fd has hung up, Read
// returns io.ErrUnexpectedEOF.
func (nio *NonblockingIO) Read(p []byte) (int, error) {
	nio.readMutex.Lock()
	defer nio.readMutex.Unlock()

	if atomic.LoadInt32(&nio.closed) != 0 {
		return 0, io.EOF
	}

	for {
		revents, closed, err := nio.poll(unix.POLLIN)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if closed {
			return 0, io.EOF
		}
		n, err := unix.Read(nio.ioFD, p)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		} else if err != nil {
			return 0, errors.Trace(err)
		}

		if n == 0 {
			if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
				return 0, errors.Trace(io.ErrUnexpectedEOF)
			}

			// https://godoc.org/io#Reader:
			// "Implementations of Read are discouraged from
			// returning a zero byte count with a nil error".
			continue
		}

		return n, nil
	}
}

// Write implements the io.Writer interface. Each Write is a single write
// syscall, as required for packet-oriented fds; a short write is
// reported as io.ErrShortWrite.
func (nio *NonblockingIO) Write(p []byte) (int, error) {
	nio.writeMutex.Lock()
	defer nio.writeMutex.Unlock()

	if atomic.LoadInt32(&nio.closed) != 0 {
		return 0, errors.TraceNew("file already closed")
	}

	for {
		_, closed, err := nio.poll(unix.POLLOUT)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if closed {
			return 0, errors.TraceNew("file has closed")
		}
		n, err := unix.Write(nio.ioFD, p)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		} else if err != nil {
			return 0, errors.Trace(err)
		}
		if n < len(p) {
			return n, errors.Trace(io.ErrShortWrite)
		}
		return n, nil
	}
}

// IsClosed indicates whether the NonblockingIO is closed.
func (nio *NonblockingIO) IsClosed() bool {
	return atomic.LoadInt32(&nio.closed) != 0
}

// Close implements the io.Closer interface.
func (nio *NonblockingIO) Close() error {

	if !atomic.CompareAndSwapInt32(&nio.closed, 0, 1) {
		return nil
	}

	// Interrupt any Reads/Writes blocked in poll.

	var b [1]byte
	_, err := unix.Write(nio.controlFDs[1], b[:])
	if err != nil {
		return errors.Trace(err)
	}

	// Lock to ensure concurrent Read/Writes have
	// exited and are no longer using the file
	// descriptors before closing the file descriptors.

	nio.readMutex.Lock()
	defer nio.readMutex.Unlock()
	nio.writeMutex.Lock()
	defer nio.writeMutex.Unlock()

	unix.Close(nio.controlFDs[0])
	unix.Close(nio.controlFDs[1])
	unix.Close(nio.ioFD)

	return nil
}
