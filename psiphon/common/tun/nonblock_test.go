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
	"bytes"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"golang.org/x/sys/unix"
)

func newPacketSocketPair(t *testing.T) [2]int {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("Socketpair failed: %s", err)
	}
	return fds
}

func TestNonblockingIO(t *testing.T) {

	// Exercise NonblockingIO Read/Write/Close concurrency
	// and interruption by opening a packet socket pair and
	// relaying packets in both directions. Each side has a
	// reader and a writer, for a total of four goroutines
	// performing concurrent I/O.
	//
	// Reader/writer peers use a common PRNG seed to generate
	// the same stream of packets so the reader can check that
	// the writer sent the expected packets.
	//
	// For half the iterations, the test waits only for the
	// midpoint of communication, so the Close calls will
	// interrupt active readers and writers. For the other
	// half, it waits for the endpoint, so the readers have
	// received all the expected packets and are waiting to
	// read EOF.

	iterations := 10
	maxIO := 9000
	messages := 1000

	for iteration := 0; iteration < iterations; iteration++ {

		fds := newPacketSocketPair(t)

		nio0, err := NewNonblockingIO(fds[0])
		if err != nil {
			t.Fatalf("NewNonblockingIO failed: %s", err)
		}

		nio1, err := NewNonblockingIO(fds[1])
		if err != nil {
			t.Fatalf("NewNonblockingIO failed: %s", err)
		}

		unix.Close(fds[0])
		unix.Close(fds[1])

		readers := new(sync.WaitGroup)
		readersMidpoint := new(sync.WaitGroup)
		readersEndpoint := new(sync.WaitGroup)
		writers := new(sync.WaitGroup)

		reader := func(r io.Reader, isClosed func() bool, seed int) {
			defer readers.Done()

			PRNG := rand.New(rand.NewSource(int64(seed)))

			expectedData := make([]byte, maxIO)
			data := make([]byte, maxIO)

			for i := 0; i < messages; i++ {
				if i == messages/2 {
					readersMidpoint.Done()
				}
				n := int(1 + PRNG.Int31n(int32(maxIO)))
				PRNG.Read(expectedData[:n])
				m, err := r.Read(data)
				if err != nil {
					if isClosed() {
						return
					}
					t.Errorf("Read failed: %s", err)
					return
				}
				if !bytes.Equal(expectedData[:n], data[:m]) {
					t.Errorf("bytes.Equal failed")
					return
				}
			}

			readersEndpoint.Done()

			n, err := r.Read(data)
			if n != 0 || err != io.EOF {
				t.Errorf("expected io.EOF failed")
				return
			}
		}

		writer := func(w io.Writer, isClosed func() bool, seed int) {
			defer writers.Done()

			PRNG := rand.New(rand.NewSource(int64(seed)))

			data := make([]byte, maxIO)

			for i := 0; i < messages; i++ {
				n := int(1 + PRNG.Int31n(int32(maxIO)))
				PRNG.Read(data[:n])
				m, err := w.Write(data[:n])
				if err != nil {
					if isClosed() {
						return
					}
					t.Errorf("w.Write failed: %s", err)
					return
				}
				if m != n {
					t.Errorf("w.Write failed: unexpected number of bytes written")
					return
				}
			}
		}

		isClosed := func() bool {
			return nio0.IsClosed() || nio1.IsClosed()
		}

		readers.Add(2)
		readersMidpoint.Add(2)
		readersEndpoint.Add(2)
		go reader(nio0, isClosed, 0)
		go reader(nio1, isClosed, 1)

		writers.Add(2)
		go writer(nio0, isClosed, 1)
		go writer(nio1, isClosed, 0)

		readersMidpoint.Wait()

		if iteration%2 == 0 {
			readersEndpoint.Wait()
		}

		nio0.Close()
		nio1.Close()

		writers.Wait()
		readers.Wait()
	}
}

func TestNonblockingIOCloseInterruptsRead(t *testing.T) {

	fds := newPacketSocketPair(t)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	nio, err := NewNonblockingIO(fds[0])
	if err != nil {
		t.Fatalf("NewNonblockingIO failed: %s", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := nio.Read(make([]byte, 1500))
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)

	err = nio.Close()
	if err != nil {
		t.Fatalf("Close failed: %s", err)
	}

	select {
	case err := <-result:
		if err != io.EOF {
			t.Fatalf("unexpected Read error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not interrupt Read")
	}

	// The original fd is still owned, and open, for the caller.

	_, err = unix.FcntlInt(uintptr(fds[0]), unix.F_GETFD, 0)
	if err != nil {
		t.Fatalf("original fd closed: %s", err)
	}

	_, err = nio.Write([]byte{1})
	if err == nil {
		t.Fatalf("unexpected Write success after Close")
	}

	// Close is idempotent.

	err = nio.Close()
	if err != nil {
		t.Fatalf("Close failed: %s", err)
	}
}

func TestNonblockingIOPeerHangup(t *testing.T) {

	fds := newPacketSocketPair(t)
	defer unix.Close(fds[0])

	nio, err := NewNonblockingIO(fds[0])
	if err != nil {
		t.Fatalf("NewNonblockingIO failed: %s", err)
	}
	defer nio.Close()

	unix.Close(fds[1])

	_, err = nio.Read(make([]byte, 1500))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("unexpected Read error: %v", err)
	}
}

func TestNonblockingIOInvalidFD(t *testing.T) {

	_, err := NewNonblockingIO(-1)
	if err == nil {
		t.Fatalf("unexpected NewNonblockingIO success")
	}
}
