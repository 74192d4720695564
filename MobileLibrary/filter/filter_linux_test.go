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

package filter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestQueriesDuringFilterLoad(t *testing.T) {

	defer psiphon.SetNoticeWriter(os.Stderr)

	require.NoError(t, Init(`{}`, &testProvider{}))

	AddDomain("slow.example.com")

	// Reading a FIFO with no writer blocks until a writer opens it, holding
	// LoadFilterFile in file I/O.

	fifoPath := filepath.Join(t.TempDir(), "fifo")
	require.NoError(t, unix.Mkfifo(fifoPath, 0600))

	loadResult := make(chan error, 1)
	go func() {
		loadResult <- LoadFilterFile(fifoPath)
	}()

	// Let LoadFilterFile reach the blocking read.
	time.Sleep(100 * time.Millisecond)

	queried := make(chan struct{})
	go func() {
		defer close(queried)
		assert.True(t, IsBlocked("x.slow.example.com"))
		assert.EqualValues(t, 0, GetFilteredCount())
		assert.Equal(t, "stopped", GetState())
	}()

	select {
	case <-queried:
	case <-time.After(1 * time.Second):
		t.Error("queries blocked by LoadFilterFile")
	}

	writer, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = writer.Write([]byte("fifo.example.com\n"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	select {
	case err := <-loadResult:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("LoadFilterFile did not complete")
	}

	<-queried

	assert.True(t, IsBlocked("fifo.example.com"))
}
