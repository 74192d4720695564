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

package psiphon

import (
	"net/netip"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/packet"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestControllerFiltersDNS(t *testing.T) {

	notices := captureNotices(t)
	SetEmitDiagnosticNotices(true)
	defer SetEmitDiagnosticNotices(false)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	err = unix.SetsockoptTimeval(
		fds[1], unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 5})
	require.NoError(t, err)

	controller := newTestController(t, `{"BlockResponse": "zeroip"}`)
	controller.AddDomain("controller-blocked.example.com")

	require.NoError(t, controller.Start(fds[0]))
	assert.Equal(t, "running", controller.State())
	assert.Error(t, controller.Start(fds[0]))

	_, ok := notices.find("TunnelStarted")
	assert.True(t, ok)

	source := netip.MustParseAddrPort("10.0.0.2:40000")
	resolver := netip.MustParseAddrPort("10.0.0.1:53")

	query := new(dns.Msg)
	query.SetQuestion("www.controller-blocked.example.com.", dns.TypeA)
	payload, err := query.Pack()
	require.NoError(t, err)

	queryPacket, err := packet.EncodeUDP(source, resolver, payload)
	require.NoError(t, err)
	_, err = unix.Write(fds[1], queryPacket)
	require.NoError(t, err)

	buffer := make([]byte, 65536)
	n, err := unix.Read(fds[1], buffer)
	require.NoError(t, err)

	view, err := packet.Decode(buffer[:n])
	require.NoError(t, err)
	assert.Equal(t, resolver, view.Source)
	assert.Equal(t, source, view.Destination)

	response := new(dns.Msg)
	require.NoError(t, response.Unpack(view.Payload))
	assert.Equal(t, query.Id, response.Id)
	require.Len(t, response.Answer, 1)
	assert.Equal(t, "0.0.0.0", response.Answer[0].(*dns.A).A.String())

	assert.EqualValues(t, 1, controller.FilteredCount())
	assert.EqualValues(t, 1, controller.TotalPackets())

	require.Eventually(t, func() bool {
		_, ok := notices.find("DomainBlocked")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, controller.Stop())
	assert.Equal(t, "stopped", controller.State())

	stopped, ok := notices.find("TunnelStopped")
	require.True(t, ok)
	assert.EqualValues(t, 1, stopped["filteredCount"])

	// Counters persist after Stop and reset on the next Start.

	assert.EqualValues(t, 1, controller.FilteredCount())
	require.NoError(t, controller.Start(fds[0]))
	assert.EqualValues(t, 0, controller.FilteredCount())
	require.NoError(t, controller.Stop())
}
