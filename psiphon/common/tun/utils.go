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
	"fmt"
	"net/netip"
	"os/exec"
	"strconv"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
)

func runCommand(logger common.Logger, name string, args ...string) error {

	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()

	logger.WithTraceFields(common.LogFields{
		"command": name,
		"args":    args,
		"output":  string(output),
		"error":   err,
	}).Debug("exec")

	if err != nil {
		err := fmt.Errorf("command %s %+v failed with %s", name, args, string(output))
		return errors.Trace(err)
	}
	return nil
}

func splitIPPrefixLen(IPAddressCIDR string) (string, string, error) {

	prefix, err := netip.ParsePrefix(IPAddressCIDR)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	return prefix.Addr().String(), strconv.Itoa(prefix.Bits()), nil
}

func getMTU(configMTU int) int {
	if configMTU <= 0 {
		return DEFAULT_MTU
	} else if configMTU < MIN_MTU {
		return MIN_MTU
	} else if configMTU > MAX_MTU {
		return MAX_MTU
	}
	return configMTU
}

// maxSegmentSize is the largest TCP payload that fits in one packet of
// the specified IP version.
func maxSegmentSize(MTU int, IPVersion int) int {
	if IPVersion == 4 {
		return getMTU(MTU) - 40
	}
	return getMTU(MTU) - 60
}
