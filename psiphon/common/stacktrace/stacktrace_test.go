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

package stacktrace

import (
	"strings"
	"testing"
)

func parentCaller() string {
	return GetParentFunctionName()
}

func TestGetFrame(t *testing.T) {

	frame := GetFrame(0)
	if !strings.HasPrefix(frame, "stacktrace.TestGetFrame#") {
		t.Fatalf("unexpected frame: %s", frame)
	}

	parent := parentCaller()
	if !strings.HasPrefix(parent, "stacktrace.TestGetFrame#") {
		t.Fatalf("unexpected parent frame: %s", parent)
	}
}
