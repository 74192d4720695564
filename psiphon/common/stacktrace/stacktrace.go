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

/*

Package stacktrace provides helpers for rendering single stack frames, in
the "package.Function#line" form used in error messages and log "trace"
fields.

*/
package stacktrace

import (
	"fmt"
	"runtime"
	"strings"
)

// GetFunctionName extracts a short function name, with the package path
// prefix removed, from the full name returned by runtime.Func.Name.
func GetFunctionName(pc uintptr) string {
	f := runtime.FuncForPC(pc)
	if f == nil {
		return "unknown"
	}
	funcName := f.Name()
	index := strings.LastIndex(funcName, "/")
	if index != -1 {
		funcName = funcName[index+1:]
	}
	return funcName
}

// GetFrame returns the "function#line" label for the stack frame skip
// levels above the caller of GetFrame. GetFrame(0) labels the caller.
func GetFrame(skip int) string {
	pc, _, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown#0"
	}
	return fmt.Sprintf("%s#%d", GetFunctionName(pc), line)
}

// GetParentFunctionName labels the caller's parent frame.
func GetParentFunctionName() string {
	return GetFrame(2)
}
