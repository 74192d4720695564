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

Package errors provides error wrapping helpers that add inline, single frame
stack trace information to error messages.

All wrapping uses %w, so the standard errors.Is and errors.As continue to
find typed errors, such as packet.DecodeError, through any number of Trace
calls. Is and As are re-exported here so callers need not import both
packages under different names.

*/
package errors

import (
	std_errors "errors"
	"fmt"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/stacktrace"
)

// TraceNew returns a new error with the given message, wrapped with the caller
// stack frame information.
func TraceNew(message string) error {
	err := std_errors.New(message)
	return fmt.Errorf("%s: %w", stacktrace.GetFrame(1), err)
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller stack frame information.
func Tracef(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	return fmt.Errorf("%s: %w", stacktrace.GetFrame(1), err)
}

// Trace wraps the given error with the caller stack frame information.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", stacktrace.GetFrame(1), err)
}

// TraceMsg wraps the given error with the caller stack frame information
// and the given message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", stacktrace.GetFrame(1), message, err)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return std_errors.Is(err, target)
}

// As is errors.As.
func As(err error, target interface{}) bool {
	return std_errors.As(err, target)
}
