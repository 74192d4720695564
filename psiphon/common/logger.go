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

package common

// Logger exposes a logging interface that's compatible with
// psiphon.TraceLogger. This interface allows the blocklist and tun
// packages to log without importing the psiphon package, which owns
// the logrus configuration.
type Logger interface {
	WithTrace() LogTrace
	WithTraceFields(fields LogFields) LogTrace
	LogMetric(metric string, fields LogFields)
}

// LogTrace is interface-compatible with the return values from
// psiphon.TraceLogger.WithTrace/WithTraceFields.
type LogTrace interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})
}

// LogFields is type-compatible with psiphon.LogFields and logrus.Fields.
type LogFields map[string]interface{}

// Add copies log fields from b to a, skipping fields which already exist,
// regardless of value, in a.
func (a LogFields) Add(b LogFields) {
	for name, value := range b {
		_, ok := a[name]
		if !ok {
			a[name] = value
		}
	}
}

// MetricsSource is an object that provides metrics to be logged.
type MetricsSource interface {

	// GetMetrics returns a LogFields populated with metrics from the
	// MetricsSource. GetMetrics does not reset any counters.
	GetMetrics() LogFields
}

// NoopLogger is a Logger that discards all logs and metrics. It's used
// when a component is configured without a Logger.
type NoopLogger struct{}

func (NoopLogger) WithTrace() LogTrace {
	return noopLogTrace{}
}

func (NoopLogger) WithTraceFields(_ LogFields) LogTrace {
	return noopLogTrace{}
}

func (NoopLogger) LogMetric(_ string, _ LogFields) {
}

type noopLogTrace struct{}

func (noopLogTrace) Debug(_ ...interface{})   {}
func (noopLogTrace) Info(_ ...interface{})    {}
func (noopLogTrace) Warning(_ ...interface{}) {}
func (noopLogTrace) Error(_ ...interface{})   {}
