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
	"encoding/json"
	"fmt"
	"io"
	go_log "log"
	"os"
	"sync"
	"time"

	rotate "github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// TraceLogger adds single frame stack trace information to the underlying
// logging facilities.
type TraceLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the underlying logging
// package.
type LogFields logrus.Fields

// WithTrace adds a "trace" field containing the caller's function name
// and source file line number. Use this function when the log has no
// fields.
func (logger *TraceLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function
// name and source file line number. Use this function when the log has
// fields. Note that any existing "trace" field will be renamed to
// "field.trace".
func (logger *TraceLogger) WithTraceFields(fields LogFields) *logrus.Entry {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrus.Fields(fields))
}

// LogMetric logs a metric event with the specified event name. Metric
// fields are output as-is, with an "event_name" field added.
func (logger *TraceLogger) LogMetric(metric string, fields LogFields) {
	_, ok := fields["event_name"]
	if ok {
		fields["fields.event_name"] = fields["event_name"]
	}
	fields["event_name"] = metric
	logger.WithFields(logrus.Fields(fields)).Info(metric)
}

// CommonLogger wraps a TraceLogger instance with an interface that
// conforms to common.Logger. This is used to make the TraceLogger
// available to other packages that don't import the "psiphon" package.
func CommonLogger(traceLogger *TraceLogger) *commonLogger {
	return &commonLogger{
		traceLogger: traceLogger,
	}
}

type commonLogger struct {
	traceLogger *TraceLogger
}

func (logger *commonLogger) WithTrace() common.LogTrace {
	// Patch trace to be correct parent
	return logger.traceLogger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

func (logger *commonLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	// Patch trace to be correct parent
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return logger.traceLogger.WithFields(logrus.Fields(fields))
}

func (logger *commonLogger) LogMetric(metric string, fields common.LogFields) {
	logger.traceLogger.LogMetric(metric, LogFields(fields))
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter
type CustomJSONFormatter struct {
}

// Format implements logrus.Formatter. This is a customized version
// of the standard logrus.JSONFormatter adapted from:
// https://github.com/Sirupsen/logrus/blob/f1addc29722ba9f7651bc42b4198d0944b66e7c4/json_formatter.go
//
// The changes are:
// - "time" is renamed to "timestamp"
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`
			// https://github.com/Sirupsen/logrus/issues/137
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}

	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if m, ok := data["msg"]; ok {
		data["fields.msg"] = m
	}

	if l, ok := data["level"]; ok {
		data["fields.level"] = l
	}

	data["msg"] = entry.Message
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON, %v", err)
	}

	return append(serialized, '\n'), nil
}

var logMutex sync.Mutex
var log *TraceLogger
var logFileWriter *rotate.RotatableFileWriter

// InitLogging configures a logger according to the specified config
// params. If not called, the default logger set by the package init() is
// used.
func InitLogging(config *Config) error {

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return errors.Trace(err)
	}

	var logWriter io.Writer = os.Stderr
	var fileWriter *rotate.RotatableFileWriter

	if config.LogFilename != "" {

		retries, create, mode := config.GetLogFileReopenConfig()
		fileWriter, err = rotate.NewRotatableFileWriter(
			config.LogFilename, retries, create, mode)
		if err != nil {
			return errors.Trace(err)
		}
		logWriter = fileWriter
	}

	logMutex.Lock()
	defer logMutex.Unlock()

	if logFileWriter != nil {
		logFileWriter.Close()
	}
	logFileWriter = fileWriter

	log = &TraceLogger{
		&logrus.Logger{
			Out:       logWriter,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}

	return nil
}

// ReopenLogFile reopens the log file, for use after an external log
// manager has rotated it.
func ReopenLogFile() error {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFileWriter == nil {
		return nil
	}
	return errors.Trace(logFileWriter.Reopen())
}

// getLogger returns the current process logger.
func getLogger() *TraceLogger {
	logMutex.Lock()
	defer logMutex.Unlock()
	return log
}

func init() {

	// Suppress standard "log" package logging performed by other packages.
	go_log.SetOutput(io.Discard)

	log = &TraceLogger{
		&logrus.Logger{
			Out:       os.Stderr,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
	}
}
