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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	go_log "log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/buildinfo"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/stacktrace"
)

var noticeLoggerMutex sync.Mutex
var noticeLogger = go_log.New(os.Stderr, "", 0)
var noticeLogDiagnostics = int32(0)

// SetEmitDiagnosticNotices toggles whether diagnostic notices are emitted.
// Diagnostic notices contain potentially sensitive browsing information,
// such as blocked domain names; only enable this in environments where
// notices are handled securely.
func SetEmitDiagnosticNotices(enable bool) {
	if enable {
		atomic.StoreInt32(&noticeLogDiagnostics, 1)
	} else {
		atomic.StoreInt32(&noticeLogDiagnostics, 0)
	}
}

// GetEmitDiagnosticNotices returns the current state
// of emitting diagnostic notices.
func GetEmitDiagnosticNotices() bool {
	return atomic.LoadInt32(&noticeLogDiagnostics) == 1
}

// SetNoticeWriter sets a target writer to receive notices. By default,
// notices are written to stderr.
//
// Notices are encoded in JSON. Here's an example:
//
// {"data":{"path":"/data/hosts","added":1024,"total":1024},"noticeType":"FilterLoaded","showUser":false,"timestamp":"2026-01-28T17:35:13Z"}
//
// All notices have the following fields:
// - "noticeType": the type of notice, which indicates the meaning of the notice along with what's in the data payload.
// - "data": additional structured data payload.
// - "showUser": whether the information should be displayed to the user.
// - "timestamp": UTC timezone, RFC3339 format timestamp for notice event
//
// See the Notice* functions for details on each notice meaning and payload.
func SetNoticeWriter(writer io.Writer) {
	noticeLoggerMutex.Lock()
	defer noticeLoggerMutex.Unlock()
	noticeLogger = go_log.New(writer, "", 0)
}

const (
	noticeIsDiagnostic = 1
	noticeShowUser     = 2
)

// outputNotice encodes a notice in JSON and writes it to the output writer.
func outputNotice(noticeType string, noticeFlags uint32, args ...interface{}) {

	if (noticeFlags&noticeIsDiagnostic != 0) && !GetEmitDiagnosticNotices() {
		return
	}

	obj := make(map[string]interface{})
	noticeData := make(map[string]interface{})
	obj["noticeType"] = noticeType
	obj["showUser"] = (noticeFlags&noticeShowUser != 0)
	obj["data"] = noticeData
	obj["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	for i := 0; i < len(args)-1; i += 2 {
		name, ok := args[i].(string)
		value := args[i+1]
		if ok {
			noticeData[name] = value
		}
	}
	encodedJson, err := json.Marshal(obj)
	var output string
	if err == nil {
		output = string(encodedJson)
	} else {
		// Try to emit a properly formatted Alert notice that the outer client can
		// report.
		obj := make(map[string]interface{})
		obj["noticeType"] = "Alert"
		obj["showUser"] = false
		obj["data"] = map[string]interface{}{
			"message": fmt.Sprintf("Marshal notice failed: %s", errors.Trace(err)),
		}
		obj["timestamp"] = time.Now().UTC().Format(time.RFC3339)
		encodedJson, err := json.Marshal(obj)
		if err == nil {
			output = string(encodedJson)
		} else {
			output = errors.TraceNew("failed to marshal notice").Error()
		}
	}
	noticeLoggerMutex.Lock()
	defer noticeLoggerMutex.Unlock()
	noticeLogger.Print(output)
}

// NoticeInfo is an informational message
func NoticeInfo(format string, args ...interface{}) {
	outputNotice("Info", noticeIsDiagnostic, "message", fmt.Sprintf(format, args...))
}

// NoticeAlert is an alert message; typically a recoverable error condition
func NoticeAlert(format string, args ...interface{}) {
	outputNotice("Alert", noticeIsDiagnostic, "message", fmt.Sprintf(format, args...))
}

// NoticeError is an error message; typically an unrecoverable error condition
func NoticeError(format string, args ...interface{}) {
	outputNotice("Error", noticeIsDiagnostic, "message", fmt.Sprintf(format, args...))
}

// NoticeBuildInfo reports build version info.
func NoticeBuildInfo() {
	outputNotice("BuildInfo", 0, "buildInfo", buildinfo.GetBuildInfo().ToMap())
}

// NoticeFilterLoaded reports a loaded filter file, the number of new
// entries it added, and the total number of entries.
func NoticeFilterLoaded(path string, added, total int) {
	outputNotice("FilterLoaded", 0, "path", path, "added", added, "total", total)
}

// NoticeFilterReloaded reports a filter reload that rebuilt the domain
// matcher from all loaded filter files.
func NoticeFilterReloaded(files []string, total int) {
	sortedFiles := append([]string(nil), files...)
	sort.Strings(sortedFiles)
	outputNotice("FilterReloaded", 0, "files", sortedFiles, "total", total)
}

// NoticeTunnelStarted indicates that the packet filter is running.
func NoticeTunnelStarted() {
	outputNotice("TunnelStarted", 0)
}

// NoticeTunnelStopped indicates that the packet filter is stopped, with
// the final packet counters.
func NoticeTunnelStopped(totalPackets, filteredCount int64) {
	outputNotice("TunnelStopped", 0,
		"totalPackets", totalPackets,
		"filteredCount", filteredCount)
}

// NoticeTunnelFatalError indicates that a tun device failure stopped the
// packet filter. The host should tear down and restart the VPN.
func NoticeTunnelFatalError(err error) {
	outputNotice("TunnelFatalError", noticeShowUser, "message", err.Error())
}

// NoticeDomainBlocked reports a blocked domain. Consecutive reports of the
// same domain are suppressed.
func NoticeDomainBlocked(domain string) {
	outputRepetitiveNotice(
		"DomainBlocked", domain, 0,
		"DomainBlocked", noticeIsDiagnostic, "domain", domain)
}

// NoticeMetrics reports a metrics checkpoint.
func NoticeMetrics(metric string, fields common.LogFields) {
	outputNotice("Metrics", noticeIsDiagnostic, "metric", metric, "fields", fields)
}

type repetitiveNoticeState struct {
	message string
	repeats int
}

var repetitiveNoticeMutex sync.Mutex
var repetitiveNoticeStates = make(map[string]*repetitiveNoticeState)

// outputRepetitiveNotice conditionally outputs a notice. Used for noticies which
// often repeat in noisy bursts. For a repeat limit of N, the notice is emitted
// with a "repeats" count on consecutive repeats up to the limit and then suppressed
// until the repetitionMessage differs.
func outputRepetitiveNotice(
	repetitionKey, repetitionMessage string, repeatLimit int,
	noticeType string, noticeFlags uint32, args ...interface{}) {

	repetitiveNoticeMutex.Lock()
	defer repetitiveNoticeMutex.Unlock()

	state, ok := repetitiveNoticeStates[repetitionKey]
	if !ok {
		state = new(repetitiveNoticeState)
		repetitiveNoticeStates[repetitionKey] = state
	}

	emit := true
	if repetitionMessage != state.message {
		state.message = repetitionMessage
		state.repeats = 0
	} else {
		state.repeats += 1
		if state.repeats > repeatLimit {
			emit = false
		}
	}

	if emit {
		if state.repeats > 0 {
			args = append(args, "repeats", state.repeats)
		}
		outputNotice(noticeType, noticeFlags, args...)
	}
}

// noticeCommonLogger is a common.Logger that emits log lines as notices. It's
// used where the host receives notices rather than a log file, as in the
// mobile library.
type noticeCommonLogger struct{}

// NewNoticeLogger returns a common.Logger that outputs Info, Alert, and
// Error notices, and Metrics notices for metrics. Debug logs are
// discarded.
func NewNoticeLogger() common.Logger {
	return noticeCommonLogger{}
}

func (noticeCommonLogger) WithTrace() common.LogTrace {
	return &noticeLogTrace{trace: stacktrace.GetParentFunctionName()}
}

func (noticeCommonLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return &noticeLogTrace{
		trace:  stacktrace.GetParentFunctionName(),
		fields: fields,
	}
}

func (noticeCommonLogger) LogMetric(metric string, fields common.LogFields) {
	NoticeMetrics(metric, fields)
}

type noticeLogTrace struct {
	trace  string
	fields common.LogFields
}

func (trace *noticeLogTrace) message(args ...interface{}) string {
	var buffer strings.Builder
	buffer.WriteString(trace.trace)
	buffer.WriteString(": ")
	buffer.WriteString(fmt.Sprint(args...))
	if len(trace.fields) > 0 {
		names := make([]string, 0, len(trace.fields))
		for name := range trace.fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&buffer, " %s=%v", name, trace.fields[name])
		}
	}
	return buffer.String()
}

func (trace *noticeLogTrace) Debug(_ ...interface{}) {
}

func (trace *noticeLogTrace) Info(args ...interface{}) {
	NoticeInfo("%s", trace.message(args...))
}

func (trace *noticeLogTrace) Warning(args ...interface{}) {
	NoticeAlert("%s", trace.message(args...))
}

func (trace *noticeLogTrace) Error(args ...interface{}) {
	NoticeError("%s", trace.message(args...))
}

type noticeObject struct {
	NoticeType string          `json:"noticeType"`
	Data       json.RawMessage `json:"data"`
	Timestamp  string          `json:"timestamp"`
}

// GetNotice receives a JSON encoded object and attempts to parse it as a Notice.
// The type is returned as a string and the payload as a generic map.
func GetNotice(notice []byte) (
	noticeType string, payload map[string]interface{}, err error) {

	var object noticeObject
	err = json.Unmarshal(notice, &object)
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	var objectPayload map[string]interface{}
	err = json.Unmarshal(object.Data, &objectPayload)
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	return object.NoticeType, objectPayload, nil
}

// NoticeReceiver consumes a notice input stream and invokes a callback function
// for each discrete JSON notice object byte sequence.
type NoticeReceiver struct {
	mutex    sync.Mutex
	buffer   []byte
	callback func([]byte)
}

// NewNoticeReceiver initializes a new NoticeReceiver
func NewNoticeReceiver(callback func([]byte)) *NoticeReceiver {
	return &NoticeReceiver{callback: callback}
}

// Write implements io.Writer.
func (receiver *NoticeReceiver) Write(p []byte) (n int, err error) {
	receiver.mutex.Lock()
	defer receiver.mutex.Unlock()

	receiver.buffer = append(receiver.buffer, p...)

	for {
		index := bytes.Index(receiver.buffer, []byte("\n"))
		if index == -1 {
			break
		}

		notice := receiver.buffer[:index]
		receiver.buffer = receiver.buffer[index+1:]

		receiver.callback(notice)
	}

	return len(p), nil
}

// NewNoticeConsoleRewriter consumes JSON-format notice input and parses each
// notice and rewrites in a more human-readable format more suitable for
// console output. The data payload field is left as JSON.
func NewNoticeConsoleRewriter(writer io.Writer) *NoticeReceiver {
	return NewNoticeReceiver(func(notice []byte) {
		var object noticeObject
		_ = json.Unmarshal(notice, &object)
		fmt.Fprintf(
			writer,
			"%s %s %s\n",
			object.Timestamp,
			object.NoticeType,
			string(object.Data))
	})
}
