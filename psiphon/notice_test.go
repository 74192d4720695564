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
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoticeReceiver(t *testing.T) {

	var notices []string
	receiver := NewNoticeReceiver(func(notice []byte) {
		notices = append(notices, string(notice))
	})

	_, err := receiver.Write([]byte("{\"a\":1}\n{\"b\""))
	require.NoError(t, err)
	assert.Equal(t, []string{"{\"a\":1}"}, notices)

	_, err = receiver.Write([]byte(":2}\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"{\"a\":1}", "{\"b\":2}"}, notices)
}

func TestNoticeDiagnostics(t *testing.T) {

	notices := captureNotices(t)

	SetEmitDiagnosticNotices(false)
	NoticeError("hidden")
	NoticeDomainBlocked("hidden.example.com")
	NoticeInfo("hidden %d", 1)
	NoticeFilterLoaded("/data/hosts", 1, 1)

	_, ok := notices.find("Error")
	assert.False(t, ok)
	_, ok = notices.find("Info")
	assert.False(t, ok)
	_, ok = notices.find("DomainBlocked")
	assert.False(t, ok)
	payload, ok := notices.find("FilterLoaded")
	require.True(t, ok)
	assert.Equal(t, "/data/hosts", payload["path"])

	SetEmitDiagnosticNotices(true)
	defer SetEmitDiagnosticNotices(false)

	NoticeError("shown")
	_, ok = notices.find("Error")
	assert.True(t, ok)
}

func TestNoticeDomainBlockedRepeats(t *testing.T) {

	notices := captureNotices(t)
	SetEmitDiagnosticNotices(true)
	defer SetEmitDiagnosticNotices(false)

	for _, domain := range []string{
		"first.repeat.example.com",
		"first.repeat.example.com",
		"first.repeat.example.com",
		"second.repeat.example.com",
		"first.repeat.example.com",
	} {
		NoticeDomainBlocked(domain)
	}

	var domains []interface{}
	notices.mutex.Lock()
	for i, noticeType := range notices.notices {
		if noticeType == "DomainBlocked" {
			domains = append(domains, notices.payloads[i]["domain"])
		}
	}
	notices.mutex.Unlock()

	assert.Equal(t, []interface{}{
		"first.repeat.example.com",
		"second.repeat.example.com",
		"first.repeat.example.com",
	}, domains)
}

func TestNoticeLogger(t *testing.T) {

	notices := captureNotices(t)
	SetEmitDiagnosticNotices(true)
	defer SetEmitDiagnosticNotices(false)

	logger := NewNoticeLogger()

	logger.WithTrace().Debug("dropped")
	logger.WithTraceFields(common.LogFields{"b": 2, "a": 1}).Info("message")
	logger.LogMetric("packet_metrics", common.LogFields{"count": 1})

	payload, ok := notices.find("Info")
	require.True(t, ok)
	message := payload["message"].(string)
	assert.True(t, strings.HasSuffix(message, "message a=1 b=2"), message)

	payload, ok = notices.find("Metrics")
	require.True(t, ok)
	assert.Equal(t, "packet_metrics", payload["metric"])

	notices.mutex.Lock()
	assert.Len(t, notices.notices, 2)
	notices.mutex.Unlock()
}

func TestNoticeConsoleRewriter(t *testing.T) {

	var buffer bytes.Buffer
	SetNoticeWriter(NewNoticeConsoleRewriter(&buffer))
	defer SetNoticeWriter(os.Stderr)

	NoticeFilterLoaded("/data/hosts", 2, 3)

	output := buffer.String()
	assert.Contains(t, output, " FilterLoaded ")
	assert.Contains(t, output, fmt.Sprintf("\"path\":%q", "/data/hosts"))
}
