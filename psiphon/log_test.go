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
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLogLines(t *testing.T, path string) []map[string]interface{} {
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestLogFileRotation(t *testing.T) {

	dir := t.TempDir()
	path := filepath.Join(dir, "filter.log")

	config, err := LoadConfig([]byte(`{"LogLevel": "debug", "LogFilename": "` +
		filepath.ToSlash(path) + `"}`))
	require.NoError(t, err)

	require.NoError(t, InitLogging(config))
	defer func() {
		defaultConfig, _ := LoadConfig([]byte("{}"))
		_ = InitLogging(defaultConfig)
	}()

	logger := CommonLogger(getLogger())
	logger.WithTraceFields(common.LogFields{"domain": "example.com"}).Debug("first")
	logger.LogMetric("packet_metrics", common.LogFields{"event_name": "x", "count": 1})

	lines := readLogLines(t, path)
	require.Len(t, lines, 2)

	assert.Equal(t, "first", lines[0]["msg"])
	assert.Equal(t, "debug", lines[0]["level"])
	assert.Equal(t, "example.com", lines[0]["domain"])
	assert.Contains(t, lines[0]["trace"], "TestLogFileRotation")
	timestamp, ok := lines[0]["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, timestamp)
	assert.NoError(t, err)

	assert.Equal(t, "packet_metrics", lines[1]["event_name"])
	assert.Equal(t, "x", lines[1]["fields.event_name"])

	rotated := filepath.Join(dir, "filter.log.1")
	require.NoError(t, os.Rename(path, rotated))
	require.NoError(t, ReopenLogFile())

	logger.WithTrace().Info("second")

	assert.Len(t, readLogLines(t, rotated), 2)
	lines = readLogLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "second", lines[0]["msg"])
}

func TestLogLevel(t *testing.T) {

	dir := t.TempDir()
	path := filepath.Join(dir, "filter.log")

	config, err := LoadConfig([]byte(`{"LogLevel": "warn", "LogFilename": "` +
		filepath.ToSlash(path) + `"}`))
	require.NoError(t, err)

	require.NoError(t, InitLogging(config))
	defer func() {
		defaultConfig, _ := LoadConfig([]byte("{}"))
		_ = InitLogging(defaultConfig)
	}()

	logger := CommonLogger(getLogger())
	logger.WithTrace().Info("dropped")
	logger.WithTrace().Warning("kept")

	lines := readLogLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.Equal(t, "warning", lines[0]["level"])
}
