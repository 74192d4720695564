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
	"net/netip"
	"os"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/packet"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/tun"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_LOG_LEVEL                 = "info"
	DEFAULT_LOG_FILE_REOPEN_RETRIES   = 25
	DEFAULT_LOG_FILE_CREATE_MODE      = 0600
	DEFAULT_UDP_IDLE_TIMEOUT_SECONDS  = 60
	DEFAULT_DNS_IDLE_TIMEOUT_SECONDS  = 10
	DEFAULT_TCP_IDLE_TIMEOUT_SECONDS  = 300
	DEFAULT_STOP_TIMEOUT_MILLISECONDS = 1000
	DEFAULT_EXPECTED_FILTER_ENTRIES   = 100000
	MIN_FILTER_RELOAD_PERIOD_SECONDS  = 10
)

// Config is the domain filter configuration. Config is loaded from JSON
// with LoadConfig. Zero values select defaults.
type Config struct {

	// LogLevel specifies the log level. Valid values are "panic", "fatal",
	// "error", "warn", "info", "debug", and "trace". The default is "info".
	LogLevel string

	// LogFilename specifies a log file to write to. When blank, logs are
	// written to stderr. The file may be rotated by an external log manager.
	LogFilename string

	// LogFileReopenRetries specifies how many retries, each with a 1ms
	// delay, to attempt after encountering an error while reopening a
	// rotated log file. The default is 25.
	LogFileReopenRetries *int

	// LogFileCreateMode specifies the file mode used to create a missing
	// log file. The default is 0600.
	LogFileCreateMode *int

	// EmitDiagnosticNotices indicates whether to output notices containing
	// detailed information, including blocked domain names. Only enable
	// this when notices are handled securely.
	EmitDiagnosticNotices bool

	// MTU is the tun device MTU. The default is 1500.
	MTU int

	// BlockResponse selects the DNS response for blocked queries:
	// "nxdomain", the default, or "zeroip".
	BlockResponse string

	// BlockHostnames enables blocking TCP flows by HTTP Host or TLS SNI.
	BlockHostnames bool

	// UDPIdleTimeoutSeconds, DNSIdleTimeoutSeconds, and
	// TCPIdleTimeoutSeconds are the session idle timeouts. The defaults
	// are 60, 10, and 300.
	UDPIdleTimeoutSeconds int
	DNSIdleTimeoutSeconds int
	TCPIdleTimeoutSeconds int

	// MaxSessions is the maximum number of concurrent relayed flows. The
	// default is 1024.
	MaxSessions int

	// StopTimeoutMilliseconds bounds how long Stop waits for the engine
	// to halt. The default is 1000.
	StopTimeoutMilliseconds int

	// FilterFiles are filter lists to load on startup, in plain or hosts
	// format.
	FilterFiles []string

	// FilterReloadPeriodSeconds, when greater than 0, enables periodic
	// reloading of changed filter files. The minimum period is 10.
	FilterReloadPeriodSeconds int

	// ExpectedFilterEntries sizes the domain lookup prefilter. The default
	// is 100000.
	ExpectedFilterEntries int

	// MetricsCheckpointSeconds is the period for logging packet metrics.
	// The default is 300.
	MetricsCheckpointSeconds int

	// UpstreamDNSServer, when set, is an "address:port" to which allowed
	// DNS queries are forwarded, in place of the DNS server address
	// assigned to the tun device.
	UpstreamDNSServer string

	blockMode packet.BlockMode
	dnsServer netip.AddrPort
}

// LoadConfig parses and validates a JSON format domain filter config and
// returns a Config populated with config values and defaults.
func LoadConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.LogLevel == "" {
		config.LogLevel = DEFAULT_LOG_LEVEL
	}
	_, err = logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, errors.Trace(err)
	}

	config.blockMode, err = packet.ParseBlockMode(config.BlockResponse)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.MTU == 0 {
		config.MTU = tun.DEFAULT_MTU
	}
	if config.MTU < tun.MIN_MTU || config.MTU > tun.MAX_MTU {
		return nil, errors.Tracef("invalid MTU: %d", config.MTU)
	}

	for _, value := range []struct {
		name         string
		field        *int
		defaultValue int
	}{
		{"UDPIdleTimeoutSeconds", &config.UDPIdleTimeoutSeconds, DEFAULT_UDP_IDLE_TIMEOUT_SECONDS},
		{"DNSIdleTimeoutSeconds", &config.DNSIdleTimeoutSeconds, DEFAULT_DNS_IDLE_TIMEOUT_SECONDS},
		{"TCPIdleTimeoutSeconds", &config.TCPIdleTimeoutSeconds, DEFAULT_TCP_IDLE_TIMEOUT_SECONDS},
		{"MaxSessions", &config.MaxSessions, tun.DEFAULT_MAX_SESSIONS},
		{"StopTimeoutMilliseconds", &config.StopTimeoutMilliseconds, DEFAULT_STOP_TIMEOUT_MILLISECONDS},
		{"ExpectedFilterEntries", &config.ExpectedFilterEntries, DEFAULT_EXPECTED_FILTER_ENTRIES},
		{"MetricsCheckpointSeconds", &config.MetricsCheckpointSeconds, int(tun.DEFAULT_METRICS_CHECKPOINT_INTERVAL / time.Second)},
	} {
		if *value.field < 0 {
			return nil, errors.Tracef("invalid %s: %d", value.name, *value.field)
		}
		if *value.field == 0 {
			*value.field = value.defaultValue
		}
	}

	if config.UpstreamDNSServer != "" {
		config.dnsServer, err = netip.ParseAddrPort(config.UpstreamDNSServer)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	if config.FilterReloadPeriodSeconds < 0 {
		return nil, errors.Tracef(
			"invalid FilterReloadPeriodSeconds: %d", config.FilterReloadPeriodSeconds)
	}
	if config.FilterReloadPeriodSeconds > 0 &&
		config.FilterReloadPeriodSeconds < MIN_FILTER_RELOAD_PERIOD_SECONDS {

		config.FilterReloadPeriodSeconds = MIN_FILTER_RELOAD_PERIOD_SECONDS
	}

	return &config, nil
}

// GetLogFileReopenConfig gets the reopen retries, create, and create mode
// parameters for rotate.NewRotatableFileWriter.
func (config *Config) GetLogFileReopenConfig() (int, bool, os.FileMode) {

	retries := DEFAULT_LOG_FILE_REOPEN_RETRIES
	if config.LogFileReopenRetries != nil {
		retries = *config.LogFileReopenRetries
	}

	mode := os.FileMode(DEFAULT_LOG_FILE_CREATE_MODE)
	if config.LogFileCreateMode != nil {
		mode = os.FileMode(*config.LogFileCreateMode)
	}

	return retries, true, mode
}

// GetBlockMode returns the parsed BlockResponse.
func (config *Config) GetBlockMode() packet.BlockMode {
	return config.blockMode
}

func (config *Config) newEngineConfig(
	logger common.Logger,
	matcher tun.DomainMatcher,
	protector tun.Protector) *tun.EngineConfig {

	return &tun.EngineConfig{
		Logger:                    logger,
		Matcher:                   matcher,
		Protector:                 protector,
		MTU:                       config.MTU,
		BlockMode:                 config.blockMode,
		BlockHostnames:            config.BlockHostnames,
		UDPIdleTimeout:            time.Duration(config.UDPIdleTimeoutSeconds) * time.Second,
		DNSIdleTimeout:            time.Duration(config.DNSIdleTimeoutSeconds) * time.Second,
		TCPIdleTimeout:            time.Duration(config.TCPIdleTimeoutSeconds) * time.Second,
		MaxSessions:               config.MaxSessions,
		DNSServer:                 config.dnsServer,
		StopTimeout:               time.Duration(config.StopTimeoutMilliseconds) * time.Millisecond,
		MetricsCheckpointInterval: time.Duration(config.MetricsCheckpointSeconds) * time.Second,
	}
}
