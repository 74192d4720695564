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

package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/blocklist"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/buildinfo"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-domain-filter/psiphon/common/tun"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "filter",
	Short:        "Psiphon domain filter console client",
	Long:         "Runs the domain filter against a tun device, or checks domains against filter lists",
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(
		newRunCommand(),
		newCheckCommand(),
		newParseCommand(),
		newVersionCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {

	var configFilename string
	var noticeFilename string
	var formatNotices bool
	var tunDevice string
	var tunAddress string
	var tunBindInterface string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Filter DNS traffic routed through a tun device",
		Long: "Opens the tun device, which must then be routed to, and relays " +
			"its traffic while answering queries for blocked domains. The tun " +
			"device is supported only on Linux and requires CAP_NET_ADMIN.",
		RunE: func(cmd *cobra.Command, args []string) error {

			if !tun.IsSupported() {
				return errors.TraceNew("tun device not supported on this platform")
			}

			// Initialize notice output

			var noticeWriter io.Writer = os.Stderr

			if noticeFilename != "" {
				noticeFile, err := os.OpenFile(
					noticeFilename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
				if err != nil {
					return errors.Trace(err)
				}
				defer noticeFile.Close()
				noticeWriter = noticeFile
			}

			if formatNotices {
				noticeWriter = psiphon.NewNoticeConsoleRewriter(noticeWriter)
			}
			psiphon.SetNoticeWriter(noticeWriter)

			config, err := loadConfig(configFilename)
			if err != nil {
				return errors.Trace(err)
			}

			psiphon.SetEmitDiagnosticNotices(config.EmitDiagnosticNotices)

			err = psiphon.InitLogging(config)
			if err != nil {
				return errors.Trace(err)
			}

			psiphon.NoticeBuildInfo()

			tunDeviceFile, deviceName, err := tun.OpenTunDevice(tunDevice)
			if err != nil {
				return errors.Trace(err)
			}
			defer tunDeviceFile.Close()

			if tunAddress != "" {
				err = tun.ConfigureTunDevice(
					psiphon.NewNoticeLogger(), deviceName, tunAddress, config.MTU)
				if err != nil {
					return errors.Trace(err)
				}
			}

			// Sessions dial out through tunBindInterface, bypassing any
			// routes that direct traffic into the tun device.

			var protector tun.Protector
			if tunBindInterface != "" {
				protector = tun.ProtectorFunc(func(fileDescriptor int) bool {
					err := tun.BindToDevice(fileDescriptor, tunBindInterface)
					if err != nil {
						psiphon.NoticeAlert("bind to device failed: %s", err)
						return false
					}
					return true
				})
			}

			controller, err := psiphon.NewController(config, protector, nil)
			if err != nil {
				return errors.Trace(err)
			}

			err = controller.Start(int(tunDeviceFile.Fd()))
			if err != nil {
				return errors.Trace(err)
			}

			psiphon.NoticeInfo("filtering tun device %s", deviceName)

			return errors.Trace(waitForStop(controller))
		},
	}

	cmd.Flags().StringVar(&configFilename, "config", "", "configuration input file")
	cmd.Flags().StringVar(&noticeFilename, "notices", "", "notices output file (defaults to stderr)")
	cmd.Flags().BoolVar(&formatNotices, "formatNotices", false, "emit notices in human-readable format")
	cmd.Flags().StringVar(&tunDevice, "tunDevice", "", "tun device name (defaults to a new device)")
	cmd.Flags().StringVar(&tunAddress, "tunAddress", "", "address, in CIDR notation, to assign to the tun device")
	cmd.Flags().StringVar(&tunBindInterface, "tunBindInterface", "", "bypass the tun device via the specified interface")

	return cmd
}

// waitForStop runs until an OS signal or a fatal tun device error, then
// stops the controller. SIGHUP reopens the log file and reloads filters.
func waitForStop(controller *psiphon.Controller) error {

	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(systemStopSignal, os.Interrupt, syscall.SIGTERM)

	reloadSignal := make(chan os.Signal, 1)
	signal.Notify(reloadSignal, syscall.SIGHUP)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-reloadSignal:
			err := psiphon.ReopenLogFile()
			if err != nil {
				psiphon.NoticeAlert("reopen log file failed: %s", err)
			}
			_, err = controller.ReloadFilters()
			if err != nil {
				psiphon.NoticeAlert("reload filters failed: %s", err)
			}

		case <-systemStopSignal:
			psiphon.NoticeInfo("shutdown by system")
			return errors.Trace(controller.Stop())

		case <-ticker.C:
			err := controller.FatalError()
			if err != nil {
				return errors.Trace(err)
			}
		}
	}
}

func newCheckCommand() *cobra.Command {

	var filterFilenames []string

	cmd := &cobra.Command{
		Use:   "check [domain...]",
		Short: "Check whether domains are blocked by filter lists",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {

			matcher := blocklist.NewMatcher()
			for _, filename := range filterFilenames {
				_, err := blocklist.LoadFile(matcher, filename)
				if err != nil {
					return errors.Trace(err)
				}
			}

			out := cmd.OutOrStdout()
			for _, domain := range args {
				result := "allowed"
				if matcher.IsBlocked(domain) {
					result = "blocked"
				}
				fmt.Fprintf(out, "%s %s\n", domain, result)
			}

			return nil
		},
	}

	cmd.Flags().StringArrayVar(&filterFilenames, "filter", nil, "filter list file, in plain or hosts format (repeatable)")

	return cmd
}

func newParseCommand() *cobra.Command {

	var printDomains bool

	cmd := &cobra.Command{
		Use:   "parse [filter-file]",
		Short: "Parse a filter list and report its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {

			file := blocklist.NewFilterFile(args[0])
			_, err := file.Reload()
			if err != nil {
				return errors.Trace(err)
			}

			matcher := blocklist.NewMatcher()
			entries := matcher.Load(file.Domains())
			stats := file.Stats()

			out := cmd.OutOrStdout()
			if printDomains {
				for _, domain := range file.Domains() {
					fmt.Fprintln(out, domain)
				}
			}
			fmt.Fprintf(out,
				"lines: %d\ndomains: %d\nentries: %d\nskipped: %d\ncomments: %d\n",
				stats.Lines, stats.Domains, entries, stats.Skipped, stats.Comments)

			return nil
		},
	}

	cmd.Flags().BoolVar(&printDomains, "print", false, "print each parsed domain")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			b := buildinfo.GetBuildInfo()
			fmt.Fprintf(cmd.OutOrStdout(),
				"Psiphon Domain Filter\n  Build Date: %s\n  Built With: %s\n  Repository: %s\n  Revision: %s\n",
				b.BuildDate, b.GoVersion, b.BuildRepo, b.BuildRev)
		},
	}
}

func loadConfig(filename string) (*psiphon.Config, error) {

	configJSON := []byte("{}")

	if filename != "" {
		var err error
		configJSON, err = os.ReadFile(filename)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	config, err := psiphon.LoadConfig(configJSON)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return config, nil
}
