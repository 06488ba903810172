// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// PCIe LMT (Lane Margin Test) main()
// This file handles the CLI commands and the exit codes.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	log "github.com/golang/glog"
	"github.com/spf13/cobra"

	lmt "github.com/opencomputeproject/ocp-diag-pci-lmt/lanemargintest"
)

var (
	// git_hash := $(git rev-parse --short HEAD || echo 'development')
	// current_time = $(date +"%Y-%m-%d:T%H:%M:%S")
	// go build -ldflags "-X main.version=$git_hash -X main.buildTime=$current_time" ./cmd/lmt
	// The init value here is stamped by the coder. The binary builder is expected to overwrite them.
	version   = "2024-02-04"
	buildTime = "unknown"
)

// Exit codes, following sysexits.h.
const (
	exitFail     = 1  // the run completed and a lane failed
	exitUsage    = 64 // EX_USAGE
	exitSoftware = 70 // EX_SOFTWARE
	exitIO       = 74 // EX_IOERR
	exitConfig   = 78 // EX_CONFIG
)

// exitError carries the exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func exitErrorf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "lmt",
	Short: "PCIe Lane Margining at Receiver test",
	Long: `lmt margins PCIe receivers lane by lane through the Lane Margining at Receiver
registers and reports the timing and voltage margins found in every direction.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build time",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Version:\t%s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "BuildTime:\t%s\n", buildTime)
	},
}

func init() {
	// glog registers its flags on the standard flag set.
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.AddCommand(versionCmd)
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, lmt.ErrConfiguration):
		return exitConfig
	}
	return exitUsage
}

func main() {
	// glog reads its flags from the standard flag set; mark it parsed so it
	// does not complain when cobra does the parsing.
	flag.CommandLine.Parse(nil)
	err := rootCmd.Execute()
	if err != nil {
		log.Error(err)
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	log.Flush()
	os.Exit(exitCode(err))
}
