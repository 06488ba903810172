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

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/golang/glog"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"google.golang.org/protobuf/encoding/protojson"

	lmt "github.com/opencomputeproject/ocp-diag-pci-lmt/lanemargintest"
	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

var runFlags struct {
	errorLimit int
	dwell      time.Duration
	annotation string
	format     string
	out        string
	simulate   bool
	noDump     bool
	force      bool
}

var runCmd = &cobra.Command{
	Use:   "run CONFIG",
	Short: "Margin the lanes named by a YAML configuration",
	Long: `Margins every (device, receiver, lane, dimension) of the configuration and
writes the results. The exit code is 0 when every lane passed, 1 when a lane
failed or the run was interrupted.`,
	Example: `  # Margin on hardware, results as JSON lines
  lmt run lmt.yaml -o json --out result.json

  # Try a configuration against simulated receivers
  lmt run lmt.yaml --simulate -e 20 -d 1s`,
	Args: cobra.ExactArgs(1),
	RunE: runLMT,
}

func init() {
	f := runCmd.Flags()
	f.IntVarP(&runFlags.errorLimit, "error_limit", "e", 0, "Overrides the error count limit, 1..63.")
	f.DurationVarP(&runFlags.dwell, "dwell", "d", 0, "Overrides the dwell time per step.")
	f.StringVarP(&runFlags.annotation, "annotation", "a", "", "Overrides the run annotation.")
	f.StringVarP(&runFlags.format, "format", "o", "",
		"Output format: "+strings.Join(lmt.Formats, "|")+". Defaults to table on a terminal, json otherwise.")
	f.StringVar(&runFlags.out, "out", "", "The result file; stdout when empty.")
	f.BoolVar(&runFlags.simulate, "simulate", false, "Margins simulated receivers instead of the hardware.")
	f.BoolVar(&runFlags.noDump, "no_dump", false, "Does not dump the effective configuration to <config>.dump.json.")
	f.BoolVar(&runFlags.force, "force", false,
		"Forces margining, one lane at a time, on receivers without an independent error sampler.")
	rootCmd.AddCommand(runCmd)
}

// dumpConfig writes the effective configuration next to the configuration file.
func dumpConfig(cfg *lmt.Config, fn string) error {
	st, err := cfg.Struct()
	if err != nil {
		return err
	}
	opt := protojson.MarshalOptions{Multiline: true, Indent: "  "}
	data, err := opt.Marshal(st)
	if err != nil {
		return err
	}
	fn = strings.TrimSuffix(fn, filepath.Ext(fn)) + ".dump.json"
	return os.WriteFile(fn, data, 0600)
}

// applyOverrides overrides the configuration with the flags set on the command line.
func applyOverrides(f *pflag.FlagSet, cfg *lmt.Config) {
	if f.Changed("error_limit") {
		cfg.ErrorCountLimit = runFlags.errorLimit
	}
	if f.Changed("dwell") {
		cfg.DwellTime = runFlags.dwell
	}
	if f.Changed("annotation") {
		cfg.Annotation = runFlags.annotation
	}
	if f.Changed("force") {
		cfg.ForceMargin = runFlags.force
	}
}

// simPort serves the configuration's devices from simulated receivers with a
// modest eye.
func simPort(cfg *lmt.Config) *lmt.PCIPort {
	sim := pci.NewSim()
	for _, g := range cfg.Groups {
		for _, s := range g.BDFs {
			if a, err := pci.ParseAddr(s); err == nil {
				sim.Devices = append(sim.Devices, a)
			}
		}
	}
	sim.Errors = pci.EyeModel(10, 20, 8)
	return lmt.NewPCIPort(sim)
}

func runLMT(cmd *cobra.Command, args []string) error {
	fn := args[0]
	cfg, err := lmt.ReadConfig(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return exitErrorf(exitIO, "%v", err)
		}
		return err
	}

	applyOverrides(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Automatically dump the effective configuration to a config.dump.json.
	if !runFlags.noDump {
		if err := dumpConfig(cfg, fn); err != nil {
			return exitErrorf(exitIO, "failed to dump the configuration: %v", err)
		}
	}

	var w io.Writer = cmd.OutOrStdout()
	format := runFlags.format
	if runFlags.out != "" {
		fd, err := os.Create(runFlags.out)
		if err != nil {
			return exitErrorf(exitIO, "%v", err)
		}
		defer fd.Close()
		w = fd
	}
	if format == "" {
		format = "json"
		if runFlags.out == "" && isatty.IsTerminal(os.Stdout.Fd()) {
			format = "table"
		}
	}
	sink, err := lmt.NewSink(format, w)
	if err != nil {
		return exitErrorf(exitUsage, "%v", err)
	}
	if ocp, ok := sink.(*lmt.OCPSink); ok {
		ocp.CommandLine = strings.Join(os.Args, " ")
	}

	var o *lmt.Orchestrator
	if runFlags.simulate {
		o = lmt.NewOrchestrator(simPort(cfg))
		o.Sleep = func(time.Duration) {}
	} else {
		o = lmt.NewOrchestrator(lmt.NewPCIPort(pci.NewLanes(pci.NewSysfs(""))))
	}
	o.Version = version

	// An interrupt stops new sessions; the partial result is still written.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := time.Now()
	log.Infoln("Starting LMT: t = ", t.String())
	res, err := o.Run(ctx, cfg)
	if err != nil {
		return err
	}
	log.Infoln("Finished lane margining: duration = ", time.Since(t).String())

	if err := sink.Write(res); err != nil {
		return exitErrorf(exitIO, "failed to write the result: %v", err)
	}
	tr := res.Tally()
	log.Info(tr)
	if !tr.Pass {
		return exitErrorf(exitFail, "%s", tr)
	}
	return nil
}
