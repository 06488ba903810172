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

// Package lanemargintest conducts PCIe Lane Margining at Receiver (LMR) Test on multiple
// PCIe devices, lanes and margin dimensions.
package lanemargintest

// This file includes the main exported functions:
// NewOrchestrator() binds a margining run to a register port.
// Run() validates the configuration, margins every target and collects the results.

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/mohae/deepcopy"
	uuid "github.com/satori/go.uuid"
)

// /////////////////////////////////////////////////////////////////////////////////////////////////
// Disclaimer: The terms here are not strictly following the PCIe terminology for legacy and
//             implementation reasons.
// /////////////////////////////////////////////////////////////////////////////////////////////////

// An Orchestrator runs margining sessions for every target of a configuration.
// It keeps no state across runs.
type Orchestrator struct {
	Port RegisterPort
	// Sleep suspends a session during dwells and setup polls; nil means
	// time.Sleep.
	Sleep func(time.Duration)
	// Version is recorded in the run metadata.
	Version string
}

// NewOrchestrator creates an Orchestrator over a register port.
func NewOrchestrator(port RegisterPort) *Orchestrator {
	return &Orchestrator{Port: port, Version: "undefined"}
}

// run is the state of one Run call.
type run struct {
	o       *Orchestrator
	cfg     *Config
	sem     chan struct{} // nil when unbounded
	results chan<- LaneResult
	skipped atomic.Bool
}

// Run margins every target of cfg and returns the results. A configuration
// error fails the run before any register access. Cancelling ctx stops new
// sessions from starting; sessions in flight run to termination, and the
// partial result is returned with Aborted set.
func (o *Orchestrator) Run(ctx context.Context, cfg *Config) (*TestRunResult, error) {
	li, _ := o.Port.(LinkInspector)
	targets, err := cfg.Targets(li)
	if err != nil {
		return nil, err
	}

	res := newTestRunResult()
	res.RunID = uuid.NewV4().String()
	res.Hostname, _ = os.Hostname()
	res.Platform = cfg.PlatformName
	res.Version = o.Version
	res.Annotation = cfg.Annotation
	res.Timestamp = time.Now()
	res.ErrorLimit = cfg.ErrorCountLimit
	res.Dwell = cfg.DwellTime
	res.MinPassingSteps = cfg.MinPassingSteps
	res.Config = deepcopy.Copy(cfg).(*Config)
	log.Infof("run %s: %d targets, error limit %d, dwell %v",
		res.RunID, len(targets), cfg.ErrorCountLimit, cfg.DwellTime)

	results := make(chan LaneResult)
	r := &run{o: o, cfg: cfg, results: results}
	if cfg.Parallelism > 0 {
		r.sem = make(chan struct{}, cfg.Parallelism)
	}

	// Tests all devices in parallel. Waits for all devices to finish testing.
	devs := groupDevices(targets)
	var wg sync.WaitGroup
	for _, dt := range devs {
		wg.Add(1)
		go func(dt *deviceTest) {
			defer wg.Done()
			dt.margin(ctx, r)
		}(dt)
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	for lr := range results {
		res.add(lr)
	}

	for _, dt := range devs {
		res.Receivers = append(res.Receivers, dt.infos...)
	}
	res.Aborted = r.skipped.Load()
	res.Elapsed = time.Since(res.Timestamp)
	if res.Aborted {
		log.Warningf("run %s aborted: %d of %d sessions done", res.RunID, res.Len(), len(targets))
	}
	return res, nil
}

// acquire takes a lane slot. It fails once the run is cancelled.
func (r *run) acquire(ctx context.Context) bool {
	if ctx.Err() != nil {
		r.skipped.Store(true)
		return false
	}
	if r.sem == nil {
		return true
	}
	select {
	case r.sem <- struct{}{}:
		if ctx.Err() != nil {
			<-r.sem
			r.skipped.Store(true)
			return false
		}
		return true
	case <-ctx.Done():
		r.skipped.Store(true)
		return false
	}
}

func (r *run) release() {
	if r.sem != nil {
		<-r.sem
	}
}
