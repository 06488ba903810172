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

package lanemargintest

// Result records of a margining run.

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/btree"
	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

// TerminationReason is why a lane margining session stopped.
type TerminationReason int

// Termination reasons.
const (
	// ReasonErrorLimitExceeded: the error count reached the limit; the margin is found.
	ReasonErrorLimitExceeded TerminationReason = iota
	// ReasonMaxStepsReached: the full range passed.
	ReasonMaxStepsReached
	// ReasonDeviceNak: the receiver refused the step.
	ReasonDeviceNak
	// ReasonTransportError: the lane could not be tested.
	ReasonTransportError
)

var reasonNames = [...]string{"ERROR_LIMIT_EXCEEDED", "MAX_STEPS_REACHED", "DEVICE_NAK", "TRANSPORT_ERROR"}

func (r TerminationReason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("TerminationReason(%d)", int(r))
}

// MarshalText renders the reason name.
func (r TerminationReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// StepRecord is one evaluated margin point of a session.
type StepRecord struct {
	Step        MarginStep      `json:"step"`
	Status      ExecutionStatus `json:"status"`
	ErrorCount  uint8           `json:"error_count"`
	SampleCount int             `json:"sample_count"` // 3*log2(bits), -1 when unknown
}

// LaneResult is the outcome of one (device, lane, dimension) session.
type LaneResult struct {
	Device    DeviceAddress   `json:"bdf"`
	Lane      LaneID          `json:"lane"`
	Receiver  Receiver        `json:"receiver_number"`
	Dimension MarginDimension `json:"dimension"`

	FinalStep       MarginStep        `json:"final_step"`
	MaxStep         MarginStep        `json:"max_step"`
	ErrorCount      uint8             `json:"error_count"`
	Reason          TerminationReason `json:"termination_reason"`
	LastPassingStep MarginStep        `json:"last_passing_step"`

	// Margin is LastPassingStep in Unit (UI for timing, V for voltage).
	Margin   float64 `json:"margin"`
	StepSize float64 `json:"step_size"`
	Unit     string  `json:"unit"`

	SampleCount int     `json:"sample_count"` // at the final step, -1 when unknown
	BER         float64 `json:"ber"`          // at the final step, -1 when unknown

	Steps   []StepRecord  `json:"steps"`
	Detail  string        `json:"detail"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Passed reports whether the lane was tested and held at least minPassing steps.
func (lr *LaneResult) Passed(minPassing int) bool {
	return lr.Reason != ReasonTransportError && int(lr.LastPassingStep) >= minPassing
}

// LaneEntry groups the results of one (device, lane), ordered by receiver and
// dimension.
type LaneEntry struct {
	Device  DeviceAddress
	Lane    LaneID
	Results []LaneResult
}

func laneLess(a, b *LaneEntry) bool {
	if a.Device != b.Device {
		return a.Device.Less(b.Device)
	}
	return a.Lane < b.Lane
}

// ReceiverInfo is what was learned about a receiver before margining it.
type ReceiverInfo struct {
	Device   DeviceAddress  `json:"bdf"`
	Receiver Receiver       `json:"receiver_number"`
	Link     pci.LinkStatus `json:"link"`
	Params   *Parameters    `json:"parameters,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HardwareID names the receiver the way the OCP output does.
func (ri *ReceiverInfo) HardwareID() string {
	return fmt.Sprintf("BDF=%s;RX=%s", ri.Device, ri.Receiver)
}

// TestRunResult is the outcome of a run: every LaneResult keyed by (device,
// lane) plus the run metadata.
type TestRunResult struct {
	RunID           string
	Hostname        string
	Platform        string
	Version         string
	Annotation      string
	Timestamp       time.Time
	Elapsed         time.Duration
	ErrorLimit      int
	Dwell           time.Duration
	MinPassingSteps int
	// Aborted is set when the run was cancelled; lanes that never started
	// have no results.
	Aborted   bool
	Receivers []ReceiverInfo
	// Config is a snapshot of the configuration the run used.
	Config *Config

	lanes *btree.BTreeG[*LaneEntry]
}

func newTestRunResult() *TestRunResult {
	return &TestRunResult{lanes: btree.NewG[*LaneEntry](8, laneLess)}
}

// add files a completed LaneResult.
func (r *TestRunResult) add(res LaneResult) {
	key := &LaneEntry{Device: res.Device, Lane: res.Lane}
	e, ok := r.lanes.Get(key)
	if !ok {
		e = key
		r.lanes.ReplaceOrInsert(e)
	}
	e.Results = append(e.Results, res)
	sort.SliceStable(e.Results, func(i, j int) bool {
		if e.Results[i].Receiver != e.Results[j].Receiver {
			return e.Results[i].Receiver < e.Results[j].Receiver
		}
		return e.Results[i].Dimension < e.Results[j].Dimension
	})
}

// Lanes gets the lane entries in (device, lane) order.
func (r *TestRunResult) Lanes() []*LaneEntry {
	out := make([]*LaneEntry, 0, r.lanes.Len())
	r.lanes.Ascend(func(e *LaneEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Lane gets the entry of one (device, lane).
func (r *TestRunResult) Lane(dev DeviceAddress, lane LaneID) (*LaneEntry, bool) {
	return r.lanes.Get(&LaneEntry{Device: dev, Lane: lane})
}

// Results gets all LaneResults in (device, lane, receiver, dimension) order.
func (r *TestRunResult) Results() []LaneResult {
	var out []LaneResult
	r.lanes.Ascend(func(e *LaneEntry) bool {
		out = append(out, e.Results...)
		return true
	})
	return out
}

// Len gets the number of LaneResults.
func (r *TestRunResult) Len() int {
	n := 0
	r.lanes.Ascend(func(e *LaneEntry) bool {
		n += len(e.Results)
		return true
	})
	return n
}

// Receiver gets the info of a margined receiver.
func (r *TestRunResult) Receiver(dev DeviceAddress, rec Receiver) (*ReceiverInfo, bool) {
	for i := range r.Receivers {
		if r.Receivers[i].Device == dev && r.Receivers[i].Receiver == rec {
			return &r.Receivers[i], true
		}
	}
	return nil, false
}

// TestInfo is the run metadata carried next to every serialized lane result.
type TestInfo struct {
	RunID           string  `json:"run_id"`
	Timestamp       int64   `json:"timestamp"`
	Hostname        string  `json:"hostname"`
	Platform        string  `json:"platform_name"`
	Version         string  `json:"test_version"`
	Annotation      string  `json:"annotation"`
	ErrorCountLimit int     `json:"error_count_limit"`
	DwellTimeSecs   float64 `json:"dwell_time_secs"`
	ElapsedSecs     float64 `json:"elapsed_time_secs"`
	Aborted         bool    `json:"aborted"`
}

// Info gets the run metadata.
func (r *TestRunResult) Info() TestInfo {
	return TestInfo{
		RunID:           r.RunID,
		Timestamp:       r.Timestamp.Unix(),
		Hostname:        r.Hostname,
		Platform:        r.Platform,
		Version:         r.Version,
		Annotation:      r.Annotation,
		ErrorCountLimit: r.ErrorLimit,
		DwellTimeSecs:   r.Dwell.Seconds(),
		ElapsedSecs:     r.Elapsed.Seconds(),
		Aborted:         r.Aborted,
	}
}
