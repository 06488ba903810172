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

// OCP Test & Validation artifact output.

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"google.golang.org/protobuf/encoding/protojson"
	structpb "google.golang.org/protobuf/types/known/structpb"
	timestamppb "google.golang.org/protobuf/types/known/timestamppb"
)

// OCPSink streams a run as OCP output artifacts, one JSON object per line.
type OCPSink struct {
	W           io.Writer
	Name        string // defaults to pcie_lmt
	CommandLine string

	mu sync.Mutex
	// seqNum is a monotonically increasing counter for determining if any artifact is lost.
	seqNum atomic.Int32
}

// output streams an artifact with its sequence number and timestamp.
func (s *OCPSink) output(artifact map[string]any) error {
	artifact["sequenceNumber"] = int64(s.seqNum.Add(1))
	artifact["timestamp"] = timestamppb.Now().AsTime().Format(time.RFC3339Nano)
	st, err := structpb.NewStruct(artifact)
	if err != nil {
		return err
	}
	data, err := protojson.MarshalOptions{Multiline: false}.Marshal(st)
	if err != nil {
		log.Errorf("protojson.Marshal(%v) failed: %v", artifact, err)
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.W.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (s *OCPSink) stepArtifact(id string, kind string, body map[string]any) error {
	return s.output(map[string]any{
		"testStepArtifact": map[string]any{"testStepId": id, kind: body},
	})
}

// Write streams the run: schema version, run start with the DUT receivers, a
// test step per receiver with a measurement per lane result and a diagnosis,
// and the run end.
func (s *OCPSink) Write(res *TestRunResult) error {
	name := s.Name
	if name == "" {
		name = "pcie_lmt"
	}
	if err := s.output(map[string]any{"schemaVersion": map[string]any{"major": 2, "minor": 0}}); err != nil {
		return err
	}

	var hwInfos []any
	for i := range res.Receivers {
		ri := &res.Receivers[i]
		hwInfos = append(hwInfos, map[string]any{
			"hardwareInfoId": ri.HardwareID(),
			"name":           ri.Receiver.String(),
		})
	}
	start := map[string]any{
		"name":        name,
		"version":     res.Version,
		"commandLine": s.CommandLine,
		"dutInfo": map[string]any{
			"dutInfoId":     res.Hostname,
			"name":          res.Platform,
			"hardwareInfos": hwInfos,
		},
		"metadata": map[string]any{"run_id": res.RunID, "annotation": res.Annotation},
	}
	if res.Config != nil {
		if params, err := res.Config.Struct(); err == nil {
			start["parameters"] = params.AsMap()
		}
	}
	if err := s.output(map[string]any{"testRunArtifact": map[string]any{"testRunStart": start}}); err != nil {
		return err
	}

	tr := res.Tally()
	for i := range res.Receivers {
		if err := s.writeStep(res, &res.Receivers[i]); err != nil {
			return err
		}
	}

	end := map[string]any{"status": "COMPLETE", "result": "NOT_APPLICABLE"}
	switch {
	case res.Aborted:
		end["status"] = "ERROR"
		end["result"] = "FAIL"
	case tr.NumLaneTested == 0:
	case tr.Pass:
		end["result"] = "PASS"
	default:
		end["result"] = "FAIL"
	}
	return s.output(map[string]any{"testRunArtifact": map[string]any{"testRunEnd": end}})
}

var measDir = [2][2]string{
	{"RIGHT", "LEFT"},
	{"TOP", "BOT"},
}

func measurementName(lr *LaneResult) string {
	vt, pn := 0, 0
	if lr.Dimension.IsVoltage() {
		vt = 1
	}
	if lr.Dimension.IsDown() {
		pn = 1
	}
	return fmt.Sprintf("LN=%02d;MAX-PASSING-%s-%s", lr.Lane, lr.Unit, measDir[vt][pn])
}

// writeStep streams the test step of a receiver.
func (s *OCPSink) writeStep(res *TestRunResult, ri *ReceiverInfo) error {
	id := ri.HardwareID()
	if err := s.stepArtifact(id, "testStepStart", map[string]any{"name": "LMT@" + id}); err != nil {
		return err
	}
	if ri.Error != "" {
		if err := s.stepArtifact(id, "error", map[string]any{
			"symptom": "pcie_lmt-rx-parameters", "message": ri.Error,
		}); err != nil {
			return err
		}
	}

	lanes := make(map[LaneID]bool)
	for _, e := range res.Lanes() {
		if e.Device != ri.Device {
			continue
		}
		for i := range e.Results {
			lr := &e.Results[i]
			if lr.Receiver != ri.Receiver {
				continue
			}
			pass, ok := lanes[lr.Lane]
			lanes[lr.Lane] = (pass || !ok) && lr.Passed(res.MinPassingSteps)
			m := map[string]any{
				"name":           measurementName(lr),
				"value":          lr.Margin,
				"unit":           fmt.Sprintf("Unit=%s;BER=%s", lr.Unit, formatBER(lr.BER)),
				"hardwareInfoId": id,
				"validators": []any{map[string]any{
					"name":  "Min Passing Step Check",
					"type":  "GREATER_THAN_OR_EQUAL",
					"value": float64(res.MinPassingSteps) * lr.StepSize,
				}},
				"metadata": map[string]any{
					"termination_reason": lr.Reason.String(),
					"final_step":         int64(lr.FinalStep),
					"last_passing_step":  int64(lr.LastPassingStep),
					"error_count":        int64(lr.ErrorCount),
					"sample_count":       int64(lr.SampleCount),
					"detail":             lr.Detail,
				},
			}
			if err := s.stepArtifact(id, "measurement", m); err != nil {
				return err
			}
		}
	}

	failcnt := 0
	for _, pass := range lanes {
		if !pass {
			failcnt++
		}
	}
	diag := map[string]any{"hardwareInfoId": id}
	switch {
	case len(lanes) == 0:
		diag["type"] = "UNKNOWN"
		diag["verdict"] = "pcie_lmt-rx_ln-unknown"
		diag["message"] = "0 Rx-lane tested."
	case failcnt == 0:
		diag["type"] = "PASS"
		diag["verdict"] = "pcie_lmt-rx_ln-pass"
		diag["message"] = fmt.Sprintf("%d Rx-lane tested. All passed.", len(lanes))
	default:
		diag["type"] = "FAIL"
		diag["verdict"] = "pcie_lmt-rx_ln-fail"
		diag["message"] = fmt.Sprintf("%d Rx-lane tested; %d failed.", len(lanes), failcnt)
	}
	if err := s.stepArtifact(id, "diagnosis", diag); err != nil {
		return err
	}
	return s.stepArtifact(id, "testStepEnd", map[string]any{"status": "COMPLETE"})
}
