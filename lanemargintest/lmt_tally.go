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

// Pass-fail tally of a run.

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
)

// PortResult contains pass-fail info at (pseudo)port-level, a receiver on a device.
type PortResult struct {
	BDF           string
	Receiver      Receiver
	NumLaneTested int
	NumLanePassed int
	Message       string
}

// TestResult contains pass-fail info at the top-level of a test run.
type TestResult struct {
	NumLaneTested int
	NumLanePassed int
	PortResults   []*PortResult
	Pass          bool
}

func (tr *TestResult) String() string {
	verdict := "PASS"
	if !tr.Pass {
		verdict = "FAIL"
	}
	return fmt.Sprintf("%s: %s lanes tested, %s passed", verdict,
		humanize.Comma(int64(tr.NumLaneTested)), humanize.Comma(int64(tr.NumLanePassed)))
}

type portKey struct {
	dev DeviceAddress
	rec Receiver
}

// Tally tallies pass-fail info per receiver lane. A lane passes when none of
// its sessions failed to test and every one held at least MinPassingSteps
// steps. The run passes when every lane passed and it was not aborted.
func (r *TestRunResult) Tally() *TestResult {
	res := &TestResult{Pass: !r.Aborted}
	ports := make(map[portKey]*PortResult)
	for _, e := range r.Lanes() {
		lanePass := make(map[Receiver]bool)
		for i := range e.Results {
			lr := &e.Results[i]
			pass, ok := lanePass[lr.Receiver]
			lanePass[lr.Receiver] = (pass || !ok) && lr.Passed(r.MinPassingSteps)
		}
		for rec, pass := range lanePass {
			k := portKey{e.Device, rec}
			rpt, ok := ports[k]
			if !ok {
				rpt = &PortResult{BDF: e.Device.String(), Receiver: rec}
				ports[k] = rpt
				res.PortResults = append(res.PortResults, rpt)
			}
			res.NumLaneTested++
			rpt.NumLaneTested++
			if pass {
				res.NumLanePassed++
				rpt.NumLanePassed++
			} else {
				res.Pass = false
			}
		}
	}
	if res.NumLaneTested == 0 {
		res.Pass = false
	}
	sort.Slice(res.PortResults, func(i, j int) bool {
		a, b := res.PortResults[i], res.PortResults[j]
		if a.BDF != b.BDF {
			return a.BDF < b.BDF
		}
		return a.Receiver < b.Receiver
	})
	for _, rpt := range res.PortResults {
		failedString := ""
		if rpt.NumLanePassed != rpt.NumLaneTested {
			failedString = "(Failed)"
		}
		rpt.Message = fmt.Sprintf("%s on %s: %d lanes tested, %d passed. %s", rpt.Receiver,
			rpt.BDF, rpt.NumLaneTested, rpt.NumLanePassed, failedString)
	}
	return res
}
