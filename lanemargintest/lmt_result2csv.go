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

// Converts an LMT JSON result to a csv for ease of analysis.
// Use pcie-lmt-result2csv-plotter to view the CSV output.
// This converter is intentionally coded in a straightforward way. The user is expected to tweak
// this code to their need.

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/tidwall/gjson"
)

// laneRecord is the part of a JSON lane result the converter plots.
type laneRecord struct {
	bdf       string
	rec       int
	lane      int
	dim       MarginDimension
	lastPass  int64
	stepSize  float64
	steps     []gjson.Result
	hasPassed bool
}

// readLaneRecords reads JSON lane results, one per line.
func readLaneRecords(in io.Reader) ([]laneRecord, error) {
	var out []laneRecord
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			return nil, fmt.Errorf("line %d: invalid JSON", n)
		}
		res := gjson.ParseBytes(line)
		dim, err := ParseDimension(res.Get("dimension").String())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		rec := res.Get("receiver_number").Int()
		if !Receiver(rec).Valid() || rec != int64(Receiver(rec)) {
			return nil, fmt.Errorf("line %d: receiver_number %d out of range 1..6", n, rec)
		}
		lane := res.Get("lane").Int()
		if lane < 0 || lane >= maxLanes {
			return nil, fmt.Errorf("line %d: lane %d out of range 0..%d", n, lane, maxLanes-1)
		}
		r := laneRecord{
			bdf:      res.Get("bdf").String(),
			rec:      int(rec),
			lane:     int(lane),
			dim:      dim,
			lastPass: res.Get("last_passing_step").Int(),
			stepSize: res.Get("step_size").Float(),
			steps:    res.Get("steps").Array(),
		}
		for _, st := range r.steps {
			if st.Get("status").String() == StatusMargining.String() {
				r.hasPassed = true
			}
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

// ConvertToCsv converts JSON lane results to the plotting csv: a row per
// margin point with a signed margin, and a row of eye corners per lane.
func ConvertToCsv(in io.Reader, out io.Writer) error {
	recs, err := readLaneRecords(in)
	if err != nil {
		return err
	}

	w := csv.NewWriter(out)
	const (
		eBDF = iota
		eReceiver
		eLane
		eDirection
		eSteps
		eStatus
		eErrorCount
		eSamples
		eLog10BER
		eTmargin
		eTlane
		eVmargin
		eVlane
		eCorner
		eLeft
		eRight
		eBottom
		eTop
		eSize
	)
	hdr := make([]string, eSize)
	hdr[eBDF] = "BDF"
	hdr[eReceiver] = "Receiver"
	hdr[eLane] = "Lane"
	hdr[eDirection] = "Direction"
	hdr[eSteps] = "Steps"
	hdr[eStatus] = "Status"
	hdr[eErrorCount] = "ErrorCount"
	hdr[eSamples] = "Samples"
	hdr[eLog10BER] = "Log10BER"
	hdr[eTmargin] = "Tmargin"
	hdr[eTlane] = "Tlane"
	hdr[eVmargin] = "Vmargin"
	hdr[eVlane] = "Vlane"
	hdr[eCorner] = "Corner"
	hdr[eLeft] = "Left[UI]"
	hdr[eRight] = "Right[UI]"
	hdr[eBottom] = "Bottom[V]"
	hdr[eTop] = "Top[V]"
	if err := w.Write(hdr); err != nil {
		return err
	}

	// Groups by device in the order of appearance.
	var bdfs []string
	byBDF := make(map[string][]laneRecord)
	for _, r := range recs {
		if _, ok := byBDF[r.bdf]; !ok {
			bdfs = append(bdfs, r.bdf)
		}
		byBDF[r.bdf] = append(byBDF[r.bdf], r)
	}

	link := 0 // This is used to separate links in the plot
	for _, bdf := range bdfs {
		lrs := byBDF[bdf]
		sort.SliceStable(lrs, func(i, j int) bool {
			if lrs[i].rec != lrs[j].rec {
				return lrs[i].rec < lrs[j].rec
			}
			if lrs[i].lane != lrs[j].lane {
				return lrs[i].lane < lrs[j].lane
			}
			return lrs[i].dim < lrs[j].dim
		})
		// make portwidth a multiple of 5 to leave gap and ease indexing.
		portwidth := 0
		for _, r := range lrs {
			portwidth = max(portwidth, r.lane)
		}
		portwidth = ((portwidth / 5) + 1) * 5
		portstart := make([]int, int(ReceiverReserved)+1)
		n := 0
		for i := int(ReceiverDSPA); i < int(ReceiverReserved); i++ {
			for _, r := range lrs {
				if r.rec == i {
					n = n + portwidth
					portstart[i] = n
					break
				}
			}
		}
		n = n + portwidth

		rbdf := make([]string, eSize)
		rbdf[eBDF] = "\"" + bdf + "\"" // Prevents converting to dates.
		if err := w.Write(rbdf); err != nil {
			return err
		}

		var eye []string
		flushEye := func() error {
			if eye != nil && eye[eCorner] != "" {
				return w.Write(eye)
			}
			return nil
		}
		for i, lr := range lrs {
			if i == 0 || lr.rec != lrs[i-1].rec || lr.lane != lrs[i-1].lane {
				if err := flushEye(); err != nil {
					return err
				}
				eye = make([]string, eSize)
				eye[eBDF] = "\"" + bdf + "\""
				eye[eReceiver] = Receiver(lr.rec).String()
				eye[eLane] = fmt.Sprintf("%d", lr.lane)
			}

			lane := link + portstart[min(lr.rec, int(ReceiverReserved))] + lr.lane
			for k, mp := range lr.steps {
				r := make([]string, eSize)
				r[eReceiver] = Receiver(lr.rec).String()
				r[eLane] = fmt.Sprintf("%d", lr.lane)
				r[eDirection] = lr.dim.String()
				steps := mp.Get("step").Int()
				r[eSteps] = fmt.Sprintf("%d", steps)
				status := mp.Get("status").String()
				r[eStatus] = status
				errcnt := mp.Get("error_count").Int()
				r[eErrorCount] = fmt.Sprintf("%d", errcnt)
				if samples := mp.Get("sample_count").Int(); samples >= 0 {
					r[eSamples] = fmt.Sprintf("%d", samples)
					if errcnt == 0 {
						r[eLog10BER] = "0"
					} else {
						r[eLog10BER] = fmt.Sprintf("%f", math.Log10(ber(uint8(errcnt), int(samples))))
					}
				}

				// Recalculates the margin from the steps, so a fixed step size applies.
				margin := float64(steps) * lr.stepSize
				if lr.dim.IsDown() {
					margin = -margin
				}
				if lr.dim.IsVoltage() {
					r[eVmargin] = fmt.Sprintf("%f", margin)
					r[eVlane] = fmt.Sprintf("%d", lane)
				} else {
					r[eTmargin] = fmt.Sprintf("%f", margin)
					r[eTlane] = fmt.Sprintf("%d", lane)
				}

				// wasd vs. hjkl: gamer=pass; vi=fail
				maxPassing := lr.hasPassed && status == StatusMargining.String() && steps == lr.lastPass
				minFailing := k == len(lr.steps)-1 && status != StatusMargining.String()
				switch {
				case maxPassing:
					eye[eCorner] = "eye corners"
					switch lr.dim {
					case TimeDown:
						r[eCorner] = "A"
						eye[eLeft] = r[eTmargin]
					case TimeUp:
						r[eCorner] = "D"
						eye[eRight] = r[eTmargin]
					case VoltageUp:
						r[eCorner] = "W"
						eye[eTop] = r[eVmargin]
					case VoltageDown:
						r[eCorner] = "S"
						eye[eBottom] = r[eVmargin]
					}
				case minFailing:
					switch lr.dim {
					case TimeDown:
						r[eCorner] = "H"
					case TimeUp:
						r[eCorner] = "L"
					case VoltageUp:
						r[eCorner] = "K"
					case VoltageDown:
						r[eCorner] = "J"
					}
				}
				if err := w.Write(r); err != nil {
					return err
				}
			}
		}
		if err := flushEye(); err != nil {
			return err
		}
		link = link + n
	}
	w.Flush()
	return w.Error()
}
