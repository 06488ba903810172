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

// Result sinks: serializations of a completed run.

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// A ResultSink consumes a completed TestRunResult.
type ResultSink interface {
	Write(res *TestRunResult) error
}

// Formats names the result sinks by their CLI format name.
var Formats = []string{"json", "csv", "table", "ocp"}

// NewSink creates the sink of a format writing to w.
func NewSink(format string, w io.Writer) (ResultSink, error) {
	switch format {
	case "json":
		return &JSONSink{W: w}, nil
	case "csv":
		return &CSVSink{W: w}, nil
	case "table":
		return &TableSink{W: w}, nil
	case "ocp":
		return &OCPSink{W: w}, nil
	}
	return nil, fmt.Errorf("unknown output format %q, want one of %s", format, strings.Join(Formats, "|"))
}

// laneJSON renders a LaneResult with the run's test_info, and the receiver
// parameters when known.
func laneJSON(res *TestRunResult, lr *LaneResult) ([]byte, error) {
	data, err := json.Marshal(lr)
	if err != nil {
		return nil, err
	}
	if data, err = sjson.SetBytes(data, "test_info", res.Info()); err != nil {
		return nil, err
	}
	if ri, ok := res.Receiver(lr.Device, lr.Receiver); ok && ri.Params != nil {
		if data, err = sjson.SetBytes(data, "parameters", ri.Params); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// JSONSink writes one JSON object per LaneResult per line.
type JSONSink struct {
	W io.Writer
}

// Write writes the lane results in (device, lane, receiver, dimension) order.
func (s *JSONSink) Write(res *TestRunResult) error {
	for _, lr := range res.Results() {
		data, err := laneJSON(res, &lr)
		if err != nil {
			return err
		}
		if _, err := s.W.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// CSVSink writes a LaneResult per row, the test_info columns first. The per
// step history is left out.
type CSVSink struct {
	W io.Writer
}

// flatten lists the top-level fields of a JSON object in order. Nested
// objects are flattened with a dotted prefix.
func flatten(prefix string, data []byte) (keys, values []string) {
	gjson.ParseBytes(data).ForEach(func(k, v gjson.Result) bool {
		if v.IsObject() {
			ks, vs := flatten(prefix+k.String()+".", []byte(v.Raw))
			keys = append(keys, ks...)
			values = append(values, vs...)
			return true
		}
		keys = append(keys, prefix+k.String())
		values = append(values, v.String())
		return true
	})
	return keys, values
}

func csvRow(info []byte, lr *LaneResult) (keys, values []string, err error) {
	data, err := json.Marshal(lr)
	if err != nil {
		return nil, nil, err
	}
	if data, err = sjson.DeleteBytes(data, "steps"); err != nil {
		return nil, nil, err
	}
	keys, values = flatten("test_info.", info)
	lk, lv := flatten("", data)
	return append(keys, lk...), append(values, lv...), nil
}

// Write writes the header and a row per lane result.
func (s *CSVSink) Write(res *TestRunResult) error {
	info, err := json.Marshal(res.Info())
	if err != nil {
		return err
	}
	w := csv.NewWriter(s.W)
	header, _, err := csvRow(info, &LaneResult{})
	if err != nil {
		return err
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, lr := range res.Results() {
		_, row, err := csvRow(info, &lr)
		if err != nil {
			return err
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// TableSink writes an aligned table for people, with a tally footer.
type TableSink struct {
	W io.Writer
}

func formatBER(ber float64) string {
	if ber < 0 {
		return "-"
	}
	return fmt.Sprintf("%.2E", ber)
}

// Write writes the run header, the receivers, a row per lane result and the
// tally.
func (s *TableSink) Write(res *TestRunResult) error {
	tw := tabwriter.NewWriter(s.W, 4, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run %s on %s %s\n", res.RunID, res.Hostname, res.Platform)
	if res.Annotation != "" {
		fmt.Fprintf(tw, "Annotation: %s\n", res.Annotation)
	}
	fmt.Fprintf(tw, "Error limit %d, dwell %v, elapsed %v\n",
		res.ErrorLimit, res.Dwell, res.Elapsed.Round(time.Millisecond))
	if res.Aborted {
		fmt.Fprintln(tw, "ABORTED: lanes not started have no result")
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, strings.Join([]string{"BDF", "RX", "LINK", "RATE", "VOLTAGE", "T-STEPS", "V-STEPS", "ERROR"}, "\t"))
	for _, ri := range res.Receivers {
		rate := "-"
		if br := ri.Link.BitRate(); br > 0 {
			rate = humanize.SI(br, "bps")
		}
		voltage, tsteps, vsteps := "-", "-", "-"
		if p := ri.Params; p != nil {
			voltage = fmt.Sprint(p.VoltageSupported)
			tsteps = fmt.Sprint(p.NumTimingSteps)
			vsteps = fmt.Sprint(p.NumVoltageSteps)
		}
		fmt.Fprintf(tw, "%s\t%s\tx%d\t%s\t%s\t%s\t%s\t%s\n", ri.Device, ri.Receiver, ri.Link.Width,
			rate, voltage, tsteps, vsteps, ri.Error)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, strings.Join([]string{"BDF", "LANE", "RX", "DIMENSION", "REASON", "LAST-PASS",
		"MARGIN", "FINAL", "MAX", "ERRORS", "BER", "DETAIL"}, "\t"))
	for _, lr := range res.Results() {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%.4f %s\t%d\t%d\t%d\t%s\t%s\n",
			lr.Device, lr.Lane, lr.Receiver, lr.Dimension, lr.Reason, lr.LastPassingStep,
			lr.Margin, lr.Unit, lr.FinalStep, lr.MaxStep, lr.ErrorCount, formatBER(lr.BER), lr.Detail)
	}
	fmt.Fprintln(tw)

	tr := res.Tally()
	for _, rpt := range tr.PortResults {
		fmt.Fprintln(tw, rpt.Message)
	}
	fmt.Fprintf(tw, "%s in %s results\n", tr, humanize.Comma(int64(res.Len())))
	return tw.Flush()
}
