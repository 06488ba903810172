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

// The margining procedure at a single offset.

import (
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/golang/glog"
)

const (
	// Margin status checking interval is 3ms. At Gen5 speed, 3ms * 32gbps ~= 1E8 samples.
	marginWait    = 3 * time.Millisecond
	marginTimeout = 1000 * time.Millisecond // The PCIe margining setup timeout is 200ms.
	// A sample count for margin points that error out before any dwell.
	// 64 bits is for practical reason to differ from the default 0.
	minSampleCount = 18
)

var errSetupTimeout = errors.New("receiver did not leave setting up")

// issue encodes the current step, writes it and waits for the receiver to
// start margining.
func (s *LaneSession) issue() {
	w := EncodeStep(s.wire, s.step, s.link.rec)
	st, err := s.link.step(w)
	if err != nil {
		s.fail(err)
		return
	}
	r := DecodeStatus(st)
	for t0 := time.Now(); r.Acknowledged && r.Status == StatusSettingUp; {
		// The Receiver is getting ready but has not yet started margining.
		if time.Since(t0) > marginTimeout {
			s.fail(&TransportError{Device: s.link.dev, Lane: s.link.lane, Op: "setup", Err: errSetupTimeout})
			return
		}
		s.sleep(marginWait)
		if st, err = s.link.readStatus(); err != nil {
			s.fail(err)
			return
		}
		r = DecodeStatus(st)
	}
	if !r.Acknowledged {
		s.fail(fmt.Errorf("%w: malformed step response %#04x", ErrInvariant, uint16(st)))
		return
	}
	log.V(2).Infof("%v: step %d cmd %#04x ack %s errors %d", s, s.step, uint16(w), r.Status, r.ErrorCount)
	s.ack = r
	s.state = stateDwelling
}

// dwell waits for errors to accumulate, then reads the step status. A step
// that errored out or was refused has nothing to dwell on.
func (s *LaneSession) dwell() {
	s.last = s.ack
	if s.ack.Status != StatusMargining {
		s.state = stateEvaluating
		return
	}
	s.sleep(s.opts.Dwell)
	st, err := s.link.readStatus()
	if err != nil {
		s.fail(err)
		return
	}
	r := DecodeStatus(st)
	switch {
	case !r.Acknowledged || r.Status == StatusSettingUp:
		s.fail(fmt.Errorf("%w: receiver left margining during dwell: %#04x", ErrInvariant, uint16(st)))
		return
	case r.ErrorCount < s.ack.ErrorCount:
		s.fail(fmt.Errorf("%w: error count decreased from %d to %d", ErrInvariant, s.ack.ErrorCount, r.ErrorCount))
		return
	}
	s.last = r
	s.state = stateEvaluating
}

// evaluate decides whether the session stops at the step.
func (s *LaneSession) evaluate() {
	r := s.last
	s.res.ErrorCount = r.ErrorCount
	rec := StepRecord{Step: s.step, Status: r.Status, ErrorCount: r.ErrorCount, SampleCount: -1}
	if !r.NakReceived {
		rec.SampleCount = s.sampleCount(r.Status == StatusMargining)
	}
	s.res.SampleCount = rec.SampleCount
	s.res.BER = ber(r.ErrorCount, rec.SampleCount)
	s.res.Steps = append(s.res.Steps, rec)
	log.V(1).Infof("%v: step %3d status %-10s errors %2d samples %3d",
		s, s.step, r.Status, r.ErrorCount, rec.SampleCount)

	switch {
	case int(r.ErrorCount) >= s.opts.ErrorLimit:
		s.terminate(ReasonErrorLimitExceeded)
	case r.NakReceived:
		// Most likely the offset is out of bound.
		s.terminate(ReasonDeviceNak)
	case r.Status == StatusErrorOut:
		s.fail(fmt.Errorf("%w: error out with %d errors below limit %d", ErrInvariant, r.ErrorCount, s.opts.ErrorLimit))
	default:
		s.res.LastPassingStep = s.step
		if err := s.link.set(SetGoToNormalSettings); err != nil {
			s.fail(err)
			return
		}
		s.state = stateAdvancing
	}
}

// sampleCount gets the sample count of the step, 3*log2(number of bits) as
// PCIe 5.0 8.4.4 defines it, or -1 when it can not be known.
func (s *LaneSession) sampleCount(dwelled bool) int {
	p := s.opts.Params
	if p == nil {
		return -1
	}
	if p.IndErrorSampler && !p.SampleReportingMethod {
		v, err := s.link.report(RptSampleCount)
		if err != nil {
			log.Warningf("%v: failed to read sample count: %v", s, err)
			return -1
		}
		return int(v & MskSampleCount)
	}
	// The samples are counted by rate * dwell.
	if s.opts.BitRate <= 0 {
		return -1
	}
	rate := p.SamplingRate(s.dim)
	// Assumes max sampling rate if it reads 0.
	if rate == 0 {
		rate = MskSamplingRateTiming
	}
	sps := float64(rate+1) / 64.0 * s.opts.BitRate
	var bitCount float64
	if dwelled {
		bitCount = s.opts.Dwell.Seconds() * sps
	}
	if bitCount < 1 {
		return minSampleCount
	}
	return int(math.Round(math.Log2(bitCount) * 3))
}

// ber gets the bit error rate of errors over a sample count, or -1.
func ber(errCount uint8, samples int) float64 {
	if samples < 0 {
		return -1
	}
	return float64(errCount) / math.Pow(2.0, float64(samples)/3.0)
}
