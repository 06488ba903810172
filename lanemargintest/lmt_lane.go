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

// Lane-level margining sessions.

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"
)

const (
	// MaxTimingOffset is between 20 and 50; default to the max.
	defaultMaxTimingOffset = 50
	// MaxVoltageOffset is between 5 and 50; default to the max.
	defaultMaxVoltageOffset = 50
)

// Parameters are the margining capabilities a receiver reports.
type Parameters struct {
	IndErrorSampler       bool  `json:"ind_error_sampler"`
	SampleReportingMethod bool  `json:"sample_reporting_method"`
	IndLeftRightTiming    bool  `json:"ind_left_right_timing"`
	IndUpDownVoltage      bool  `json:"ind_up_down_voltage"`
	VoltageSupported      bool  `json:"voltage_supported"`
	NumVoltageSteps       uint8 `json:"num_voltage_steps"`
	NumTimingSteps        uint8 `json:"num_timing_steps"`
	MaxTimingOffset       uint8 `json:"max_timing_offset"`
	MaxVoltageOffset      uint8 `json:"max_voltage_offset"`
	SamplingRateVoltage   uint8 `json:"sampling_rate_voltage"`
	SamplingRateTiming    uint8 `json:"sampling_rate_timing"`
	MaxLanes              uint8 `json:"max_lanes"`
}

// NumSteps gets the advertised step count of the dimension.
func (p *Parameters) NumSteps(d MarginDimension) MarginStep {
	if d.IsVoltage() {
		return MarginStep(p.NumVoltageSteps)
	}
	return MarginStep(p.NumTimingSteps)
}

// Independent reports whether the receiver margins the two directions of the
// dimension's axis independently.
func (p *Parameters) Independent(d MarginDimension) bool {
	if d.IsVoltage() {
		return p.IndUpDownVoltage
	}
	return p.IndLeftRightTiming
}

// SamplingRate gets the reported sampling rate, the bits checked out of 64
// minus 1.
func (p *Parameters) SamplingRate(d MarginDimension) uint8 {
	if d.IsVoltage() {
		return p.SamplingRateVoltage
	}
	return p.SamplingRateTiming
}

// StepSize gets the offset of a single step: %UI/100 for timing (50 = 0.5UI)
// and volts for voltage (50 = 0.5V).
func (p *Parameters) StepSize(d MarginDimension) float64 {
	n := p.NumSteps(d)
	if n == 0 {
		return 0
	}
	if d.IsVoltage() {
		return float64(p.MaxVoltageOffset) / 100.0 / float64(n)
	}
	return float64(p.MaxTimingOffset) / 100.0 / float64(n)
}

// Unit gets the unit of the dimension's offsets.
func Unit(d MarginDimension) string {
	if d.IsVoltage() {
		return "V"
	}
	return "UI"
}

// readParameters reads the margining capability parameters of a receiver.
func readParameters(ln *laneLink) (*Parameters, error) {
	param := new(Parameters)
	rd := func(payload, mask uint16) (uint8, error) {
		v, err := ln.report(payload)
		return uint8(v & mask), err
	}

	caps, err := ln.report(RptControlCapabilities)
	if err != nil {
		return nil, err
	}
	param.IndErrorSampler = (caps & MskIndErrorSampler) != 0
	param.SampleReportingMethod = (caps & MskSampleReportingMethod) != 0
	param.IndLeftRightTiming = (caps & MskIndLeftRightTiming) != 0
	param.IndUpDownVoltage = (caps & MskIndUpDownVoltage) != 0
	param.VoltageSupported = (caps & MskVoltageSupported) != 0

	for _, r := range []struct {
		payload, mask uint16
		dst           *uint8
	}{
		{RptNumVoltageSteps, MskNumVoltageSteps, &param.NumVoltageSteps},
		{RptNumTimingSteps, MskNumTimingSteps, &param.NumTimingSteps},
		{RptMaxTimingOffset, MskMaxTimingOffset, &param.MaxTimingOffset},
		{RptMaxVoltageOffset, MskMaxVoltageOffset, &param.MaxVoltageOffset},
		{RptSamplingRateVoltage, MskSamplingRateVoltage, &param.SamplingRateVoltage},
		{RptSamplingRateTiming, MskSamplingRateTiming, &param.SamplingRateTiming},
		{RptMaxLanes, MskMaxLanes, &param.MaxLanes},
	} {
		if *r.dst, err = rd(r.payload, r.mask); err != nil {
			return nil, err
		}
	}
	// 0 may be reported if the vendor chooses not to report the offset. Then default to the max.
	if param.MaxTimingOffset == 0 {
		param.MaxTimingOffset = defaultMaxTimingOffset
	}
	if param.MaxVoltageOffset == 0 {
		param.MaxVoltageOffset = defaultMaxVoltageOffset
	}
	log.V(1).Infof("%s rx %s: parameters %+v", ln.dev, ln.rec, *param)
	return param, nil
}

// /////////////////////////////////////////////////////////////////////////////////////////////////

// SessionOptions are the fixed inputs of a LaneSession.
type SessionOptions struct {
	Receiver   Receiver
	ErrorLimit int
	Dwell      time.Duration
	StartStep  MarginStep
	// MaxStep is the last step margined; it is clamped to the dimension's
	// encoding maximum.
	MaxStep MarginStep
	// Params are the receiver's capabilities. Without them directions are
	// taken as independent and no sample count is derived.
	Params *Parameters
	// BitRate is the link's bit rate in bps, used to derive sample counts.
	BitRate float64
	// Lock serializes command/status pairs on the device. nil gives the
	// session a private lock.
	Lock sync.Locker
	// Sleep suspends the session; nil means time.Sleep.
	Sleep func(time.Duration)
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateStepIssued
	stateDwelling
	stateEvaluating
	stateAdvancing
	stateTerminated
)

var stateNames = [...]string{"Idle", "StepIssued", "Dwelling", "Evaluating", "Advancing", "Terminated"}

func (s sessionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
	return stateNames[s]
}

// A LaneSession margins one dimension of one lane, one step at a time, from
// the start step until the error limit is reached, the receiver refuses a
// step, the maximum step passes or a register access fails.
type LaneSession struct {
	link  laneLink
	dim   MarginDimension
	wire  MarginDimension // the dimension encoded on the wire
	opts  SessionOptions
	sleep func(time.Duration)

	state sessionState
	step  MarginStep
	ack   StepResult // the first response to the step command
	last  StepResult // the response evaluated for the step
	res   LaneResult
	notes []string
}

// NewLaneSession creates a session on a lane. The session does not access the
// port until Run is called.
func NewLaneSession(port RegisterPort, dev DeviceAddress, lane LaneID, dim MarginDimension, opts SessionOptions) *LaneSession {
	if opts.Lock == nil {
		opts.Lock = new(sync.Mutex)
	}
	s := &LaneSession{
		link:  laneLink{port: port, lock: opts.Lock, dev: dev, lane: lane, rec: opts.Receiver},
		dim:   dim,
		wire:  dim,
		opts:  opts,
		sleep: opts.Sleep,
	}
	if s.sleep == nil {
		s.sleep = time.Sleep
	}
	if s.opts.MaxStep > dim.EncodingMax() {
		s.opts.MaxStep = dim.EncodingMax()
	}
	if s.opts.StartStep > s.opts.MaxStep {
		s.opts.StartStep = s.opts.MaxStep
	}
	return s
}

func (s *LaneSession) String() string {
	return fmt.Sprintf("%s ln %d rx %s %s", s.link.dev, s.link.lane, s.link.rec, s.dim)
}

// Run drives the session to termination and returns its result. Run is not
// reentrant and is meant to be called once.
func (s *LaneSession) Run() (res LaneResult) {
	t0 := time.Now()
	s.res = LaneResult{
		Device:      s.link.dev,
		Lane:        s.link.lane,
		Receiver:    s.link.rec,
		Dimension:   s.dim,
		MaxStep:     s.opts.MaxStep,
		Unit:        Unit(s.dim),
		SampleCount: -1,
		BER:         -1,
	}
	defer func() {
		s.res.Detail = strings.Join(s.notes, "; ")
		s.res.Elapsed = time.Since(t0)
		res = s.res
	}()

	s.step = s.opts.StartStep
	if p := s.opts.Params; p != nil {
		s.res.StepSize = p.StepSize(s.dim)
		if s.dim.IsVoltage() && !p.VoltageSupported {
			s.note("voltage margining not supported")
			s.terminate(ReasonDeviceNak)
			return s.res
		}
		if s.dim.IsDown() && !p.Independent(s.dim) {
			s.wire = s.dim.Up()
			s.note(fmt.Sprintf("no independent %s control; margined without direction", s.axis()))
		}
	}

	if err := s.setup(); err != nil {
		s.fail(err)
		return s.res
	}
	for s.state = stateStepIssued; s.state != stateTerminated; {
		switch s.state {
		case stateStepIssued:
			s.issue()
		case stateDwelling:
			s.dwell()
		case stateEvaluating:
			s.evaluate()
		case stateAdvancing:
			s.advance()
		}
	}
	s.teardown()
	s.res.Margin = float64(s.res.LastPassingStep) * s.res.StepSize
	return s.res
}

func (s *LaneSession) axis() string {
	if s.dim.IsVoltage() {
		return "up/down voltage"
	}
	return "left/right timing"
}

func (s *LaneSession) note(msg string) {
	s.notes = append(s.notes, msg)
}

// setup clears the error log, returns the receiver to normal settings and
// sets the error count limit.
func (s *LaneSession) setup() error {
	if err := s.link.set(SetClearErrorLog); err != nil {
		return fmt.Errorf("failed to clear error log: %w", err)
	}
	if err := s.link.set(SetGoToNormalSettings); err != nil {
		return fmt.Errorf("failed to set to normal settings: %w", err)
	}
	if err := s.link.set(SetErrorCountLimit | uint16(s.opts.ErrorLimit)&StepMarginErrorCountMask); err != nil {
		return fmt.Errorf("failed to set error count limit: %w", err)
	}
	return nil
}

// teardown leaves the receiver at normal settings with a clear error log.
// Failures are logged only.
func (s *LaneSession) teardown() {
	if s.res.Reason == ReasonTransportError {
		return
	}
	if err := s.link.set(SetClearErrorLog); err != nil {
		log.Warningf("%v: failed to clear error log: %v", s, err)
	}
	if err := s.link.set(SetGoToNormalSettings); err != nil {
		log.Warningf("%v: failed to set to normal settings: %v", s, err)
	}
}

// advance moves to the next step, or terminates after the maximum step.
func (s *LaneSession) advance() {
	if s.step >= s.opts.MaxStep {
		s.terminate(ReasonMaxStepsReached)
		return
	}
	s.step++
	s.state = stateStepIssued
}

// terminate records the final step and reason. Terminated is absorbing.
func (s *LaneSession) terminate(reason TerminationReason) {
	if s.state == stateTerminated {
		return
	}
	s.res.Reason = reason
	s.res.FinalStep = s.step
	s.state = stateTerminated
	log.V(1).Infof("%v: %s at step %d, %d errors, last passing step %d",
		s, reason, s.step, s.res.ErrorCount, s.res.LastPassingStep)
}

// fail terminates the session on a register access failure or an invariant
// violation.
func (s *LaneSession) fail(err error) {
	log.Errorf("%v: step %d: %v", s, s.step, err)
	s.note(err.Error())
	s.terminate(ReasonTransportError)
}
