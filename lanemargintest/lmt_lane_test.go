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

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

func noSleep(time.Duration) {}

// newTestSession probes the simulated receiver and creates a session on a
// lane with the advertised step count.
func newTestSession(t *testing.T, port RegisterPort, lane LaneID, dim MarginDimension, mod func(*SessionOptions)) *LaneSession {
	t.Helper()
	probe := laneLink{port: port, lock: new(sync.Mutex), dev: testDev, lane: 0, rec: ReceiverUSPF}
	params, err := readParameters(&probe)
	require.NoError(t, err)
	opts := SessionOptions{
		Receiver:   ReceiverUSPF,
		ErrorLimit: MaxErrorCountLimit,
		Dwell:      time.Millisecond,
		StartStep:  1,
		MaxStep:    params.NumSteps(dim),
		Params:     params,
		BitRate:    32e9,
		Sleep:      noSleep,
	}
	if mod != nil {
		mod(&opts)
	}
	return NewLaneSession(port, testDev, lane, dim, opts)
}

// scriptedPort passes accesses to a port, and rewrites the status words read
// after a step command.
type scriptedPort struct {
	RegisterPort
	// rewrite gets the n-th status read since the last step command.
	rewrite func(w StatusWord, n int) StatusWord

	mu       sync.Mutex
	stepping bool
	n        int
	lanes    []LaneID // lanes of the step commands in order
}

func (p *scriptedPort) Write(dev DeviceAddress, lane LaneID, cmd CommandWord) error {
	p.mu.Lock()
	var cr cmdRsp
	cr.decode(uint16(cmd))
	p.stepping = cr.typ == MarginTypeTiming || cr.typ == MarginTypeVoltage
	p.n = 0
	if p.stepping {
		p.lanes = append(p.lanes, lane)
	}
	p.mu.Unlock()
	return p.RegisterPort.Write(dev, lane, cmd)
}

func (p *scriptedPort) Read(dev DeviceAddress, lane LaneID) (StatusWord, error) {
	w, err := p.RegisterPort.Read(dev, lane)
	if err != nil {
		return w, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stepping && p.rewrite != nil {
		p.n++
		w = p.rewrite(w, p.n)
	}
	return w, nil
}

// LinkStatus passes through to the wrapped port.
func (p *scriptedPort) LinkStatus(dev DeviceAddress) (pci.LinkStatus, error) {
	return p.RegisterPort.(LinkInspector).LinkStatus(dev)
}

// PrepareLink passes through to the wrapped port.
func (p *scriptedPort) PrepareLink(dev DeviceAddress) (func() error, error) {
	return p.RegisterPort.(LinkPreparer).PrepareLink(dev)
}

func TestSessionMaxStepsReached(t *testing.T) {
	sim := pci.NewSim()
	res := newTestSession(t, NewPCIPort(sim), 1, TimeUp, nil).Run()

	assert.Equal(t, ReasonMaxStepsReached, res.Reason)
	assert.Equal(t, MarginStep(16), res.FinalStep)
	assert.Equal(t, MarginStep(16), res.MaxStep)
	assert.Equal(t, MarginStep(16), res.LastPassingStep)
	assert.Equal(t, uint8(0), res.ErrorCount)
	assert.Equal(t, "UI", res.Unit)
	assert.InDelta(t, 0.5/16, res.StepSize, 1e-9)
	assert.InDelta(t, 0.5, res.Margin, 1e-9)
	assert.Equal(t, 111, res.SampleCount, "reported by the independent sampler")
	assert.Equal(t, 0.0, res.BER)
	assert.Empty(t, res.Detail)
	assert.Positive(t, res.Elapsed)
	require.Len(t, res.Steps, 16)
	for i, st := range res.Steps {
		assert.Equal(t, MarginStep(i+1), st.Step)
		assert.Equal(t, StatusMargining, st.Status)
	}

	h := sim.History(testDev, 1)
	require.Len(t, h, 16)
	for i, m := range h {
		assert.Equal(t, pci.SimMargin{Lane: 1, Receiver: 6, Steps: i + 1}, m)
	}
}

func TestSessionErrorLimitAtStart(t *testing.T) {
	sim := pci.NewSim()
	// More errors than the 6-bit count can hold; the receiver saturates at 63.
	sim.Errors = func(pci.Addr, pci.SimMargin) int { return 70 }
	res := newTestSession(t, NewPCIPort(sim), 0, TimeUp, nil).Run()

	assert.Equal(t, ReasonErrorLimitExceeded, res.Reason)
	assert.Equal(t, MarginStep(1), res.FinalStep)
	assert.Equal(t, MarginStep(0), res.LastPassingStep)
	assert.Equal(t, uint8(63), res.ErrorCount)
	assert.Zero(t, res.Margin)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, StatusErrorOut, res.Steps[0].Status)
	assert.False(t, res.Passed(1))
}

func TestSessionEye(t *testing.T) {
	sim := pci.NewSim()
	sim.Errors = pci.EyeModel(8, 20, 10)
	res := newTestSession(t, NewPCIPort(sim), 0, TimeDown, func(o *SessionOptions) {
		o.ErrorLimit = 30
	}).Run()

	// Steps 9 and 10 see errors below the limit and still pass.
	assert.Equal(t, ReasonErrorLimitExceeded, res.Reason)
	assert.Equal(t, MarginStep(11), res.FinalStep)
	assert.Equal(t, MarginStep(10), res.LastPassingStep)
	assert.Equal(t, uint8(30), res.ErrorCount)
	assert.InDelta(t, 10*0.5/16, res.Margin, 1e-9)
	require.Len(t, res.Steps, 11)
	assert.Equal(t, uint8(20), res.Steps[9].ErrorCount)
	for _, m := range sim.History(testDev, 0) {
		assert.True(t, m.Down)
	}
}

func TestSessionTransportErrorOnFirstWrite(t *testing.T) {
	sim := pci.NewSim()
	boom := errors.New("boom")
	sim.Fault = func(op string, _ pci.Addr, lane int, n int) error {
		if op == "write" && lane == 3 && n == 1 {
			return boom
		}
		return nil
	}
	s := newTestSession(t, NewPCIPort(sim), 3, VoltageUp, nil)
	w0, _ := sim.Accesses()
	res := s.Run()
	w1, _ := sim.Accesses()

	assert.Equal(t, ReasonTransportError, res.Reason)
	assert.Equal(t, MarginStep(1), res.FinalStep)
	assert.Equal(t, MarginStep(0), res.LastPassingStep)
	assert.Contains(t, res.Detail, "failed to clear error log")
	assert.Contains(t, res.Detail, "boom")
	assert.Equal(t, 1, w1-w0, "no teardown after a transport error")
	assert.Empty(t, sim.History(testDev, 3))
	assert.False(t, res.Passed(0))
	assert.Equal(t, s.res.Detail, res.Detail)
}

func TestSessionNakBeyondAdvertisedSteps(t *testing.T) {
	sim := pci.NewSim()
	res := newTestSession(t, NewPCIPort(sim), 0, TimeUp, func(o *SessionOptions) {
		o.MaxStep = 20
	}).Run()

	assert.Equal(t, ReasonDeviceNak, res.Reason)
	assert.Equal(t, MarginStep(17), res.FinalStep)
	assert.Equal(t, MarginStep(16), res.LastPassingStep)
	require.Len(t, res.Steps, 17)
	last := res.Steps[16]
	assert.Equal(t, StatusNak, last.Status)
	assert.Equal(t, -1, last.SampleCount)
	assert.Equal(t, -1, res.SampleCount)
	assert.Equal(t, -1.0, res.BER)
}

func TestSessionErrorCountDecreased(t *testing.T) {
	sim := pci.NewSim()
	sim.Errors = func(pci.Addr, pci.SimMargin) int { return 5 }
	port := &scriptedPort{RegisterPort: NewPCIPort(sim)}
	s := newTestSession(t, port, 0, TimeUp, nil)
	port.rewrite = func(w StatusWord, n int) StatusWord {
		if n >= 2 {
			return w&0x00FF | (0x80|2)<<8
		}
		return w
	}
	res := s.Run()

	assert.Equal(t, ReasonTransportError, res.Reason)
	assert.Equal(t, MarginStep(1), res.FinalStep)
	assert.Contains(t, res.Detail, "error count decreased from 5 to 2")
	assert.Contains(t, res.Detail, ErrInvariant.Error())
}

func TestSessionLeftMarginingDuringDwell(t *testing.T) {
	sim := pci.NewSim()
	port := &scriptedPort{RegisterPort: NewPCIPort(sim)}
	s := newTestSession(t, port, 0, VoltageDown, nil)
	port.rewrite = func(w StatusWord, n int) StatusWord {
		if n >= 2 {
			return w&0x00FF | 0x40<<8
		}
		return w
	}
	res := s.Run()

	assert.Equal(t, ReasonTransportError, res.Reason)
	assert.Contains(t, res.Detail, "receiver left margining during dwell")
}

func TestSessionWaitsForSetup(t *testing.T) {
	sim := pci.NewSim()
	sim.SetupReads = 3
	var sleeps int
	res := newTestSession(t, NewPCIPort(sim), 0, TimeUp, func(o *SessionOptions) {
		o.MaxStep = 2
		o.Sleep = func(d time.Duration) {
			if d == marginWait {
				sleeps++
			}
		}
	}).Run()

	assert.Equal(t, ReasonMaxStepsReached, res.Reason)
	assert.Equal(t, MarginStep(2), res.LastPassingStep)
	// The command response and two polls read setting up; the third poll
	// reads margining.
	assert.Equal(t, 2*3, sleeps)
}

func TestSessionSetupTimeout(t *testing.T) {
	sim := pci.NewSim()
	sim.SetupReads = 1 << 30
	res := newTestSession(t, NewPCIPort(sim), 0, TimeUp, nil).Run()

	assert.Equal(t, ReasonTransportError, res.Reason)
	assert.Contains(t, res.Detail, errSetupTimeout.Error())
}

func TestSessionVoltageNotSupported(t *testing.T) {
	sim := pci.NewSim()
	sim.Caps.VoltageSupported = false
	s := newTestSession(t, NewPCIPort(sim), 0, VoltageUp, nil)
	w0, r0 := sim.Accesses()
	res := s.Run()
	w1, r1 := sim.Accesses()

	assert.Equal(t, ReasonDeviceNak, res.Reason)
	assert.Equal(t, MarginStep(1), res.FinalStep)
	assert.Equal(t, "voltage margining not supported", res.Detail)
	assert.Equal(t, "V", res.Unit)
	assert.Equal(t, w0, w1)
	assert.Equal(t, r0, r1)
}

func TestSessionWithoutIndependentDirection(t *testing.T) {
	sim := pci.NewSim()
	sim.Caps.IndLeftRightTiming = false
	var cmds []CommandWord
	res := newTestSession(t, &recordingPort{RegisterPort: NewPCIPort(sim), cmds: &cmds}, 0, TimeDown, func(o *SessionOptions) {
		o.MaxStep = 3
	}).Run()

	assert.Equal(t, ReasonMaxStepsReached, res.Reason)
	assert.Equal(t, TimeDown, res.Dimension)
	assert.Contains(t, res.Detail, "no independent left/right timing control")
	var steps []CommandWord
	for _, c := range cmds {
		if DecodeStatus(StatusWord(c)).Acknowledged {
			steps = append(steps, c)
		}
	}
	assert.Equal(t, []CommandWord{
		EncodeStep(TimeUp, 1, ReceiverUSPF),
		EncodeStep(TimeUp, 2, ReceiverUSPF),
		EncodeStep(TimeUp, 3, ReceiverUSPF),
	}, steps)
}

// recordingPort records the commands written.
type recordingPort struct {
	RegisterPort
	cmds *[]CommandWord
}

func (p *recordingPort) Write(dev DeviceAddress, lane LaneID, cmd CommandWord) error {
	*p.cmds = append(*p.cmds, cmd)
	return p.RegisterPort.Write(dev, lane, cmd)
}

func (p *recordingPort) LinkStatus(dev DeviceAddress) (pci.LinkStatus, error) {
	return p.RegisterPort.(LinkInspector).LinkStatus(dev)
}

func (p *recordingPort) PrepareLink(dev DeviceAddress) (func() error, error) {
	return p.RegisterPort.(LinkPreparer).PrepareLink(dev)
}

func TestSessionDerivedSampleCount(t *testing.T) {
	sim := pci.NewSim()
	sim.Caps.SampleReportingMethod = true
	res := newTestSession(t, NewPCIPort(sim), 0, TimeUp, func(o *SessionOptions) {
		o.MaxStep = 1
	}).Run()
	// 3 * log2(1ms * 32Gbps) rounds to 75.
	assert.Equal(t, 75, res.SampleCount)

	sim = pci.NewSim()
	sim.Caps.SampleReportingMethod = true
	sim.Errors = func(pci.Addr, pci.SimMargin) int { return 63 }
	res = newTestSession(t, NewPCIPort(sim), 0, TimeUp, nil).Run()
	assert.Equal(t, minSampleCount, res.SampleCount, "errored out without a dwell")
	assert.InDelta(t, 63/64.0, res.BER, 1e-9)

	sim = pci.NewSim()
	sim.Caps.SampleReportingMethod = true
	res = newTestSession(t, NewPCIPort(sim), 0, TimeUp, func(o *SessionOptions) {
		o.MaxStep = 1
		o.BitRate = 0
	}).Run()
	assert.Equal(t, -1, res.SampleCount)
	assert.Equal(t, -1.0, res.BER)
}

func TestSessionWithoutParameters(t *testing.T) {
	sim := pci.NewSim()
	s := NewLaneSession(NewPCIPort(sim), testDev, 2, VoltageDown, SessionOptions{
		Receiver:   ReceiverUSPF,
		ErrorLimit: 10,
		Dwell:      time.Millisecond,
		StartStep:  2,
		MaxStep:    4,
		Sleep:      noSleep,
	})
	res := s.Run()

	assert.Equal(t, ReasonMaxStepsReached, res.Reason)
	assert.Equal(t, MarginStep(4), res.LastPassingStep)
	assert.Len(t, res.Steps, 3)
	assert.Zero(t, res.StepSize)
	assert.Zero(t, res.Margin)
	assert.Equal(t, -1, res.SampleCount)
}

func TestNewLaneSessionClampsSteps(t *testing.T) {
	s := NewLaneSession(deafPort{}, testDev, 0, TimeUp, SessionOptions{StartStep: 70, MaxStep: 100})
	assert.Equal(t, MarginStep(63), s.opts.MaxStep)
	assert.Equal(t, MarginStep(63), s.opts.StartStep)
	assert.Equal(t, stateIdle, s.state)

	s = NewLaneSession(deafPort{}, testDev, 0, VoltageUp, SessionOptions{StartStep: 1, MaxStep: 100})
	assert.Equal(t, MarginStep(100), s.opts.MaxStep)
}

func TestTerminateIsAbsorbing(t *testing.T) {
	s := NewLaneSession(deafPort{}, testDev, 0, TimeUp, SessionOptions{StartStep: 1, MaxStep: 4})
	s.step = 3
	s.terminate(ReasonDeviceNak)
	s.step = 4
	s.terminate(ReasonMaxStepsReached)
	assert.Equal(t, ReasonDeviceNak, s.res.Reason)
	assert.Equal(t, MarginStep(3), s.res.FinalStep)
	assert.Equal(t, stateTerminated, s.state)
}

func TestBER(t *testing.T) {
	assert.Equal(t, -1.0, ber(3, -1))
	assert.Equal(t, 0.0, ber(0, 75))
	assert.Equal(t, 0.5, ber(1, 3))
}

func TestParametersStepSize(t *testing.T) {
	p := &Parameters{NumTimingSteps: 16, NumVoltageSteps: 32, MaxTimingOffset: 50, MaxVoltageOffset: 16}
	assert.InDelta(t, 0.03125, p.StepSize(TimeDown), 1e-9)
	assert.InDelta(t, 0.005, p.StepSize(VoltageUp), 1e-9)
	assert.Zero(t, (&Parameters{}).StepSize(TimeUp))
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "Dwelling", stateDwelling.String())
	assert.Equal(t, "Terminated", stateTerminated.String())
	assert.Equal(t, "sessionState(9)", sessionState(9).String())
	assert.Equal(t, "sessionState(-1)", sessionState(-1).String())
}
