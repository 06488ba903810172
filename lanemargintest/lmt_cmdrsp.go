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

// This file covers the PCIe LMR command and status encoding, and the basic
// command/response access operations.

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/jpillora/backoff"
)

// //////////////////////////////////////////////////////////////////////////////
const (
	// Constants specified by the PCIe 5.0 Spec 4.2.13.1
	UsageModel                    = 0 // This must always be 0 as specified in 4.2.13.1
	StepMarginExecutionStatusPos  = 6
	StepMarginExecutionStatusMask = 0xc0
	StepMarginErrorCountMask      = 0x3F
	// The following encoding is specified in PCIe 5.0 Spec 4.2.13.1
	StepMarginExecutionStatusErrorOut  = 0x0
	StepMarginExecutionStatusSettingUp = 0x1
	StepMarginExecutionStatusMargining = 0x2
	StepMarginExecutionStatusNak       = 0x3
	VoltageDirMask                     = 0x80
	TimingDirMask                      = 0x40
	VoltageStepMask                    = 0x7F
	TimingStepMask                     = 0x3F

	MarginTypeNoCmd   = 7
	MarginTypeReport  = 1
	MarginTypeSet     = 2
	MarginTypeTiming  = 3
	MarginTypeVoltage = 4

	NoCmdPayload = 0x9C
	NoCmdRecNum  = 0

	RptControlCapabilities = 0x88
	RptNumVoltageSteps     = 0x89
	RptNumTimingSteps      = 0x8A
	RptMaxTimingOffset     = 0x8B
	RptMaxVoltageOffset    = 0x8C
	RptSamplingRateVoltage = 0x8D
	RptSamplingRateTiming  = 0x8E
	RptSampleCount         = 0x8F
	RptMaxLanes            = 0x90

	MskIndErrorSampler       = 1 << 4
	MskSampleReportingMethod = 1 << 3
	MskIndLeftRightTiming    = 1 << 2
	MskIndUpDownVoltage      = 1 << 1
	MskVoltageSupported      = 1 << 0

	MskNumVoltageSteps     = 0x7F
	MskNumTimingSteps      = 0x3F
	MskMaxTimingOffset     = 0x7F
	MskMaxVoltageOffset    = 0x7F
	MskSamplingRateVoltage = 0x3F
	MskSamplingRateTiming  = 0x3F
	MskSampleCount         = 0x7F
	MskMaxLanes            = 0x1F

	SetErrorCountLimit    = 0xC0
	SetGoToNormalSettings = 0x0F
	SetClearErrorLog      = 0x55
	// MaxErrorCountLimit is the largest limit the 6-bit field can carry.
	MaxErrorCountLimit = 0x3F

	// A little extra margin is added to the following wait times.
	CmdWait    = 12 * time.Microsecond // A minimum 10us is required between commands
	CmdTimeout = 12 * time.Millisecond // command timeout 10ms minimum
	// cmdPollMax caps the backoff between response polls.
	cmdPollMax = 1 * time.Millisecond
)

// CommandWord is the 16-bit value written to a Lane N Margining Control register.
type CommandWord uint16

// StatusWord is the 16-bit value read from a Lane N Margining Status register.
type StatusWord uint16

// cmdRsp is the LMR command and response format of the control and status reg.
type cmdRsp struct {
	raw     uint16
	payload uint16 // bitfield [15:8]
	usage   uint16 // bitfield [6]
	typ     uint16 // bitfield [5:3]
	rec     uint16 // bitfield [2:0]
}

// encode packs fields into the raw data.
func (cr *cmdRsp) encode() uint16 {
	cr.raw = ((cr.payload & 0xFF) << 8) |
		((cr.usage & 0x1) << 6) |
		((cr.typ & 0x7) << 3) |
		((cr.rec & 0x7) << 0)
	return cr.raw
}

// decode unpacks the raw data into fields.
func (cr *cmdRsp) decode(raw uint16) {
	cr.raw = raw
	cr.payload = (cr.raw >> 8) & 0xFF
	cr.usage = (cr.raw >> 6) & 1
	cr.typ = (cr.raw >> 3) & 0x7
	cr.rec = (cr.raw >> 0) & 0x7
}

func (cr cmdRsp) String() string {
	return fmt.Sprintf("{raw:%#04x payload:%#02x usage:%d type:%d rec:%d}",
		cr.raw, cr.payload, cr.usage, cr.typ, cr.rec)
}

// //////////////////////////////////////////////////////////////////////////////

// Receiver is the 3-bit receiver number of PCIe 5.0 4.2.13.1.
type Receiver uint8

// The receiver enum on a link: the DSP, up to 2 retimers with 2 Rx each, and
// the USP. 0 is for broadcasting; 7 is reserved.
const (
	ReceiverBroadcast Receiver = iota
	ReceiverDSPA
	ReceiverRTUB
	ReceiverRTDC
	ReceiverRTUD
	ReceiverRTDE
	ReceiverUSPF
	ReceiverReserved
)

var receiverNames = [...]string{"BROADCAST0", "DSP_A1", "RTU_B2", "RTD_C3", "RTU_D4", "RTD_E5", "USP_F6", "RESERVED7"}

func (r Receiver) String() string {
	if int(r) < len(receiverNames) {
		return receiverNames[r]
	}
	return fmt.Sprintf("Receiver(%d)", uint8(r))
}

// Valid reports whether r addresses a single receiver.
func (r Receiver) Valid() bool {
	return r >= ReceiverDSPA && r <= ReceiverUSPF
}

// MarginDimension is one of the four margining directions.
type MarginDimension int

// The margining dimensions. Up is right for timing; Down is left.
const (
	TimeUp MarginDimension = iota
	TimeDown
	VoltageUp
	VoltageDown
)

// AllDimensions is the fixed set of dimensions margined per lane.
var AllDimensions = []MarginDimension{TimeUp, TimeDown, VoltageUp, VoltageDown}

var dimensionNames = [...]string{"time_up", "time_down", "voltage_up", "voltage_down"}

func (d MarginDimension) String() string {
	if d >= 0 && int(d) < len(dimensionNames) {
		return dimensionNames[d]
	}
	return fmt.Sprintf("MarginDimension(%d)", int(d))
}

// MarshalText renders the dimension name.
func (d MarginDimension) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a dimension name. See ParseDimension.
func (d *MarginDimension) UnmarshalText(text []byte) error {
	v, err := ParseDimension(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDimension parses a dimension name. The timing_right/timing_left
// spellings are accepted for TimeUp/TimeDown.
func ParseDimension(s string) (MarginDimension, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "time_up", "timeup", "timing_right", "timing_up":
		return TimeUp, nil
	case "time_down", "timedown", "timing_left", "timing_down":
		return TimeDown, nil
	case "voltage_up", "voltageup":
		return VoltageUp, nil
	case "voltage_down", "voltagedown":
		return VoltageDown, nil
	}
	return 0, fmt.Errorf("unknown margin dimension %q", s)
}

// IsVoltage reports whether d is a voltage dimension.
func (d MarginDimension) IsVoltage() bool { return d == VoltageUp || d == VoltageDown }

// IsDown reports whether d is the left (timing) or down (voltage) direction.
func (d MarginDimension) IsDown() bool { return d == TimeDown || d == VoltageDown }

// Up gets the up/right dimension on the same axis.
func (d MarginDimension) Up() MarginDimension {
	if d.IsVoltage() {
		return VoltageUp
	}
	return TimeUp
}

func (d MarginDimension) marginType() uint16 {
	if d.IsVoltage() {
		return MarginTypeVoltage
	}
	return MarginTypeTiming
}

func (d MarginDimension) dirMask() uint16 {
	if d.IsVoltage() {
		return VoltageDirMask
	}
	return TimingDirMask
}

func (d MarginDimension) stepMask() uint16 {
	if d.IsVoltage() {
		return VoltageStepMask
	}
	return TimingStepMask
}

// EncodingMax gets the largest step the dimension's payload can carry.
func (d MarginDimension) EncodingMax() MarginStep {
	return MarginStep(d.stepMask())
}

// MarginStep is a timing or voltage offset in steps from the default sampling
// point.
type MarginStep uint8

// ExecutionStatus is the Margin Execution Status of a step margin response.
type ExecutionStatus uint8

// The step margin execution status encoding.
const (
	StatusErrorOut  ExecutionStatus = StepMarginExecutionStatusErrorOut
	StatusSettingUp ExecutionStatus = StepMarginExecutionStatusSettingUp
	StatusMargining ExecutionStatus = StepMarginExecutionStatusMargining
	StatusNak       ExecutionStatus = StepMarginExecutionStatusNak
)

var statusNames = [...]string{"ERROR_OUT", "SETTING_UP", "MARGINING", "NAK"}

func (s ExecutionStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("ExecutionStatus(%d)", uint8(s))
}

// MarshalText renders the status name.
func (s ExecutionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StepResult is a decoded step margin status word.
type StepResult struct {
	// Acknowledged is set when the word is a well-formed step margin
	// response. All other fields are meaningful only when it is set.
	Acknowledged bool
	Status       ExecutionStatus
	ErrorCount   uint8
	NakReceived  bool
	// The command fields echoed by the receiver.
	Receiver  Receiver
	Dimension MarginDimension
	Step      MarginStep
}

// EncodeStep encodes a step margin command for the receiver. The step is
// masked to the dimension's payload width.
func EncodeStep(dim MarginDimension, step MarginStep, rec Receiver) CommandWord {
	cmd := cmdRsp{
		rec:     uint16(rec),
		usage:   UsageModel,
		typ:     dim.marginType(),
		payload: uint16(step) & dim.stepMask(),
	}
	if dim.IsDown() {
		cmd.payload |= dim.dirMask()
	}
	return CommandWord(cmd.encode())
}

// DecodeStatus decodes a step margin status word. It never fails: words that
// are not step margin responses decode with Acknowledged unset.
func DecodeStatus(w StatusWord) StepResult {
	var rsp cmdRsp
	rsp.decode(uint16(w))
	res := StepResult{Receiver: Receiver(rsp.rec)}
	if rsp.usage != UsageModel || !res.Receiver.Valid() ||
		(rsp.typ != MarginTypeTiming && rsp.typ != MarginTypeVoltage) {
		return res
	}
	res.Acknowledged = true
	res.Status = ExecutionStatus((rsp.payload & StepMarginExecutionStatusMask) >> StepMarginExecutionStatusPos)
	res.ErrorCount = uint8(rsp.payload & StepMarginErrorCountMask)
	res.NakReceived = res.Status == StatusNak
	if rsp.typ == MarginTypeVoltage {
		res.Dimension = VoltageUp
		if rsp.payload&VoltageDirMask != 0 {
			res.Dimension = VoltageDown
		}
		res.Step = MarginStep(rsp.payload & VoltageStepMask)
	} else {
		res.Dimension = TimeUp
		if rsp.payload&TimingDirMask != 0 {
			res.Dimension = TimeDown
		}
		res.Step = MarginStep(rsp.payload & TimingStepMask)
	}
	return res
}

// //////////////////////////////////////////////////////////////////////////////

// errNoResponse is returned when the receiver does not reflect a command in time.
var errNoResponse = errors.New("LMR command not reflected")

// laneLink runs LMR command/response exchanges on one lane of one receiver.
// Every exchange holds the device lock so that exchanges on lanes of the same
// device do not interleave.
type laneLink struct {
	port RegisterPort
	lock sync.Locker
	dev  DeviceAddress
	lane LaneID
	rec  Receiver
}

// exchange writes a command and polls the status register until it reflects
// the command. The caller holds the device lock.
func (ln *laneLink) exchange(cmd *cmdRsp, matchPayload bool) (*cmdRsp, error) {
	if err := ln.port.Write(ln.dev, ln.lane, CommandWord(cmd.encode())); err != nil {
		return nil, &TransportError{Device: ln.dev, Lane: ln.lane, Op: "write", Err: err}
	}
	b := &backoff.Backoff{Min: CmdWait, Max: cmdPollMax, Factor: 2}
	t := time.Now()
	var rsp cmdRsp
	for do := true; do; do = time.Since(t) < CmdTimeout {
		time.Sleep(b.Duration())
		w, err := ln.port.Read(ln.dev, ln.lane)
		if err != nil {
			return nil, &TransportError{Device: ln.dev, Lane: ln.lane, Op: "read", Err: err}
		}
		rsp.decode(uint16(w))
		if rsp.rec == cmd.rec && rsp.typ == cmd.typ && rsp.usage == 0 &&
			(!matchPayload || rsp.payload == cmd.payload) {
			log.V(3).Infof("lmrCmdRsp: Pass match=%v; cmd:%v; rsp:%v", matchPayload, cmd, rsp)
			return &rsp, nil
		}
		log.V(3).Infof("lmrCmdRsp: Read match=%v; cmd:%v; rsp:%v", matchPayload, cmd, rsp)
	}
	log.V(1).Infof("lmrCmdRsp: Fail %s ln %d match=%v; cmd:%v; rsp:%v", ln.dev, ln.lane, matchPayload, cmd, rsp)
	return &rsp, &TransportError{Device: ln.dev, Lane: ln.lane, Op: "response",
		Err: fmt.Errorf("%w: cmd:%v; rsp:%v", errNoResponse, cmd, rsp)}
}

// broadcastNoCmd broadcasts a No Command and waits for its reflection on the
// response. This is required between commands. The caller holds the device lock.
func (ln *laneLink) broadcastNoCmd() error {
	cmd := cmdRsp{payload: NoCmdPayload, rec: NoCmdRecNum, typ: MarginTypeNoCmd}
	_, err := ln.exchange(&cmd, true)
	return err
}

// command is the common LMR command response use case. It includes the
// no-command broadcasting.
func (ln *laneLink) command(cmd *cmdRsp) (*cmdRsp, error) {
	ln.lock.Lock()
	defer ln.lock.Unlock()
	if err := ln.broadcastNoCmd(); err != nil {
		return nil, err
	}
	return ln.exchange(cmd, false)
}

// commandEcho sends a command and expects the response to echo the command.
func (ln *laneLink) commandEcho(cmd *cmdRsp) error {
	ln.lock.Lock()
	defer ln.lock.Unlock()
	if err := ln.broadcastNoCmd(); err != nil {
		return err
	}
	_, err := ln.exchange(cmd, true)
	return err
}

// report issues a Report command and returns the response payload.
func (ln *laneLink) report(payload uint16) (uint16, error) {
	cmd := cmdRsp{rec: uint16(ln.rec), usage: UsageModel, typ: MarginTypeReport, payload: payload}
	rsp, err := ln.command(&cmd)
	if err != nil {
		return 0, err
	}
	return rsp.payload, nil
}

// set issues a Set command and waits for its echo.
func (ln *laneLink) set(payload uint16) error {
	cmd := cmdRsp{rec: uint16(ln.rec), usage: UsageModel, typ: MarginTypeSet, payload: payload}
	return ln.commandEcho(&cmd)
}

// step issues a step margin command and returns the first status word that
// reflects it.
func (ln *laneLink) step(w CommandWord) (StatusWord, error) {
	var cmd cmdRsp
	cmd.decode(uint16(w))
	rsp, err := ln.command(&cmd)
	if err != nil {
		return 0, err
	}
	return StatusWord(rsp.raw), nil
}

// readStatus reads the lane status register once.
func (ln *laneLink) readStatus() (StatusWord, error) {
	ln.lock.Lock()
	defer ln.lock.Unlock()
	w, err := ln.port.Read(ln.dev, ln.lane)
	if err != nil {
		return 0, &TransportError{Device: ln.dev, Lane: ln.lane, Op: "read", Err: err}
	}
	return w, nil
}
