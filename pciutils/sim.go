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

package pciutils

// A simulated Lane Margining at Receiver, answering the LMR command/response
// protocol of PCIe 5.0 4.2.13.1 on every lane of every device it serves.

import (
	"fmt"
	"slices"
	"sync"

	log "github.com/golang/glog"
)

// SimCaps are the margining parameters a simulated receiver reports.
type SimCaps struct {
	IndErrorSampler       bool
	SampleReportingMethod bool
	IndLeftRightTiming    bool
	IndUpDownVoltage      bool
	VoltageSupported      bool
	NumVoltageSteps       uint8
	NumTimingSteps        uint8
	MaxTimingOffset       uint8
	MaxVoltageOffset      uint8
	SamplingRateVoltage   uint8
	SamplingRateTiming    uint8
	SampleCount           uint8
	MaxLanes              uint8
}

// DefaultSimCaps is a fully featured Gen5 receiver.
func DefaultSimCaps() SimCaps {
	return SimCaps{
		IndErrorSampler:     true,
		IndLeftRightTiming:  true,
		IndUpDownVoltage:    true,
		VoltageSupported:    true,
		NumVoltageSteps:     32,
		NumTimingSteps:      16,
		MaxTimingOffset:     50,
		MaxVoltageOffset:    15,
		SamplingRateVoltage: 63,
		SamplingRateTiming:  63,
		SampleCount:         111, // ~2^37 bits
		MaxLanes:            15,
	}
}

// SimMargin is a margin point applied by a step command.
type SimMargin struct {
	Lane     int
	Receiver int
	Voltage  bool
	Down     bool
	Steps    int
}

// ErrorModel gets the error count a receiver accumulates at a margin point.
type ErrorModel func(a Addr, m SimMargin) int

// EyeModel is an eye that is error free up to timingOpen/voltageOpen steps
// and collects errsPerStep errors for every step beyond.
func EyeModel(timingOpen, voltageOpen, errsPerStep int) ErrorModel {
	return func(_ Addr, m SimMargin) int {
		open := timingOpen
		if m.Voltage {
			open = voltageOpen
		}
		if m.Steps <= open {
			return 0
		}
		return (m.Steps - open) * errsPerStep
	}
}

// Sim implements LaneRegisters with simulated receivers. The zero value is
// not usable; call NewSim.
type Sim struct {
	Caps SimCaps
	Link LinkStatus
	// Errors models the eye; nil means a perfect receiver.
	Errors ErrorModel
	// SetupReads is how many status reads report "setting up" after a step.
	SetupReads int
	// Fault, when set, is consulted before every access. op is "write" or
	// "read" and n counts that op on the lane, starting at 1. A non-nil
	// error fails the access without applying it.
	Fault func(op string, a Addr, lane int, n int) error
	// Devices, when not empty, restricts the devices that are present.
	Devices []Addr

	mu       sync.Mutex
	lanes    map[simKey]*simLane
	writes   int
	reads    int
	prepared int
	restored int
}

type simKey struct {
	a    Addr
	lane int
}

type simLane struct {
	status    uint16
	errLimit  int
	setupLeft int
	writes    int
	reads     int
	history   []SimMargin
}

// NewSim creates a simulated x16 Gen5 link with DefaultSimCaps.
func NewSim() *Sim {
	return &Sim{
		Caps:  DefaultSimCaps(),
		Link:  LinkStatus{Speed: Speed32G, Width: 16},
		lanes: make(map[simKey]*simLane),
	}
}

func (s *Sim) present(a Addr) bool {
	return len(s.Devices) == 0 || slices.Contains(s.Devices, a)
}

func (s *Sim) lane(a Addr, lane int) *simLane {
	k := simKey{a, lane}
	ln, ok := s.lanes[k]
	if !ok {
		ln = &simLane{errLimit: 0x3F}
		s.lanes[k] = ln
	}
	return ln
}

func (s *Sim) report(payload uint16) uint16 {
	c := s.Caps
	b := func(v bool, bit uint16) uint16 {
		if v {
			return bit
		}
		return 0
	}
	switch payload {
	case 0x88:
		return b(c.IndErrorSampler, 1<<4) | b(c.SampleReportingMethod, 1<<3) |
			b(c.IndLeftRightTiming, 1<<2) | b(c.IndUpDownVoltage, 1<<1) | b(c.VoltageSupported, 1<<0)
	case 0x89:
		return uint16(c.NumVoltageSteps) & 0x7F
	case 0x8A:
		return uint16(c.NumTimingSteps) & 0x3F
	case 0x8B:
		return uint16(c.MaxTimingOffset) & 0x7F
	case 0x8C:
		return uint16(c.MaxVoltageOffset) & 0x7F
	case 0x8D:
		return uint16(c.SamplingRateVoltage) & 0x3F
	case 0x8E:
		return uint16(c.SamplingRateTiming) & 0x3F
	case 0x8F:
		return uint16(c.SampleCount) & 0x7F
	case 0x90:
		return uint16(c.MaxLanes) & 0x1F
	}
	return 0
}

// WriteControl applies a margining command to the lane.
func (s *Sim) WriteControl(a Addr, lane int, v uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	ln := s.lane(a, lane)
	ln.writes++
	if s.Fault != nil {
		if err := s.Fault("write", a, lane, ln.writes); err != nil {
			return err
		}
	}
	if !s.present(a) {
		return fmt.Errorf("%s: no such device", a)
	}

	payload := v >> 8
	typ := (v >> 3) & 0x7
	rec := int(v & 0x7)
	hdr := v & 0x00FF
	switch typ {
	case 1: // report
		ln.status = s.report(payload)<<8 | hdr
	case 2: // set
		switch {
		case payload&0xC0 == 0xC0:
			ln.errLimit = int(payload & 0x3F)
		case payload == 0x55, payload == 0x0F:
			ln.setupLeft = 0
		}
		ln.status = v
	case 3, 4: // timing, voltage
		m := SimMargin{Lane: lane, Receiver: rec, Voltage: typ == 4}
		var supported bool
		if m.Voltage {
			m.Down = s.Caps.IndUpDownVoltage && payload&0x80 != 0
			m.Steps = int(payload & 0x7F)
			supported = s.Caps.VoltageSupported && m.Steps <= int(s.Caps.NumVoltageSteps)
		} else {
			m.Down = s.Caps.IndLeftRightTiming && payload&0x40 != 0
			m.Steps = int(payload & 0x3F)
			supported = m.Steps <= int(s.Caps.NumTimingSteps)
		}
		if !supported {
			ln.status = 0xC0<<8 | hdr // NAK
			break
		}
		ln.history = append(ln.history, m)
		errs := 0
		if s.Errors != nil {
			errs = min(s.Errors(a, m), 0x3F)
		}
		if errs >= ln.errLimit {
			ln.status = uint16(errs)<<8 | hdr // error out
		} else {
			ln.status = (0x80|uint16(errs))<<8 | hdr // margining
		}
		ln.setupLeft = s.SetupReads
	default: // no command and anything else is reflected
		ln.status = v
	}
	log.V(3).Infof("sim %s ln %d: cmd %#04x -> status %#04x", a, lane, v, ln.status)
	return nil
}

// ReadStatus reads the lane's margining status.
func (s *Sim) ReadStatus(a Addr, lane int) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	ln := s.lane(a, lane)
	ln.reads++
	if s.Fault != nil {
		if err := s.Fault("read", a, lane, ln.reads); err != nil {
			return 0, err
		}
	}
	if !s.present(a) {
		return 0, fmt.Errorf("%s: no such device", a)
	}
	if ln.setupLeft > 0 {
		ln.setupLeft--
		return 0x40<<8 | ln.status&0x00FF, nil
	}
	return ln.status, nil
}

// LinkStatus gets the simulated link status.
func (s *Sim) LinkStatus(a Addr) (LinkStatus, error) {
	if !s.present(a) {
		return LinkStatus{}, fmt.Errorf("%s: no such device", a)
	}
	return s.Link, nil
}

// PrepareLink counts link preparations and restores.
func (s *Sim) PrepareLink(a Addr) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present(a) {
		return nil, fmt.Errorf("%s: no such device", a)
	}
	s.prepared++
	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.restored++
		return nil
	}, nil
}

// Accesses gets the total number of register writes and reads attempted.
func (s *Sim) Accesses() (writes, reads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.reads
}

// LinkPreps gets the number of link preparations and restores.
func (s *Sim) LinkPreps() (prepared, restored int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepared, s.restored
}

// History gets the margin points applied to a lane, in order.
func (s *Sim) History(a Addr, lane int) []SimMargin {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln, ok := s.lanes[simKey{a, lane}]; ok {
		return slices.Clone(ln.history)
	}
	return nil
}
