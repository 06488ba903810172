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

// Config space walks and the lane register transport on top of them.

import (
	"fmt"
	"sync"

	log "github.com/golang/glog"
)

// ConfigSpace reads and writes n (1, 2 or 4) bytes of a device's configuration
// space at a byte offset.
type ConfigSpace interface {
	ReadConfig(a Addr, off int32, n int) (uint32, error)
	WriteConfig(a Addr, off int32, n int, v uint32) error
}

// ReadByte reads a config space byte.
func ReadByte(cs ConfigSpace, a Addr, off int32) (uint8, error) {
	v, err := cs.ReadConfig(a, off, 1)
	return uint8(v), err
}

// ReadWord reads a config space word.
func ReadWord(cs ConfigSpace, a Addr, off int32) (uint16, error) {
	v, err := cs.ReadConfig(a, off, 2)
	return uint16(v), err
}

// ReadLong reads a config space dword.
func ReadLong(cs ConfigSpace, a Addr, off int32) (uint32, error) {
	return cs.ReadConfig(a, off, 4)
}

// WriteWord writes a config space word.
func WriteWord(cs ConfigSpace, a Addr, off int32, v uint16) error {
	return cs.WriteConfig(a, off, 2, uint32(v))
}

// PcieCapOffset scans the PCI capability linked list for the PCIe capability.
// Refers to pciutils/ls-caps.c
func PcieCapOffset(cs ConfigSpace, a Addr) (int32, error) {
	const (
		baseConfigSpace = 0x100 // The base config space is 256B.
		capabilityMask  = 0x00FF
		addrMask        = 0x00FC
		nextPos         = 8
	)
	// Tracks if a loop occurs in the linked list.
	var been [baseConfigSpace]bool
	start, err := ReadByte(cs, a, CapabilityList)
	if err != nil {
		return 0, err
	}
	for addr := int32(start) & addrMask; addr != 0; {
		hdr, err := ReadWord(cs, a, addr)
		if err != nil {
			return 0, err
		}
		if int32(hdr)&capabilityMask == CapIDExp {
			return addr, nil
		}
		been[addr] = true
		addr = (int32(hdr) >> nextPos) & addrMask
		if been[addr] {
			return 0, fmt.Errorf("%s: capability chain loops at 0x%x", a, addr)
		}
	}
	return 0, fmt.Errorf("%s: PCIe capability header not found", a)
}

// LMRCapOffset scans the extended capability linked list for the LMR
// capability. Refers to pciutils/ls-ecaps.c
func LMRCapOffset(cs ConfigSpace, a Addr) (int32, error) {
	const (
		capabilityStart = int32(0x100)
		capabilityMask  = int32(0xFFFF)
		addrMask        = int32(0x0FFC)
		nextPos         = 20
	)
	var been [ConfigSpaceSize]bool
	for addr := capabilityStart; addr != 0; {
		hdr, err := ReadLong(cs, a, addr)
		if err != nil {
			return 0, err
		}
		if hdr == 0 || hdr == 0xFFFFFFFF {
			break
		}
		if int32(hdr)&capabilityMask == ExtCapIDLMR {
			return addr, nil
		}
		been[addr] = true
		addr = int32(hdr>>nextPos) & addrMask
		if been[addr] {
			return 0, fmt.Errorf("%s: extended capability chain loops at 0x%x", a, addr)
		}
	}
	return 0, fmt.Errorf("%s: LMR capability header not found", a)
}

// ReadLinkStatus reads the current link speed, the negotiated width and the
// retimers detected on the link.
func ReadLinkStatus(cs ConfigSpace, a Addr) (LinkStatus, error) {
	capOff, err := PcieCapOffset(cs, a)
	if err != nil {
		return LinkStatus{}, err
	}
	val, err := ReadWord(cs, a, capOff+ExpLnkSta)
	if err != nil {
		return LinkStatus{}, err
	}
	ls := LinkStatus{
		Speed: int(val & LnkStaSpeed),
		Width: int((val & LnkStaWidth) >> LinkStatusWidthPos),
	}
	// Reads if retimers present
	val, err = ReadWord(cs, a, capOff+ExpLnkSta2)
	if err != nil {
		return LinkStatus{}, err
	}
	if val&LnkSta2Retimer != 0 {
		ls.Retimers++
	}
	if val&LnkSta2Retimers2 != 0 {
		ls.Retimers++
	}
	return ls, nil
}

// //////////////////////////////////////////////////////////////////////////////

// Lanes accesses the LMR lane registers through a ConfigSpace. The LMR
// capability offset is looked up once per device and cached.
type Lanes struct {
	cs  ConfigSpace
	mu  sync.Mutex
	lmr map[Addr]int32
}

// NewLanes creates a lane register transport over cs.
func NewLanes(cs ConfigSpace) *Lanes {
	return &Lanes{cs: cs, lmr: make(map[Addr]int32)}
}

// laneAddr gets the Lane N Margining Control register address.
// 4B per Lane start with 8B offset.
func (l *Lanes) laneAddr(a Addr, lane int) (int32, error) {
	if lane < 0 || lane > 31 {
		return 0, fmt.Errorf("%s: lane %d out of range", a, lane)
	}
	l.mu.Lock()
	off, ok := l.lmr[a]
	l.mu.Unlock()
	if !ok {
		var err error
		if off, err = LMRCapOffset(l.cs, a); err != nil {
			return 0, err
		}
		log.V(2).Infof("%s: LMR CAP offset=%#x", a, off)
		l.mu.Lock()
		l.lmr[a] = off
		l.mu.Unlock()
	}
	return off + 8 + int32(lane)*4, nil
}

// WriteControl writes the lane's margining control register.
func (l *Lanes) WriteControl(a Addr, lane int, v uint16) error {
	addr, err := l.laneAddr(a, lane)
	if err != nil {
		return err
	}
	return WriteWord(l.cs, a, addr, v)
}

// ReadStatus reads the lane's margining status register, the word after the
// control register.
func (l *Lanes) ReadStatus(a Addr, lane int) (uint16, error) {
	addr, err := l.laneAddr(a, lane)
	if err != nil {
		return 0, err
	}
	return ReadWord(l.cs, a, addr+2)
}

// LinkStatus reads the device's link status.
func (l *Lanes) LinkStatus(a Addr) (LinkStatus, error) {
	return ReadLinkStatus(l.cs, a)
}

// PrepareLink prepares the device's link for margining. See PrepareLink.
func (l *Lanes) PrepareLink(a Addr) (func() error, error) {
	return PrepareLink(l.cs, a)
}
