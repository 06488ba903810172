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

// Package pciutils is the single gateway to PCI configuration space for the
// lane margining test. It parses PCI addresses, walks the capability chains,
// reads link status, and gives lane-level access to the LMR control and status
// registers. Two transports implement the lane access: Lanes, on top of a
// ConfigSpace such as Sysfs, and Sim, a simulated margining receiver.
package pciutils

import (
	"fmt"
	"strings"
)

// Config space register definitions, following linux/pci_regs.h.
const (
	CapabilityList = 0x34 // PCI_CAPABILITY_LIST
	CapIDExp       = 0x10 // PCI_CAP_ID_EXP
	ExtCapIDLMR    = 0x27 // PCI_EXT_CAP_ID_LMR

	ExpLnkCtl        = 0x10   // PCI_EXP_LNKCTL
	LnkCtlASPM       = 0x0003 // PCI_EXP_LNKCTL_ASPMC
	LnkCtlHWAutWD    = 0x0200 // PCI_EXP_LNKCTL_HAWD
	ExpLnkSta        = 0x12   // PCI_EXP_LNKSTA
	LnkStaSpeed      = 0x000f // PCI_EXP_LNKSTA_CLS
	LnkStaWidth      = 0x03f0 // PCI_EXP_LNKSTA_NLW
	ExpLnkCtl2       = 0x30   // PCI_EXP_LNKCTL2
	LnkCtl2SpeedDis  = 0x0020 // PCI_EXP_LNKCTL2_HASD
	ExpLnkSta2       = 0x32   // PCI_EXP_LNKSTA2
	LnkSta2Retimer   = 0x0040 // PCI_EXP_LNKSTA2_RETIMER
	LnkSta2Retimers2 = 0x0080 // PCI_EXP_LNKSTA2_2RETIMERS

	// ConfigSpaceSize is the PCIe extended configuration space size.
	ConfigSpaceSize = 0x1000
	// LinkStatusWidthPos is from the PCIe config space register definition.
	LinkStatusWidthPos = 4
)

// Link speed encodings of the Current Link Speed field.
const (
	Speed2G5 = 1
	Speed5G  = 2
	Speed8G  = 3
	Speed16G = 4
	Speed32G = 5
	Speed64G = 6
)

// Addr is a PCI function address, domain:bus:device.function.
type Addr struct {
	Domain uint16
	Bus    uint8
	Dev    uint8
	Func   uint8
}

// ParseAddr parses "dddd:bb:dd.f" or the short "bb:dd.f" form.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	s = strings.TrimSpace(s)
	var domain, b, d, f uint
	var n int
	var err error
	if strings.Count(s, ":") == 2 {
		n, err = fmt.Sscanf(s, "%x:%x:%x.%x", &domain, &b, &d, &f)
	} else {
		n, err = fmt.Sscanf(s, "%x:%x.%x", &b, &d, &f)
		n++
	}
	if err != nil || n != 4 {
		return a, fmt.Errorf("invalid PCI address %q", s)
	}
	if domain > 0xffff || b > 0xff || d > 0x1f || f > 0x7 {
		return a, fmt.Errorf("PCI address %q out of range", s)
	}
	a = Addr{Domain: uint16(domain), Bus: uint8(b), Dev: uint8(d), Func: uint8(f)}
	return a, nil
}

// String gets the address as a BDF string.
func (a Addr) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Dev, a.Func)
}

// MarshalText renders the address as its BDF string.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a BDF string.
func (a *Addr) UnmarshalText(text []byte) error {
	v, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Less orders addresses by domain, bus, device, and function.
func (a Addr) Less(b Addr) bool {
	if a.Domain != b.Domain {
		return a.Domain < b.Domain
	}
	if a.Bus != b.Bus {
		return a.Bus < b.Bus
	}
	if a.Dev != b.Dev {
		return a.Dev < b.Dev
	}
	return a.Func < b.Func
}

// LinkStatus is the negotiated state of a link, from the Link Status and
// Link Status 2 registers.
type LinkStatus struct {
	Speed    int `json:"speed"`    // Current Link Speed encoding
	Width    int `json:"width"`    // Negotiated Link Width
	Retimers int `json:"retimers"` // Retimers detected on the link, 0 to 2
}

// BitRate gets the per-lane bit rate in bits per second, or 0 when unknown.
func (ls LinkStatus) BitRate() float64 {
	switch ls.Speed {
	case Speed2G5:
		return 2.5e9
	case Speed5G:
		return 5.0e9
	case Speed8G:
		return 8.0e9
	case Speed16G:
		return 16.0e9
	case Speed32G:
		return 32.0e9
	case Speed64G:
		return 64.0e9
	}
	return 0
}

// MarginingCapable reports whether lane margining is defined at the speed.
// The LMR is required at 16 GT/s and above.
func (ls LinkStatus) MarginingCapable() bool {
	return ls.Speed >= Speed16G
}

func (ls LinkStatus) String() string {
	if r := ls.BitRate(); r != 0 {
		return fmt.Sprintf("x%d@%gGT/s", ls.Width, r/1e9)
	}
	return fmt.Sprintf("x%d@speed%d", ls.Width, ls.Speed)
}

// LaneRegisters gives lane-level access to the LMR registers of devices.
// WriteControl writes the Lane N Margining Control register; ReadStatus reads
// the Lane N Margining Status register.
type LaneRegisters interface {
	WriteControl(a Addr, lane int, v uint16) error
	ReadStatus(a Addr, lane int) (uint16, error)
	LinkStatus(a Addr) (LinkStatus, error)
	PrepareLink(a Addr) (restore func() error, err error)
}
