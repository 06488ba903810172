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

// The register access boundary and the error taxonomy of a margining run.

import (
	"errors"
	"fmt"

	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

// DeviceAddress identifies a PCIe function by domain, bus, device and function.
type DeviceAddress = pci.Addr

// LaneID is a lane index within a device's link.
type LaneID int

// RegisterPort reads and writes the margining control/status register pair of
// a (device, lane). A failed Write must be treated as not applied.
type RegisterPort interface {
	Write(dev DeviceAddress, lane LaneID, cmd CommandWord) error
	Read(dev DeviceAddress, lane LaneID) (StatusWord, error)
}

// LinkInspector is implemented by ports that can read a device's link status.
// The orchestrator uses it to validate targets and size sample counts.
type LinkInspector interface {
	LinkStatus(dev DeviceAddress) (pci.LinkStatus, error)
}

// LinkPreparer is implemented by ports that can prepare a link for margining
// and restore it afterwards.
type LinkPreparer interface {
	PrepareLink(dev DeviceAddress) (restore func() error, err error)
}

// PCIPort adapts pciutils lane registers to a RegisterPort.
type PCIPort struct {
	regs pci.LaneRegisters
}

// NewPCIPort creates a RegisterPort over regs, a pciutils.Lanes or pciutils.Sim.
func NewPCIPort(regs pci.LaneRegisters) *PCIPort {
	return &PCIPort{regs: regs}
}

// Write writes the lane's control register.
func (p *PCIPort) Write(dev DeviceAddress, lane LaneID, cmd CommandWord) error {
	return p.regs.WriteControl(dev, int(lane), uint16(cmd))
}

// Read reads the lane's status register.
func (p *PCIPort) Read(dev DeviceAddress, lane LaneID) (StatusWord, error) {
	v, err := p.regs.ReadStatus(dev, int(lane))
	return StatusWord(v), err
}

// LinkStatus reads the device's link status.
func (p *PCIPort) LinkStatus(dev DeviceAddress) (pci.LinkStatus, error) {
	return p.regs.LinkStatus(dev)
}

// PrepareLink prepares the device's link for margining.
func (p *PCIPort) PrepareLink(dev DeviceAddress) (func() error, error) {
	return p.regs.PrepareLink(dev)
}

// //////////////////////////////////////////////////////////////////////////////

var (
	// ErrConfiguration classifies every run configuration failure.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransport classifies register access failures.
	ErrTransport = errors.New("transport error")
	// ErrInvariant classifies status sequences the hardware must not produce.
	ErrInvariant = errors.New("invariant violation")
)

// ConfigError reports an invalid run configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrConfiguration) hold.
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransportError reports a failed register access on a lane.
type TransportError struct {
	Device DeviceAddress
	Lane   LaneID
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s ln %d: %s: %v", e.Device, e.Lane, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) hold.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
