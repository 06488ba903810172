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

import (
	"errors"
	"fmt"

	log "github.com/golang/glog"
)

// /////////////////////////////////////////////////////////////////////////////////////////////////
// The ASPM Control field of the Link Control register must be set to 00b
// (Disabled) in both the Downstream Port and Upstream Port.
// The state of the Hardware Autonomous Speed Disable bit of the Link Control 2
// register and the Hardware Autonomous Width Disable bit of the Link Control
// register must be saved to be restored later in this procedure.
// If writeable, the Hardware Autonomous Speed Disable bit of the Link Control 2
// register must be Set in both the Downstream Port and Upstream Port.
// If writeable, the Hardware Autonomous Width Disable bit of the Link Control
// register must be Set in both the Downstream Port and Upstream Port.

// linkState is the saved link control state of one port.
type linkState struct {
	capOff int32
	lnkctl uint16
	hawd   bool // saved Hardware Autonomous Width Disable state
	hasd   bool // saved Hardware Autonomous Speed Disable state
}

// PrepareLink saves the state of the Hardware Autonomous Speed Disable and
// the Hardware Autonomous Width Disable, sets both, and clears the ASPM
// control of the port at a. The returned restore function puts the saved
// values back; ASPM is restored as well.
func PrepareLink(cs ConfigSpace, a Addr) (func() error, error) {
	capOff, err := PcieCapOffset(cs, a)
	if err != nil {
		return nil, err
	}
	st := linkState{capOff: capOff}

	addr := capOff + ExpLnkCtl
	val, err := ReadWord(cs, a, addr)
	if err != nil {
		return nil, err
	}
	st.lnkctl = val
	st.hawd = (val & LnkCtlHWAutWD) != 0
	val = val | LnkCtlHWAutWD
	val = val &^ LnkCtlASPM
	if err := WriteWord(cs, a, addr, val); err != nil {
		return nil, err
	}

	// On a Link Control 2 failure, Link Control is put back.
	undo := func(err error) error {
		if uerr := WriteWord(cs, a, capOff+ExpLnkCtl, st.lnkctl); uerr != nil {
			return errors.Join(err, fmt.Errorf("%s: restore link control: %w", a, uerr))
		}
		return err
	}
	addr = capOff + ExpLnkCtl2
	val, err = ReadWord(cs, a, addr)
	if err != nil {
		return nil, undo(err)
	}
	st.hasd = (val & LnkCtl2SpeedDis) != 0
	val = val | LnkCtl2SpeedDis
	if err := WriteWord(cs, a, addr, val); err != nil {
		return nil, undo(err)
	}
	log.V(1).Infof("%s: link prepared (hawd=%v hasd=%v aspm=%d)", a, st.hawd, st.hasd, st.lnkctl&LnkCtlASPM)

	return func() error { return restoreLink(cs, a, st) }, nil
}

// restoreLink restores the state of the Hardware Autonomous Speed Disable and
// the Hardware Autonomous Width Disable.
// When the margin testing procedure is completed, the state of the
// Hardware Autonomous Speed Disable bit and the Hardware Autonomous Width
// Disable bit must be restored to the previously saved values.
func restoreLink(cs ConfigSpace, a Addr, st linkState) error {
	var errs []error
	addr := st.capOff + ExpLnkCtl
	if val, err := ReadWord(cs, a, addr); err != nil {
		errs = append(errs, err)
	} else {
		if st.hawd {
			val = val | LnkCtlHWAutWD
		} else {
			val = val &^ LnkCtlHWAutWD
		}
		val = (val &^ LnkCtlASPM) | (st.lnkctl & LnkCtlASPM)
		errs = append(errs, WriteWord(cs, a, addr, val))
	}

	addr = st.capOff + ExpLnkCtl2
	if val, err := ReadWord(cs, a, addr); err != nil {
		errs = append(errs, err)
	} else {
		if st.hasd {
			val = val | LnkCtl2SpeedDis
		} else {
			val = val &^ LnkCtl2SpeedDis
		}
		errs = append(errs, WriteWord(cs, a, addr, val))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: restore link: %w", a, err)
	}
	return nil
}
