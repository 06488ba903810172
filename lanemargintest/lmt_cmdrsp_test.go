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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

var testDev = pci.Addr{Bus: 1}

func TestEncodeStep(t *testing.T) {
	tests := []struct {
		dim  MarginDimension
		step MarginStep
		rec  Receiver
		want CommandWord
	}{
		{TimeUp, 3, ReceiverUSPF, 0x031E},
		{TimeDown, 3, ReceiverUSPF, 0x431E},
		{VoltageUp, 5, ReceiverDSPA, 0x0521},
		{VoltageDown, 5, ReceiverDSPA, 0x8521},
		{TimeUp, 0x3F, ReceiverRTUB, 0x3F1A},
		{VoltageDown, 0x7F, ReceiverRTDE, 0xFF25},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, EncodeStep(tc.dim, tc.step, tc.rec), "%s %d %s", tc.dim, tc.step, tc.rec)
	}
}

func TestStepCodecRoundTrip(t *testing.T) {
	for rec := ReceiverDSPA; rec <= ReceiverUSPF; rec++ {
		for _, dim := range AllDimensions {
			for step := MarginStep(0); step <= dim.EncodingMax(); step++ {
				r := DecodeStatus(StatusWord(EncodeStep(dim, step, rec)))
				require.True(t, r.Acknowledged)
				require.Equal(t, dim, r.Dimension, "%s %d", dim, step)
				require.Equal(t, step, r.Step, "%s %d", dim, step)
				require.Equal(t, rec, r.Receiver)
			}
		}
	}
}

func TestDecodeStatus(t *testing.T) {
	r := DecodeStatus(0x8A1E) // margining, 10 errors, timing, rx 6
	assert.True(t, r.Acknowledged)
	assert.Equal(t, StatusMargining, r.Status)
	assert.Equal(t, uint8(10), r.ErrorCount)
	assert.False(t, r.NakReceived)
	assert.Equal(t, ReceiverUSPF, r.Receiver)

	r = DecodeStatus(0xC026) // NAK, voltage, rx 6
	assert.True(t, r.Acknowledged)
	assert.Equal(t, StatusNak, r.Status)
	assert.True(t, r.NakReceived)

	r = DecodeStatus(0x3F1E)
	assert.Equal(t, StatusErrorOut, r.Status)
	assert.Equal(t, uint8(63), r.ErrorCount)

	r = DecodeStatus(0x4A1E)
	assert.Equal(t, StatusSettingUp, r.Status)
}

func TestDecodeStatusIsTotal(t *testing.T) {
	for w := 0; w <= 0xFFFF; w++ {
		r := DecodeStatus(StatusWord(w))
		usage := w >> 6 & 1
		typ := w >> 3 & 7
		rec := w & 7
		valid := usage == 0 && (typ == MarginTypeTiming || typ == MarginTypeVoltage) && rec >= 1 && rec <= 6
		require.Equal(t, valid, r.Acknowledged, "%#04x", w)
		require.LessOrEqual(t, r.ErrorCount, uint8(StepMarginErrorCountMask))
		if !r.Acknowledged {
			require.Zero(t, r.ErrorCount, "%#04x", w)
			require.False(t, r.NakReceived, "%#04x", w)
		}
	}
}

func TestParseDimension(t *testing.T) {
	for in, want := range map[string]MarginDimension{
		"time_up":      TimeUp,
		"Timing-Right": TimeUp,
		"timing_left":  TimeDown,
		"voltage_up":   VoltageUp,
		" VoltageDown": VoltageDown,
	} {
		got, err := ParseDimension(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDimension("sideways")
	assert.Error(t, err)

	for _, d := range AllDimensions {
		got, err := ParseDimension(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
}

func TestReceiver(t *testing.T) {
	assert.Equal(t, "USP_F6", ReceiverUSPF.String())
	assert.Equal(t, "Receiver(9)", Receiver(9).String())
	assert.False(t, ReceiverBroadcast.Valid())
	assert.False(t, ReceiverReserved.Valid())
	assert.True(t, ReceiverRTDC.Valid())
}

func TestLaneLinkReport(t *testing.T) {
	sim := pci.NewSim()
	ln := laneLink{port: NewPCIPort(sim), lock: new(sync.Mutex), dev: testDev, lane: 0, rec: ReceiverUSPF}
	v, err := ln.report(RptNumTimingSteps)
	require.NoError(t, err)
	assert.Equal(t, uint16(16), v)
	require.NoError(t, ln.set(SetGoToNormalSettings))

	// Every command is preceded by a no-command broadcast.
	w, r := sim.Accesses()
	assert.Equal(t, 4, w)
	assert.Equal(t, 4, r)
}

// deafPort never reflects a command.
type deafPort struct{}

func (deafPort) Write(DeviceAddress, LaneID, CommandWord) error { return nil }

func (deafPort) Read(DeviceAddress, LaneID) (StatusWord, error) { return 0, nil }

func TestLaneLinkErrors(t *testing.T) {
	ln := laneLink{port: deafPort{}, lock: new(sync.Mutex), dev: testDev, lane: 2, rec: ReceiverUSPF}
	_, err := ln.report(RptNumTimingSteps)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, errNoResponse)

	boom := errors.New("boom")
	sim := pci.NewSim()
	sim.Fault = func(op string, _ pci.Addr, _ int, _ int) error {
		if op == "write" {
			return boom
		}
		return nil
	}
	ln = laneLink{port: NewPCIPort(sim), lock: new(sync.Mutex), dev: testDev, lane: 2, rec: ReceiverUSPF}
	err = ln.set(SetClearErrorLog)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "write", te.Op)
	assert.Equal(t, LaneID(2), te.Lane)
	assert.ErrorIs(t, err, boom)
}
