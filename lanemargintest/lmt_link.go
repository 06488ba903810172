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

// Device-level procedures, including parallel lane margining and synchronization.

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/golang/glog"
	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

// A deviceTest has everything needed to margin one device. Lanes of the
// device share one lock, so command/status pairs never interleave on it.
type deviceTest struct {
	dev   DeviceAddress
	lock  sync.Mutex
	rxs   []*rxTest      // ordered by the receiver number
	infos []ReceiverInfo // filled as receivers are probed

	linkKnown bool // the link status was read
}

// A rxTest is a receiver on a device, where lanes are margined.
type rxTest struct {
	rec   Receiver
	lanes []*laneTask // ordered by lane
}

// A laneTask margins the dimensions of a lane one after another.
type laneTask struct {
	lane    LaneID
	targets []Target // ordered by dimension
}

// groupDevices arranges targets by device, receiver, lane and dimension.
func groupDevices(targets []Target) []*deviceTest {
	devs := make(map[DeviceAddress]*deviceTest)
	for _, t := range targets {
		dt, ok := devs[t.Device]
		if !ok {
			dt = &deviceTest{dev: t.Device}
			devs[t.Device] = dt
		}
		var rx *rxTest
		for _, r := range dt.rxs {
			if r.rec == t.Receiver {
				rx = r
			}
		}
		if rx == nil {
			rx = &rxTest{rec: t.Receiver}
			dt.rxs = append(dt.rxs, rx)
		}
		var lt *laneTask
		for _, l := range rx.lanes {
			if l.lane == t.Lane {
				lt = l
			}
		}
		if lt == nil {
			lt = &laneTask{lane: t.Lane}
			rx.lanes = append(rx.lanes, lt)
		}
		lt.targets = append(lt.targets, t)
	}

	out := make([]*deviceTest, 0, len(devs))
	for _, dt := range devs {
		sort.Slice(dt.rxs, func(i, j int) bool { return dt.rxs[i].rec < dt.rxs[j].rec })
		for _, rx := range dt.rxs {
			sort.Slice(rx.lanes, func(i, j int) bool { return rx.lanes[i].lane < rx.lanes[j].lane })
			for _, lt := range rx.lanes {
				sort.SliceStable(lt.targets, func(i, j int) bool {
					return lt.targets[i].Dimension < lt.targets[j].Dimension
				})
			}
		}
		out = append(out, dt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].dev.Less(out[j].dev) })
	return out
}

// margin prepares the device's link, margins its receivers one after another
// and restores the link. Links below 16 GT/s are not margined.
func (dt *deviceTest) margin(ctx context.Context, r *run) {
	if ctx.Err() != nil {
		r.skipped.Store(true)
		return
	}
	var link pci.LinkStatus
	if li, ok := r.o.Port.(LinkInspector); ok {
		ls, err := li.LinkStatus(dt.dev)
		if err != nil {
			log.Errorf("%s: failed to read link status: %v", dt.dev, err)
			dt.failAll(r, ReceiverInfo{Device: dt.dev}, "link status: "+err.Error())
			return
		}
		link = ls
		dt.linkKnown = true
		if !link.MarginingCapable() {
			log.Warningf("%s: link %s is not margining capable. Skipped.", dt.dev, link)
			dt.failAll(r, ReceiverInfo{Device: dt.dev, Link: link},
				fmt.Sprintf("link %s is not margining capable, 16 GT/s or above is required", link))
			return
		}
	}
	if lp, ok := r.o.Port.(LinkPreparer); ok {
		restore, err := lp.PrepareLink(dt.dev)
		if err != nil {
			log.Warningf("%s: failed to prepare link: %v", dt.dev, err)
		} else {
			defer func() {
				if err := restore(); err != nil {
					log.Warningf("%s: failed to restore link: %v", dt.dev, err)
				}
			}()
		}
	}

	for _, rx := range dt.rxs {
		if ctx.Err() != nil {
			r.skipped.Store(true)
			return
		}
		dt.marginReceiver(ctx, r, rx, link)
	}
}

// failAll fails every target of the device without margining.
func (dt *deviceTest) failAll(r *run, info ReceiverInfo, detail string) {
	for _, rx := range dt.rxs {
		info.Receiver = rx.rec
		dt.failReceiver(r, rx, info, detail)
	}
}

// failReceiver fails every target of the receiver without margining.
func (dt *deviceTest) failReceiver(r *run, rx *rxTest, info ReceiverInfo, detail string) {
	info.Error = detail
	dt.infos = append(dt.infos, info)
	for _, lt := range rx.lanes {
		for _, t := range lt.targets {
			r.results <- failedResult(t, r.cfg, detail)
		}
	}
}

// marginReceiver reads the receiver parameters and margins its lanes, in
// parallel when the receiver has an independent error sampler.
func (dt *deviceTest) marginReceiver(ctx context.Context, r *run, rx *rxTest, link pci.LinkStatus) {
	info := ReceiverInfo{Device: dt.dev, Receiver: rx.rec, Link: link}
	if dt.linkKnown && !rx.rec.presentOn(link) {
		log.Warningf("%s: rx %s is not detected on the link. Skipped.", dt.dev, rx.rec)
		dt.failReceiver(r, rx, info, fmt.Sprintf("receiver %s not present, %d retimers detected", rx.rec, link.Retimers))
		return
	}
	probe := laneLink{port: r.o.Port, lock: &dt.lock, dev: dt.dev, lane: 0, rec: rx.rec}
	params, err := readParameters(&probe)
	if err != nil {
		log.Errorf("Failed to read receiver parameters of %s rx %s: %v", dt.dev, rx.rec, err)
		dt.failReceiver(r, rx, info, "receiver parameters: "+err.Error())
		return
	}
	info.Params = params

	// Too many errors on one lane may break the link when the error sampler is shared.
	parallel := params.IndErrorSampler
	if !parallel && !r.cfg.ForceMargin {
		log.Warningf("%s: rx %s has no independent error sampler. Skipped without force_margin.", dt.dev, rx.rec)
		dt.failReceiver(r, rx, info, "no independent error sampler, not margined without force_margin")
		return
	}
	dt.infos = append(dt.infos, info)
	log.V(1).Infof("Margining %d lanes at %s rx %s, parallel=%v", len(rx.lanes), dt.dev, rx.rec, parallel)
	var wg sync.WaitGroup
	for _, lt := range rx.lanes {
		if !r.acquire(ctx) {
			break
		}
		if !parallel {
			dt.marginLane(ctx, r, rx.rec, lt, params, link)
			r.release()
			continue
		}
		wg.Add(1)
		go func(lt *laneTask) {
			defer wg.Done()
			defer r.release()
			dt.marginLane(ctx, r, rx.rec, lt, params, link)
		}(lt)
	}
	wg.Wait()
}

// presentOn reports whether the receiver can exist on a link. The retimer
// receivers B and C need a retimer; D and E need two.
func (r Receiver) presentOn(ls pci.LinkStatus) bool {
	switch r {
	case ReceiverRTUB, ReceiverRTDC:
		return ls.Retimers >= 1
	case ReceiverRTUD, ReceiverRTDE:
		return ls.Retimers >= 2
	}
	return r.Valid()
}


// marginLane runs a session per dimension of the lane.
func (dt *deviceTest) marginLane(ctx context.Context, r *run, rec Receiver, lt *laneTask, params *Parameters, link pci.LinkStatus) {
	for _, t := range lt.targets {
		if ctx.Err() != nil {
			r.skipped.Store(true)
			return
		}
		maxStep := params.NumSteps(t.Dimension)
		if t.MaxSteps > 0 {
			maxStep = MarginStep(t.MaxSteps)
		}
		if maxStep > t.Dimension.EncodingMax() {
			log.Warningf("%s ln %d %s: max step %d exceeds the encoding, adjusting to %d",
				dt.dev, lt.lane, t.Dimension, maxStep, t.Dimension.EncodingMax())
			maxStep = t.Dimension.EncodingMax()
		}
		start := MarginStep(r.cfg.StartStep)
		if start > maxStep {
			log.Warningf("%s ln %d %s: start_step %d > max step %d, adjusting start = max",
				dt.dev, lt.lane, t.Dimension, start, maxStep)
			start = maxStep
		}
		s := NewLaneSession(r.o.Port, dt.dev, lt.lane, t.Dimension, SessionOptions{
			Receiver:   rec,
			ErrorLimit: r.cfg.ErrorCountLimit,
			Dwell:      r.cfg.DwellTime,
			StartStep:  start,
			MaxStep:    maxStep,
			Params:     params,
			BitRate:    link.BitRate(),
			Lock:       &dt.lock,
			Sleep:      r.o.Sleep,
		})
		r.results <- s.Run()
	}
}

// failedResult is the result of a target that was not margined.
func failedResult(t Target, cfg *Config, detail string) LaneResult {
	return LaneResult{
		Device:      t.Device,
		Lane:        t.Lane,
		Receiver:    t.Receiver,
		Dimension:   t.Dimension,
		FinalStep:   MarginStep(cfg.StartStep),
		Reason:      ReasonTransportError,
		Unit:        Unit(t.Dimension),
		SampleCount: -1,
		BER:         -1,
		Detail:      detail,
	}
}
