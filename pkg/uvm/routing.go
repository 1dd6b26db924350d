// Copyright 2026 The gVisor Authors.
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

package uvm

import (
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/uvm/pkg/uvm/rm"
)

// NotificationSource is the hardware buffer a notification was read from.
type NotificationSource uint8

// Notification sources.
const (
	SourceReplayableFault NotificationSource = iota
	SourceNonReplayableFault
	SourceAccessCounter
)

// String implements fmt.Stringer.
func (s NotificationSource) String() string {
	switch s {
	case SourceReplayableFault:
		return "replayable fault"
	case SourceNonReplayableFault:
		return "non-replayable fault"
	case SourceAccessCounter:
		return "access counter"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// ClientType is the type of the unit that caused a fault.
type ClientType uint8

// Client types.
const (
	ClientGPC ClientType = iota
	ClientHUB
)

// Notification is a fault or access counter notification reported by a
// device.
type Notification struct {
	Source NotificationSource
	Client ClientType

	// InstancePtr identifies the channel.
	InstancePtr rm.PhysAddr

	// VEID is the sub-context of the channel. HUB clients always report
	// zero.
	VEID uint32
}

var resolveLog = log.BasicRateLimitedLogger(time.Second)

// instancePtrEntry maps an instance pointer key to its channel.
type instancePtrEntry struct {
	key     uint64
	channel *UserChannel
}

func instancePtrLess(a, b instancePtrEntry) bool {
	return a.key < b.key
}

// instancePtrKey compresses a 4K aligned vidmem or sysmem address.
func instancePtrKey(p rm.PhysAddr) (uint64, bool) {
	if p.Address&(4<<10-1) != 0 {
		return 0, false
	}
	var isSys uint64
	switch p.Aperture {
	case rm.ApertureVid:
	case rm.ApertureSys:
		isSys = 1
	default:
		return 0, false
	}
	return p.Address>>11 | isSys, true
}

func mustInstancePtrKey(p rm.PhysAddr) uint64 {
	key, ok := instancePtrKey(p)
	if !ok {
		panic(fmt.Sprintf("bad instance pointer %v", p))
	}
	return key
}

type subctxSlot struct {
	vaSpace  *VASpace
	refCount int
}

// subctxInfo is the descriptor of a task group whose channels use
// sub-contexts.
//
// Invariants: totalRefCount is the sum of the slot reference counts, a slot
// with no references has no VA space, and the descriptor is in
// Device.tsgs iff totalRefCount > 0.
type subctxInfo struct {
	subctxs       []subctxSlot
	totalRefCount int
}

// addUserChannel makes ch resolvable on d.
func (d *Device) addUserChannel(ch *UserChannel) error {
	key := mustInstancePtrKey(ch.instancePtr)
	vs := ch.vaSpace

	// Allocate before locking. Discarded if the task group already has a
	// descriptor.
	var fresh *subctxInfo
	if ch.inSubctx {
		if ch.subctxID >= ch.maxSubctx {
			return fmt.Errorf("channel %v: sub-context %d not below %d: %w", ch, ch.subctxID, ch.maxSubctx, rm.ErrInvalidArgument)
		}
		fresh = &subctxInfo{subctxs: make([]subctxSlot, ch.maxSubctx)}
	}

	d.instancePtrMu.Lock()
	defer d.instancePtrMu.Unlock()

	if _, ok := d.instancePtrs.Get(instancePtrEntry{key: key}); ok {
		return fmt.Errorf("instance pointer %v already registered on %v: %w", ch.instancePtr, d, rm.ErrInvalidChannel)
	}

	if ch.inSubctx {
		info, ok := d.tsgs[ch.tsgID]
		if !ok {
			info = fresh
			d.tsgs[ch.tsgID] = info
		}
		// Every channel of a task group must report the same sub-context
		// count, since Resolve indexes the shared descriptor by VEID.
		if int(ch.maxSubctx) != len(info.subctxs) {
			return fmt.Errorf("channel %v: task group %d has %d sub-contexts, channel reports %d: %w", ch, ch.tsgID, len(info.subctxs), ch.maxSubctx, rm.ErrInvalidChannel)
		}
		slot := &info.subctxs[ch.subctxID]
		if slot.refCount > 0 {
			if slot.vaSpace != vs {
				panic(fmt.Sprintf("channel %v: sub-context %d of task group %d claimed by another VA space", ch, ch.subctxID, ch.tsgID))
			}
		} else {
			if slot.vaSpace != nil {
				panic(fmt.Sprintf("channel %v: unreferenced sub-context %d of task group %d has a VA space", ch, ch.subctxID, ch.tsgID))
			}
			slot.vaSpace = vs
		}
		slot.refCount++
		info.totalRefCount++
		ch.subctxInfo = info
	}

	d.instancePtrs.ReplaceOrInsert(instancePtrEntry{key: key, channel: ch})
	ch.inInstancePtrTable = true
	return nil
}

// removeUserChannel reverses addUserChannel. It is a no-op for channels
// that are not in the tables.
func (d *Device) removeUserChannel(ch *UserChannel) {
	d.instancePtrMu.Lock()
	defer d.instancePtrMu.Unlock()

	if info := ch.subctxInfo; info != nil {
		if d.tsgs[ch.tsgID] != info {
			panic(fmt.Sprintf("channel %v: task group %d descriptor mismatch", ch, ch.tsgID))
		}
		slot := &info.subctxs[ch.subctxID]
		if slot.refCount <= 0 || slot.vaSpace != ch.vaSpace || info.totalRefCount <= 0 {
			panic(fmt.Sprintf("channel %v: bad sub-context %d state (refs %d, total %d)", ch, ch.subctxID, slot.refCount, info.totalRefCount))
		}
		slot.refCount--
		if slot.refCount == 0 {
			// The slot stays: an uncleanly killed sub-context may still
			// report faults.
			slot.vaSpace = nil
		}
		info.totalRefCount--
		if info.totalRefCount == 0 {
			delete(d.tsgs, ch.tsgID)
		}
		ch.subctxInfo = nil
	}

	if ch.inInstancePtrTable {
		e, ok := d.instancePtrs.Delete(instancePtrEntry{key: ch.key})
		if !ok || e.channel != ch {
			panic(fmt.Sprintf("channel %v missing from instance pointer table of %v", ch, d))
		}
		ch.inInstancePtrTable = false
	}
}

// Resolve returns the VA space that owns the channel and sub-context named
// by n. It takes no lock other than the device instance pointer lock, so it
// may be called from the bottom half.
//
// It returns rm.ErrInvalidChannel if no registered channel matches and
// rm.ErrStaleSubcontext if the sub-context has no channel left. Both are
// expected during teardown and the notification should be dropped.
func (d *Device) Resolve(n Notification) (*VASpace, error) {
	if d.IsFatal() {
		resolveFatal.Increment()
		return nil, rm.ErrFatal
	}
	key, ok := instancePtrKey(n.InstancePtr)
	if !ok {
		resolveInvalidChannel.Increment()
		resolveLog.Warningf("%v: %v with bad instance pointer %v", d, n.Source, n.InstancePtr)
		return nil, rm.ErrInvalidChannel
	}

	d.instancePtrMu.Lock()
	vs, err := d.resolveLocked(key, n)
	d.instancePtrMu.Unlock()

	switch err {
	case nil:
	case rm.ErrInvalidChannel:
		resolveInvalidChannel.Increment()
		resolveLog.Warningf("%v: %v for unknown channel %v VEID %d", d, n.Source, n.InstancePtr, n.VEID)
	case rm.ErrStaleSubcontext:
		resolveStaleSubcontext.Increment()
		resolveLog.Infof("%v: %v for stale sub-context %d of %v", d, n.Source, n.VEID, n.InstancePtr)
	}
	return vs, err
}

// +checklocks:d.instancePtrMu
func (d *Device) resolveLocked(key uint64, n Notification) (*VASpace, error) {
	e, ok := d.instancePtrs.Get(instancePtrEntry{key: key})
	if !ok {
		return nil, rm.ErrInvalidChannel
	}
	ch := e.channel

	// HUB clients report VEID 0 even in task groups with sub-contexts, so
	// only the channel itself identifies the VA space.
	if !ch.inSubctx || (n.Source != SourceAccessCounter && n.Client == ClientHUB) {
		return ch.vaSpace, nil
	}
	subctxs := ch.subctxInfo.subctxs
	if uint64(n.VEID) >= uint64(len(subctxs)) {
		return nil, rm.ErrInvalidChannel
	}
	slot := &subctxs[n.VEID]
	if slot.refCount == 0 {
		return nil, rm.ErrStaleSubcontext
	}
	return slot.vaSpace, nil
}

// assertRoutingEmpty panics if any channel is still routed to d.
func (d *Device) assertRoutingEmpty() {
	d.instancePtrMu.Lock()
	defer d.instancePtrMu.Unlock()
	if n, m := d.instancePtrs.Len(), len(d.tsgs); n != 0 || m != 0 {
		panic(fmt.Sprintf("%v removed with %d channels and %d task groups registered", d, n, m))
	}
}

// RoutedChannels returns the number of channels resolvable on d.
func (d *Device) RoutedChannels() int {
	d.instancePtrMu.Lock()
	defer d.instancePtrMu.Unlock()
	return d.instancePtrs.Len()
}
