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

	"github.com/google/btree"
	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/uvm/pkg/uvm/processor"
	"gvisor.dev/uvm/pkg/uvm/rm"
	"gvisor.dev/uvm/pkg/uvm/workq"
)

const (
	instancePtrTreeDegree = 8

	// instancePtrFreeListSize bounds the btree nodes kept for reuse, so that
	// most insertions under instancePtrMu do not allocate.
	instancePtrFreeListSize = 64
)

// deviceInit records which steps of Registry.add have completed, so that
// Registry.remove can undo exactly those.
type deviceInit struct {
	slot             bool
	debug            bool
	channelManager   bool
	movedToPageTree  bool
	pmm              bool
	sysmemMappings   bool
	published        bool
	replayableFaults bool
}

// Device is a GPU known to a Registry.
type Device struct {
	reg *Registry

	id       processor.ID
	globalID uint64
	uuid     uuid.UUID
	name     string
	info     rm.DeviceInfo
	platform rm.PlatformInfo

	// The following are set during Registry.add and are immutable while the
	// device is published.
	hal            rm.HAL
	caps           rm.DeviceCaps
	asInfo         rm.AddressSpaceInfo
	rmDevice       rm.Handle
	rmAddressSpace rm.Handle
	pageTree       rm.PageTree
	bottomHalf     *workq.Queue

	// +checklocks:reg.mu
	init deviceInit

	retained atomicbitops.Int64

	// fatal is the rm.Status of the first fatal error, or zero.
	fatal atomicbitops.Uint32

	peerMu sync.Mutex

	// peers holds the directly connected peers, indexed by device index.
	//
	// +checklocks:peerMu
	peers [processor.MaxDevices]*Device

	// instancePtrMu is the only lock taken by Resolve.
	instancePtrMu sync.Mutex

	// +checklocks:instancePtrMu
	instancePtrs *btree.BTreeG[instancePtrEntry]

	// tsgs maps task group IDs to their sub-context descriptors.
	//
	// +checklocks:instancePtrMu
	tsgs map[uint32]*subctxInfo

	accessCountersMu sync.Mutex

	// accessCounterUsers is the set of VA spaces that enabled access
	// counters. They are enabled in hardware while it is not empty.
	//
	// +checklocks:accessCountersMu
	accessCounterUsers map[*VASpace]struct{}
}

func newDevice(r *Registry, id processor.ID, globalID uint64, uid uuid.UUID, info rm.DeviceInfo, platform rm.PlatformInfo) *Device {
	return &Device{
		reg:                r,
		id:                 id,
		globalID:           globalID,
		uuid:               uid,
		name:               fmt.Sprintf("ID %d: %s: %v", uint32(id), info.Name, uid),
		info:               info,
		platform:           platform,
		instancePtrs:       btree.NewWithFreeListG(instancePtrTreeDegree, instancePtrLess, btree.NewFreeListG[instancePtrEntry](instancePtrFreeListSize)),
		tsgs:               make(map[uint32]*subctxInfo),
		accessCounterUsers: make(map[*VASpace]struct{}),
	}
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return d.name
}

// ID returns the processor ID of the device. It is unique among devices
// currently in the registry.
func (d *Device) ID() processor.ID {
	return d.id
}

// GlobalID returns an ID that is never reused within the registry.
func (d *Device) GlobalID() uint64 {
	return d.globalID
}

// UUID returns the hardware UUID.
func (d *Device) UUID() uuid.UUID {
	return d.uuid
}

// Caps returns the capabilities queried when the device was added.
func (d *Device) Caps() rm.DeviceCaps {
	return d.caps
}

// BigPageSize returns the big page size of the kernel address space.
func (d *Device) BigPageSize() uint32 {
	return d.asInfo.BigPageSize
}

// RetainCount returns the current number of references.
func (d *Device) RetainCount() int64 {
	return d.retained.Load()
}

// Retain takes an additional reference. The caller must already hold one.
func (d *Device) Retain() {
	if n := d.retained.Add(1); n <= 1 {
		panic(fmt.Sprintf("retain of %v with no references", d))
	}
}

// Release drops a reference. Releasing the last reference removes the
// device and unregisters it from the resource manager.
func (d *Device) Release() {
	for {
		n := d.retained.Load()
		if n <= 0 {
			panic(fmt.Sprintf("release of %v with no references", d))
		}
		if n == 1 {
			break
		}
		if d.retained.CompareAndSwap(n, n-1) {
			return
		}
	}
	// Possibly the last reference. Only drop it under the global lock, so
	// that RetainByUUID cannot find a device on its way out.
	d.reg.mu.Lock()
	defer d.reg.mu.Unlock()
	d.reg.releaseLocked(d)
}

// SetFatal records err as a fatal error of the device. Later operations
// on the device fail with rm.ErrFatal.
func (d *Device) SetFatal(err error) {
	s := rm.StatusOf(err)
	if d.fatal.CompareAndSwap(0, uint32(s)) {
		log.Warningf("%v: fatal error: %v", d, err)
		d.reg.setFatal(s)
	}
}

// IsFatal returns true if a fatal error was recorded.
func (d *Device) IsFatal() bool {
	return d.fatal.Load() != 0
}

func (d *Device) checkFatal() error {
	if s := d.fatal.Load(); s != 0 {
		return fmt.Errorf("%v: %v: %w", d, rm.Status(s), rm.ErrFatal)
	}
	return nil
}

// TogglePrefetchFaults enables or disables fault prefetching on devices that
// handle replayable faults.
func (d *Device) TogglePrefetchFaults(enable bool) {
	if d.caps.ReplayableFaults {
		d.hal.SetPrefetchFaults(d.rmDevice, enable)
	}
}

// Timestamp reads the device timer.
func (d *Device) Timestamp() uint64 {
	return d.hal.Timestamp(d.rmDevice)
}

// ScheduleNotification queues the servicing of n on the device bottom half.
// service is called from the bottom half with the result of Resolve. It
// returns false if the device no longer accepts work.
func (d *Device) ScheduleNotification(n Notification, service func(*VASpace, error)) bool {
	return d.bottomHalf.Schedule(func() {
		service(d.Resolve(n))
	})
}

// flushBottomHalf waits for all notifications already scheduled.
func (d *Device) flushBottomHalf() {
	d.bottomHalf.Flush()
}

// flushFaultBuffer discards pending faults so that stale entries are not
// attributed to a channel that reuses an instance pointer.
func (d *Device) flushFaultBuffer() {
	if d.caps.ReplayableFaults {
		d.hal.FlushFaultBuffer(d.rmDevice)
	}
}

// accessCountersRequired returns true if registering the device into a VA
// space enables its access counters.
func (d *Device) accessCountersRequired() bool {
	return d.caps.AccessCounters && d.reg.opts.AccessCountersOnRegister
}

// enableAccessCounters adds vs to the users of the access counters.
func (d *Device) enableAccessCounters(vs *VASpace) error {
	d.accessCountersMu.Lock()
	defer d.accessCountersMu.Unlock()
	if _, ok := d.accessCounterUsers[vs]; ok {
		return fmt.Errorf("access counters of %v already enabled: %w", d, rm.ErrInvalidDevice)
	}
	if len(d.accessCounterUsers) == 0 {
		if err := d.hal.EnableAccessCounters(d.rmDevice); err != nil {
			return fmt.Errorf("enabling access counters of %v: %w", d, err)
		}
	}
	d.accessCounterUsers[vs] = struct{}{}
	return nil
}

// disableAccessCounters removes vs from the users of the access counters.
// It is a no-op if vs is not a user.
func (d *Device) disableAccessCounters(vs *VASpace) {
	d.accessCountersMu.Lock()
	defer d.accessCountersMu.Unlock()
	if _, ok := d.accessCounterUsers[vs]; !ok {
		return
	}
	delete(d.accessCounterUsers, vs)
	if len(d.accessCounterUsers) == 0 {
		d.hal.DisableAccessCounters(d.rmDevice)
	}
}

// AccessCountersEnabled returns true if vs enabled the access counters.
func (d *Device) AccessCountersEnabled(vs *VASpace) bool {
	d.accessCountersMu.Lock()
	defer d.accessCountersMu.Unlock()
	_, ok := d.accessCounterUsers[vs]
	return ok
}

func (d *Device) flushAccessCounters() {
	if d.caps.AccessCounters {
		d.hal.FlushAccessCounters(d.rmDevice)
	}
}

func (d *Device) assertAccessCountersDisabled() {
	d.accessCountersMu.Lock()
	defer d.accessCountersMu.Unlock()
	if n := len(d.accessCounterUsers); n != 0 {
		panic(fmt.Sprintf("%v removed with access counters enabled by %d VA spaces", d, n))
	}
}

func (d *Device) setPeer(peer *Device) {
	d.peerMu.Lock()
	defer d.peerMu.Unlock()
	i := peer.id.DeviceIndex()
	if d.peers[i] != nil {
		panic(fmt.Sprintf("%v already has peer %v", d, d.peers[i]))
	}
	d.peers[i] = peer
}

func (d *Device) clearPeer(peer *Device) {
	d.peerMu.Lock()
	defer d.peerMu.Unlock()
	d.peers[peer.id.DeviceIndex()] = nil
}

// PeerDevices returns the directly connected peers that currently have
// peer access enabled.
func (d *Device) PeerDevices() []*Device {
	d.peerMu.Lock()
	defer d.peerMu.Unlock()
	var ps []*Device
	for _, p := range d.peers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return ps
}
