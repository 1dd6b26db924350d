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

	"github.com/bits-and-blooms/bitset"
	"github.com/google/btree"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/uvm/pkg/uvm/processor"
	"gvisor.dev/uvm/pkg/uvm/rm"
)

const externalRangeTreeDegree = 4

// VASpaceOptions configures a VASpace.
type VASpaceOptions struct {
	// PageableMemoryAccess is true if devices may access pageable process
	// memory. GPU VA spaces that use ATS require it.
	PageableMemoryAccess bool
}

// relation is a processor relation: rel[a].Test(b) relates a to b.
type relation [processor.MaxProcessors]processor.Mask

type numaAffinity struct {
	node    int
	devices processor.Mask
}

// VASpace is a process context. Devices are registered into it, and it
// records which processors can access, copy from and atomically operate on
// each other's memory.
type VASpace struct {
	reg  *Registry
	opts VASpaceOptions

	mu sync.RWMutex

	// registered holds the IDs of registered devices. The VA space holds a
	// reference on each of them.
	//
	// +checklocks:mu
	registered processor.Mask

	// devices is indexed by device index.
	//
	// +checklocks:mu
	devices [processor.MaxDevices]*Device

	// unregisterInProgress holds devices whose UnregisterDevice dropped the
	// lock to stop channels.
	//
	// +checklocks:mu
	unregisterInProgress processor.Mask

	// gpuVASpaces holds the active GPU VA space of each device, by device
	// index.
	//
	// +checklocks:mu
	gpuVASpaces [processor.MaxDevices]*GPUVASpace

	// +checklocks:mu
	faultable processor.Mask

	// +checklocks:mu
	systemWideAtomics processor.Mask

	// canAccess[a] holds the processors whose memory a can map.
	//
	// +checklocks:mu
	canAccess relation

	// accessibleFrom[b] holds the processors that can map b's memory. It is
	// the transpose of canAccess.
	//
	// +checklocks:mu
	accessibleFrom relation

	// canCopyFrom[a] holds the processors whose memory a's copy engines can
	// read.
	//
	// +checklocks:mu
	canCopyFrom relation

	// +checklocks:mu
	hasNativeAtomics relation

	// +checklocks:mu
	hasNVLink relation

	// +checklocks:mu
	indirectPeers relation

	// enabledPeers is indexed by PeerTableIndex.
	//
	// +checklocks:mu
	enabledPeers *bitset.BitSet

	// numaAffinity maps CPU NUMA nodes to the registered devices closest to
	// them. Entries are never removed.
	//
	// +checklocks:mu
	numaAffinity []numaAffinity

	// +checklocks:mu
	disallowNewRegisters bool

	// +checklocks:mu
	destroyed bool

	// +checklocks:mu
	ranges *btree.BTreeG[*ExternalRange]

	teardownMu   sync.Mutex
	teardownCond *sync.Cond

	// pendingGPUVASpaces counts removed GPU VA spaces not yet destroyed.
	//
	// +checklocks:teardownMu
	pendingGPUVASpaces int

	// teardownComplete is set once Destroy released every object.
	teardownComplete atomicbitops.Bool
}

// NewVASpace creates an empty VA space.
func (r *Registry) NewVASpace(opts VASpaceOptions) *VASpace {
	m := r.opts.MaxDevices
	vs := &VASpace{
		reg:          r,
		opts:         opts,
		enabledPeers: bitset.New(uint(m * (m - 1) / 2)),
		ranges:       btree.NewG(externalRangeTreeDegree, externalRangeLess),
	}
	vs.teardownCond = sync.NewCond(&vs.teardownMu)

	// The CPU is never registered.
	cpu := processor.CPU
	vs.canAccess[cpu].Set(cpu)
	vs.accessibleFrom[cpu].Set(cpu)
	vs.canCopyFrom[cpu].Set(cpu)
	vs.hasNativeAtomics[cpu].Set(cpu)
	vs.faultable.Set(cpu)
	vs.systemWideAtomics.Set(cpu)

	r.vaSpacesMu.Lock()
	r.vaSpaces[vs] = struct{}{}
	r.vaSpacesMu.Unlock()
	return vs
}

// VASpaces returns the number of VA spaces that have not been destroyed.
func (r *Registry) VASpaces() int {
	r.vaSpacesMu.Lock()
	defer r.vaSpacesMu.Unlock()
	return len(r.vaSpaces)
}

func (vs *VASpace) peerIndex(a, b *Device) uint {
	return uint(PeerTableIndex(a.id.DeviceIndex(), b.id.DeviceIndex(), vs.reg.opts.MaxDevices))
}

// +checklocksread:vs.mu
func (vs *VASpace) deviceByUUIDLocked(id uuid.UUID) *Device {
	for _, d := range vs.devices {
		if d != nil && d.uuid == id {
			return d
		}
	}
	return nil
}

// +checklocksread:vs.mu
func (vs *VASpace) registeredDeviceLocked(id uuid.UUID) (*Device, error) {
	if d := vs.deviceByUUIDLocked(id); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("device %v not registered: %w", id, rm.ErrInvalidDevice)
}

// +checklocksread:vs.mu
func (vs *VASpace) devicePairLocked(a, b uuid.UUID) (*Device, *Device, error) {
	d0, err := vs.registeredDeviceLocked(a)
	if err != nil {
		return nil, nil, err
	}
	d1, err := vs.registeredDeviceLocked(b)
	if err != nil {
		return nil, nil, err
	}
	if d0 == d1 {
		return nil, nil, fmt.Errorf("peer access of %v with itself: %w", d0, rm.ErrInvalidDevice)
	}
	return d0, d1, nil
}

// registeredDevicesLocked returns the registered devices in ID order.
//
// +checklocksread:vs.mu
func (vs *VASpace) registeredDevicesLocked() []*Device {
	var ds []*Device
	for _, d := range vs.devices {
		if d != nil {
			ds = append(ds, d)
		}
	}
	return ds
}

// Destroy tears down the VA space: channels, external ranges, GPU VA spaces
// and device registrations. It must be called exactly once.
func (vs *VASpace) Destroy() {
	r := vs.reg
	r.vaSpacesMu.Lock()
	if _, ok := r.vaSpaces[vs]; !ok {
		r.vaSpacesMu.Unlock()
		panic(fmt.Sprintf("VA space %p destroyed twice", vs))
	}
	delete(r.vaSpaces, vs)
	r.vaSpacesMu.Unlock()

	// No GPU VA space can be added once destroyed is set, so every channel
	// is stopped before it is detached below.
	vs.mu.Lock()
	vs.destroyed = true
	vs.mu.DowngradeLock()
	for _, g := range vs.gpuVASpaces {
		if g != nil {
			g.stopChannels()
		}
	}
	vs.mu.RUnlock()

	var deferred deferredFreeList
	vs.mu.Lock()
	retained := vs.registeredDevicesLocked()
	// PCIe peers hold a registry reference until the devices are released.
	teardownPeers := vs.enabledPeers.Clone()
	for _, g := range vs.gpuVASpaces {
		if g != nil {
			g.detachChannelsLocked(&deferred)
		}
	}
	vs.destroyExternalRangesLocked(&deferred)
	for _, d := range retained {
		vs.unregisterDeviceLocked(d, &deferred, nil)
	}
	vs.mu.Unlock()

	// Deferred work queued before the devices were unregistered may still
	// reference vs.
	var eg errgroup.Group
	eg.Go(func() error {
		r.globalQueue.Flush()
		return nil
	})
	for _, d := range retained {
		eg.Go(func() error {
			d.flushBottomHalf()
			return nil
		})
	}
	eg.Wait()

	for _, d := range retained {
		d.disableAccessCounters(vs)
	}
	deferred.drain()
	vs.teardownComplete.Store(true)

	r.mu.Lock()
	for i, d0 := range retained {
		for _, d1 := range retained[i+1:] {
			if teardownPeers.Test(vs.peerIndex(d0, d1)) && r.peerCapsLocked(d0, d1).link == rm.LinkPCIe {
				r.releasePCIePeerAccessLocked(d0, d1)
			}
		}
	}
	for _, d := range retained {
		r.releaseLocked(d)
	}
	r.mu.Unlock()

	if log.IsLogging(log.Debug) {
		log.Debugf("Destroyed VA space %p with %d devices", vs, len(retained))
	}
}

// DisallowNewRegisters makes later device and GPU VA space registrations
// fail with rm.ErrPageTableNotAvail. It is called when the process address
// space is going away.
func (vs *VASpace) DisallowNewRegisters() {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.disallowNewRegisters = true
}

// WaitForGPUVASpaceTeardown blocks until every removed GPU VA space has been
// destroyed.
func (vs *VASpace) WaitForGPUVASpaceTeardown() {
	vs.teardownMu.Lock()
	defer vs.teardownMu.Unlock()
	for vs.pendingGPUVASpaces > 0 {
		vs.teardownCond.Wait()
	}
}

// TeardownComplete returns true once Destroy has released every object.
func (vs *VASpace) TeardownComplete() bool {
	return vs.teardownComplete.Load()
}

// IsDeviceRegistered returns true if the device is registered in vs.
func (vs *VASpace) IsDeviceRegistered(id uuid.UUID) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.deviceByUUIDLocked(id) != nil
}

// RegisteredDevices returns the IDs of the registered devices.
func (vs *VASpace) RegisteredDevices() []processor.ID {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.registered.IDs()
}

// IsPeerEnabled returns true if peer access between devices a and b is
// enabled in vs.
func (vs *VASpace) IsPeerEnabled(a, b processor.ID) bool {
	m := vs.reg.opts.MaxDevices
	if !a.IsDevice() || !b.IsDevice() || a == b || a.DeviceIndex() >= m || b.DeviceIndex() >= m {
		return false
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.enabledPeers.Test(uint(PeerTableIndex(a.DeviceIndex(), b.DeviceIndex(), m)))
}

func (vs *VASpace) testRelation(rel *relation, a, b processor.ID) bool {
	if a >= processor.MaxProcessors || b >= processor.MaxProcessors {
		return false
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return rel[a].Test(b)
}

// CanAccess returns true if a can map memory owned by b.
func (vs *VASpace) CanAccess(a, b processor.ID) bool {
	return vs.testRelation(&vs.canAccess, a, b)
}

// AccessibleFrom returns true if memory owned by b can be mapped by a.
func (vs *VASpace) AccessibleFrom(b, a processor.ID) bool {
	return vs.testRelation(&vs.accessibleFrom, b, a)
}

// CanCopyFrom returns true if the copy engines of a can read memory owned
// by b.
func (vs *VASpace) CanCopyFrom(a, b processor.ID) bool {
	return vs.testRelation(&vs.canCopyFrom, a, b)
}

// HasNativeAtomics returns true if a performs atomics on b's memory natively.
func (vs *VASpace) HasNativeAtomics(a, b processor.ID) bool {
	return vs.testRelation(&vs.hasNativeAtomics, a, b)
}

// HasNVLink returns true if a and b are connected by NVLink.
func (vs *VASpace) HasNVLink(a, b processor.ID) bool {
	return vs.testRelation(&vs.hasNVLink, a, b)
}

// IsIndirectPeer returns true if a reaches b's memory through system memory
// over NVLink.
func (vs *VASpace) IsIndirectPeer(a, b processor.ID) bool {
	return vs.testRelation(&vs.indirectPeers, a, b)
}

// IsFaultable returns true if p handles replayable faults in vs.
func (vs *VASpace) IsFaultable(p processor.ID) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.faultable.Test(p)
}

// HasSystemWideAtomics returns true if p participates in system-wide atomics.
func (vs *VASpace) HasSystemWideAtomics(p processor.ID) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.systemWideAtomics.Test(p)
}

// DevicesNearNUMANode returns the registered devices closest to the CPU NUMA
// node.
func (vs *VASpace) DevicesNearNUMANode(node int) []processor.ID {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	for i := range vs.numaAffinity {
		if vs.numaAffinity[i].node == node {
			return vs.numaAffinity[i].devices.IDs()
		}
	}
	return nil
}

// ClosestProcessor returns the processor in candidates closest to src: src
// itself, then a directly NVLink connected processor, then an indirect
// peer, then any processor src can access. Devices are preferred over the
// CPU at each step. It returns false if candidates is empty.
func (vs *VASpace) ClosestProcessor(candidates *processor.Mask, src processor.ID) (processor.ID, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	if candidates.Test(src) {
		return src, true
	}
	if src < processor.MaxProcessors {
		nvlink := candidates.And(&vs.hasNVLink[src])
		direct := nvlink.AndNot(&vs.indirectPeers[src])
		if !direct.Empty() {
			if id, ok := direct.FirstDevice(); ok {
				return id, true
			}
			return processor.CPU, true
		}
		indirect := nvlink.And(&vs.indirectPeers[src])
		if id, ok := indirect.FirstDevice(); ok {
			return id, true
		}
		accessible := candidates.And(&vs.canAccess[src])
		if !accessible.Empty() {
			if id, ok := accessible.FirstDevice(); ok {
				return id, true
			}
			return processor.CPU, true
		}
	}
	if id, ok := candidates.FirstDevice(); ok {
		return id, true
	}
	return candidates.First()
}

// checkInvariants returns an error describing the first inconsistency
// between the relations, the registered devices and the enabled peers.
func (vs *VASpace) checkInvariants() error {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	for a := processor.ID(0); a < processor.MaxProcessors; a++ {
		for b := processor.ID(0); b < processor.MaxProcessors; b++ {
			if vs.canAccess[a].Test(b) != vs.accessibleFrom[b].Test(a) {
				return fmt.Errorf("canAccess[%v][%v] != accessibleFrom[%v][%v]: %w", a, b, b, a, rm.ErrInvalidState)
			}
			if vs.hasNVLink[a].Test(b) != vs.hasNVLink[b].Test(a) {
				return fmt.Errorf("hasNVLink between %v and %v is asymmetric: %w", a, b, rm.ErrInvalidState)
			}
			if vs.indirectPeers[a].Test(b) && !vs.hasNVLink[a].Test(b) {
				return fmt.Errorf("indirect peers %v and %v without NVLink: %w", a, b, rm.ErrInvalidState)
			}
		}
	}

	for i, d := range vs.devices {
		id := processor.DeviceID(i)
		if d == nil {
			if vs.registered.Test(id) {
				return fmt.Errorf("%v registered without a device: %w", id, rm.ErrInvalidState)
			}
			for _, rel := range []*relation{&vs.canAccess, &vs.accessibleFrom, &vs.canCopyFrom, &vs.hasNativeAtomics, &vs.hasNVLink, &vs.indirectPeers} {
				if !rel[id].Empty() {
					return fmt.Errorf("unregistered %v has relations %v: %w", id, &rel[id], rm.ErrInvalidState)
				}
			}
			continue
		}
		if d.id != id || !vs.registered.Test(id) {
			return fmt.Errorf("%v in slot %d is not registered: %w", d, i, rm.ErrInvalidState)
		}
		if !vs.canAccess[id].Test(id) || !vs.canAccess[id].Test(processor.CPU) || !vs.canCopyFrom[id].Test(id) || !vs.hasNativeAtomics[id].Test(id) {
			return fmt.Errorf("%v is missing self or CPU relations: %w", d, rm.ErrInvalidState)
		}
	}

	enabled := 0
	ds := vs.registeredDevicesLocked()
	for i, d0 := range ds {
		for _, d1 := range ds[i+1:] {
			on := vs.enabledPeers.Test(vs.peerIndex(d0, d1))
			access := vs.canAccess[d0.id].Test(d1.id) && vs.canAccess[d1.id].Test(d0.id)
			if on != access {
				return fmt.Errorf("%v and %v: peer enabled %t, mutual access %t: %w", d0, d1, on, access, rm.ErrInvalidState)
			}
			if !on {
				if vs.hasNVLink[d0.id].Test(d1.id) {
					return fmt.Errorf("%v and %v have NVLink without peer access: %w", d0, d1, rm.ErrInvalidState)
				}
				continue
			}
			enabled++
			if link, _ := vs.reg.peerLinkOf(d0, d1); link == rm.LinkNone {
				return fmt.Errorf("%v and %v enabled without a peer table entry: %w", d0, d1, rm.ErrInvalidState)
			}
		}
	}
	if n := int(vs.enabledPeers.Count()); n != enabled {
		return fmt.Errorf("%d peers enabled, %d between registered devices: %w", n, enabled, rm.ErrInvalidState)
	}
	return nil
}
