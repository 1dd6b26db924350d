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

	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/uvm/pkg/uvm/processor"
	"gvisor.dev/uvm/pkg/uvm/rm"
)

// DeviceRegistration is the result of VASpace.RegisterDevice.
type DeviceRegistration struct {
	// NUMAEnabled is true if the device memory is onlined as a CPU NUMA
	// node.
	NUMAEnabled bool

	// NUMANode is the node of the device memory, or -1.
	NUMANode int
}

// RegisterDevice registers the device with the given UUID in vs, retaining
// it and creating it in the registry if needed. user identifies the caller
// to the resource manager.
func (vs *VASpace) RegisterDevice(id uuid.UUID, user rm.UserObject) (DeviceRegistration, error) {
	d, err := vs.reg.RetainByUUID(id, user)
	if err != nil {
		return DeviceRegistration{}, err
	}
	cu := cleanup.Make(d.Release)
	defer cu.Clean()

	// Enabling access counters may sleep, so it happens before taking the
	// lock.
	if d.accessCountersRequired() {
		if err := d.enableAccessCounters(vs); err != nil {
			return DeviceRegistration{}, err
		}
		cu.Add(func() { d.disableAccessCounters(vs) })
	}

	vs.mu.Lock()
	reg, err := vs.registerDeviceLocked(d)
	vs.mu.Unlock()
	if err != nil {
		return DeviceRegistration{}, err
	}
	cu.Release()
	log.Infof("Registered %v in VA space %p", d, vs)
	return reg, nil
}

// +checklocks:vs.mu
func (vs *VASpace) registerDeviceLocked(d *Device) (DeviceRegistration, error) {
	if vs.destroyed {
		return DeviceRegistration{}, fmt.Errorf("VA space %p destroyed: %w", vs, rm.ErrInvalidState)
	}
	if vs.registered.Test(d.id) {
		return DeviceRegistration{}, fmt.Errorf("%v already registered: %w", d, rm.ErrInvalidDevice)
	}

	// Devices whose sysmem link is NVLink2 or later cannot be mixed with
	// older devices in one VA space.
	nvlink2 := d.caps.SysmemLink >= rm.LinkNVLink2
	for _, other := range vs.registeredDevicesLocked() {
		if (other.caps.SysmemLink >= rm.LinkNVLink2) != nvlink2 {
			return DeviceRegistration{}, fmt.Errorf("%v has %v sysmem link, %v has %v: %w", d, d.caps.SysmemLink, other, other.caps.SysmemLink, rm.ErrInvalidDevice)
		}
	}

	if vs.disallowNewRegisters {
		return DeviceRegistration{}, fmt.Errorf("registering %v: VA space is being torn down: %w", d, rm.ErrPageTableNotAvail)
	}

	g, cpu := d.id, processor.CPU
	vs.registered.Set(g)
	vs.devices[g.DeviceIndex()] = d

	if d.caps.ReplayableFaults {
		vs.faultable.Set(g)
		vs.systemWideAtomics.Set(g)
	}
	vs.hasNativeAtomics[g].Set(g)

	if d.caps.SysmemLink.IsNVLink() {
		vs.hasNVLink[g].Set(cpu)
		vs.hasNVLink[cpu].Set(g)
	}
	if nvlink2 {
		vs.hasNativeAtomics[g].Set(cpu)
		if d.caps.NUMAEnabled {
			vs.canAccess[cpu].Set(g)
			vs.accessibleFrom[g].Set(cpu)
			vs.hasNativeAtomics[cpu].Set(g)
		}
	}

	vs.canAccess[g].Set(g)
	vs.accessibleFrom[g].Set(g)
	vs.canAccess[g].Set(cpu)
	vs.accessibleFrom[cpu].Set(g)

	vs.canCopyFrom[g].Set(g)
	vs.canCopyFrom[g].Set(cpu)
	vs.canCopyFrom[cpu].Set(g)

	vs.addNUMAAffinityLocked(d)

	// NVLink peers are enabled as soon as both devices are registered.
	for _, other := range vs.registeredDevicesLocked() {
		if other == d {
			continue
		}
		if link, _ := vs.reg.peerLinkOf(d, other); !link.IsNVLink() {
			continue
		}
		if err := vs.enablePeersLocked(d, other); err != nil {
			var deferred deferredFreeList
			vs.unregisterDeviceLocked(d, &deferred, nil)
			if !deferred.empty() {
				panic(fmt.Sprintf("unregistering %v after failed registration left objects to free", d))
			}
			return DeviceRegistration{}, err
		}
	}

	reg := DeviceRegistration{NUMAEnabled: d.caps.NUMAEnabled, NUMANode: -1}
	if d.caps.NUMAEnabled {
		reg.NUMANode = d.caps.NUMANode
	}
	return reg, nil
}

// +checklocks:vs.mu
func (vs *VASpace) addNUMAAffinityLocked(d *Device) {
	if !d.caps.NUMAEnabled {
		return
	}
	for i := range vs.numaAffinity {
		if vs.numaAffinity[i].node == d.caps.NUMANode {
			vs.numaAffinity[i].devices.Set(d.id)
			return
		}
	}
	vs.numaAffinity = append(vs.numaAffinity, numaAffinity{node: d.caps.NUMANode})
	vs.numaAffinity[len(vs.numaAffinity)-1].devices.Set(d.id)
}

// +checklocks:vs.mu
func (vs *VASpace) removeNUMAAffinityLocked(d *Device) {
	for i := range vs.numaAffinity {
		vs.numaAffinity[i].devices.Clear(d.id)
	}
}

// unregisterDeviceLocked removes d from vs without releasing it. Objects to
// destroy are added to deferred. If peersToRelease is not nil, the PCIe
// peers of d that were enabled in vs are appended to it; each holds a
// registry reference that the caller must release.
//
// +checklocks:vs.mu
func (vs *VASpace) unregisterDeviceLocked(d *Device, deferred *deferredFreeList, peersToRelease *[]*Device) {
	g, cpu := d.id, processor.CPU
	if gs := vs.gpuVASpaces[g.DeviceIndex()]; gs != nil {
		vs.removeGPUVASpaceLocked(gs, deferred)
	}

	for _, other := range vs.registeredDevicesLocked() {
		if other == d || !vs.enabledPeers.Test(vs.peerIndex(d, other)) {
			continue
		}
		pcie := !vs.hasNVLink[g].Test(other.id)
		vs.disablePeersLocked(d, other, deferred)
		if pcie && peersToRelease != nil {
			*peersToRelease = append(*peersToRelease, other)
		}
	}

	vs.faultable.Clear(g)
	vs.systemWideAtomics.Clear(g)
	for _, rel := range []*relation{&vs.canAccess, &vs.accessibleFrom, &vs.canCopyFrom, &vs.hasNativeAtomics} {
		rel[g].Clear(g)
		rel[g].Clear(cpu)
		rel[cpu].Clear(g)
	}
	vs.hasNVLink[g].Clear(cpu)
	vs.hasNVLink[cpu].Clear(g)
	for _, rel := range []*relation{&vs.canAccess, &vs.accessibleFrom, &vs.canCopyFrom, &vs.hasNativeAtomics, &vs.hasNVLink, &vs.indirectPeers} {
		if !rel[g].Empty() {
			panic(fmt.Sprintf("%v unregistered with relations %v", d, &rel[g]))
		}
	}

	vs.removeNUMAAffinityLocked(d)
	vs.registered.Clear(g)
	vs.devices[g.DeviceIndex()] = nil
}

// UnregisterDevice removes the device with the given UUID from vs and drops
// the reference taken by RegisterDevice.
func (vs *VASpace) UnregisterDevice(id uuid.UUID) error {
	vs.mu.Lock()
	d := vs.deviceByUUIDLocked(id)
	if d == nil {
		vs.mu.Unlock()
		return fmt.Errorf("device %v not registered: %w", id, rm.ErrInvalidDevice)
	}
	if vs.unregisterInProgress.Test(d.id) {
		vs.mu.Unlock()
		return fmt.Errorf("%v is already being unregistered: %w", d, rm.ErrInvalidDevice)
	}
	vs.unregisterInProgress.Set(d.id)

	// Stopping channels calls into the resource manager, which must not
	// happen with the lock held for writing.
	vs.mu.DowngradeLock()
	if g := vs.gpuVASpaces[d.id.DeviceIndex()]; g != nil {
		g.stopChannels()
	}
	vs.mu.RUnlock()

	d.disableAccessCounters(vs)

	var (
		deferred       deferredFreeList
		peersToRelease []*Device
	)
	vs.mu.Lock()
	vs.unregisterDeviceLocked(d, &deferred, &peersToRelease)
	vs.unregisterInProgress.Clear(d.id)
	vs.mu.Unlock()

	deferred.drain()

	r := vs.reg
	r.mu.Lock()
	for _, peer := range peersToRelease {
		r.releasePCIePeerAccessLocked(d, peer)
	}
	r.releaseLocked(d)
	r.mu.Unlock()
	log.Infof("Unregistered %v from VA space %p", d, vs)
	return nil
}

// enablePeersLocked sets the relations between two registered devices whose
// peer table entry is enabled.
//
// +checklocks:vs.mu
func (vs *VASpace) enablePeersLocked(d0, d1 *Device) error {
	if !vs.registered.Test(d0.id) || !vs.registered.Test(d1.id) {
		return fmt.Errorf("enabling peers %v and %v: not registered: %w", d0, d1, rm.ErrInvalidDevice)
	}
	idx := vs.peerIndex(d0, d1)
	if vs.enabledPeers.Test(idx) {
		panic(fmt.Sprintf("peers %v and %v already enabled", d0, d1))
	}

	g0, g1 := vs.gpuVASpaces[d0.id.DeviceIndex()], vs.gpuVASpaces[d1.id.DeviceIndex()]
	if g0 != nil && g1 != nil && g0.bigPageSize() != g1.bigPageSize() {
		return fmt.Errorf("%v and %v use big pages of %#x and %#x: %w", d0, d1, g0.bigPageSize(), g1.bigPageSize(), rm.ErrNotCompatible)
	}

	a, b := d0.id, d1.id
	vs.canAccess[a].Set(b)
	vs.canAccess[b].Set(a)
	vs.accessibleFrom[a].Set(b)
	vs.accessibleFrom[b].Set(a)

	if d0.caps.PeerCopySupported && d1.caps.PeerCopySupported {
		vs.canCopyFrom[a].Set(b)
		vs.canCopyFrom[b].Set(a)
	}

	if link, indirect := vs.reg.peerLinkOf(d0, d1); link.IsNVLink() {
		vs.hasNVLink[a].Set(b)
		vs.hasNVLink[b].Set(a)
		vs.hasNativeAtomics[a].Set(b)
		vs.hasNativeAtomics[b].Set(a)
		if indirect {
			vs.indirectPeers[a].Set(b)
			vs.indirectPeers[b].Set(a)
		}
	}

	vs.enabledPeers.Set(idx)
	return nil
}

// disablePeersLocked reverses enablePeersLocked. Mappings of either
// device's memory on the other are added to deferred.
//
// +checklocks:vs.mu
func (vs *VASpace) disablePeersLocked(d0, d1 *Device, deferred *deferredFreeList) {
	idx := vs.peerIndex(d0, d1)
	if !vs.enabledPeers.Test(idx) {
		return
	}
	vs.removePeerMappingsLocked(d0, d1, deferred)

	a, b := d0.id, d1.id
	for _, rel := range []*relation{&vs.canAccess, &vs.accessibleFrom, &vs.canCopyFrom, &vs.hasNVLink, &vs.indirectPeers, &vs.hasNativeAtomics} {
		rel[a].Clear(b)
		rel[b].Clear(a)
	}
	vs.enabledPeers.Clear(idx)
}

// EnablePeerAccess enables PCIe peer access between two registered devices.
// The pair's peer table entry is retained until DisablePeerAccess, or until
// either device is unregistered.
func (vs *VASpace) EnablePeerAccess(a, b uuid.UUID) error {
	r := vs.reg
	r.mu.Lock()
	vs.mu.RLock()
	d0, d1, err := vs.devicePairLocked(a, b)
	if err == nil {
		err = r.retainPCIePeerAccessLocked(d0, d1)
	}
	vs.mu.RUnlock()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	vs.mu.Lock()
	if vs.enabledPeers.Test(vs.peerIndex(d0, d1)) {
		err = fmt.Errorf("peers %v and %v already enabled: %w", d0, d1, rm.ErrInvalidDevice)
	} else {
		err = vs.enablePeersLocked(d0, d1)
	}
	vs.mu.Unlock()
	if err != nil {
		r.ReleasePCIePeerAccess(d0, d1)
		return err
	}
	return nil
}

// DisablePeerAccess reverses EnablePeerAccess.
func (vs *VASpace) DisablePeerAccess(a, b uuid.UUID) error {
	var deferred deferredFreeList
	vs.mu.Lock()
	d0, d1, err := vs.devicePairLocked(a, b)
	if err == nil && (!vs.enabledPeers.Test(vs.peerIndex(d0, d1)) || vs.hasNVLink[d0.id].Test(d1.id)) {
		err = fmt.Errorf("PCIe peers %v and %v not enabled: %w", d0, d1, rm.ErrInvalidDevice)
	}
	if err == nil {
		vs.disablePeersLocked(d0, d1, &deferred)
	}
	vs.mu.Unlock()
	if err != nil {
		return err
	}
	deferred.drain()
	vs.reg.ReleasePCIePeerAccess(d0, d1)
	return nil
}

// EnableNVLinkPeerAccess re-enables the relations of an NVLink pair in vs.
// It succeeds without effect if they are already enabled.
func (vs *VASpace) EnableNVLinkPeerAccess(a, b uuid.UUID) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	d0, d1, err := vs.devicePairLocked(a, b)
	if err != nil {
		return err
	}
	if link, _ := vs.reg.peerLinkOf(d0, d1); !link.IsNVLink() {
		return fmt.Errorf("%v and %v are %v peers: %w", d0, d1, link, rm.ErrInvalidDevice)
	}
	if vs.enabledPeers.Test(vs.peerIndex(d0, d1)) {
		return nil
	}
	return vs.enablePeersLocked(d0, d1)
}

// DisableNVLinkPeerAccess clears the relations of an NVLink pair in vs. The
// peer table entry is not affected.
func (vs *VASpace) DisableNVLinkPeerAccess(a, b uuid.UUID) error {
	var deferred deferredFreeList
	vs.mu.Lock()
	d0, d1, err := vs.devicePairLocked(a, b)
	if err == nil && !vs.hasNVLink[d0.id].Test(d1.id) {
		err = fmt.Errorf("NVLink peers %v and %v not enabled: %w", d0, d1, rm.ErrInvalidDevice)
	}
	if err == nil {
		vs.disablePeersLocked(d0, d1, &deferred)
	}
	vs.mu.Unlock()
	deferred.drain()
	return err
}
