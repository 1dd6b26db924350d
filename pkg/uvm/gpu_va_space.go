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
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/uvm/pkg/uvm/rm"
)

type gpuVASpaceState uint8

const (
	// gpuVASpaceInit is a GPU VA space that was never added to a VA space.
	gpuVASpaceInit gpuVASpaceState = iota

	// gpuVASpaceActive is published in its VA space.
	gpuVASpaceActive

	// gpuVASpaceDead was removed and waits for a deferred free.
	gpuVASpaceDead
)

func (s gpuVASpaceState) String() string {
	switch s {
	case gpuVASpaceInit:
		return "init"
	case gpuVASpaceActive:
		return "active"
	case gpuVASpaceDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// GPUVASpace binds a VA space to a user address space on one device.
type GPUVASpace struct {
	device *Device
	user   rm.UserObject

	// vaSpace is set when the GPU VA space is added and never changes.
	vaSpace *VASpace

	rmAddressSpace      rm.Handle
	info                rm.AddressSpaceInfo
	pageTree            rm.PageTree
	didSetPageDirectory bool

	// +checklocks:vaSpace.mu
	state gpuVASpaceState

	// +checklocks:vaSpace.mu
	channels userChannelList

	// disallowNewChannels is set once channels were stopped for teardown.
	disallowNewChannels atomicbitops.Bool

	// pendingTeardown is set while the GPU VA space is counted in
	// VASpace.pendingGPUVASpaces.
	pendingTeardown bool
}

// String implements fmt.Stringer.
func (g *GPUVASpace) String() string {
	return fmt.Sprintf("%v/%#x:%#x", g.device, g.user.Client, g.user.Object)
}

func (g *GPUVASpace) bigPageSize() uint32 {
	return g.info.BigPageSize
}

// createGPUVASpace duplicates the user address space and installs a page
// tree for it. The result is in the init state.
func createGPUVASpace(d *Device, user rm.UserObject) (*GPUVASpace, error) {
	col := d.reg.col
	as, info, err := col.RM.DupAddressSpace(d.rmDevice, user)
	if err != nil {
		return nil, fmt.Errorf("duplicating address space %#x:%#x on %v: %w", user.Client, user.Object, d, err)
	}
	g := &GPUVASpace{
		device:         d,
		user:           user,
		rmAddressSpace: as,
		info:           info,
	}
	if err := g.init(); err != nil {
		g.destroy()
		return nil, err
	}
	return g, nil
}

func (g *GPUVASpace) init() error {
	d := g.device
	col := d.reg.col
	if g.info.ATSEnabled && !(d.reg.opts.ATSSupported && d.platform.ATSEnabled) {
		return fmt.Errorf("%v: ATS requested but not supported: %w", g, rm.ErrInvalidFlags)
	}
	if !d.hal.BigPageSizeSupported(g.info.BigPageSize) {
		return fmt.Errorf("%v: big page size %#x not supported: %w", g, g.info.BigPageSize, rm.ErrInvalidFlags)
	}

	var err error
	if g.pageTree, err = col.PageTables.InitTree(d.rmDevice, g.info.BigPageSize); err != nil {
		return fmt.Errorf("%v: initializing page tree: %w", g, err)
	}
	if err := col.RM.SetPageDirectory(g.rmAddressSpace, g.pageTree.PDB(), g.pageTree.NumEntries()); err != nil {
		if errors.Is(err, rm.ErrNotSupported) {
			// The user address space already has a page directory, so it is
			// registered on this device in another VA space.
			return fmt.Errorf("%v: address space already registered: %w", g, rm.ErrInvalidDevice)
		}
		return fmt.Errorf("%v: installing page directory: %w", g, err)
	}
	g.didSetPageDirectory = true
	return nil
}

// destroy releases everything built by createGPUVASpace. The GPU VA space
// must not be active.
func (g *GPUVASpace) destroy() {
	col := g.device.reg.col
	vs := g.vaSpace
	if vs != nil {
		vs.mu.RLock()
		if g.state == gpuVASpaceActive {
			vs.mu.RUnlock()
			panic(fmt.Sprintf("destroying active GPU VA space %v", g))
		}
	}
	if g.didSetPageDirectory {
		if err := col.RM.UnsetPageDirectory(g.rmAddressSpace); err != nil {
			log.Warningf("Failed to unset page directory of %v: %v", g, err)
		}
		g.didSetPageDirectory = false
	}
	if vs != nil {
		vs.mu.RUnlock()
	}

	if g.pageTree != nil {
		g.pageTree.Deinit()
		g.pageTree = nil
	}
	if g.rmAddressSpace != 0 {
		col.RM.DestroyAddressSpace(g.rmAddressSpace)
		g.rmAddressSpace = 0
	}

	if vs != nil && g.pendingTeardown {
		g.pendingTeardown = false
		vs.teardownMu.Lock()
		vs.pendingGPUVASpaces--
		if vs.pendingGPUVASpaces == 0 {
			vs.teardownCond.Broadcast()
		}
		vs.teardownMu.Unlock()
	}

	// The fault servicing path may still hold a reference to the VA space
	// through a channel of g.
	g.device.flushBottomHalf()
}

// stopChannels stops every channel and prevents new registrations.
//
// +checklocksread:g.vaSpace.mu
func (g *GPUVASpace) stopChannels() {
	g.disallowNewChannels.Store(true)
	for ch := g.channels.Front(); ch != nil; ch = ch.Next() {
		ch.stop()
	}
}

// +checklocks:g.vaSpace.mu
func (g *GPUVASpace) detachChannelsLocked(deferred *deferredFreeList) {
	for ch := g.channels.Front(); ch != nil; {
		next := ch.Next()
		ch.detach(deferred)
		ch = next
	}
}

// +checklocksread:g.vaSpace.mu
func (g *GPUVASpace) channelLocked(user rm.UserObject) *UserChannel {
	for ch := g.channels.Front(); ch != nil; ch = ch.Next() {
		if ch.user == user {
			return ch
		}
	}
	return nil
}

// +checklocksread:vs.mu
func (vs *VASpace) activeGPUVASpaceByUUIDLocked(id uuid.UUID) (*GPUVASpace, error) {
	d, err := vs.registeredDeviceLocked(id)
	if err != nil {
		return nil, err
	}
	g := vs.gpuVASpaces[d.id.DeviceIndex()]
	if g == nil || g.state != gpuVASpaceActive {
		return nil, fmt.Errorf("%v has no GPU VA space: %w", d, rm.ErrInvalidDevice)
	}
	return g, nil
}

// +checklocks:vs.mu
func (vs *VASpace) addGPUVASpaceLocked(g *GPUVASpace) error {
	d := g.device
	i := d.id.DeviceIndex()
	switch {
	case vs.destroyed:
		return fmt.Errorf("VA space %p destroyed: %w", vs, rm.ErrInvalidState)
	case !vs.registered.Test(d.id):
		return fmt.Errorf("%v not registered: %w", d, rm.ErrInvalidDevice)
	case vs.unregisterInProgress.Test(d.id):
		return fmt.Errorf("%v is being unregistered: %w", d, rm.ErrInvalidDevice)
	case vs.gpuVASpaces[i] != nil:
		return fmt.Errorf("%v already has GPU VA space %v: %w", d, vs.gpuVASpaces[i], rm.ErrInvalidDevice)
	case vs.disallowNewRegisters:
		return fmt.Errorf("registering %v: VA space is being torn down: %w", g, rm.ErrPageTableNotAvail)
	case g.info.ATSEnabled && !vs.opts.PageableMemoryAccess:
		return fmt.Errorf("%v: ATS requires pageable memory access: %w", g, rm.ErrInvalidFlags)
	}

	for _, other := range vs.gpuVASpaces {
		if other == nil {
			continue
		}
		if other.info.ATSEnabled != g.info.ATSEnabled {
			return fmt.Errorf("%v: ATS %t, %v has ATS %t: %w", g, g.info.ATSEnabled, other, other.info.ATSEnabled, rm.ErrInvalidFlags)
		}
		if vs.enabledPeers.Test(vs.peerIndex(d, other.device)) && other.bigPageSize() != g.bigPageSize() {
			return fmt.Errorf("%v: big page size %#x, peer %v uses %#x: %w", g, g.bigPageSize(), other, other.bigPageSize(), rm.ErrNotCompatible)
		}
	}

	vs.gpuVASpaces[i] = g
	g.vaSpace = vs
	g.state = gpuVASpaceActive
	return nil
}

// removeGPUVASpaceLocked moves an active GPU VA space to the dead state and
// queues it, its channels and the external mappings on its device for
// destruction.
//
// +checklocks:vs.mu
func (vs *VASpace) removeGPUVASpaceLocked(g *GPUVASpace, deferred *deferredFreeList) {
	if g.state != gpuVASpaceActive {
		return
	}
	g.detachChannelsLocked(deferred)
	vs.removeDeviceMappingsLocked(g.device, deferred)
	deferred.addGPUVASpace(g)

	vs.teardownMu.Lock()
	vs.pendingGPUVASpaces++
	g.pendingTeardown = true
	vs.teardownMu.Unlock()

	vs.gpuVASpaces[g.device.id.DeviceIndex()] = nil
	g.state = gpuVASpaceDead
}

// RegisterGPUVASpace binds the user address space user on the device with
// the given UUID to vs. The device must be registered in vs.
func (vs *VASpace) RegisterGPUVASpace(id uuid.UUID, user rm.UserObject) error {
	vs.mu.RLock()
	d, err := vs.registeredDeviceLocked(id)
	if err == nil {
		d.Retain()
	}
	vs.mu.RUnlock()
	if err != nil {
		return err
	}
	defer d.Release()
	if err := d.checkFatal(); err != nil {
		return err
	}

	g, err := createGPUVASpace(d, user)
	if err != nil {
		return err
	}

	vs.mu.Lock()
	err = vs.addGPUVASpaceLocked(g)
	vs.mu.Unlock()
	if err != nil {
		g.destroy()
		return err
	}
	log.Infof("Registered GPU VA space %v in VA space %p", g, vs)
	return nil
}

// UnregisterGPUVASpace removes the GPU VA space of the device with the given
// UUID, destroying its channels and external mappings.
func (vs *VASpace) UnregisterGPUVASpace(id uuid.UUID) error {
	vs.mu.RLock()
	g, err := vs.activeGPUVASpaceByUUIDLocked(id)
	if err != nil {
		vs.mu.RUnlock()
		return err
	}
	g.stopChannels()
	vs.mu.RUnlock()

	var deferred deferredFreeList
	vs.mu.Lock()
	// The GPU VA space may have been removed while the lock was dropped.
	if g.state == gpuVASpaceDead {
		err = fmt.Errorf("%v already unregistered: %w", g, rm.ErrInvalidDevice)
	} else {
		vs.removeGPUVASpaceLocked(g, &deferred)
	}
	vs.mu.Unlock()
	deferred.drain()
	return err
}

// HasGPUVASpace returns true if the device with the given UUID has an active
// GPU VA space in vs.
func (vs *VASpace) HasGPUVASpace(id uuid.UUID) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	_, err := vs.activeGPUVASpaceByUUIDLocked(id)
	return err == nil
}

// Channels returns the number of channels registered in the GPU VA space of
// the device with the given UUID.
func (vs *VASpace) Channels(id uuid.UUID) int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	g, err := vs.activeGPUVASpaceByUUIDLocked(id)
	if err != nil {
		return 0
	}
	return g.channels.Len()
}
