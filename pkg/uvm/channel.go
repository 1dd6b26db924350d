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
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/uvm/pkg/uvm/rm"
)

// UserChannel is a user channel registered in a GPU VA space.
type UserChannel struct {
	// userChannelEntry links the channel into GPUVASpace.channels.
	userChannelEntry

	gpuVASpace *GPUVASpace
	vaSpace    *VASpace
	device     *Device
	user       rm.UserObject
	rmHandle   rm.Handle

	instancePtr rm.PhysAddr
	key         uint64
	tsgID       uint32
	inSubctx    bool
	subctxID    uint32
	maxSubctx   uint32

	// +checklocks:device.instancePtrMu
	subctxInfo *subctxInfo

	// +checklocks:device.instancePtrMu
	inInstancePtrTable bool

	// detached is set once the channel is moved to a deferred free list.
	//
	// +checklocks:vaSpace.mu
	detached bool

	stopped atomicbitops.Bool
}

// String implements fmt.Stringer.
func (ch *UserChannel) String() string {
	return fmt.Sprintf("%v/%#x:%#x", ch.instancePtr, ch.user.Client, ch.user.Object)
}

// InstancePtr returns the instance pointer that identifies the channel in
// notifications.
func (ch *UserChannel) InstancePtr() rm.PhysAddr {
	return ch.instancePtr
}

// stop prevents the channel from running more work. It may be called with
// the VA space lock held for reading, and more than once.
func (ch *UserChannel) stop() {
	if ch.stopped.CompareAndSwap(false, true) {
		ch.device.reg.col.RM.StopChannel(ch.rmHandle)
	}
}

// detach removes the channel from the routing tables and its GPU VA space,
// and queues it for destruction. The channel must have been stopped.
//
// +checklocks:ch.vaSpace.mu
func (ch *UserChannel) detach(deferred *deferredFreeList) {
	if ch.detached {
		return
	}
	if !ch.stopped.Load() {
		panic(fmt.Sprintf("detaching running channel %v", ch))
	}
	ch.device.removeUserChannel(ch)
	ch.gpuVASpace.channels.Remove(ch)
	ch.detached = true
	deferred.addChannel(ch)
}

// destroy releases the channel. It runs from deferredFreeList.drain.
func (ch *UserChannel) destroy() {
	ch.device.reg.col.RM.ReleaseChannel(ch.rmHandle)
	ch.rmHandle = 0
}

// RegisterChannel retains the user channel user on the device with the
// given UUID and makes it resolvable. The device must have an active GPU VA
// space in vs.
func (vs *VASpace) RegisterChannel(id uuid.UUID, user rm.UserObject) (*UserChannel, error) {
	// The resource manager retains the channel with the lock held for
	// reading, so the GPU VA space cannot go away in the meantime.
	vs.mu.RLock()
	g, err := vs.activeGPUVASpaceByUUIDLocked(id)
	if err != nil {
		vs.mu.RUnlock()
		return nil, err
	}
	d := g.device
	if err := d.checkFatal(); err != nil {
		vs.mu.RUnlock()
		return nil, err
	}
	h, inst, err := vs.reg.col.RM.RetainChannel(g.rmAddressSpace, user)
	vs.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("retaining channel %#x:%#x on %v: %w", user.Client, user.Object, d, err)
	}

	key, ok := instancePtrKey(inst.InstancePtr)
	if !ok {
		vs.reg.col.RM.ReleaseChannel(h)
		return nil, fmt.Errorf("channel %#x:%#x on %v has bad instance pointer %v: %w", user.Client, user.Object, d, inst.InstancePtr, rm.ErrInvalidAddress)
	}
	ch := &UserChannel{
		gpuVASpace:  g,
		vaSpace:     vs,
		device:      d,
		user:        user,
		rmHandle:    h,
		instancePtr: inst.InstancePtr,
		key:         key,
		tsgID:       inst.TSGID,
		inSubctx:    inst.InSubcontext,
		subctxID:    inst.SubcontextID,
		maxSubctx:   inst.MaxSubcontexts,
	}

	vs.mu.Lock()
	err = vs.addChannelLocked(ch)
	vs.mu.Unlock()
	if err != nil {
		vs.reg.col.RM.ReleaseChannel(h)
		return nil, err
	}
	channelsRegistered.Increment()
	return ch, nil
}

// +checklocks:vs.mu
func (vs *VASpace) addChannelLocked(ch *UserChannel) error {
	g := ch.gpuVASpace
	// The lock was dropped, so the GPU VA space may have been removed.
	if g.state != gpuVASpaceActive || vs.gpuVASpaces[ch.device.id.DeviceIndex()] != g {
		return fmt.Errorf("GPU VA space of %v was unregistered: %w", ch.device, rm.ErrInvalidDevice)
	}
	if g.disallowNewChannels.Load() {
		return fmt.Errorf("GPU VA space of %v is being torn down: %w", ch.device, rm.ErrInvalidDevice)
	}
	for c := g.channels.Front(); c != nil; c = c.Next() {
		if c.user == ch.user {
			return fmt.Errorf("channel %v already registered: %w", ch, rm.ErrInvalidChannel)
		}
	}
	if err := ch.device.addUserChannel(ch); err != nil {
		return err
	}
	g.channels.PushBack(ch)
	return nil
}

// UnregisterChannel stops and destroys the channel user on the device with
// the given UUID.
func (vs *VASpace) UnregisterChannel(id uuid.UUID, user rm.UserObject) error {
	vs.mu.RLock()
	g, err := vs.activeGPUVASpaceByUUIDLocked(id)
	if err != nil {
		vs.mu.RUnlock()
		return err
	}
	ch := g.channelLocked(user)
	if ch == nil {
		vs.mu.RUnlock()
		return fmt.Errorf("no channel %#x:%#x on %v: %w", user.Client, user.Object, g.device, rm.ErrInvalidChannel)
	}
	ch.stop()
	vs.mu.RUnlock()

	var deferred deferredFreeList
	vs.mu.Lock()
	if ch.detached {
		err = fmt.Errorf("channel %v already unregistered: %w", ch, rm.ErrInvalidChannel)
	} else {
		ch.detach(&deferred)
	}
	vs.mu.Unlock()
	deferred.drain()
	return err
}
