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
	"gvisor.dev/uvm/pkg/uvm/processor"
	"gvisor.dev/uvm/pkg/uvm/rm"
)

const externalPageSize = 4 << 10

// ExternalRange is a VA range that maps memory allocated outside the VA
// space, at most once per device.
type ExternalRange struct {
	base   uint64
	length uint64

	// mappings is indexed by device index.
	mappings [processor.MaxDevices]*externalMapping
}

func externalRangeLess(a, b *ExternalRange) bool {
	return a.base < b.base
}

func (r *ExternalRange) end() uint64 {
	return r.base + r.length
}

// externalMapping is an allocation mapped on device.
type externalMapping struct {
	rng    *ExternalRange
	device *Device

	// gpuVASpace is the GPU VA space of device the mapping was set up for.
	gpuVASpace *GPUVASpace

	// owner is the device that owns the memory, or nil for system memory.
	owner *Device

	base   uint64
	length uint64
	mem    rm.Handle
}

// destroy frees the duplicated allocation. It runs from
// deferredFreeList.drain.
func (m *externalMapping) destroy() {
	m.device.reg.col.RM.FreeMemory(m.mem)
	m.mem = 0
}

func checkExternalRange(base, length uint64) error {
	if length == 0 || base%externalPageSize != 0 || length%externalPageSize != 0 || base+length < base {
		return fmt.Errorf("bad range [%#x, %#x+%#x): %w", base, base, length, rm.ErrInvalidArgument)
	}
	return nil
}

// rangeContainingLocked returns the range that contains addr, or nil.
//
// +checklocksread:vs.mu
func (vs *VASpace) rangeContainingLocked(addr uint64) *ExternalRange {
	var found *ExternalRange
	vs.ranges.DescendLessOrEqual(&ExternalRange{base: addr}, func(r *ExternalRange) bool {
		if addr < r.end() {
			found = r
		}
		return false
	})
	return found
}

// CreateExternalRange creates an empty external range. It must not overlap
// any other range.
func (vs *VASpace) CreateExternalRange(base, length uint64) error {
	if err := checkExternalRange(base, length); err != nil {
		return err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.destroyed {
		return fmt.Errorf("VA space %p destroyed: %w", vs, rm.ErrInvalidState)
	}
	end := base + length
	overlap := vs.rangeContainingLocked(base) != nil
	if !overlap {
		vs.ranges.AscendGreaterOrEqual(&ExternalRange{base: base}, func(r *ExternalRange) bool {
			overlap = r.base < end
			return false
		})
	}
	if overlap {
		return fmt.Errorf("range [%#x, %#x) overlaps an existing range: %w", base, end, rm.ErrInvalidAddress)
	}
	vs.ranges.ReplaceOrInsert(&ExternalRange{base: base, length: length})
	return nil
}

// MapExternalAllocation maps the user allocation mem at [base, base+length)
// on the device with the given UUID. The device must have an active GPU VA
// space. Memory owned by another device requires peer access between the
// two.
func (vs *VASpace) MapExternalAllocation(base, length uint64, id uuid.UUID, mem rm.UserObject) error {
	if err := checkExternalRange(base, length); err != nil {
		return err
	}

	// Duplicating the allocation calls into the resource manager, so it
	// happens without the lock. The reference keeps the device handle valid.
	vs.mu.RLock()
	g, err := vs.activeGPUVASpaceByUUIDLocked(id)
	if err == nil {
		if r := vs.rangeContainingLocked(base); r == nil || base+length > r.end() {
			err = fmt.Errorf("no range contains [%#x, %#x): %w", base, base+length, rm.ErrInvalidAddress)
		}
	}
	var d *Device
	if err == nil {
		d = g.device
		d.Retain()
	}
	vs.mu.RUnlock()
	if err != nil {
		return err
	}
	defer d.Release()

	col := vs.reg.col
	h, info, err := col.RM.DupMemory(d.rmDevice, mem)
	if err != nil {
		return fmt.Errorf("duplicating memory %#x:%#x on %v: %w", mem.Client, mem.Object, d, err)
	}
	if info.Size < length {
		col.RM.FreeMemory(h)
		return fmt.Errorf("memory %#x:%#x of %#x bytes mapped over %#x bytes: %w", mem.Client, mem.Object, info.Size, length, rm.ErrInvalidArgument)
	}

	m := &externalMapping{device: d, gpuVASpace: g, base: base, length: length, mem: h}
	vs.mu.Lock()
	err = vs.addExternalMappingLocked(m, info.Owner)
	vs.mu.Unlock()
	if err != nil {
		col.RM.FreeMemory(h)
		return err
	}
	return nil
}

// +checklocks:vs.mu
func (vs *VASpace) addExternalMappingLocked(m *externalMapping, owner uuid.UUID) error {
	d := m.device
	// The lock was dropped, so the GPU VA space may have been replaced.
	g := m.gpuVASpace
	if g.state != gpuVASpaceActive || vs.gpuVASpaces[d.id.DeviceIndex()] != g {
		return fmt.Errorf("GPU VA space of %v was unregistered: %w", d, rm.ErrInvalidDevice)
	}
	r := vs.rangeContainingLocked(m.base)
	if r == nil || m.base+m.length > r.end() {
		return fmt.Errorf("no range contains [%#x, %#x): %w", m.base, m.base+m.length, rm.ErrInvalidAddress)
	}
	i := d.id.DeviceIndex()
	if r.mappings[i] != nil {
		return fmt.Errorf("range [%#x, %#x) already mapped on %v: %w", r.base, r.end(), d, rm.ErrInvalidAddress)
	}

	switch owner {
	case uuid.Nil:
	case d.uuid:
		m.owner = d
	default:
		o := vs.deviceByUUIDLocked(owner)
		if o == nil {
			return fmt.Errorf("memory owner %v not registered: %w", owner, rm.ErrInvalidDevice)
		}
		if !vs.enabledPeers.Test(vs.peerIndex(d, o)) {
			return fmt.Errorf("mapping memory of %v on %v without peer access: %w", o, d, rm.ErrInvalidDevice)
		}
		m.owner = o
	}

	m.rng = r
	r.mappings[i] = m
	return nil
}

// UnmapExternalAllocation removes the mapping at base on the device with
// the given UUID.
func (vs *VASpace) UnmapExternalAllocation(base uint64, id uuid.UUID) error {
	var deferred deferredFreeList
	vs.mu.Lock()
	err := vs.unmapExternalAllocationLocked(base, id, &deferred)
	vs.mu.Unlock()
	deferred.drain()
	return err
}

// +checklocks:vs.mu
func (vs *VASpace) unmapExternalAllocationLocked(base uint64, id uuid.UUID, deferred *deferredFreeList) error {
	d, err := vs.registeredDeviceLocked(id)
	if err != nil {
		return err
	}
	r := vs.rangeContainingLocked(base)
	if r == nil {
		return fmt.Errorf("no range contains %#x: %w", base, rm.ErrInvalidAddress)
	}
	i := d.id.DeviceIndex()
	m := r.mappings[i]
	if m == nil || m.base != base {
		return fmt.Errorf("nothing mapped at %#x on %v: %w", base, d, rm.ErrInvalidAddress)
	}
	r.mappings[i] = nil
	deferred.addExternalMapping(m)
	return nil
}

// DestroyExternalRange destroys the range starting at base and all of its
// mappings.
func (vs *VASpace) DestroyExternalRange(base uint64) error {
	var deferred deferredFreeList
	vs.mu.Lock()
	r, ok := vs.ranges.Get(&ExternalRange{base: base})
	if ok {
		vs.destroyRangeLocked(r, &deferred)
	}
	vs.mu.Unlock()
	if !ok {
		return fmt.Errorf("no range at %#x: %w", base, rm.ErrInvalidAddress)
	}
	deferred.drain()
	return nil
}

// ExternalMappings returns the devices on which the range starting at base
// is mapped.
func (vs *VASpace) ExternalMappings(base uint64) ([]processor.ID, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	r, ok := vs.ranges.Get(&ExternalRange{base: base})
	if !ok {
		return nil, fmt.Errorf("no range at %#x: %w", base, rm.ErrInvalidAddress)
	}
	var ids []processor.ID
	for _, m := range r.mappings {
		if m != nil {
			ids = append(ids, m.device.id)
		}
	}
	return ids, nil
}

// +checklocks:vs.mu
func (vs *VASpace) destroyRangeLocked(r *ExternalRange, deferred *deferredFreeList) {
	for i, m := range r.mappings {
		if m != nil {
			r.mappings[i] = nil
			deferred.addExternalMapping(m)
		}
	}
	vs.ranges.Delete(r)
}

// +checklocks:vs.mu
func (vs *VASpace) destroyExternalRangesLocked(deferred *deferredFreeList) {
	var rs []*ExternalRange
	vs.ranges.Ascend(func(r *ExternalRange) bool {
		rs = append(rs, r)
		return true
	})
	for _, r := range rs {
		vs.destroyRangeLocked(r, deferred)
	}
}

// removeDeviceMappingsLocked removes every mapping on d.
//
// +checklocks:vs.mu
func (vs *VASpace) removeDeviceMappingsLocked(d *Device, deferred *deferredFreeList) {
	i := d.id.DeviceIndex()
	vs.ranges.Ascend(func(r *ExternalRange) bool {
		if m := r.mappings[i]; m != nil {
			r.mappings[i] = nil
			deferred.addExternalMapping(m)
		}
		return true
	})
}

// removePeerMappingsLocked removes mappings of d0's memory on d1 and of d1's
// memory on d0.
//
// +checklocks:vs.mu
func (vs *VASpace) removePeerMappingsLocked(d0, d1 *Device, deferred *deferredFreeList) {
	i0, i1 := d0.id.DeviceIndex(), d1.id.DeviceIndex()
	vs.ranges.Ascend(func(r *ExternalRange) bool {
		if m := r.mappings[i0]; m != nil && m.owner == d1 {
			r.mappings[i0] = nil
			deferred.addExternalMapping(m)
		}
		if m := r.mappings[i1]; m != nil && m.owner == d0 {
			r.mappings[i1] = nil
			deferred.addExternalMapping(m)
		}
		return true
	})
}
