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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"gvisor.dev/uvm/pkg/uvm/processor"
	"gvisor.dev/uvm/pkg/uvm/rm"
	"gvisor.dev/uvm/pkg/uvm/rmsim"
)

const (
	rangeBase = 0x7f0000000000
	rangeLen  = 0x200000
)

func memoryObject(n int) rm.UserObject {
	return rm.UserObject{Client: 0xc7, Object: rm.Handle(0x300 + n)}
}

// liveMemory returns the number of duplicated allocations still held.
func liveMemory(s *rmsim.Sim) int {
	n := 0
	for _, k := range s.LiveObjects() {
		if strings.HasPrefix(k, "memory/") {
			n++
		}
	}
	return n
}

// newMappingVASpace returns a VA space with both PCIe devices registered,
// each with a GPU VA space, and one external range.
func newMappingVASpace(t *testing.T, r *Registry, s *rmsim.Sim) (*VASpace, *Device, *Device) {
	t.Helper()
	ids := s.DeviceUUIDs()
	vs := r.NewVASpace(VASpaceOptions{})
	d0 := mustRegisterDevice(t, vs, ids[0])
	d1 := mustRegisterDevice(t, vs, ids[1])
	mustRegisterGPUVASpace(t, vs, ids[0], addressSpace(0))
	mustRegisterGPUVASpace(t, vs, ids[1], addressSpace(1))
	if err := vs.CreateExternalRange(rangeBase, rangeLen); err != nil {
		t.Fatalf("CreateExternalRange failed: %v", err)
	}
	return vs, d0, d1
}

func TestCreateExternalRange(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	vs := r.NewVASpace(VASpaceOptions{})
	if err := vs.CreateExternalRange(rangeBase, rangeLen); err != nil {
		t.Fatalf("CreateExternalRange failed: %v", err)
	}

	for _, tc := range []struct {
		name         string
		base, length uint64
		want         error
	}{
		{name: "empty", base: 0x1000, length: 0, want: rm.ErrInvalidArgument},
		{name: "unaligned base", base: 0x1800, length: 0x1000, want: rm.ErrInvalidArgument},
		{name: "unaligned length", base: 0x1000, length: 0x1800, want: rm.ErrInvalidArgument},
		{name: "wraps", base: ^uint64(0) &^ 0xfff, length: 0x2000, want: rm.ErrInvalidArgument},
		{name: "same range", base: rangeBase, length: rangeLen, want: rm.ErrInvalidAddress},
		{name: "inside", base: rangeBase + 0x1000, length: 0x1000, want: rm.ErrInvalidAddress},
		{name: "overlaps start", base: rangeBase - 0x1000, length: 0x2000, want: rm.ErrInvalidAddress},
		{name: "overlaps end", base: rangeBase + rangeLen - 0x1000, length: 0x2000, want: rm.ErrInvalidAddress},
		{name: "covers", base: rangeBase - 0x1000, length: rangeLen + 0x2000, want: rm.ErrInvalidAddress},
		{name: "below", base: rangeBase - 0x1000, length: 0x1000},
		{name: "above", base: rangeBase + rangeLen, length: 0x1000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := vs.CreateExternalRange(tc.base, tc.length)
			if tc.want == nil {
				if err != nil {
					t.Errorf("CreateExternalRange(%#x, %#x) failed: %v", tc.base, tc.length, err)
				}
				return
			}
			wantErr(t, "CreateExternalRange", err, tc.want)
		})
	}

	if err := vs.DestroyExternalRange(rangeBase); err != nil {
		t.Errorf("DestroyExternalRange failed: %v", err)
	}
	wantErr(t, "DestroyExternalRange again", vs.DestroyExternalRange(rangeBase), rm.ErrInvalidAddress)
	_, err := vs.ExternalMappings(rangeBase)
	wantErr(t, "ExternalMappings", err, rm.ErrInvalidAddress)
	vs.Destroy()
	checkReleased(t, r, s)
}

func TestMapSysmem(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	ids := s.DeviceUUIDs()
	vs, d0, d1 := newMappingVASpace(t, r, s)
	mem := memoryObject(0)
	s.AddMemory(mem, uuid.Nil, rangeLen)

	for _, id := range ids {
		if err := vs.MapExternalAllocation(rangeBase, rangeLen, id, mem); err != nil {
			t.Fatalf("MapExternalAllocation on %v failed: %v", id, err)
		}
	}
	got, err := vs.ExternalMappings(rangeBase)
	if err != nil {
		t.Fatalf("ExternalMappings failed: %v", err)
	}
	if diff := cmp.Diff([]processor.ID{d0.ID(), d1.ID()}, got); diff != "" {
		t.Errorf("ExternalMappings mismatch (-want +got):\n%s", diff)
	}
	if n := liveMemory(s); n != 2 {
		t.Errorf("%d allocations held, want 2", n)
	}

	before := s.LiveObjects()
	wantErr(t, "MapExternalAllocation again", vs.MapExternalAllocation(rangeBase, rangeLen, ids[0], mem), rm.ErrInvalidAddress)
	wantErr(t, "MapExternalAllocation outside any range", vs.MapExternalAllocation(0x1000, 0x1000, ids[0], mem), rm.ErrInvalidAddress)
	wantErr(t, "MapExternalAllocation past the range", vs.MapExternalAllocation(rangeBase, rangeLen+0x1000, ids[0], mem), rm.ErrInvalidAddress)
	wantErr(t, "MapExternalAllocation unknown memory", vs.MapExternalAllocation(rangeBase, rangeLen, ids[0], memoryObject(9)), rm.ErrInvalidArgument)
	if diff := cmp.Diff(before, s.LiveObjects()); diff != "" {
		t.Errorf("failed mappings leaked (-want +got):\n%s", diff)
	}

	if err := vs.UnmapExternalAllocation(rangeBase, ids[0]); err != nil {
		t.Fatalf("UnmapExternalAllocation failed: %v", err)
	}
	wantErr(t, "UnmapExternalAllocation again", vs.UnmapExternalAllocation(rangeBase, ids[0]), rm.ErrInvalidAddress)
	if n := liveMemory(s); n != 1 {
		t.Errorf("%d allocations held after unmap, want 1", n)
	}

	if err := vs.DestroyExternalRange(rangeBase); err != nil {
		t.Fatalf("DestroyExternalRange failed: %v", err)
	}
	if n := liveMemory(s); n != 0 {
		t.Errorf("%d allocations held after DestroyExternalRange, want 0", n)
	}
	vs.Destroy()
	checkReleased(t, r, s)
}

func TestMapTooSmallAllocation(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	vs, _, _ := newMappingVASpace(t, r, s)
	mem := memoryObject(0)
	s.AddMemory(mem, uuid.Nil, 0x1000)
	err := vs.MapExternalAllocation(rangeBase, 0x2000, s.DeviceUUIDs()[0], mem)
	wantErr(t, "MapExternalAllocation", err, rm.ErrInvalidArgument)
	if n := liveMemory(s); n != 0 {
		t.Errorf("%d allocations held, want 0", n)
	}
	vs.Destroy()
	checkReleased(t, r, s)
}

func TestMapRequiresGPUVASpace(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	ids := s.DeviceUUIDs()
	vs := r.NewVASpace(VASpaceOptions{})
	mustRegisterDevice(t, vs, ids[0])
	if err := vs.CreateExternalRange(rangeBase, rangeLen); err != nil {
		t.Fatalf("CreateExternalRange failed: %v", err)
	}
	mem := memoryObject(0)
	s.AddMemory(mem, uuid.Nil, rangeLen)
	wantErr(t, "MapExternalAllocation", vs.MapExternalAllocation(rangeBase, rangeLen, ids[0], mem), rm.ErrInvalidDevice)
	wantErr(t, "MapExternalAllocation unregistered", vs.MapExternalAllocation(rangeBase, rangeLen, ids[1], mem), rm.ErrInvalidDevice)
	vs.Destroy()
	checkReleased(t, r, s)
}

func TestMapPeerMemory(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	ids := s.DeviceUUIDs()
	vs, d0, _ := newMappingVASpace(t, r, s)
	own, peer := memoryObject(0), memoryObject(1)
	s.AddMemory(own, ids[0], rangeLen)
	s.AddMemory(peer, ids[1], rangeLen)

	// Memory of the device itself needs no peer access.
	if err := vs.MapExternalAllocation(rangeBase, rangeLen, ids[0], own); err != nil {
		t.Fatalf("mapping local memory failed: %v", err)
	}
	if err := vs.UnmapExternalAllocation(rangeBase, ids[0]); err != nil {
		t.Fatalf("UnmapExternalAllocation failed: %v", err)
	}

	wantErr(t, "MapExternalAllocation without peers", vs.MapExternalAllocation(rangeBase, rangeLen, ids[0], peer), rm.ErrInvalidDevice)
	if n := liveMemory(s); n != 0 {
		t.Errorf("%d allocations held after failed mapping, want 0", n)
	}

	if err := vs.EnablePeerAccess(ids[0], ids[1]); err != nil {
		t.Fatalf("EnablePeerAccess failed: %v", err)
	}
	if err := vs.MapExternalAllocation(rangeBase, rangeLen, ids[0], peer); err != nil {
		t.Fatalf("mapping peer memory failed: %v", err)
	}
	if got, _ := vs.ExternalMappings(rangeBase); !cmp.Equal(got, []processor.ID{d0.ID()}) {
		t.Errorf("ExternalMappings = %v, want [%v]", got, d0.ID())
	}

	// Disabling peer access removes the mapping.
	if err := vs.DisablePeerAccess(ids[0], ids[1]); err != nil {
		t.Fatalf("DisablePeerAccess failed: %v", err)
	}
	if got, _ := vs.ExternalMappings(rangeBase); len(got) != 0 {
		t.Errorf("ExternalMappings = %v after disabling peers, want none", got)
	}
	if n := liveMemory(s); n != 0 {
		t.Errorf("%d allocations held after disabling peers, want 0", n)
	}

	// So does unregistering the owner.
	if err := vs.EnablePeerAccess(ids[0], ids[1]); err != nil {
		t.Fatalf("EnablePeerAccess failed: %v", err)
	}
	if err := vs.MapExternalAllocation(rangeBase, rangeLen, ids[0], peer); err != nil {
		t.Fatalf("mapping peer memory failed: %v", err)
	}
	if err := vs.UnregisterDevice(ids[1]); err != nil {
		t.Fatalf("UnregisterDevice failed: %v", err)
	}
	if n := liveMemory(s); n != 0 {
		t.Errorf("%d allocations held after unregistering the owner, want 0", n)
	}
	vs.Destroy()
	checkReleased(t, r, s)
}

func TestUnregisterGPUVASpaceRemovesMappings(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	ids := s.DeviceUUIDs()
	vs, _, d1 := newMappingVASpace(t, r, s)
	mem := memoryObject(0)
	s.AddMemory(mem, uuid.Nil, rangeLen)
	for _, id := range ids {
		if err := vs.MapExternalAllocation(rangeBase, rangeLen, id, mem); err != nil {
			t.Fatalf("MapExternalAllocation on %v failed: %v", id, err)
		}
	}

	if err := vs.UnregisterGPUVASpace(ids[0]); err != nil {
		t.Fatalf("UnregisterGPUVASpace failed: %v", err)
	}
	if got, _ := vs.ExternalMappings(rangeBase); !cmp.Equal(got, []processor.ID{d1.ID()}) {
		t.Errorf("ExternalMappings = %v, want [%v]", got, d1.ID())
	}
	if n := liveMemory(s); n != 1 {
		t.Errorf("%d allocations held, want 1", n)
	}

	// Destroy frees the rest.
	vs.Destroy()
	checkReleased(t, r, s)
}

func TestMapFailureUnwinds(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	vs, _, _ := newMappingVASpace(t, r, s)
	mem := memoryObject(0)
	s.AddMemory(mem, uuid.Nil, rangeLen)
	s.FailNext(rmsim.OpDupMemory, rm.ErrNoMemory)
	err := vs.MapExternalAllocation(rangeBase, rangeLen, s.DeviceUUIDs()[0], mem)
	wantErr(t, "MapExternalAllocation", err, rm.ErrNoMemory)
	if got, _ := vs.ExternalMappings(rangeBase); len(got) != 0 {
		t.Errorf("ExternalMappings = %v after failure, want none", got)
	}
	vs.Destroy()
	checkReleased(t, r, s)
}

// dupMemoryHook runs fn before duplicating memory.
type dupMemoryHook struct {
	rm.ResourceManager
	fn func()
}

func (h *dupMemoryHook) DupMemory(dev rm.Handle, user rm.UserObject) (rm.Handle, rm.MemoryInfo, error) {
	if fn := h.fn; fn != nil {
		h.fn = nil
		fn()
	}
	return h.ResourceManager.DupMemory(dev, user)
}

// A GPU VA space replaced while the allocation is being duplicated does
// not receive the mapping.
func TestMapRacesGPUVASpaceReplacement(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	hook := &dupMemoryHook{ResourceManager: r.col.RM}
	r.col.RM = hook
	vs, _, _ := newMappingVASpace(t, r, s)
	id := s.DeviceUUIDs()[0]
	mem := memoryObject(0)
	s.AddMemory(mem, uuid.Nil, rangeLen)

	hook.fn = func() {
		if err := vs.UnregisterGPUVASpace(id); err != nil {
			t.Errorf("UnregisterGPUVASpace failed: %v", err)
		}
		mustRegisterGPUVASpace(t, vs, id, addressSpace(9))
	}
	err := vs.MapExternalAllocation(rangeBase, rangeLen, id, mem)
	wantErr(t, "MapExternalAllocation", err, rm.ErrInvalidDevice)
	if got, _ := vs.ExternalMappings(rangeBase); len(got) != 0 {
		t.Errorf("ExternalMappings = %v, want none", got)
	}
	if n := liveMemory(s); n != 0 {
		t.Errorf("%d duplicated allocations held, want 0", n)
	}

	// The new GPU VA space accepts the mapping.
	if err := vs.MapExternalAllocation(rangeBase, rangeLen, id, mem); err != nil {
		t.Errorf("MapExternalAllocation on the new GPU VA space failed: %v", err)
	}
	vs.Destroy()
	checkReleased(t, r, s)
}
