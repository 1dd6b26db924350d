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
	"testing"

	"github.com/google/uuid"
	"gvisor.dev/uvm/pkg/uvm/processor"
	"gvisor.dev/uvm/pkg/uvm/rm"
	"gvisor.dev/uvm/pkg/uvm/rmsim"
)

const (
	// Two devices on PCIe.
	pcieTopology = `
[[device]]
name = "pcie0"
replayable_faults = true

[[device]]
name = "pcie1"
replayable_faults = true
`

	// Two devices connected to each other and to the CPU by NVLink2, with
	// their memory onlined as NUMA nodes.
	nvlinkTopology = `
[[device]]
name = "nv0"
sysmem_link = "nvlink2"
numa = true
numa_node = 1
replayable_faults = true

[[device]]
name = "nv1"
sysmem_link = "nvlink2"
numa = true
numa_node = 2
replayable_faults = true

[[link]]
a = "0"
b = "1"
type = "nvlink2"
`

	// One NVLink2 device and one PCIe device.
	mixedTopology = `
[[device]]
name = "nv"
sysmem_link = "nvlink2"

[[device]]
name = "pcie"
`
)

var testClient = rm.UserObject{Client: 0xc1, Object: 0x1}

func newTestRegistry(t *testing.T, topology string, opts Options) (*Registry, *rmsim.Sim) {
	t.Helper()
	topo, err := rmsim.ParseTopology(topology)
	if err != nil {
		t.Fatalf("ParseTopology failed: %v", err)
	}
	s, err := rmsim.New(topo)
	if err != nil {
		t.Fatalf("rmsim.New failed: %v", err)
	}
	if opts.MaxDevices == 0 {
		opts.MaxDevices = processor.MaxDevices
	}
	r, err := New(opts, s.Collaborators())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r, s
}

// checkReleased closes r and fails if any simulated resource is still held.
func checkReleased(t *testing.T, r *Registry, s *rmsim.Sim) {
	t.Helper()
	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if live := s.LiveObjects(); len(live) != 0 {
		t.Errorf("resources still held after teardown: %v", live)
	}
}

func checkInvariants(t *testing.T, vs *VASpace) {
	t.Helper()
	if err := vs.checkInvariants(); err != nil {
		t.Errorf("checkInvariants: %v", err)
	}
}

func wantErr(t *testing.T, op string, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Errorf("%s = %v, want %v", op, err, want)
	}
}

func mustRegisterDevice(t *testing.T, vs *VASpace, id uuid.UUID) *Device {
	t.Helper()
	if _, err := vs.RegisterDevice(id, testClient); err != nil {
		t.Fatalf("RegisterDevice(%v) failed: %v", id, err)
	}
	d := vs.reg.DeviceByUUID(id)
	if d == nil {
		t.Fatalf("device %v not in registry after RegisterDevice", id)
	}
	return d
}

// addressSpace returns a user address space handle, distinct for each n.
func addressSpace(n int) rm.UserObject {
	return rm.UserObject{Client: 0xa5, Object: rm.Handle(0x100 + n)}
}

func mustRegisterGPUVASpace(t *testing.T, vs *VASpace, id uuid.UUID, user rm.UserObject) {
	t.Helper()
	if err := vs.RegisterGPUVASpace(id, user); err != nil {
		t.Fatalf("RegisterGPUVASpace(%v) failed: %v", id, err)
	}
}

func deviceIDs(devs []*Device) []processor.ID {
	ids := make([]processor.ID, 0, len(devs))
	for _, d := range devs {
		ids = append(ids, d.ID())
	}
	return ids
}

// taskGroupRefs returns the per sub-context reference counts of a task
// group descriptor on d, or nil if d has none. It fails if the descriptor
// total does not match its slots, or if a slot without references still
// names a VA space.
func taskGroupRefs(t *testing.T, d *Device, tsg uint32) []int {
	t.Helper()
	d.instancePtrMu.Lock()
	defer d.instancePtrMu.Unlock()
	info, ok := d.tsgs[tsg]
	if !ok {
		return nil
	}
	refs := make([]int, len(info.subctxs))
	sum := 0
	for i, slot := range info.subctxs {
		refs[i] = slot.refCount
		sum += slot.refCount
		if slot.refCount == 0 && slot.vaSpace != nil {
			t.Errorf("task group %d sub-context %d has no references but a VA space", tsg, i)
		}
	}
	if sum != info.totalRefCount {
		t.Errorf("task group %d total references %d, sum of sub-contexts %d", tsg, info.totalRefCount, sum)
	}
	if info.totalRefCount == 0 {
		t.Errorf("task group %d descriptor kept with no references", tsg)
	}
	return refs
}
