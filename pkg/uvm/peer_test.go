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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/uvm/pkg/uvm/processor"
	"gvisor.dev/uvm/pkg/uvm/rm"
	"gvisor.dev/uvm/pkg/uvm/rmsim"
)

func TestPeerTableIndexIsBijective(t *testing.T) {
	for _, m := range []int{2, 3, 4, 7, processor.MaxDevices} {
		t.Run(fmt.Sprintf("M=%d", m), func(t *testing.T) {
			n := m * (m - 1) / 2
			seen := make([]bool, n)
			for a := 0; a < m; a++ {
				for b := a + 1; b < m; b++ {
					idx := PeerTableIndex(a, b, m)
					if idx < 0 || idx >= n {
						t.Fatalf("PeerTableIndex(%d, %d, %d) = %d, out of [0, %d)", a, b, m, idx, n)
					}
					if seen[idx] {
						t.Fatalf("PeerTableIndex(%d, %d, %d) = %d, already used", a, b, m, idx)
					}
					seen[idx] = true
					if rev := PeerTableIndex(b, a, m); rev != idx {
						t.Errorf("PeerTableIndex(%d, %d, %d) = %d, reversed %d", a, b, m, idx, rev)
					}
				}
			}
		})
	}
}

func TestPeerTableIndexFirstRow(t *testing.T) {
	// Row 0 holds (0, 1) ... (0, M-1), row 1 starts right after.
	var got []int
	for b := 1; b < 4; b++ {
		got = append(got, PeerTableIndex(0, b, 4))
	}
	got = append(got, PeerTableIndex(1, 2, 4), PeerTableIndex(1, 3, 4), PeerTableIndex(2, 3, 4))
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5}, got); diff != "" {
		t.Errorf("PeerTableIndex layout mismatch (-want +got):\n%s", diff)
	}
}

func TestPeerTableIndexPanicsOnSelf(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("PeerTableIndex(1, 1, 4) did not panic")
		}
	}()
	PeerTableIndex(1, 1, 4)
}

func TestNVLinkPeersEnabledOnAdd(t *testing.T) {
	r, s := newTestRegistry(t, nvlinkTopology, Options{})
	ids := s.DeviceUUIDs()

	d0, err := r.RetainByUUID(ids[0], testClient)
	if err != nil {
		t.Fatalf("RetainByUUID(0) failed: %v", err)
	}
	d1, err := r.RetainByUUID(ids[1], testClient)
	if err != nil {
		t.Fatalf("RetainByUUID(1) failed: %v", err)
	}

	got := r.PeerLink(d0, d1)
	want := PeerLink{Link: rm.LinkNVLink2, RefCount: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PeerLink mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]processor.ID{d1.ID()}, deviceIDs(d0.PeerDevices())); diff != "" {
		t.Errorf("d0.PeerDevices mismatch (-want +got):\n%s", diff)
	}
	if _, ok := s.PeerWriteCE(d0.rmDevice, d1.rmDevice); !ok {
		t.Errorf("no write copy engine selected for %v to %v", d0, d1)
	}

	// NVLink entries cannot be retained as PCIe.
	wantErr(t, "RetainPCIePeerAccess", r.RetainPCIePeerAccess(d0, d1), rm.ErrInvalidDevice)

	d1.Release()
	if got := r.PeerLink(d0, d1); got.Link != rm.LinkNone {
		t.Errorf("PeerLink after removing %v = %+v, want no link", d1, got)
	}
	if got := d0.PeerDevices(); len(got) != 0 {
		t.Errorf("d0.PeerDevices after removal = %v, want none", got)
	}
	d0.Release()
	checkReleased(t, r, s)
}

func TestIndirectNVLinkPeers(t *testing.T) {
	const topo = `
[[device]]
sysmem_link = "nvlink2"
numa = true
numa_node = 1

[[device]]
sysmem_link = "nvlink2"
numa = true
numa_node = 2

[[link]]
a = "0"
b = "1"
type = "nvlink2"
indirect = true
rate_mbps = 50000
`
	r, s := newTestRegistry(t, topo, Options{})
	ids := s.DeviceUUIDs()
	d0, err := r.RetainByUUID(ids[0], testClient)
	if err != nil {
		t.Fatalf("RetainByUUID(0) failed: %v", err)
	}
	d1, err := r.RetainByUUID(ids[1], testClient)
	if err != nil {
		t.Fatalf("RetainByUUID(1) failed: %v", err)
	}

	got := r.PeerLink(d0, d1)
	want := PeerLink{Link: rm.LinkNVLink2, Indirect: true, RefCount: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PeerLink mismatch (-want +got):\n%s", diff)
	}
	// Indirect peers have no P2P object or back-references.
	if got := d0.PeerDevices(); len(got) != 0 {
		t.Errorf("indirect peer has back-references %v", got)
	}
	if n := s.Count(rmsim.OpCreateP2PObject); n != 0 {
		t.Errorf("%d P2P objects created for indirect peers", n)
	}
	if n := s.Count(rmsim.OpInitIndirectPeer); n != 2 {
		t.Errorf("InitIndirectPeer called %d times, want 2", n)
	}

	d0.Release()
	d1.Release()
	checkReleased(t, r, s)
}

func TestPCIePeerRefCounting(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	ids := s.DeviceUUIDs()
	d0, err := r.RetainByUUID(ids[0], testClient)
	if err != nil {
		t.Fatalf("RetainByUUID(0) failed: %v", err)
	}
	d1, err := r.RetainByUUID(ids[1], testClient)
	if err != nil {
		t.Fatalf("RetainByUUID(1) failed: %v", err)
	}
	if got := r.PeerLink(d0, d1); got.Link != rm.LinkNone {
		t.Fatalf("PCIe peers enabled before any retain: %+v", got)
	}

	for i := 1; i <= 2; i++ {
		if err := r.RetainPCIePeerAccess(d0, d1); err != nil {
			t.Fatalf("RetainPCIePeerAccess #%d failed: %v", i, err)
		}
		if got := r.PeerLink(d0, d1); got.Link != rm.LinkPCIe || got.RefCount != i {
			t.Errorf("after retain #%d PeerLink = %+v, want pcie with %d references", i, got, i)
		}
	}
	// Each reference holds both devices.
	if got, want := d0.RetainCount(), int64(3); got != want {
		t.Errorf("d0.RetainCount() = %d, want %d", got, want)
	}
	wantErr(t, "RetainPCIePeerAccess(d0, d0)", r.RetainPCIePeerAccess(d0, d0), rm.ErrInvalidDevice)

	r.ReleasePCIePeerAccess(d0, d1)
	if got := r.PeerLink(d0, d1); got.RefCount != 1 {
		t.Errorf("after one release PeerLink = %+v, want 1 reference", got)
	}
	r.ReleasePCIePeerAccess(d0, d1)
	if got := r.PeerLink(d0, d1); got != (PeerLink{}) {
		t.Errorf("after last release PeerLink = %+v, want empty", got)
	}
	if got := d0.RetainCount(); got != 1 {
		t.Errorf("d0.RetainCount() = %d, want 1", got)
	}

	d0.Release()
	d1.Release()
	checkReleased(t, r, s)
}

func TestPCIePeerEnableFailureUnwinds(t *testing.T) {
	for _, op := range []string{
		rmsim.OpCreateP2PObject,
		rmsim.OpP2PCaps,
		rmsim.OpCreatePeerIdentityMappings,
		rmsim.OpAddPeer,
	} {
		t.Run(op, func(t *testing.T) {
			r, s := newTestRegistry(t, pcieTopology, Options{})
			ids := s.DeviceUUIDs()
			d0, err := r.RetainByUUID(ids[0], testClient)
			if err != nil {
				t.Fatalf("RetainByUUID(0) failed: %v", err)
			}
			d1, err := r.RetainByUUID(ids[1], testClient)
			if err != nil {
				t.Fatalf("RetainByUUID(1) failed: %v", err)
			}

			s.FailNext(op, rm.ErrNoMemory)
			wantErr(t, "RetainPCIePeerAccess", r.RetainPCIePeerAccess(d0, d1), rm.ErrNoMemory)
			if got := r.PeerLink(d0, d1); got != (PeerLink{}) {
				t.Errorf("PeerLink after failed enable = %+v, want empty", got)
			}
			if got := d0.RetainCount(); got != 1 {
				t.Errorf("d0.RetainCount() = %d, want 1", got)
			}

			// A later attempt succeeds.
			if err := r.RetainPCIePeerAccess(d0, d1); err != nil {
				t.Fatalf("RetainPCIePeerAccess failed: %v", err)
			}
			r.ReleasePCIePeerAccess(d0, d1)

			d0.Release()
			d1.Release()
			checkReleased(t, r, s)
		})
	}
}
