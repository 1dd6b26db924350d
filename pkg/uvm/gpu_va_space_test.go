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
	"github.com/google/uuid"
	"gvisor.dev/uvm/pkg/uvm/rm"
	"gvisor.dev/uvm/pkg/uvm/rmsim"
)

func pageDirectoryKey(id uuid.UUID, user rm.UserObject) string {
	return fmt.Sprintf("page_directory/%v/%#x/%#x", id, user.Client, user.Object)
}

func TestGPUVASpaceLifecycle(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	id := s.DeviceUUIDs()[0]
	vs := r.NewVASpace(VASpaceOptions{})
	user := addressSpace(0)

	wantErr(t, "RegisterGPUVASpace unregistered", vs.RegisterGPUVASpace(id, user), rm.ErrInvalidDevice)
	mustRegisterDevice(t, vs, id)
	mustRegisterGPUVASpace(t, vs, id, user)
	if !vs.HasGPUVASpace(id) {
		t.Errorf("HasGPUVASpace() = false after register")
	}
	if !s.IsLive(pageDirectoryKey(id, user)) {
		t.Errorf("page directory of the user address space not set")
	}

	before := s.LiveObjects()
	wantErr(t, "RegisterGPUVASpace again", vs.RegisterGPUVASpace(id, addressSpace(1)), rm.ErrInvalidDevice)
	if diff := cmp.Diff(before, s.LiveObjects()); diff != "" {
		t.Errorf("failed registration leaked (-want +got):\n%s", diff)
	}

	if err := vs.UnregisterGPUVASpace(id); err != nil {
		t.Fatalf("UnregisterGPUVASpace failed: %v", err)
	}
	vs.WaitForGPUVASpaceTeardown()
	if vs.HasGPUVASpace(id) {
		t.Errorf("HasGPUVASpace() = true after unregister")
	}
	if s.IsLive(pageDirectoryKey(id, user)) {
		t.Errorf("page directory still set after unregister")
	}
	wantErr(t, "UnregisterGPUVASpace again", vs.UnregisterGPUVASpace(id), rm.ErrInvalidDevice)

	// The same user address space can be registered again.
	mustRegisterGPUVASpace(t, vs, id, user)
	vs.Destroy()
	checkReleased(t, r, s)
}

func TestUnregisterDeviceRemovesGPUVASpace(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	id := s.DeviceUUIDs()[0]
	vs := r.NewVASpace(VASpaceOptions{})
	user := addressSpace(0)
	mustRegisterDevice(t, vs, id)
	mustRegisterGPUVASpace(t, vs, id, user)

	if err := vs.UnregisterDevice(id); err != nil {
		t.Fatalf("UnregisterDevice failed: %v", err)
	}
	vs.WaitForGPUVASpaceTeardown()
	if vs.HasGPUVASpace(id) {
		t.Errorf("GPU VA space survived UnregisterDevice")
	}
	if live := s.LiveObjects(); len(live) != 0 {
		t.Errorf("resources held after UnregisterDevice: %v", live)
	}
	vs.Destroy()
	checkReleased(t, r, s)
}

func TestGPUVASpaceBigPageSize(t *testing.T) {
	for _, tc := range []struct {
		size uint32
		want error
	}{
		{size: 64 << 10},
		{size: 128 << 10},
		{size: 32 << 10, want: rm.ErrInvalidFlags},
		{size: 2 << 20, want: rm.ErrInvalidFlags},
	} {
		t.Run(fmt.Sprintf("%#x", tc.size), func(t *testing.T) {
			r, s := newTestRegistry(t, pcieTopology, Options{})
			id := s.DeviceUUIDs()[0]
			vs := r.NewVASpace(VASpaceOptions{})
			mustRegisterDevice(t, vs, id)
			user := addressSpace(0)
			s.AddAddressSpace(user, tc.size, false)

			err := vs.RegisterGPUVASpace(id, user)
			if tc.want == nil {
				if err != nil {
					t.Errorf("RegisterGPUVASpace failed: %v", err)
				}
			} else {
				wantErr(t, "RegisterGPUVASpace", err, tc.want)
				if vs.HasGPUVASpace(id) {
					t.Errorf("GPU VA space registered with big page size %#x", tc.size)
				}
			}
			vs.Destroy()
			checkReleased(t, r, s)
		})
	}
}

func TestGPUVASpaceATS(t *testing.T) {
	for _, tc := range []struct {
		name     string
		topo     string
		opts     Options
		pageable bool
		want     error
	}{
		{
			name:     "supported",
			topo:     "ats = true\n[[device]]\n",
			opts:     Options{ATSSupported: true},
			pageable: true,
		},
		{
			name:     "host without ATS",
			topo:     "ats = true\n[[device]]\n",
			pageable: true,
			want:     rm.ErrInvalidFlags,
		},
		{
			name:     "platform without ATS",
			topo:     "[[device]]\n",
			opts:     Options{ATSSupported: true},
			pageable: true,
			want:     rm.ErrInvalidFlags,
		},
		{
			name: "no pageable memory access",
			topo: "ats = true\n[[device]]\n",
			opts: Options{ATSSupported: true},
			want: rm.ErrInvalidFlags,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, s := newTestRegistry(t, tc.topo, tc.opts)
			id := s.DeviceUUIDs()[0]
			vs := r.NewVASpace(VASpaceOptions{PageableMemoryAccess: tc.pageable})
			mustRegisterDevice(t, vs, id)
			user := addressSpace(0)
			s.AddAddressSpace(user, 0, true)

			err := vs.RegisterGPUVASpace(id, user)
			if tc.want == nil && err != nil {
				t.Errorf("RegisterGPUVASpace failed: %v", err)
			}
			if tc.want != nil {
				wantErr(t, "RegisterGPUVASpace", err, tc.want)
			}
			vs.Destroy()
			checkReleased(t, r, s)
		})
	}
}

func TestGPUVASpaceATSMismatch(t *testing.T) {
	r, s := newTestRegistry(t, "ats = true\n[[device]]\n[[device]]\n", Options{ATSSupported: true})
	ids := s.DeviceUUIDs()
	vs := r.NewVASpace(VASpaceOptions{PageableMemoryAccess: true})
	mustRegisterDevice(t, vs, ids[0])
	mustRegisterDevice(t, vs, ids[1])

	ats, plain := addressSpace(0), addressSpace(1)
	s.AddAddressSpace(ats, 0, true)
	mustRegisterGPUVASpace(t, vs, ids[0], ats)
	wantErr(t, "RegisterGPUVASpace", vs.RegisterGPUVASpace(ids[1], plain), rm.ErrInvalidFlags)

	vs.Destroy()
	checkReleased(t, r, s)
}

// A user address space has one page directory per device, so it cannot be
// registered on the same device from two VA spaces.
func TestGPUVASpaceSharedAddressSpace(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	id := s.DeviceUUIDs()[0]
	vs1 := r.NewVASpace(VASpaceOptions{})
	vs2 := r.NewVASpace(VASpaceOptions{})
	mustRegisterDevice(t, vs1, id)
	mustRegisterDevice(t, vs2, id)
	user := addressSpace(0)

	mustRegisterGPUVASpace(t, vs1, id, user)
	wantErr(t, "RegisterGPUVASpace", vs2.RegisterGPUVASpace(id, user), rm.ErrInvalidDevice)

	// The first registration is unaffected.
	if !s.IsLive(pageDirectoryKey(id, user)) {
		t.Errorf("failed registration unset the page directory")
	}
	vs1.Destroy()
	mustRegisterGPUVASpace(t, vs2, id, user)
	vs2.Destroy()
	checkReleased(t, r, s)
}

func TestGPUVASpaceBigPageMismatchWithPeer(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	ids := s.DeviceUUIDs()
	small, big := addressSpace(0), addressSpace(1)
	s.AddAddressSpace(small, 64<<10, false)
	s.AddAddressSpace(big, 128<<10, false)

	t.Run("peers first", func(t *testing.T) {
		vs := r.NewVASpace(VASpaceOptions{})
		mustRegisterDevice(t, vs, ids[0])
		mustRegisterDevice(t, vs, ids[1])
		if err := vs.EnablePeerAccess(ids[0], ids[1]); err != nil {
			t.Fatalf("EnablePeerAccess failed: %v", err)
		}
		mustRegisterGPUVASpace(t, vs, ids[0], small)
		wantErr(t, "RegisterGPUVASpace", vs.RegisterGPUVASpace(ids[1], big), rm.ErrNotCompatible)
		vs.Destroy()
	})

	t.Run("GPU VA spaces first", func(t *testing.T) {
		vs := r.NewVASpace(VASpaceOptions{})
		d0 := mustRegisterDevice(t, vs, ids[0])
		d1 := mustRegisterDevice(t, vs, ids[1])
		mustRegisterGPUVASpace(t, vs, ids[0], small)
		mustRegisterGPUVASpace(t, vs, ids[1], big)
		wantErr(t, "EnablePeerAccess", vs.EnablePeerAccess(ids[0], ids[1]), rm.ErrNotCompatible)
		if got := r.PeerLink(d0, d1); got != (PeerLink{}) {
			t.Errorf("PeerLink = %+v after failed enable, want empty", got)
		}
		checkInvariants(t, vs)
		vs.Destroy()
	})

	checkReleased(t, r, s)
}

func TestGPUVASpaceCreateFailureUnwinds(t *testing.T) {
	for _, op := range []string{
		rmsim.OpDupAddressSpace,
		rmsim.OpInitTree,
		rmsim.OpSetPageDirectory,
	} {
		t.Run(op, func(t *testing.T) {
			r, s := newTestRegistry(t, pcieTopology, Options{})
			id := s.DeviceUUIDs()[0]
			vs := r.NewVASpace(VASpaceOptions{})
			mustRegisterDevice(t, vs, id)
			before := s.LiveObjects()

			s.FailNext(op, rm.ErrNoMemory)
			wantErr(t, "RegisterGPUVASpace", vs.RegisterGPUVASpace(id, addressSpace(0)), rm.ErrNoMemory)
			if diff := cmp.Diff(before, s.LiveObjects()); diff != "" {
				t.Errorf("failed registration leaked (-want +got):\n%s", diff)
			}
			mustRegisterGPUVASpace(t, vs, id, addressSpace(0))
			vs.Destroy()
			checkReleased(t, r, s)
		})
	}
}

func TestGPUVASpaceOnFatalDevice(t *testing.T) {
	r, s := newTestRegistry(t, pcieTopology, Options{})
	id := s.DeviceUUIDs()[0]
	vs := r.NewVASpace(VASpaceOptions{})
	d := mustRegisterDevice(t, vs, id)
	d.SetFatal(rm.ErrECCError)
	wantErr(t, "RegisterGPUVASpace", vs.RegisterGPUVASpace(id, addressSpace(0)), rm.ErrFatal)
	vs.Destroy()
	checkReleased(t, r, s)
}
