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

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"gvisor.dev/uvm/pkg/uvm"
	"gvisor.dev/uvm/pkg/uvm/rm"
	"gvisor.dev/uvm/pkg/uvm/rmsim"
)

// Devices 0 and 1 are NVLink peers and reach device 2 over PCIe. All of
// them reach the CPU over NVLink2.
const testTopology = `
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

[[device]]
name = "nv2"
sysmem_link = "nvlink2"
numa = true
numa_node = 3
replayable_faults = true

[[link]]
a = "0"
b = "1"
type = "nvlink2"
`

func newTestMachine(t *testing.T) *machine {
	t.Helper()
	topo, err := rmsim.ParseTopology(testTopology)
	if err != nil {
		t.Fatalf("ParseTopology failed: %v", err)
	}
	m, err := newMachineFromTopology(topo, uvm.DefaultOptions())
	if err != nil {
		t.Fatalf("newMachineFromTopology failed: %v", err)
	}
	return m
}

func checkOutput(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output does not contain %q:\n%s", w, out)
		}
	}
}

func TestPrintTopology(t *testing.T) {
	m := newTestMachine(t)
	var out bytes.Buffer
	if err := printTopology(&out, m); err != nil {
		t.Fatalf("printTopology failed: %v", err)
	}
	ids := m.sim.DeviceUUIDs()
	checkOutput(t, out.String(), ids[0].String(), ids[1].String(), ids[2].String(), "nvlink2")
}

func TestRegister(t *testing.T) {
	m := newTestMachine(t)
	r := &Register{pciePeers: true, gpuVASpace: true}
	var out bytes.Buffer
	if err := r.run(&out, m); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	checkOutput(t, out.String(), "PROCESSOR", "FROM")
}

func TestPeers(t *testing.T) {
	m := newTestMachine(t)
	p := &Peers{vaSpaces: 3}
	var out bytes.Buffer
	if err := p.run(&out, m); err != nil {
		t.Fatalf("Peers failed: %v", err)
	}
	before, after, ok := strings.Cut(out.String(), "After destroying them:")
	if !ok {
		t.Fatalf("output has no second table:\n%s", out.String())
	}
	// The two PCIe pairs are retained once per VA space, the NVLink pair
	// once by the registry.
	want := map[string]string{"pcie": "3", "nvlink2": "1"}
	if got := peerRefs(before); got["pcie"] != 2 || got["nvlink2"] != 1 {
		t.Errorf("peer table before destroy has %v pairs, want 2 pcie and 1 nvlink2:\n%s", got, before)
	}
	for _, line := range strings.Split(before, "\n") {
		if f := strings.Fields(line); len(f) == 5 && want[f[2]] != "" && f[4] != want[f[2]] {
			t.Errorf("%s pair %s has %s references, want %s", f[2], f[1], f[4], want[f[2]])
		}
	}
	if got := peerRefs(after); got["pcie"] != 0 || got["nvlink2"] != 1 {
		t.Errorf("peer table after destroy has %v pairs, want only 1 nvlink2:\n%s", got, after)
	}
}

// peerRefs counts the rows of a peer table by link type.
func peerRefs(table string) map[string]int {
	links := make(map[string]int)
	for _, line := range strings.Split(table, "\n") {
		if f := strings.Fields(line); len(f) == 5 && f[0] != "INDEX" {
			links[f[2]]++
		}
	}
	return links
}

func TestResolve(t *testing.T) {
	for _, tc := range []struct {
		name string
		r    Resolve
		want string
	}{
		{name: "own sub-context", r: Resolve{channel: 0, veid: 0}, want: "VA space A"},
		{name: "other sub-context", r: Resolve{channel: 0, veid: 1}, want: "VA space B"},
		{name: "HUB uses the channel", r: Resolve{channel: 1, hub: true}, want: "VA space B"},
		{name: "HUB access counter uses the VEID", r: Resolve{channel: 1, hub: true, accessCounter: true}, want: "VA space A"},
		{name: "stale", r: Resolve{channel: 0, veid: 1, stale: true}, want: fmt.Sprint(rm.ErrStaleSubcontext)},
		{name: "out of range", r: Resolve{channel: 0, veid: 64}, want: fmt.Sprint(rm.ErrInvalidChannel)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine(t)
			var out bytes.Buffer
			if err := tc.r.run(&out, m); err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			checkOutput(t, out.String(), tc.want)
		})
	}
}

func TestStress(t *testing.T) {
	m := newTestMachine(t)
	s := &Stress{vaSpaces: 2, workers: 3, iterations: 200, faultRate: 1e6, seed: 7}
	var out bytes.Buffer
	if err := s.run(context.Background(), &out, m); err != nil {
		t.Fatalf("Stress failed: %v\n%s", err, out.String())
	}
	checkOutput(t, out.String(), "operations", "1200")
}

func TestExampleTopology(t *testing.T) {
	topo, err := rmsim.LoadTopology("../testdata/dgx.toml")
	if err != nil {
		t.Fatalf("LoadTopology failed: %v", err)
	}
	m, err := newMachineFromTopology(topo, uvm.DefaultOptions())
	if err != nil {
		t.Fatalf("newMachineFromTopology failed: %v", err)
	}
	r := &Register{pciePeers: true, gpuVASpace: true}
	var out bytes.Buffer
	if err := r.run(&out, m); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}
