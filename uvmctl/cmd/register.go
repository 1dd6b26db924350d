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
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/uvm/pkg/uvm"
	"gvisor.dev/uvm/pkg/uvm/processor"
	"gvisor.dev/uvm/pkg/uvm/rm"
	"gvisor.dev/uvm/uvmctl/config"
)

// Register implements subcommands.Command for the "register" command.
type Register struct {
	pciePeers  bool
	gpuVASpace bool
	pageable   bool
}

// Name implements subcommands.Command.Name.
func (*Register) Name() string {
	return "register"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Register) Synopsis() string {
	return "register every device into a VA space and print the processor relations"
}

// Usage implements subcommands.Command.Usage.
func (*Register) Usage() string {
	return `register [flags] - register every device of --topology into one VA space, print
the processor relations, then destroy the VA space and check that everything
was released.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Register) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.pciePeers, "pcie-peers", false, "enable peer access between every pair of devices connected over PCIe.")
	f.BoolVar(&r.gpuVASpace, "gpu-va-space", false, "register a GPU VA space on every device.")
	f.BoolVar(&r.pageable, "pageable", false, "allow devices to access pageable memory.")
}

// Execute implements subcommands.Command.Execute.
func (r *Register) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	m, err := newMachine(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	return exitStatus(r.run(os.Stdout, m))
}

func (r *Register) run(out io.Writer, m *machine) error {
	vs := m.reg.NewVASpace(uvm.VASpaceOptions{PageableMemoryAccess: r.pageable})
	err := r.setup(m, vs)
	if err == nil {
		printRelations(out, vs)
	}
	vs.Destroy()
	if cerr := m.close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Register) setup(m *machine, vs *uvm.VASpace) error {
	if err := m.registerAll(vs); err != nil {
		return err
	}
	ids := m.sim.DeviceUUIDs()
	if r.pciePeers {
		for i, a := range ids {
			for _, b := range ids[i+1:] {
				da, db := m.reg.DeviceByUUID(a), m.reg.DeviceByUUID(b)
				if m.reg.PeerLink(da, db).Link.IsNVLink() {
					continue
				}
				if err := vs.EnablePeerAccess(a, b); err != nil {
					return fmt.Errorf("enabling peers %v and %v: %w", da, db, err)
				}
			}
		}
	}
	if r.gpuVASpace {
		for i, id := range ids {
			// The simulator accepts any nonzero user address space.
			as := rm.UserObject{Client: client.Client, Object: rm.Handle(0x100 + i)}
			if err := vs.RegisterGPUVASpace(id, as); err != nil {
				return err
			}
			log.Debugf("Registered GPU VA space %#x on %v", as.Object, id)
		}
	}
	return nil
}

func printRelations(out io.Writer, vs *uvm.VASpace) {
	procs := append([]processor.ID{processor.CPU}, vs.RegisteredDevices()...)
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "PROCESSOR\tFAULTABLE\tSYSTEM ATOMICS\n")
	for _, p := range procs {
		fmt.Fprintf(w, "%v\t%t\t%t\n", p, vs.IsFaultable(p), vs.HasSystemWideAtomics(p))
	}
	fmt.Fprintf(w, "\nFROM\tTO\tACCESS\tCOPY\tATOMICS\tNVLINK\tINDIRECT\n")
	for _, a := range procs {
		for _, b := range procs {
			if a == b || !vs.CanAccess(a, b) {
				continue
			}
			fmt.Fprintf(w, "%v\t%v\t%t\t%t\t%t\t%t\t%t\n", a, b, vs.CanAccess(a, b), vs.CanCopyFrom(a, b), vs.HasNativeAtomics(a, b), vs.HasNVLink(a, b), vs.IsIndirectPeer(a, b))
		}
	}
	w.Flush()
}
