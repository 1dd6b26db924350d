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
	"gvisor.dev/uvm/pkg/uvm"
	"gvisor.dev/uvm/uvmctl/config"
)

// Peers implements subcommands.Command for the "peers" command.
type Peers struct {
	vaSpaces int
}

// Name implements subcommands.Command.Name.
func (*Peers) Name() string {
	return "peers"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Peers) Synopsis() string {
	return "show the peer table while VA spaces enable and release peer access"
}

// Usage implements subcommands.Command.Usage.
func (*Peers) Usage() string {
	return `peers [flags] - register every device into several VA spaces, enable all
PCIe peers in each, and print the peer table before and after the VA spaces
are destroyed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Peers) SetFlags(f *flag.FlagSet) {
	f.IntVar(&p.vaSpaces, "va-spaces", 2, "number of VA spaces enabling peer access.")
}

// Execute implements subcommands.Command.Execute.
func (p *Peers) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || p.vaSpaces < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	m, err := newMachine(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	return exitStatus(p.run(os.Stdout, m))
}

func (p *Peers) run(out io.Writer, m *machine) error {
	devs, release, err := m.retainAll()
	if err != nil {
		return err
	}

	var vss []*uvm.VASpace
	reg := &Register{pciePeers: true}
	for i := 0; i < p.vaSpaces && err == nil; i++ {
		vs := m.reg.NewVASpace(uvm.VASpaceOptions{})
		vss = append(vss, vs)
		err = reg.setup(m, vs)
	}
	if err == nil {
		fmt.Fprintf(out, "With %d VA spaces:\n", len(vss))
		printPeerTable(out, m.reg, devs)
	}
	for _, vs := range vss {
		vs.Destroy()
	}
	if err == nil {
		fmt.Fprintf(out, "\nAfter destroying them:\n")
		printPeerTable(out, m.reg, devs)
	}

	release()
	if cerr := m.close(); err == nil {
		err = cerr
	}
	return err
}

func printPeerTable(out io.Writer, r *uvm.Registry, devs []*uvm.Device) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "INDEX\tPEERS\tLINK\tINDIRECT\tREFS\n")
	for i, a := range devs {
		for _, b := range devs[i+1:] {
			pl := r.PeerLink(a, b)
			idx := uvm.PeerTableIndex(a.ID().DeviceIndex(), b.ID().DeviceIndex(), r.MaxDevices())
			fmt.Fprintf(w, "%d\t%v-%v\t%v\t%t\t%d\n", idx, a.ID(), b.ID(), pl.Link, pl.Indirect, pl.RefCount)
		}
	}
	w.Flush()
}
