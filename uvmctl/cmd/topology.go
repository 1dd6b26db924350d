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
	"gvisor.dev/uvm/uvmctl/config"
)

// Topology implements subcommands.Command for the "topology" command.
type Topology struct{}

// Name implements subcommands.Command.Name.
func (*Topology) Name() string {
	return "topology"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Topology) Synopsis() string {
	return "add every simulated device and list them with their peer links"
}

// Usage implements subcommands.Command.Usage.
func (*Topology) Usage() string {
	return "topology - add every device of --topology and list devices and peer links.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Topology) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Topology) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	m, err := newMachine(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	return exitStatus(printTopology(os.Stdout, m))
}

func printTopology(out io.Writer, m *machine) error {
	devs, release, err := m.retainAll()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tUUID\tSYSMEM\tNUMA\tBIG PAGE\tFAULTS\tCOUNTERS\n")
	for _, d := range devs {
		caps := d.Caps()
		numa := "-"
		if caps.NUMAEnabled {
			numa = fmt.Sprint(caps.NUMANode)
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%s\t%#x\t%t\t%t\n", d.ID(), d.UUID(), caps.SysmemLink, numa, d.BigPageSize(), caps.ReplayableFaults, caps.AccessCounters)
	}
	fmt.Fprintf(w, "\nPEERS\tLINK\tINDIRECT\tREFS\tRATE (MB/s)\n")
	for i, a := range devs {
		for _, b := range devs[i+1:] {
			pl := m.reg.PeerLink(a, b)
			fmt.Fprintf(w, "%v-%v\t%v\t%t\t%d\t%d\n", a.ID(), b.ID(), pl.Link, pl.Indirect, pl.RefCount, pl.LinkRateMBps)
		}
	}
	w.Flush()

	release()
	return m.close()
}
