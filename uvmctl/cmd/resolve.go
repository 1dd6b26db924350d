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

	"github.com/google/subcommands"
	"github.com/google/uuid"
	"gvisor.dev/uvm/pkg/uvm"
	"gvisor.dev/uvm/pkg/uvm/rm"
	"gvisor.dev/uvm/uvmctl/config"
)

// Resolve implements subcommands.Command for the "resolve" command.
type Resolve struct {
	channel       int
	veid          uint
	hub           bool
	accessCounter bool
	stale         bool
}

// Name implements subcommands.Command.Name.
func (*Resolve) Name() string {
	return "resolve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Resolve) Synopsis() string {
	return "route a notification from a channel group shared by two VA spaces"
}

// Usage implements subcommands.Command.Usage.
func (*Resolve) Usage() string {
	return `resolve [flags] - register the first device into VA spaces A and B, put
channel 0 of A in sub-context 0 and channel 1 of B in sub-context 1 of the
same channel group, and report which VA space a notification resolves to.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Resolve) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.channel, "channel", 0, "channel reporting the notification: 0 or 1.")
	f.UintVar(&r.veid, "veid", 0, "sub-context id reported with the notification.")
	f.BoolVar(&r.hub, "hub", false, "the notification comes from a HUB client.")
	f.BoolVar(&r.accessCounter, "access-counter", false, "report an access counter notification instead of a fault.")
	f.BoolVar(&r.stale, "stale", false, "unregister channel 1 before resolving.")
}

// Execute implements subcommands.Command.Execute.
func (r *Resolve) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || r.channel < 0 || r.channel > 1 {
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

func resolveChannel(n int) (rm.UserObject, rm.ChannelInstance) {
	return rm.UserObject{Client: client.Client, Object: rm.Handle(0x200 + n)}, rm.ChannelInstance{
		InstancePtr:    rm.PhysAddr{Address: 0x100000 + uint64(n)*0x1000, Aperture: rm.ApertureVid},
		TSGID:          1,
		InSubcontext:   true,
		SubcontextID:   uint32(n),
		MaxSubcontexts: 64,
	}
}

func (r *Resolve) run(out io.Writer, m *machine) error {
	ids := m.sim.DeviceUUIDs()
	if len(ids) == 0 {
		return fmt.Errorf("no devices: %w", rm.ErrInvalidDevice)
	}
	vss := []*uvm.VASpace{
		m.reg.NewVASpace(uvm.VASpaceOptions{}),
		m.reg.NewVASpace(uvm.VASpaceOptions{}),
	}
	err := r.resolve(out, m, ids[0], vss)
	for _, vs := range vss {
		vs.Destroy()
	}
	if cerr := m.close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Resolve) resolve(out io.Writer, m *machine, id uuid.UUID, vss []*uvm.VASpace) error {
	var d *uvm.Device
	for i, vs := range vss {
		if _, err := vs.RegisterDevice(id, client); err != nil {
			return err
		}
		as := rm.UserObject{Client: client.Client, Object: rm.Handle(0x100 + i)}
		if err := vs.RegisterGPUVASpace(id, as); err != nil {
			return err
		}
		user, inst := resolveChannel(i)
		m.sim.AddChannel(user, inst)
		if _, err := vs.RegisterChannel(id, user); err != nil {
			return err
		}
		d = m.reg.DeviceByUUID(id)
	}
	if r.stale {
		user, _ := resolveChannel(1)
		if err := vss[1].UnregisterChannel(id, user); err != nil {
			return err
		}
	}

	_, inst := resolveChannel(r.channel)
	n := uvm.Notification{
		InstancePtr: inst.InstancePtr,
		VEID:        uint32(r.veid),
	}
	if r.hub {
		n.Client = uvm.ClientHUB
	}
	if r.accessCounter {
		n.Source = uvm.SourceAccessCounter
	}

	type result struct {
		vs  *uvm.VASpace
		err error
	}
	done := make(chan result, 1)
	if !d.ScheduleNotification(n, func(vs *uvm.VASpace, err error) {
		done <- result{vs, err}
	}) {
		return fmt.Errorf("%v does not accept notifications: %w", d, rm.ErrInvalidState)
	}
	res := <-done

	fmt.Fprintf(out, "%v from channel %d, VEID %d: ", n.Source, r.channel, n.VEID)
	switch {
	case res.err != nil:
		fmt.Fprintf(out, "%v (errno %d)\n", rm.StatusOf(res.err), rm.ErrnoOf(res.err))
	case res.vs == vss[0]:
		fmt.Fprintf(out, "VA space A\n")
	case res.vs == vss[1]:
		fmt.Fprintf(out, "VA space B\n")
	default:
		return fmt.Errorf("resolved to an unknown VA space %p", res.vs)
	}
	return nil
}
