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

// Package cmd holds implementations of the uvmctl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/uvm/pkg/uvm"
	"gvisor.dev/uvm/pkg/uvm/rm"
	"gvisor.dev/uvm/pkg/uvm/rmsim"
	"gvisor.dev/uvm/uvmctl/config"
)

// client is the user client on whose behalf devices are registered.
var client = rm.UserObject{Client: 0xc1d0, Object: 1}

// Fatalf logs the same message to both the log and stderr, then exits.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "%s\n", msg)
	os.Exit(128)
}

// exitStatus reports err and returns the status the command exits with.
// Errors carrying a resource manager status exit with its errno.
func exitStatus(err error) subcommands.ExitStatus {
	if err == nil {
		return subcommands.ExitSuccess
	}
	log.Warningf("%v", err)
	fmt.Fprintf(os.Stderr, "uvmctl: %v\n", err)
	return subcommands.ExitStatus(rm.ErrnoOf(err))
}

// machine is a registry driving a simulated machine.
type machine struct {
	sim *rmsim.Sim
	reg *uvm.Registry
}

func newMachine(conf *config.Config) (*machine, error) {
	topo, err := conf.LoadTopology()
	if err != nil {
		return nil, err
	}
	return newMachineFromTopology(topo, conf.Options())
}

func newMachineFromTopology(topo *rmsim.Topology, opts uvm.Options) (*machine, error) {
	s, err := rmsim.New(topo)
	if err != nil {
		return nil, err
	}
	r, err := uvm.New(opts, s.Collaborators())
	if err != nil {
		return nil, err
	}
	return &machine{sim: s, reg: r}, nil
}

// close closes the registry and fails if the simulator still holds any
// resource.
func (m *machine) close() error {
	if err := m.reg.Close(); err != nil {
		return err
	}
	if live := m.sim.LiveObjects(); len(live) != 0 {
		return fmt.Errorf("%d resources leaked: %v", len(live), live)
	}
	return nil
}

// retainAll retains every device of the machine. The returned function
// releases them.
func (m *machine) retainAll() ([]*uvm.Device, func(), error) {
	var devs []*uvm.Device
	release := func() {
		for _, d := range devs {
			d.Release()
		}
	}
	for _, id := range m.sim.DeviceUUIDs() {
		d, err := m.reg.RetainByUUID(id, client)
		if err != nil {
			release()
			return nil, nil, err
		}
		devs = append(devs, d)
	}
	return devs, release, nil
}

// registerAll registers every device of the machine into vs.
func (m *machine) registerAll(vs *uvm.VASpace) error {
	for _, id := range m.sim.DeviceUUIDs() {
		if _, err := vs.RegisterDevice(id, client); err != nil {
			return err
		}
	}
	return nil
}
