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

// Package uvm manages the lifecycle and topology of GPUs shared by many
// processes, and the per-process virtual address spaces that use them.
//
// A Registry owns every device. Devices are created on first retain and
// destroyed when their last reference is released. Pairs of devices may be
// peers; NVLink peers are enabled when the second device is added, PCIe
// peers on request. A VASpace is a process context. Devices are registered
// into it, which derives the processor relations (who can access, copy from
// or atomically operate on whose memory). A GPUVASpace binds a VASpace to a
// user address space on one device, and user channels are registered within
// it. Faults and access counter notifications reported by a device are
// routed back to the owning VASpace by Device.Resolve, which may be called
// from the device bottom half.
//
// Objects removed under a VASpace lock are destroyed only after the lock is
// released, through a deferred free list.
//
// Lock ordering:
//
// - Registry.mu
//   - VASpace.mu
//     - Device.peerMu
//     - Device.accessCountersMu
//     - Device.instancePtrMu
//     - VASpace.teardownMu
//   - Registry.tableMu
//   - Registry.vaSpacesMu
//
// Device.instancePtrMu is the only lock taken by Resolve. Nothing is
// allocated and no collaborator is called while it is held.
package uvm

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/metric"
	"gvisor.dev/uvm/pkg/uvm/processor"
	"gvisor.dev/uvm/pkg/uvm/rm"
)

// Options configures a Registry.
type Options struct {
	// MaxDevices is the number of registry slots.
	MaxDevices int

	// ATSSupported is true if the host supports ATS for devices. A GPU VA
	// space that requests ATS is rejected otherwise.
	ATSSupported bool

	// AccessCountersOnRegister enables access counter notifications when a
	// device that supports them is registered into a VA space.
	AccessCountersOnRegister bool
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		MaxDevices: processor.MaxDevices,
	}
}

func (o *Options) validate() error {
	if o.MaxDevices < 1 || o.MaxDevices > processor.MaxDevices {
		return fmt.Errorf("MaxDevices %d not in [1, %d]: %w", o.MaxDevices, processor.MaxDevices, rm.ErrInvalidArgument)
	}
	return nil
}

var (
	devicesAdded           = metric.MustCreateNewUint64Metric("/uvm/devices_added", false /* sync */, "Number of devices added to a registry.")
	devicesRemoved         = metric.MustCreateNewUint64Metric("/uvm/devices_removed", false /* sync */, "Number of devices removed from a registry.")
	peersEnabled           = metric.MustCreateNewUint64Metric("/uvm/peers_enabled", false /* sync */, "Number of peer table entries enabled.")
	channelsRegistered     = metric.MustCreateNewUint64Metric("/uvm/channels_registered", false /* sync */, "Number of user channels registered.")
	deferredFrees          = metric.MustCreateNewUint64Metric("/uvm/deferred_frees", false /* sync */, "Number of objects destroyed through deferred free lists.")
	resolveInvalidChannel  = metric.MustCreateNewUint64Metric("/uvm/resolve_invalid_channel", false /* sync */, "Number of notifications naming an unknown channel.")
	resolveStaleSubcontext = metric.MustCreateNewUint64Metric("/uvm/resolve_stale_subcontext", false /* sync */, "Number of notifications naming a sub-context with no registered channel.")
	resolveFatal           = metric.MustCreateNewUint64Metric("/uvm/resolve_fatal", false /* sync */, "Number of notifications dropped because the device hit a fatal error.")
)

// Counters is a snapshot of the package metrics.
type Counters struct {
	DevicesAdded           uint64
	DevicesRemoved         uint64
	PeersEnabled           uint64
	ChannelsRegistered     uint64
	DeferredFrees          uint64
	ResolveInvalidChannel  uint64
	ResolveStaleSubcontext uint64
	ResolveFatal           uint64
}

// ReadCounters returns the current metric values. Metrics are shared by all
// registries in the process.
func ReadCounters() Counters {
	return Counters{
		DevicesAdded:           devicesAdded.Value(),
		DevicesRemoved:         devicesRemoved.Value(),
		PeersEnabled:           peersEnabled.Value(),
		ChannelsRegistered:     channelsRegistered.Value(),
		DeferredFrees:          deferredFrees.Value(),
		ResolveInvalidChannel:  resolveInvalidChannel.Value(),
		ResolveStaleSubcontext: resolveStaleSubcontext.Value(),
		ResolveFatal:           resolveFatal.Value(),
	}
}
