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

	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/uvm/pkg/uvm/processor"
	"gvisor.dev/uvm/pkg/uvm/rm"
	"gvisor.dev/uvm/pkg/uvm/workq"
)

// Registry owns all devices, the peer table between them and the list of
// live VA spaces.
type Registry struct {
	opts Options
	col  rm.Collaborators

	// mu is the global lock. It serializes device addition and removal and
	// all peer table changes.
	mu sync.Mutex

	// slots tracks allocated device slots.
	//
	// +checklocks:mu
	slots bitmap.Bitmap

	// +checklocks:mu
	nextGlobalID uint64

	// peers is the peer table, indexed by PeerTableIndex.
	//
	// +checklocks:mu
	peers []peerCaps

	// peerLinks mirrors the link of each enabled peer table entry, so that
	// VA spaces can read it without mu. An entry is stable while both of its
	// devices are registered in the reading VA space.
	peerLinks []atomicbitops.Uint32

	// tableMu protects devices. Writers also hold mu, so holders of mu may
	// read devices without tableMu.
	tableMu sync.RWMutex

	// devices is the slot table. A device is present iff its retain count
	// is at least one.
	//
	// +checklocks:tableMu
	devices []*Device

	vaSpacesMu sync.Mutex

	// +checklocks:vaSpacesMu
	vaSpaces map[*VASpace]struct{}

	// globalQueue runs deferred work that is not tied to one device.
	globalQueue *workq.Queue

	// status is the first fatal status seen by any device, or zero.
	status atomicbitops.Uint32
}

// New creates a registry.
func New(opts Options, col rm.Collaborators) (*Registry, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := col.Validate(); err != nil {
		return nil, err
	}
	m := opts.MaxDevices
	return &Registry{
		opts:        opts,
		col:         col,
		slots:       bitmap.New(uint32(m)),
		peers:       make([]peerCaps, m*(m-1)/2),
		peerLinks:   make([]atomicbitops.Uint32, m*(m-1)/2),
		devices:     make([]*Device, m),
		vaSpaces:    make(map[*VASpace]struct{}),
		globalQueue: workq.New("uvm global"),
	}, nil
}

// Close releases the registry. All VA spaces must have been destroyed and
// all devices released.
func (r *Registry) Close() error {
	r.vaSpacesMu.Lock()
	nvs := len(r.vaSpaces)
	r.vaSpacesMu.Unlock()
	if nvs != 0 {
		return fmt.Errorf("%d VA spaces still exist: %w", nvs, rm.ErrInvalidState)
	}
	r.mu.Lock()
	n := r.slots.GetNumOnes()
	r.mu.Unlock()
	if n != 0 {
		return fmt.Errorf("%d devices still retained: %w", n, rm.ErrInvalidState)
	}
	r.globalQueue.Stop()
	return nil
}

// Status returns the first fatal error recorded by any device, or nil.
func (r *Registry) Status() error {
	if s := r.status.Load(); s != 0 {
		return rm.Status(s)
	}
	return nil
}

// ScheduleGlobal queues fn on the registry-wide deferred work queue.
func (r *Registry) ScheduleGlobal(fn func()) bool {
	return r.globalQueue.Schedule(fn)
}

// MaxDevices returns the number of device slots.
func (r *Registry) MaxDevices() int {
	return r.opts.MaxDevices
}

// Device returns the device with the given ID, or nil. The caller must hold
// a reference to the device for the result to remain valid.
func (r *Registry) Device(id processor.ID) *Device {
	if !id.IsDevice() || id.DeviceIndex() >= r.opts.MaxDevices {
		return nil
	}
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	return r.devices[id.DeviceIndex()]
}

// DeviceByUUID returns the device with the given UUID, or nil.
func (r *Registry) DeviceByUUID(id uuid.UUID) *Device {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	return r.deviceByUUIDTableLocked(id)
}

// +checklocksread:r.tableMu
func (r *Registry) deviceByUUIDTableLocked(id uuid.UUID) *Device {
	for _, d := range r.devices {
		if d != nil && d.uuid == id {
			return d
		}
	}
	return nil
}

// Devices returns all published devices in ID order.
func (r *Registry) Devices() []*Device {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	var ds []*Device
	for _, d := range r.devices {
		if d != nil {
			ds = append(ds, d)
		}
	}
	return ds
}

// forEachDeviceLocked calls fn for every published device.
//
// +checklocks:r.mu
func (r *Registry) forEachDeviceLocked(fn func(*Device)) {
	// Writers to devices hold mu, so the read lock is uncontended here.
	r.tableMu.RLock()
	ds := append([]*Device(nil), r.devices...)
	r.tableMu.RUnlock()
	for _, d := range ds {
		if d != nil {
			fn(d)
		}
	}
}

// RetainByUUID returns the device with the given UUID with an additional
// reference, creating it if necessary. client identifies the caller to the
// resource manager.
func (r *Registry) RetainByUUID(id uuid.UUID, client rm.UserObject) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retainByUUIDLocked(id, client)
}

// +checklocks:r.mu
func (r *Registry) retainByUUIDLocked(id uuid.UUID, client rm.UserObject) (*Device, error) {
	r.tableMu.RLock()
	d := r.deviceByUUIDTableLocked(id)
	r.tableMu.RUnlock()
	if d != nil {
		if err := d.checkFatal(); err != nil {
			return nil, err
		}
		d.Retain()
		return d, nil
	}

	platform, err := r.col.RM.RegisterDevice(id)
	if err != nil {
		return nil, fmt.Errorf("registering device %v: %w", id, err)
	}
	info, err := r.col.RM.DeviceInfo(id, client)
	if err != nil {
		r.col.RM.UnregisterDevice(id)
		return nil, fmt.Errorf("querying device %v: %w", id, err)
	}
	d, err = r.add(id, info, platform)
	if err != nil {
		r.col.RM.UnregisterDevice(id)
		return nil, err
	}
	return d, nil
}

// add creates, initializes and publishes a device. On failure everything
// built so far is torn down by remove.
//
// +checklocks:r.mu
func (r *Registry) add(id uuid.UUID, info rm.DeviceInfo, platform rm.PlatformInfo) (*Device, error) {
	if info.SubdeviceCount > 1 {
		return nil, fmt.Errorf("device %v is in an SLI group: %w", id, rm.ErrNotSupported)
	}
	slot, err := r.slots.FirstZero(0)
	if err != nil || int(slot) >= r.opts.MaxDevices {
		return nil, fmt.Errorf("no free slot for device %v: %w", id, rm.ErrInsufficientResources)
	}
	r.slots.Add(slot)
	r.nextGlobalID++
	d := newDevice(r, processor.DeviceID(int(slot)), r.nextGlobalID, id, info, platform)
	d.init.slot = true

	if err := r.initDevice(d); err != nil {
		log.Warningf("Failed to initialize %v: %v", d, err)
		r.remove(d)
		return nil, err
	}

	d.retained.Store(1)
	r.tableMu.Lock()
	r.devices[slot] = d
	r.tableMu.Unlock()
	d.init.published = true
	devicesAdded.Increment()

	if d.caps.ReplayableFaults {
		d.hal.EnableReplayableFaults(d.rmDevice)
		d.init.replayableFaults = true
	}

	if err := r.discoverNVLinkPeers(d); err != nil {
		log.Warningf("Failed to discover NVLink peers of %v: %v", d, err)
		d.retained.Store(0)
		r.remove(d)
		return nil, err
	}

	log.Infof("Added %v", d)
	return d, nil
}

// initDevice performs the per-device initialization that precedes
// publication. Every step records its progress in d.init.
//
// +checklocks:r.mu
func (r *Registry) initDevice(d *Device) error {
	if r.col.Debug != nil {
		if err := r.col.Debug.AddDevice(d.uuid, d.name); err != nil {
			return fmt.Errorf("registering %v for introspection: %w", d, err)
		}
		d.init.debug = true
	}

	hal, err := r.col.HALs.SelectHAL(d.info)
	if err != nil {
		return fmt.Errorf("selecting HAL for %v: %w", d, err)
	}
	d.hal = hal

	if d.rmDevice, err = r.col.RM.CreateDevice(d.uuid); err != nil {
		return fmt.Errorf("creating %v: %w", d, err)
	}
	if err := d.hal.Init(d.rmDevice); err != nil {
		return fmt.Errorf("initializing HAL of %v: %w", d, err)
	}
	if d.rmAddressSpace, d.asInfo, err = r.col.RM.CreateAddressSpace(d.rmDevice); err != nil {
		return fmt.Errorf("creating address space of %v: %w", d, err)
	}

	if d.caps, err = r.col.RM.QueryCaps(d.rmDevice); err != nil {
		return fmt.Errorf("querying capabilities of %v: %w", d, err)
	}
	if d.caps.ECCEnabled {
		if err := d.hal.CheckECC(d.rmDevice); err != nil {
			d.SetFatal(err)
			return fmt.Errorf("ECC check of %v: %w", d, err)
		}
	}

	if d.pageTree, err = r.col.PageTables.InitTree(d.rmDevice, d.asInfo.BigPageSize); err != nil {
		return fmt.Errorf("initializing page tables of %v: %w", d, err)
	}

	if err := r.col.Channels.CreateChannelManager(d.rmDevice); err != nil {
		return fmt.Errorf("creating channel manager of %v: %w", d, err)
	}
	d.init.channelManager = true

	if err := r.col.RM.SetPageDirectory(d.rmAddressSpace, d.pageTree.PDB(), d.pageTree.NumEntries()); err != nil {
		return fmt.Errorf("installing page directory of %v: %w", d, err)
	}
	d.init.movedToPageTree = true

	if err := r.col.Memory.InitPMM(d.rmDevice); err != nil {
		return fmt.Errorf("initializing memory manager of %v: %w", d, err)
	}
	d.init.pmm = true
	if err := r.col.Memory.InitSysmemMappings(d.rmDevice); err != nil {
		return fmt.Errorf("initializing sysmem mappings of %v: %w", d, err)
	}
	d.init.sysmemMappings = true

	d.bottomHalf = workq.New(d.name + " bottom half")
	return nil
}

// remove tears down a device whose retain count has dropped to zero, or
// whose add failed. It is safe on partially initialized devices and is a
// no-op for steps that were never performed or were already undone.
//
// +checklocks:r.mu
func (r *Registry) remove(d *Device) {
	if n := d.retained.Load(); n != 0 {
		panic(fmt.Sprintf("removing %v with retain count %d", d, n))
	}
	d.assertRoutingEmpty()
	d.assertAccessCountersDisabled()

	r.destroyNVLinkPeers(d)
	r.assertNoPeers(d)

	// Invisible to lookups from here on.
	if d.init.published {
		r.tableMu.Lock()
		r.devices[d.id.DeviceIndex()] = nil
		r.tableMu.Unlock()
		d.init.published = false
		devicesRemoved.Increment()
		log.Infof("Removing %v", d)
	}

	if d.init.replayableFaults {
		d.hal.DisableReplayableFaults(d.rmDevice)
		d.init.replayableFaults = false
	}
	if d.bottomHalf != nil {
		// Deferred work already queued may still reference the device.
		d.bottomHalf.Disable()
		d.bottomHalf.Flush()
	}

	// Other devices may have outstanding work that touched this one.
	r.forEachDeviceLocked(func(other *Device) {
		if other != d && other.init.pmm {
			r.col.Memory.SyncPMM(other.rmDevice)
		}
	})

	if d.bottomHalf != nil {
		d.bottomHalf.Stop()
	}
	if d.init.sysmemMappings {
		r.col.Memory.DeinitSysmemMappings(d.rmDevice)
		d.init.sysmemMappings = false
	}
	if d.init.pmm {
		r.col.Memory.DeinitPMM(d.rmDevice)
		d.init.pmm = false
	}
	if d.init.movedToPageTree {
		if err := r.col.RM.UnsetPageDirectory(d.rmAddressSpace); err != nil {
			log.Warningf("Failed to unset page directory of %v: %v", d, err)
		}
		d.init.movedToPageTree = false
	}
	if d.init.channelManager {
		r.col.Channels.DestroyChannelManager(d.rmDevice)
		d.init.channelManager = false
	}
	if d.pageTree != nil {
		d.pageTree.Deinit()
		d.pageTree = nil
	}
	if d.rmAddressSpace != 0 {
		r.col.RM.DestroyAddressSpace(d.rmAddressSpace)
		d.rmAddressSpace = 0
	}
	if d.rmDevice != 0 {
		r.col.RM.DestroyDevice(d.rmDevice)
		d.rmDevice = 0
	}
	if d.init.debug {
		r.col.Debug.RemoveDevice(d.uuid)
		d.init.debug = false
	}
	if d.init.slot {
		r.slots.Remove(uint32(d.id.DeviceIndex()))
		d.init.slot = false
	}
}

// releaseLocked drops a reference taken by RetainByUUID or Retain, removing
// the device when it was the last one.
//
// +checklocks:r.mu
func (r *Registry) releaseLocked(d *Device) {
	n := d.retained.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("release of %v with no references", d))
	}
	if n > 0 {
		return
	}
	id := d.uuid
	r.remove(d)
	r.col.RM.UnregisterDevice(id)
}

// setFatal records s as the registry status if none is recorded yet.
func (r *Registry) setFatal(s rm.Status) {
	r.status.CompareAndSwap(0, uint32(s))
}
