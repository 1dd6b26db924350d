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

// Package rmsim simulates the resource manager and the other subsystems
// behind package rm for a machine described by a Topology.
//
// Every resource the simulator hands out is tracked until it is released,
// so callers can check that teardown released everything it built.
// Releasing a resource twice, or initializing a per-device subsystem twice,
// panics.
package rmsim

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/uvm/pkg/uvm/rm"
)

// Operation names accepted by Fail.
const (
	OpRegisterDevice             = "RegisterDevice"
	OpDeviceInfo                 = "DeviceInfo"
	OpCreateDevice               = "CreateDevice"
	OpCreateAddressSpace         = "CreateAddressSpace"
	OpDupAddressSpace            = "DupAddressSpace"
	OpQueryCaps                  = "QueryCaps"
	OpP2PCaps                    = "P2PCaps"
	OpCreateP2PObject            = "CreateP2PObject"
	OpSetPageDirectory           = "SetPageDirectory"
	OpRetainChannel              = "RetainChannel"
	OpDupMemory                  = "DupMemory"
	OpSelectHAL                  = "SelectHAL"
	OpHALInit                    = "HALInit"
	OpEnableAccessCounters       = "EnableAccessCounters"
	OpInitTree                   = "InitTree"
	OpCreatePeerIdentityMappings = "CreatePeerIdentityMappings"
	OpInitPMM                    = "InitPMM"
	OpInitSysmemMappings         = "InitSysmemMappings"
	OpInitIndirectPeer           = "InitIndirectPeer"
	OpCreateChannelManager       = "CreateChannelManager"
	OpAddDevice                  = "AddDevice"
	OpAddPeer                    = "AddPeer"
)

type objectKind int

const (
	kindDevice objectKind = iota
	kindAddressSpace
	kindP2P
	kindChannel
	kindMemory
)

type object struct {
	kind objectKind
	dev  *deviceState

	// user is the user object an address space, channel or memory handle
	// was created from. Kernel address spaces have a zero user.
	user rm.UserObject
}

type failure struct {
	skip int
	err  error
}

// Sim implements every collaborator in package rm. It is safe for concurrent
// use.
type Sim struct {
	topo *resolvedTopology

	mu sync.Mutex

	// +checklocks:mu
	nextHandle rm.Handle

	// +checklocks:mu
	objects map[rm.Handle]*object

	// live holds a key per resource currently held by a caller.
	//
	// +checklocks:mu
	live map[string]struct{}

	// +checklocks:mu
	counts map[string]int

	// +checklocks:mu
	trace []string

	// +checklocks:mu
	failures map[string]*failure

	// +checklocks:mu
	eccErrors map[uuid.UUID]bool

	// +checklocks:mu
	userAddressSpaces map[rm.UserObject]rm.AddressSpaceInfo

	// +checklocks:mu
	userChannels map[rm.UserObject]rm.ChannelInstance

	// +checklocks:mu
	userMemory map[rm.UserObject]rm.MemoryInfo

	// +checklocks:mu
	peerCEs map[[2]rm.Handle]uint32

	// +checklocks:mu
	prefetch map[rm.Handle]bool

	// +checklocks:mu
	timestamp uint64
}

// New creates a simulator for t.
func New(t *Topology) (*Sim, error) {
	r, err := t.resolve()
	if err != nil {
		return nil, err
	}
	s := &Sim{
		topo:              r,
		nextHandle:        0x1000,
		objects:           make(map[rm.Handle]*object),
		live:              make(map[string]struct{}),
		counts:            make(map[string]int),
		failures:          make(map[string]*failure),
		eccErrors:         make(map[uuid.UUID]bool),
		userAddressSpaces: make(map[rm.UserObject]rm.AddressSpaceInfo),
		userChannels:      make(map[rm.UserObject]rm.ChannelInstance),
		userMemory:        make(map[rm.UserObject]rm.MemoryInfo),
		peerCEs:           make(map[[2]rm.Handle]uint32),
		prefetch:          make(map[rm.Handle]bool),
	}
	for _, d := range r.order {
		if d.cfg.ECCError {
			s.eccErrors[d.uuid] = true
		}
	}
	return s, nil
}

// Collaborators returns s as the full set of collaborators.
func (s *Sim) Collaborators() rm.Collaborators {
	return rm.Collaborators{
		RM:         s,
		HALs:       s,
		PageTables: s,
		Memory:     s,
		Channels:   s,
		Debug:      s,
	}
}

// DeviceUUIDs returns the UUIDs of all devices in topology order.
func (s *Sim) DeviceUUIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.topo.order))
	for _, d := range s.topo.order {
		ids = append(ids, d.uuid)
	}
	return ids
}

// Fail makes the call to op after skip successful calls fail with err.
func (s *Sim) Fail(op string, skip int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{skip: skip, err: err}
}

// FailNext makes the next call to op fail with err.
func (s *Sim) FailNext(op string, err error) {
	s.Fail(op, 0, err)
}

// InjectECCError makes the ECC check of the device fail.
func (s *Sim) InjectECCError(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eccErrors[id] = true
}

// AddAddressSpace makes a user address space available for duplication.
// A bigPageSize of zero uses the device default. ats marks the address space
// as sharing the process page tables.
func (s *Sim) AddAddressSpace(user rm.UserObject, bigPageSize uint32, ats bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userAddressSpaces[user] = rm.AddressSpaceInfo{BigPageSize: bigPageSize, ATSEnabled: ats}
}

// AddChannel makes a user channel available for retaining.
func (s *Sim) AddChannel(user rm.UserObject, inst rm.ChannelInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userChannels[user] = inst
}

// AddMemory makes a user allocation available for mapping. A nil owner is
// system memory.
func (s *Sim) AddMemory(user rm.UserObject, owner uuid.UUID, size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userMemory[user] = rm.MemoryInfo{Owner: owner, Size: size}
}

// LiveObjects returns the resources that have been acquired and not yet
// released, sorted.
func (s *Sim) LiveObjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.live))
	for k := range s.live {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsLive returns true if the resource named key is held.
func (s *Sim) IsLive(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[key]
	return ok
}

// Count returns the number of successful calls to op.
func (s *Sim) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// Trace returns the names of all successful calls, in order.
func (s *Sim) Trace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.trace...)
}

// ResetTrace clears the call trace and counts.
func (s *Sim) ResetTrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = nil
	s.counts = make(map[string]int)
}

// call records op or returns an injected failure.
//
// +checklocks:s.mu
func (s *Sim) call(op string) error {
	if f, ok := s.failures[op]; ok {
		if f.skip == 0 {
			delete(s.failures, op)
			return f.err
		}
		f.skip--
	}
	s.counts[op]++
	s.trace = append(s.trace, op)
	return nil
}

// +checklocks:s.mu
func (s *Sim) acquire(key string) {
	if _, ok := s.live[key]; ok {
		panic(fmt.Sprintf("%s acquired twice", key))
	}
	s.live[key] = struct{}{}
}

// +checklocks:s.mu
func (s *Sim) release(key string) {
	if _, ok := s.live[key]; !ok {
		panic(fmt.Sprintf("%s released but not held", key))
	}
	delete(s.live, key)
}

// +checklocks:s.mu
func (s *Sim) newHandle(o *object) rm.Handle {
	s.nextHandle++
	s.objects[s.nextHandle] = o
	return s.nextHandle
}

// +checklocks:s.mu
func (s *Sim) lookup(h rm.Handle, kind objectKind) (*object, error) {
	o, ok := s.objects[h]
	if !ok || o.kind != kind {
		return nil, fmt.Errorf("bad handle %#x: %w", h, rm.ErrInvalidArgument)
	}
	return o, nil
}

// +checklocks:s.mu
func (s *Sim) mustLookup(h rm.Handle, kind objectKind) *object {
	o, err := s.lookup(h, kind)
	if err != nil {
		panic(err.Error())
	}
	return o
}

// +checklocks:s.mu
func (s *Sim) free(h rm.Handle, kind objectKind, key string) {
	s.mustLookup(h, kind)
	delete(s.objects, h)
	s.release(fmt.Sprintf("%s/%#x", key, h))
}

// RegisterDevice implements rm.ResourceManager.RegisterDevice.
func (s *Sim) RegisterDevice(id uuid.UUID) (rm.PlatformInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topo.devices[id]; !ok {
		return rm.PlatformInfo{}, fmt.Errorf("no device %v: %w", id, rm.ErrInvalidDevice)
	}
	if err := s.call(OpRegisterDevice); err != nil {
		return rm.PlatformInfo{}, err
	}
	s.acquire("registered/" + id.String())
	return rm.PlatformInfo{ATSEnabled: s.topo.ats}, nil
}

// UnregisterDevice implements rm.ResourceManager.UnregisterDevice.
func (s *Sim) UnregisterDevice(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release("registered/" + id.String())
	s.call("UnregisterDevice")
}

// DeviceInfo implements rm.ResourceManager.DeviceInfo.
func (s *Sim) DeviceInfo(id uuid.UUID, client rm.UserObject) (rm.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.topo.devices[id]
	if !ok {
		return rm.DeviceInfo{}, fmt.Errorf("no device %v: %w", id, rm.ErrInvalidDevice)
	}
	if err := s.call(OpDeviceInfo); err != nil {
		return rm.DeviceInfo{}, err
	}
	info := rm.DeviceInfo{
		Name:           d.cfg.Name,
		Arch:           d.cfg.Arch,
		SubdeviceCount: 1,
	}
	if d.cfg.SLI {
		info.SubdeviceCount = 2
	}
	return info, nil
}

// CreateDevice implements rm.ResourceManager.CreateDevice.
func (s *Sim) CreateDevice(id uuid.UUID) (rm.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.topo.devices[id]
	if !ok {
		return 0, fmt.Errorf("no device %v: %w", id, rm.ErrInvalidDevice)
	}
	if err := s.call(OpCreateDevice); err != nil {
		return 0, err
	}
	h := s.newHandle(&object{kind: kindDevice, dev: d})
	s.acquire(fmt.Sprintf("device/%#x", h))
	return h, nil
}

// DestroyDevice implements rm.ResourceManager.DestroyDevice.
func (s *Sim) DestroyDevice(dev rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free(dev, kindDevice, "device")
	s.call("DestroyDevice")
}

// CreateAddressSpace implements rm.ResourceManager.CreateAddressSpace.
func (s *Sim) CreateAddressSpace(dev rm.Handle) (rm.Handle, rm.AddressSpaceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookup(dev, kindDevice)
	if err != nil {
		return 0, rm.AddressSpaceInfo{}, err
	}
	if err := s.call(OpCreateAddressSpace); err != nil {
		return 0, rm.AddressSpaceInfo{}, err
	}
	h := s.newHandle(&object{kind: kindAddressSpace, dev: o.dev})
	s.acquire(fmt.Sprintf("address_space/%#x", h))
	return h, rm.AddressSpaceInfo{
		BigPageSize:    o.dev.cfg.BigPageSize,
		MaxSubcontexts: o.dev.cfg.MaxSubcontexts,
	}, nil
}

// DupAddressSpace implements rm.ResourceManager.DupAddressSpace.
func (s *Sim) DupAddressSpace(dev rm.Handle, user rm.UserObject) (rm.Handle, rm.AddressSpaceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookup(dev, kindDevice)
	if err != nil {
		return 0, rm.AddressSpaceInfo{}, err
	}
	if user.Client == 0 || user.Object == 0 {
		return 0, rm.AddressSpaceInfo{}, fmt.Errorf("bad user address space %+v: %w", user, rm.ErrInvalidArgument)
	}
	if err := s.call(OpDupAddressSpace); err != nil {
		return 0, rm.AddressSpaceInfo{}, err
	}
	info := rm.AddressSpaceInfo{
		BigPageSize:    o.dev.cfg.BigPageSize,
		MaxSubcontexts: o.dev.cfg.MaxSubcontexts,
	}
	if ua, ok := s.userAddressSpaces[user]; ok {
		if ua.BigPageSize != 0 {
			info.BigPageSize = ua.BigPageSize
		}
		info.ATSEnabled = ua.ATSEnabled
	}
	h := s.newHandle(&object{kind: kindAddressSpace, dev: o.dev, user: user})
	s.acquire(fmt.Sprintf("address_space/%#x", h))
	return h, info, nil
}

// DestroyAddressSpace implements rm.ResourceManager.DestroyAddressSpace.
func (s *Sim) DestroyAddressSpace(as rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free(as, kindAddressSpace, "address_space")
	s.call("DestroyAddressSpace")
}

// QueryCaps implements rm.ResourceManager.QueryCaps.
func (s *Sim) QueryCaps(dev rm.Handle) (rm.DeviceCaps, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookup(dev, kindDevice)
	if err != nil {
		return rm.DeviceCaps{}, err
	}
	if err := s.call(OpQueryCaps); err != nil {
		return rm.DeviceCaps{}, err
	}
	cfg := o.dev.cfg
	return rm.DeviceCaps{
		ECCEnabled:         cfg.ECC || cfg.ECCError,
		SysmemLink:         o.dev.link,
		SysmemLinkRateMBps: cfg.SysmemLinkRateMBps,
		NUMAEnabled:        cfg.NUMA,
		NUMANode:           cfg.NUMANode,
		ReplayableFaults:   cfg.ReplayableFaults,
		AccessCounters:     cfg.AccessCounters,
		PeerCopySupported:  !cfg.NoPeerCopy,
	}, nil
}

// P2PCaps implements rm.ResourceManager.P2PCaps. Devices without a
// configured link are connected over PCIe.
func (s *Sim) P2PCaps(dev0, dev1 rm.Handle) (rm.P2PCaps, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o0, err := s.lookup(dev0, kindDevice)
	if err != nil {
		return rm.P2PCaps{}, err
	}
	o1, err := s.lookup(dev1, kindDevice)
	if err != nil {
		return rm.P2PCaps{}, err
	}
	if err := s.call(OpP2PCaps); err != nil {
		return rm.P2PCaps{}, err
	}
	ls, ok := s.topo.links[pairKey(o0.dev.uuid, o1.dev.uuid)]
	if !ok {
		ls = linkState{link: rm.LinkPCIe}
	}
	caps := rm.P2PCaps{
		Link:         ls.link,
		Indirect:     ls.indirect,
		LinkRateMBps: ls.rate,
	}
	if ls.link != rm.LinkNone && !ls.indirect {
		caps.PeerIDs = [2]uint32{uint32(o1.dev.index), uint32(o0.dev.index)}
	}
	if ls.link.IsNVLink() && !ls.indirect {
		caps.OptimalNVLinkWriteCEs = [2]uint32{uint32(4 + o0.dev.index%2), uint32(4 + o1.dev.index%2)}
	}
	return caps, nil
}

// CreateP2PObject implements rm.ResourceManager.CreateP2PObject.
func (s *Sim) CreateP2PObject(dev0, dev1 rm.Handle) (rm.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(dev0, kindDevice); err != nil {
		return 0, err
	}
	if _, err := s.lookup(dev1, kindDevice); err != nil {
		return 0, err
	}
	if err := s.call(OpCreateP2PObject); err != nil {
		return 0, err
	}
	h := s.newHandle(&object{kind: kindP2P})
	s.acquire(fmt.Sprintf("p2p/%#x", h))
	return h, nil
}

// DestroyP2PObject implements rm.ResourceManager.DestroyP2PObject.
func (s *Sim) DestroyP2PObject(p2p rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free(p2p, kindP2P, "p2p")
	s.call("DestroyP2PObject")
}

// +checklocks:s.mu
func (s *Sim) pageDirectoryKey(as rm.Handle) (string, error) {
	o, err := s.lookup(as, kindAddressSpace)
	if err != nil {
		return "", err
	}
	if o.user == (rm.UserObject{}) {
		return fmt.Sprintf("page_directory/%#x", as), nil
	}
	return fmt.Sprintf("page_directory/%v/%#x/%#x", o.dev.uuid, o.user.Client, o.user.Object), nil
}

// SetPageDirectory implements rm.ResourceManager.SetPageDirectory.
func (s *Sim) SetPageDirectory(as rm.Handle, pdb rm.PhysAddr, numEntries uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.pageDirectoryKey(as)
	if err != nil {
		return err
	}
	if pdb.Aperture == rm.ApertureInvalid || numEntries == 0 {
		return fmt.Errorf("bad page directory %v/%d: %w", pdb, numEntries, rm.ErrInvalidArgument)
	}
	if _, ok := s.live[key]; ok {
		return fmt.Errorf("page directory already set: %w", rm.ErrNotSupported)
	}
	if err := s.call(OpSetPageDirectory); err != nil {
		return err
	}
	s.acquire(key)
	return nil
}

// UnsetPageDirectory implements rm.ResourceManager.UnsetPageDirectory.
func (s *Sim) UnsetPageDirectory(as rm.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.pageDirectoryKey(as)
	if err != nil {
		return err
	}
	s.release(key)
	s.call("UnsetPageDirectory")
	return nil
}

// RetainChannel implements rm.ResourceManager.RetainChannel.
func (s *Sim) RetainChannel(as rm.Handle, user rm.UserObject) (rm.Handle, rm.ChannelInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookup(as, kindAddressSpace)
	if err != nil {
		return 0, rm.ChannelInstance{}, err
	}
	inst, ok := s.userChannels[user]
	if !ok {
		return 0, rm.ChannelInstance{}, fmt.Errorf("no channel %+v: %w", user, rm.ErrInvalidChannel)
	}
	if err := s.call(OpRetainChannel); err != nil {
		return 0, rm.ChannelInstance{}, err
	}
	h := s.newHandle(&object{kind: kindChannel, dev: o.dev, user: user})
	s.acquire(fmt.Sprintf("channel/%#x", h))
	return h, inst, nil
}

// StopChannel implements rm.ResourceManager.StopChannel.
func (s *Sim) StopChannel(ch rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustLookup(ch, kindChannel)
	s.call("StopChannel")
}

// ReleaseChannel implements rm.ResourceManager.ReleaseChannel.
func (s *Sim) ReleaseChannel(ch rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free(ch, kindChannel, "channel")
	s.call("ReleaseChannel")
}

// DupMemory implements rm.ResourceManager.DupMemory.
func (s *Sim) DupMemory(dev rm.Handle, user rm.UserObject) (rm.Handle, rm.MemoryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookup(dev, kindDevice)
	if err != nil {
		return 0, rm.MemoryInfo{}, err
	}
	info, ok := s.userMemory[user]
	if !ok {
		return 0, rm.MemoryInfo{}, fmt.Errorf("no memory %+v: %w", user, rm.ErrInvalidArgument)
	}
	if err := s.call(OpDupMemory); err != nil {
		return 0, rm.MemoryInfo{}, err
	}
	h := s.newHandle(&object{kind: kindMemory, dev: o.dev, user: user})
	s.acquire(fmt.Sprintf("memory/%#x", h))
	return h, info, nil
}

// FreeMemory implements rm.ResourceManager.FreeMemory.
func (s *Sim) FreeMemory(mem rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free(mem, kindMemory, "memory")
	s.call("FreeMemory")
}

// SelectHAL implements rm.HALSelector.SelectHAL.
func (s *Sim) SelectHAL(info rm.DeviceInfo) (rm.HAL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.Arch < MinSupportedArch {
		return nil, fmt.Errorf("architecture %#x: %w", info.Arch, rm.ErrNotSupported)
	}
	if err := s.call(OpSelectHAL); err != nil {
		return nil, err
	}
	return hal{s}, nil
}

// hal implements rm.HAL.
type hal struct {
	s *Sim
}

// Init implements rm.HAL.Init.
func (h hal) Init(dev rm.Handle) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if _, err := h.s.lookup(dev, kindDevice); err != nil {
		return err
	}
	return h.s.call(OpHALInit)
}

// CheckECC implements rm.HAL.CheckECC.
func (h hal) CheckECC(dev rm.Handle) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	o := h.s.mustLookup(dev, kindDevice)
	if h.s.eccErrors[o.dev.uuid] {
		return rm.ErrECCError
	}
	h.s.call("CheckECC")
	return nil
}

// EnableReplayableFaults implements rm.HAL.EnableReplayableFaults.
func (h hal) EnableReplayableFaults(dev rm.Handle) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.acquire(fmt.Sprintf("replayable_faults/%#x", dev))
	h.s.call("EnableReplayableFaults")
}

// DisableReplayableFaults implements rm.HAL.DisableReplayableFaults.
func (h hal) DisableReplayableFaults(dev rm.Handle) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.release(fmt.Sprintf("replayable_faults/%#x", dev))
	h.s.call("DisableReplayableFaults")
}

// FlushFaultBuffer implements rm.HAL.FlushFaultBuffer.
func (h hal) FlushFaultBuffer(dev rm.Handle) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.mustLookup(dev, kindDevice)
	h.s.call("FlushFaultBuffer")
}

// EnableAccessCounters implements rm.HAL.EnableAccessCounters.
func (h hal) EnableAccessCounters(dev rm.Handle) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	o := h.s.mustLookup(dev, kindDevice)
	if !o.dev.cfg.AccessCounters {
		return fmt.Errorf("device %v has no access counters: %w", o.dev.uuid, rm.ErrNotSupported)
	}
	if err := h.s.call(OpEnableAccessCounters); err != nil {
		return err
	}
	h.s.acquire(fmt.Sprintf("access_counters/%#x", dev))
	return nil
}

// DisableAccessCounters implements rm.HAL.DisableAccessCounters.
func (h hal) DisableAccessCounters(dev rm.Handle) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.release(fmt.Sprintf("access_counters/%#x", dev))
	h.s.call("DisableAccessCounters")
}

// FlushAccessCounters implements rm.HAL.FlushAccessCounters.
func (h hal) FlushAccessCounters(dev rm.Handle) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.mustLookup(dev, kindDevice)
	h.s.call("FlushAccessCounters")
}

// SetPrefetchFaults implements rm.HAL.SetPrefetchFaults.
func (h hal) SetPrefetchFaults(dev rm.Handle, enable bool) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.prefetch[dev] = enable
	h.s.call("SetPrefetchFaults")
}

// Timestamp implements rm.HAL.Timestamp.
func (h hal) Timestamp(dev rm.Handle) uint64 {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.timestamp += 1000
	return h.s.timestamp
}

// BigPageSizeSupported implements rm.HAL.BigPageSizeSupported.
func (h hal) BigPageSizeSupported(size uint32) bool {
	return size == 64<<10 || size == 128<<10
}

// PrefetchFaults returns the last prefetch setting of dev.
func (s *Sim) PrefetchFaults(dev rm.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefetch[dev]
}

type pageTree struct {
	s   *Sim
	key string
	pdb rm.PhysAddr
}

// PDB implements rm.PageTree.PDB.
func (t *pageTree) PDB() rm.PhysAddr {
	return t.pdb
}

// NumEntries implements rm.PageTree.NumEntries.
func (t *pageTree) NumEntries() uint32 {
	return 512
}

// Deinit implements rm.PageTree.Deinit.
func (t *pageTree) Deinit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.release(t.key)
	t.s.call("DeinitTree")
}

// InitTree implements rm.PageTableManager.InitTree.
func (s *Sim) InitTree(dev rm.Handle, bigPageSize uint32) (rm.PageTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(dev, kindDevice); err != nil {
		return nil, err
	}
	if err := s.call(OpInitTree); err != nil {
		return nil, err
	}
	s.nextHandle++
	t := &pageTree{
		s:   s,
		key: fmt.Sprintf("page_tree/%#x", s.nextHandle),
		pdb: rm.PhysAddr{Address: uint64(s.nextHandle) << 12, Aperture: rm.ApertureVid},
	}
	s.acquire(t.key)
	return t, nil
}

// CreatePeerIdentityMappings implements
// rm.PageTableManager.CreatePeerIdentityMappings.
func (s *Sim) CreatePeerIdentityMappings(dev, peer rm.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(OpCreatePeerIdentityMappings); err != nil {
		return err
	}
	s.acquire(fmt.Sprintf("identity/%#x->%#x", dev, peer))
	return nil
}

// DestroyPeerIdentityMappings implements
// rm.PageTableManager.DestroyPeerIdentityMappings.
func (s *Sim) DestroyPeerIdentityMappings(dev, peer rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(fmt.Sprintf("identity/%#x->%#x", dev, peer))
	s.call("DestroyPeerIdentityMappings")
}

// InitPMM implements rm.MemoryManager.InitPMM.
func (s *Sim) InitPMM(dev rm.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(OpInitPMM); err != nil {
		return err
	}
	s.acquire(fmt.Sprintf("pmm/%#x", dev))
	return nil
}

// DeinitPMM implements rm.MemoryManager.DeinitPMM.
func (s *Sim) DeinitPMM(dev rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(fmt.Sprintf("pmm/%#x", dev))
	s.call("DeinitPMM")
}

// SyncPMM implements rm.MemoryManager.SyncPMM.
func (s *Sim) SyncPMM(dev rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[fmt.Sprintf("pmm/%#x", dev)]; !ok {
		panic(fmt.Sprintf("SyncPMM(%#x) without a memory manager", dev))
	}
	s.call("SyncPMM")
}

// InitSysmemMappings implements rm.MemoryManager.InitSysmemMappings.
func (s *Sim) InitSysmemMappings(dev rm.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(OpInitSysmemMappings); err != nil {
		return err
	}
	s.acquire(fmt.Sprintf("sysmem_mappings/%#x", dev))
	return nil
}

// DeinitSysmemMappings implements rm.MemoryManager.DeinitSysmemMappings.
func (s *Sim) DeinitSysmemMappings(dev rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(fmt.Sprintf("sysmem_mappings/%#x", dev))
	s.call("DeinitSysmemMappings")
}

// InitIndirectPeer implements rm.MemoryManager.InitIndirectPeer.
func (s *Sim) InitIndirectPeer(dev, peer rm.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(OpInitIndirectPeer); err != nil {
		return err
	}
	s.acquire(fmt.Sprintf("indirect_peer/%#x->%#x", dev, peer))
	return nil
}

// DestroyIndirectPeer implements rm.MemoryManager.DestroyIndirectPeer.
func (s *Sim) DestroyIndirectPeer(dev, peer rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(fmt.Sprintf("indirect_peer/%#x->%#x", dev, peer))
	s.call("DestroyIndirectPeer")
}

// CreateChannelManager implements rm.ChannelManager.CreateChannelManager.
func (s *Sim) CreateChannelManager(dev rm.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(OpCreateChannelManager); err != nil {
		return err
	}
	s.acquire(fmt.Sprintf("channel_manager/%#x", dev))
	return nil
}

// DestroyChannelManager implements rm.ChannelManager.DestroyChannelManager.
func (s *Sim) DestroyChannelManager(dev rm.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(fmt.Sprintf("channel_manager/%#x", dev))
	s.call("DestroyChannelManager")
}

// SetPeerWriteCE implements rm.ChannelManager.SetPeerWriteCE.
func (s *Sim) SetPeerWriteCE(dev, peer rm.Handle, ce uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerCEs[[2]rm.Handle{dev, peer}] = ce
	s.call("SetPeerWriteCE")
}

// GPUToCPUCE implements rm.ChannelManager.GPUToCPUCE.
func (s *Sim) GPUToCPUCE(dev rm.Handle) uint32 {
	return 2
}

// PeerWriteCE returns the copy engine last selected for dev writing to peer.
func (s *Sim) PeerWriteCE(dev, peer rm.Handle) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ce, ok := s.peerCEs[[2]rm.Handle{dev, peer}]
	return ce, ok
}

// AddDevice implements rm.Introspection.AddDevice.
func (s *Sim) AddDevice(id uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(OpAddDevice); err != nil {
		return err
	}
	s.acquire("debug/" + id.String())
	if log.IsLogging(log.Debug) {
		log.Debugf("rmsim: added %s", name)
	}
	return nil
}

// RemoveDevice implements rm.Introspection.RemoveDevice.
func (s *Sim) RemoveDevice(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release("debug/" + id.String())
	s.call("RemoveDevice")
}

// AddPeer implements rm.Introspection.AddPeer.
func (s *Sim) AddPeer(a, b uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(OpAddPeer); err != nil {
		return err
	}
	k := pairKey(a, b)
	s.acquire(fmt.Sprintf("debug_peer/%v/%v", k[0], k[1]))
	return nil
}

// RemovePeer implements rm.Introspection.RemovePeer.
func (s *Sim) RemovePeer(a, b uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey(a, b)
	s.release(fmt.Sprintf("debug_peer/%v/%v", k[0], k[1]))
	s.call("RemovePeer")
}
