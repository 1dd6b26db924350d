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

// Package rm defines the interfaces between the device lifecycle core and
// the subsystems it drives: the resource manager, the per-architecture
// hardware abstraction layer, page tables, physical memory, copy channels
// and introspection. It also defines the status codes shared by all of them.
//
// Every method may block. None of them may be called with a non-sleeping
// lock held.
package rm

import (
	"fmt"

	"github.com/google/uuid"
)

// Handle is an opaque resource manager object handle. The zero Handle is
// never a valid object.
type Handle uint32

// UserObject names an object owned by a user client, for example the
// address space or channel a process wants to share with the driver.
type UserObject struct {
	Client Handle
	Object Handle
}

// Aperture identifies the memory a physical address refers to.
type Aperture uint8

// Apertures.
const (
	ApertureInvalid Aperture = iota
	ApertureVid
	ApertureSys
	AperturePeer
)

// String implements fmt.Stringer.
func (a Aperture) String() string {
	switch a {
	case ApertureVid:
		return "vid"
	case ApertureSys:
		return "sys"
	case AperturePeer:
		return "peer"
	default:
		return "invalid"
	}
}

// PhysAddr is a physical address within an aperture.
type PhysAddr struct {
	Address  uint64
	Aperture Aperture
}

// String implements fmt.Stringer.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%s:%#x", p.Aperture, p.Address)
}

// LinkType is the class of interconnect between two processors.
type LinkType uint8

// Link types, ordered by generation.
const (
	LinkNone LinkType = iota
	LinkPCIe
	LinkNVLink1
	LinkNVLink2
)

// IsNVLink returns true for any NVLink generation.
func (l LinkType) IsNVLink() bool {
	return l >= LinkNVLink1
}

// String implements fmt.Stringer.
func (l LinkType) String() string {
	switch l {
	case LinkNone:
		return "none"
	case LinkPCIe:
		return "pcie"
	case LinkNVLink1:
		return "nvlink1"
	case LinkNVLink2:
		return "nvlink2"
	default:
		return fmt.Sprintf("link(%d)", uint8(l))
	}
}

// ParseLinkType parses the String form of a LinkType.
func ParseLinkType(s string) (LinkType, error) {
	for l := LinkNone; l <= LinkNVLink2; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return LinkNone, fmt.Errorf("unknown link type %q: %w", s, ErrInvalidArgument)
}

// PlatformInfo is returned when a device is first registered with the
// resource manager.
type PlatformInfo struct {
	// ATSEnabled is true if the platform translates device accesses to
	// process virtual addresses.
	ATSEnabled bool
}

// DeviceInfo describes a device.
type DeviceInfo struct {
	Name string

	// Arch and Impl select the hardware abstraction layer.
	Arch uint32
	Impl uint32

	// SubdeviceCount is greater than one for devices in an SLI group.
	SubdeviceCount uint32
}

// AddressSpaceInfo describes a device address space object.
type AddressSpaceInfo struct {
	BigPageSize    uint32
	MaxSubcontexts uint32

	// ATSEnabled is true if device accesses through the address space are
	// translated by the CPU page tables.
	ATSEnabled bool
}

// DeviceCaps are the capabilities of a device queried after its address
// space exists.
type DeviceCaps struct {
	ECCEnabled bool

	// SysmemLink is the link class between the device and the CPU.
	SysmemLink         LinkType
	SysmemLinkRateMBps uint32

	// NUMAEnabled is true if the device memory is onlined as a CPU NUMA
	// node.
	NUMAEnabled bool
	NUMANode    int

	ReplayableFaults  bool
	AccessCounters    bool
	PeerCopySupported bool
}

// P2PCaps describe the connection between an ordered pair of devices.
type P2PCaps struct {
	Link     LinkType
	Indirect bool

	// PeerIDs[i] is the peer id by which device i addresses the other.
	PeerIDs [2]uint32

	// OptimalNVLinkWriteCEs[i] is the copy engine device i should use to
	// write to the other.
	OptimalNVLinkWriteCEs [2]uint32

	LinkRateMBps uint32
}

// ChannelInstance describes a user channel retained by the resource
// manager.
type ChannelInstance struct {
	InstancePtr    PhysAddr
	TSGID          uint32
	InSubcontext   bool
	SubcontextID   uint32
	MaxSubcontexts uint32
}

// MemoryInfo describes a user allocation duplicated for mapping.
type MemoryInfo struct {
	// Owner is the UUID of the device that owns the memory, or the nil UUID
	// for system memory.
	Owner uuid.UUID
	Size  uint64
}

// ResourceManager is the device resource manager.
type ResourceManager interface {
	// RegisterDevice makes a device known to the resource manager.
	RegisterDevice(id uuid.UUID) (PlatformInfo, error)

	// UnregisterDevice reverses RegisterDevice.
	UnregisterDevice(id uuid.UUID)

	// DeviceInfo queries a registered device on behalf of client.
	DeviceInfo(id uuid.UUID, client UserObject) (DeviceInfo, error)

	CreateDevice(id uuid.UUID) (Handle, error)
	DestroyDevice(dev Handle)

	// CreateAddressSpace creates the driver's own address space on dev.
	CreateAddressSpace(dev Handle) (Handle, AddressSpaceInfo, error)

	// DupAddressSpace duplicates a user address space into a driver-owned
	// handle.
	DupAddressSpace(dev Handle, user UserObject) (Handle, AddressSpaceInfo, error)
	DestroyAddressSpace(as Handle)

	QueryCaps(dev Handle) (DeviceCaps, error)

	// P2PCaps queries the link between dev0 and dev1.
	P2PCaps(dev0, dev1 Handle) (P2PCaps, error)
	CreateP2PObject(dev0, dev1 Handle) (Handle, error)
	DestroyP2PObject(p2p Handle)

	// SetPageDirectory installs a page directory in as. It fails with
	// ErrNotSupported if another page directory is already installed for
	// the underlying user address space.
	SetPageDirectory(as Handle, pdb PhysAddr, numEntries uint32) error
	UnsetPageDirectory(as Handle) error

	// RetainChannel takes a reference on a user channel in as.
	RetainChannel(as Handle, user UserObject) (Handle, ChannelInstance, error)

	// StopChannel prevents ch from running further work. It does not wait.
	StopChannel(ch Handle)
	ReleaseChannel(ch Handle)

	// DupMemory duplicates a user allocation for mapping on dev.
	DupMemory(dev Handle, user UserObject) (Handle, MemoryInfo, error)
	FreeMemory(mem Handle)
}

// HAL is the per-architecture hardware abstraction layer of one device.
type HAL interface {
	// Init performs architecture specific initialization.
	Init(dev Handle) error

	// CheckECC returns ErrECCError if an uncorrectable error is pending.
	CheckECC(dev Handle) error

	EnableReplayableFaults(dev Handle)
	DisableReplayableFaults(dev Handle)
	FlushFaultBuffer(dev Handle)

	EnableAccessCounters(dev Handle) error
	DisableAccessCounters(dev Handle)
	FlushAccessCounters(dev Handle)

	SetPrefetchFaults(dev Handle, enable bool)
	Timestamp(dev Handle) uint64

	// BigPageSizeSupported returns true if size can be used as the big page
	// size of a device address space.
	BigPageSizeSupported(size uint32) bool
}

// HALSelector chooses the HAL for a device. It is consulted once per
// device.
type HALSelector interface {
	SelectHAL(info DeviceInfo) (HAL, error)
}

// PageTree is the root of a tree of device page tables.
type PageTree interface {
	// PDB returns the page directory base address.
	PDB() PhysAddr

	// NumEntries returns the number of entries in the root directory.
	NumEntries() uint32

	Deinit()
}

// PageTableManager builds page tables.
type PageTableManager interface {
	InitTree(dev Handle, bigPageSize uint32) (PageTree, error)

	// CreatePeerIdentityMappings maps all of peer's memory into dev's
	// kernel address space.
	CreatePeerIdentityMappings(dev, peer Handle) error
	DestroyPeerIdentityMappings(dev, peer Handle)
}

// MemoryManager is the physical memory manager together with the system
// memory mapping subsystem.
type MemoryManager interface {
	InitPMM(dev Handle) error
	DeinitPMM(dev Handle)

	// SyncPMM waits for outstanding work in dev's memory manager.
	SyncPMM(dev Handle)

	InitSysmemMappings(dev Handle) error
	DeinitSysmemMappings(dev Handle)

	// InitIndirectPeer lets dev reach peer's memory through system memory.
	InitIndirectPeer(dev, peer Handle) error
	DestroyIndirectPeer(dev, peer Handle)
}

// ChannelManager owns each device's kernel copy channels.
type ChannelManager interface {
	CreateChannelManager(dev Handle) error
	DestroyChannelManager(dev Handle)

	// SetPeerWriteCE selects the copy engine dev uses to write to peer.
	SetPeerWriteCE(dev, peer Handle, ce uint32)

	// GPUToCPUCE returns the copy engine dev uses to write system memory.
	GPUToCPUCE(dev Handle) uint32
}

// Introspection publishes read-only status views. No core state depends on
// it.
type Introspection interface {
	AddDevice(id uuid.UUID, name string) error
	RemoveDevice(id uuid.UUID)
	AddPeer(a, b uuid.UUID) error
	RemovePeer(a, b uuid.UUID)
}

// Collaborators bundles the subsystems used by the core. Debug may be nil.
type Collaborators struct {
	RM         ResourceManager
	HALs       HALSelector
	PageTables PageTableManager
	Memory     MemoryManager
	Channels   ChannelManager
	Debug      Introspection
}

// Validate checks that all required collaborators are set.
func (c *Collaborators) Validate() error {
	switch {
	case c.RM == nil:
		return fmt.Errorf("missing resource manager: %w", ErrInvalidArgument)
	case c.HALs == nil:
		return fmt.Errorf("missing HAL selector: %w", ErrInvalidArgument)
	case c.PageTables == nil:
		return fmt.Errorf("missing page table manager: %w", ErrInvalidArgument)
	case c.Memory == nil:
		return fmt.Errorf("missing memory manager: %w", ErrInvalidArgument)
	case c.Channels == nil:
		return fmt.Errorf("missing channel manager: %w", ErrInvalidArgument)
	}
	return nil
}
