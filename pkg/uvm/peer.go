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

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/uvm/pkg/uvm/rm"
)

// PeerTableIndex returns the index of the unordered device pair (a, b) in a
// peer table for maxDevices devices. a and b are device indices. The result
// is in [0, maxDevices*(maxDevices-1)/2).
func PeerTableIndex(a, b, maxDevices int) int {
	if a == b {
		panic(fmt.Sprintf("peer table index of device %d with itself", a))
	}
	if a < 0 || b < 0 || a >= maxDevices || b >= maxDevices {
		panic(fmt.Sprintf("peer table index (%d, %d) out of range for %d devices", a, b, maxDevices))
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	// Row lo starts after the lo rows above it, which hold
	// (M-1) + (M-2) + ... + (M-lo) entries.
	return lo*maxDevices + hi - (lo+1)*(lo+2)/2
}

// peerCaps is a peer table entry. Fields describe the pair ordered by
// device ID, so index 0 is the device with the lower ID.
type peerCaps struct {
	link     rm.LinkType
	indirect bool

	// refCount is fixed at 1 for NVLink entries.
	refCount int

	p2p          rm.Handle
	peerIDs      [2]uint32
	linkRateMBps uint32

	// Progress of initPeerAccess, so that disablePeerAccess can undo
	// partially enabled entries.
	identityMapped [2]bool
	indirectInit   [2]bool
	backRefs       bool
	debug          bool
}

// PeerLink describes the peer table entry of a device pair.
type PeerLink struct {
	Link         rm.LinkType
	Indirect     bool
	RefCount     int
	LinkRateMBps uint32
}

func orderedPair(a, b *Device) [2]*Device {
	if a.id > b.id {
		return [2]*Device{b, a}
	}
	return [2]*Device{a, b}
}

// +checklocks:r.mu
func (r *Registry) peerCapsLocked(a, b *Device) *peerCaps {
	return &r.peers[PeerTableIndex(a.id.DeviceIndex(), b.id.DeviceIndex(), r.opts.MaxDevices)]
}

const peerLinkIndirect = 1 << 8

// +checklocks:r.mu
func (r *Registry) publishPeerLinkLocked(a, b *Device, p *peerCaps) {
	v := uint32(p.link)
	if p.indirect {
		v |= peerLinkIndirect
	}
	r.peerLinks[PeerTableIndex(a.id.DeviceIndex(), b.id.DeviceIndex(), r.opts.MaxDevices)].Store(v)
}

// peerLinkOf returns the link of the enabled peer entry of a and b, without
// taking mu.
func (r *Registry) peerLinkOf(a, b *Device) (link rm.LinkType, indirect bool) {
	v := r.peerLinks[PeerTableIndex(a.id.DeviceIndex(), b.id.DeviceIndex(), r.opts.MaxDevices)].Load()
	return rm.LinkType(v & 0xff), v&peerLinkIndirect != 0
}

// PeerLink returns the peer table entry of a and b.
func (r *Registry) PeerLink(a, b *Device) PeerLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peerCapsLocked(a, b)
	return PeerLink{
		Link:         p.link,
		Indirect:     p.indirect,
		RefCount:     p.refCount,
		LinkRateMBps: p.linkRateMBps,
	}
}

// p2pCaps queries the link between the devices of pair, reporting the caps
// in pair order.
func (r *Registry) p2pCaps(pair [2]*Device) (rm.P2PCaps, error) {
	caps, err := r.col.RM.P2PCaps(pair[0].rmDevice, pair[1].rmDevice)
	if err != nil {
		return rm.P2PCaps{}, fmt.Errorf("querying link between %v and %v: %w", pair[0], pair[1], err)
	}
	return caps, nil
}

// initPeerAccess fills p from caps and builds the per-device state for the
// link. On failure p records what was built.
//
// +checklocks:r.mu
func (r *Registry) initPeerAccess(pair [2]*Device, caps rm.P2PCaps, p *peerCaps) error {
	if caps.Link == rm.LinkNone {
		return fmt.Errorf("no link between %v and %v: %w", pair[0], pair[1], rm.ErrNotSupported)
	}
	p.link = caps.Link
	p.indirect = caps.Indirect
	p.linkRateMBps = caps.LinkRateMBps

	if p.indirect {
		if !pair[0].caps.NUMAEnabled || !pair[1].caps.NUMAEnabled {
			panic(fmt.Sprintf("indirect peers %v and %v must both be NUMA enabled", pair[0], pair[1]))
		}
		for i := range pair {
			if err := r.col.Memory.InitIndirectPeer(pair[i].rmDevice, pair[1-i].rmDevice); err != nil {
				return fmt.Errorf("initializing indirect peer %v on %v: %w", pair[1-i], pair[i], err)
			}
			p.indirectInit[i] = true
		}
		// Indirect peers go through system memory.
		p.linkRateMBps = 0
	} else {
		p.peerIDs = caps.PeerIDs
		for i := range pair {
			if err := r.col.PageTables.CreatePeerIdentityMappings(pair[i].rmDevice, pair[1-i].rmDevice); err != nil {
				return fmt.Errorf("mapping %v into %v: %w", pair[1-i], pair[i], err)
			}
			p.identityMapped[i] = true
		}
	}
	r.setOptimalPeerWriteCEs(pair, caps, p)

	if !p.indirect {
		// The access counter bottom half may look at the back-references as
		// soon as they are set.
		pair[0].setPeer(pair[1])
		pair[1].setPeer(pair[0])
		p.backRefs = true
	}

	if r.col.Debug != nil {
		if err := r.col.Debug.AddPeer(pair[0].uuid, pair[1].uuid); err != nil {
			return fmt.Errorf("registering peers %v and %v for introspection: %w", pair[0], pair[1], err)
		}
		p.debug = true
	}
	return nil
}

// setOptimalPeerWriteCEs selects the copy engines used for writes between
// NVLink peers.
func (r *Registry) setOptimalPeerWriteCEs(pair [2]*Device, caps rm.P2PCaps, p *peerCaps) {
	if !p.link.IsNVLink() {
		return
	}
	var ces [2]uint32
	if p.indirect {
		for i := range pair {
			ces[i] = r.col.Channels.GPUToCPUCE(pair[i].rmDevice)
		}
	} else {
		ces = caps.OptimalNVLinkWriteCEs
	}
	for i := range pair {
		r.col.Channels.SetPeerWriteCE(pair[i].rmDevice, pair[1-i].rmDevice, ces[i])
	}
}

// disablePeerAccess tears down the peer table entry of a and b. It accepts
// partially enabled entries and is a no-op on empty ones.
//
// +checklocks:r.mu
func (r *Registry) disablePeerAccess(a, b *Device) {
	pair := orderedPair(a, b)
	p := r.peerCapsLocked(a, b)
	wasEnabled := p.link != rm.LinkNone

	if p.debug {
		r.col.Debug.RemovePeer(pair[0].uuid, pair[1].uuid)
		p.debug = false
	}
	for i := range pair {
		if p.indirectInit[i] {
			r.col.Memory.DestroyIndirectPeer(pair[i].rmDevice, pair[1-i].rmDevice)
			p.indirectInit[i] = false
		}
		if p.identityMapped[i] {
			r.col.PageTables.DestroyPeerIdentityMappings(pair[i].rmDevice, pair[1-i].rmDevice)
			p.identityMapped[i] = false
		}
	}
	if p.p2p != 0 {
		r.col.RM.DestroyP2PObject(p.p2p)
		p.p2p = 0
	}
	if p.backRefs {
		pair[0].clearPeer(pair[1])
		pair[1].clearPeer(pair[0])
		p.backRefs = false
	}

	r.peerLinks[PeerTableIndex(a.id.DeviceIndex(), b.id.DeviceIndex(), r.opts.MaxDevices)].Store(0)

	// Access counter notifications may still name the peer.
	if wasEnabled {
		pair[0].flushAccessCounters()
		pair[1].flushAccessCounters()
	}
	*p = peerCaps{}
}

// enablePCIePeerAccessLocked creates the peer table entry of a PCIe pair.
// The entry is left with a zero reference count.
//
// +checklocks:r.mu
func (r *Registry) enablePCIePeerAccessLocked(a, b *Device) error {
	pair := orderedPair(a, b)
	p := r.peerCapsLocked(a, b)
	if p.link != rm.LinkNone || p.refCount != 0 {
		panic(fmt.Sprintf("enabling PCIe peers %v and %v over existing %v entry", a, b, p.link))
	}

	h, err := r.col.RM.CreateP2PObject(pair[0].rmDevice, pair[1].rmDevice)
	if err != nil {
		return fmt.Errorf("creating P2P object for %v and %v: %w", pair[0], pair[1], err)
	}
	p.p2p = h

	// Peer IDs are generated when the P2P object is created.
	caps, err := r.p2pCaps(pair)
	if err == nil && (caps.Link != rm.LinkPCIe || caps.Indirect) {
		err = fmt.Errorf("%v and %v are connected by %v, not PCIe: %w", pair[0], pair[1], caps.Link, rm.ErrInvalidDevice)
	}
	if err == nil {
		err = r.initPeerAccess(pair, caps, p)
	}
	if err != nil {
		r.disablePeerAccess(a, b)
		return err
	}
	r.publishPeerLinkLocked(a, b, p)
	peersEnabled.Increment()
	return nil
}

// RetainPCIePeerAccess takes a reference on the PCIe peer entry of a and b,
// enabling it if needed. Both devices are retained for as long as the
// reference is held.
func (r *Registry) RetainPCIePeerAccess(a, b *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retainPCIePeerAccessLocked(a, b)
}

// +checklocks:r.mu
func (r *Registry) retainPCIePeerAccessLocked(a, b *Device) error {
	if a == b {
		return fmt.Errorf("peer access of %v with itself: %w", a, rm.ErrInvalidDevice)
	}
	if err := a.checkFatal(); err != nil {
		return err
	}
	if err := b.checkFatal(); err != nil {
		return err
	}
	p := r.peerCapsLocked(a, b)
	switch p.link {
	case rm.LinkNone:
		if err := r.enablePCIePeerAccessLocked(a, b); err != nil {
			return err
		}
	case rm.LinkPCIe:
	default:
		return fmt.Errorf("%v and %v are %v peers: %w", a, b, p.link, rm.ErrInvalidDevice)
	}
	// Devices cannot be removed while they are peers.
	a.Retain()
	b.Retain()
	p.refCount++
	return nil
}

// ReleasePCIePeerAccess drops a reference taken by RetainPCIePeerAccess.
func (r *Registry) ReleasePCIePeerAccess(a, b *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releasePCIePeerAccessLocked(a, b)
}

// +checklocks:r.mu
func (r *Registry) releasePCIePeerAccessLocked(a, b *Device) {
	p := r.peerCapsLocked(a, b)
	if p.refCount <= 0 || p.link != rm.LinkPCIe {
		panic(fmt.Sprintf("releasing PCIe peers %v and %v with %v entry and %d references", a, b, p.link, p.refCount))
	}
	p.refCount--
	if p.refCount == 0 {
		r.disablePeerAccess(a, b)
	}
	r.releaseLocked(a)
	r.releaseLocked(b)
}

// enableNVLinkPeerAccess creates the peer table entry of an NVLink pair from
// caps already queried by the caller.
//
// +checklocks:r.mu
func (r *Registry) enableNVLinkPeerAccess(a, b *Device, caps rm.P2PCaps) error {
	pair := orderedPair(a, b)
	p := r.peerCapsLocked(a, b)
	if p.refCount != 0 {
		panic(fmt.Sprintf("enabling NVLink peers %v and %v over existing %v entry", a, b, p.link))
	}
	p.refCount = 1

	if !caps.Indirect {
		h, err := r.col.RM.CreateP2PObject(pair[0].rmDevice, pair[1].rmDevice)
		if err != nil {
			r.disablePeerAccess(a, b)
			return fmt.Errorf("creating P2P object for %v and %v: %w", pair[0], pair[1], err)
		}
		p.p2p = h
		if caps, err = r.p2pCaps(pair); err != nil {
			r.disablePeerAccess(a, b)
			return err
		}
	}
	if err := r.initPeerAccess(pair, caps, p); err != nil {
		r.disablePeerAccess(a, b)
		return err
	}
	r.publishPeerLinkLocked(a, b, p)
	peersEnabled.Increment()
	return nil
}

// discoverNVLinkPeers enables peer access between d and every other device
// connected to it by NVLink. On failure all NVLink peers of d are destroyed.
//
// +checklocks:r.mu
func (r *Registry) discoverNVLinkPeers(d *Device) error {
	var err error
	r.forEachDeviceLocked(func(other *Device) {
		if err != nil || other == d {
			return
		}
		pair := orderedPair(d, other)
		caps, cerr := r.p2pCaps(pair)
		if cerr != nil {
			err = cerr
			return
		}
		// PCIe peers are enabled on request.
		if caps.Link == rm.LinkNone || caps.Link == rm.LinkPCIe {
			return
		}
		// Indirect peers need both memories onlined as NUMA nodes.
		if caps.Indirect && (!d.caps.NUMAEnabled || !other.caps.NUMAEnabled) {
			return
		}
		if eerr := r.enableNVLinkPeerAccess(d, other, caps); eerr != nil {
			err = eerr
			return
		}
		if log.IsLogging(log.Debug) {
			log.Debugf("Enabled %v peers %v and %v (indirect %t)", caps.Link, d, other, caps.Indirect)
		}
	})
	if err != nil {
		r.destroyNVLinkPeers(d)
	}
	return err
}

// destroyNVLinkPeers disables every NVLink peer entry of d.
//
// +checklocks:r.mu
func (r *Registry) destroyNVLinkPeers(d *Device) {
	if !d.init.slot {
		return
	}
	r.forEachDeviceLocked(func(other *Device) {
		if other == d {
			return
		}
		if p := r.peerCapsLocked(d, other); p.link.IsNVLink() {
			r.disablePeerAccess(d, other)
		}
	})
}

// assertNoPeers panics if d still has a peer table entry with any device.
//
// +checklocks:r.mu
func (r *Registry) assertNoPeers(d *Device) {
	if !d.init.slot {
		return
	}
	r.forEachDeviceLocked(func(other *Device) {
		if other == d {
			return
		}
		if p := r.peerCapsLocked(d, other); p.link != rm.LinkNone || p.refCount != 0 {
			panic(fmt.Sprintf("%v removed with %v peer %v (%d references)", d, p.link, other, p.refCount))
		}
	})
}

// checkPeerTableLocked panics if a peer table entry is referenced without a
// link or has a link without references.
//
// +checklocks:r.mu
func (r *Registry) checkPeerTableLocked() {
	for i := range r.peers {
		p := &r.peers[i]
		if (p.refCount > 0) != (p.link != rm.LinkNone) {
			panic(fmt.Sprintf("peer table entry %d: %v link with %d references", i, p.link, p.refCount))
		}
	}
}
