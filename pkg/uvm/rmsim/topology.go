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

package rmsim

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gvisor.dev/uvm/pkg/uvm/rm"
)

const (
	// DefaultArch is the architecture of devices that do not set one.
	DefaultArch = 0x170

	// MinSupportedArch is the oldest architecture the simulated HAL
	// accepts.
	MinSupportedArch = 0x110

	defaultBigPageSize    = 64 << 10
	defaultMaxSubcontexts = 64
)

// Topology describes a simulated machine.
type Topology struct {
	// ATS is true if the platform supports address translation services.
	ATS bool `toml:"ats" yaml:"ats"`

	Devices []DeviceConfig `toml:"device" yaml:"device"`

	// Links lists device pairs whose connection is not plain PCIe.
	Links []LinkConfig `toml:"link" yaml:"link"`
}

// DeviceConfig describes one simulated device.
type DeviceConfig struct {
	// UUID defaults to DeviceUUID(index).
	UUID string `toml:"uuid" yaml:"uuid"`
	Name string `toml:"name" yaml:"name"`
	Arch uint32 `toml:"arch" yaml:"arch"`
	SLI  bool   `toml:"sli" yaml:"sli"`

	// SysmemLink is a rm.LinkType name; it defaults to "pcie".
	SysmemLink         string `toml:"sysmem_link" yaml:"sysmem_link"`
	SysmemLinkRateMBps uint32 `toml:"sysmem_link_rate_mbps" yaml:"sysmem_link_rate_mbps"`

	NUMA     bool `toml:"numa" yaml:"numa"`
	NUMANode int  `toml:"numa_node" yaml:"numa_node"`

	ReplayableFaults bool `toml:"replayable_faults" yaml:"replayable_faults"`
	AccessCounters   bool `toml:"access_counters" yaml:"access_counters"`
	NoPeerCopy       bool `toml:"no_peer_copy" yaml:"no_peer_copy"`
	ECC              bool `toml:"ecc" yaml:"ecc"`
	ECCError         bool `toml:"ecc_error" yaml:"ecc_error"`

	BigPageSize    uint32 `toml:"big_page_size" yaml:"big_page_size"`
	MaxSubcontexts uint32 `toml:"max_subcontexts" yaml:"max_subcontexts"`
}

// LinkConfig describes the connection between two devices, named by UUID or
// by index in Topology.Devices.
type LinkConfig struct {
	A        string `toml:"a" yaml:"a"`
	B        string `toml:"b" yaml:"b"`
	Type     string `toml:"type" yaml:"type"`
	Indirect bool   `toml:"indirect" yaml:"indirect"`
	RateMBps uint32 `toml:"rate_mbps" yaml:"rate_mbps"`
}

// DeviceUUID returns the UUID given to the device at index when its
// configuration does not name one.
func DeviceUUID(index int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("uvm-sim-device-%d", index)))
}

// LoadTopology reads a topology file. Files ending in .yaml or .yml are
// YAML, anything else is TOML.
func LoadTopology(path string) (*Topology, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		t, err := ParseTopologyYAML(data)
		if err != nil {
			return nil, fmt.Errorf("topology %q: %w", path, err)
		}
		return t, nil
	}
	var t Topology
	md, err := toml.DecodeFile(path, &t)
	if err != nil {
		return nil, fmt.Errorf("decoding topology %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys %v in topology %q: %w", undecoded, path, rm.ErrInvalidArgument)
	}
	return &t, nil
}

// ParseTopology parses a TOML topology.
func ParseTopology(data string) (*Topology, error) {
	var t Topology
	md, err := toml.Decode(data, &t)
	if err != nil {
		return nil, fmt.Errorf("decoding topology: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown topology keys %v: %w", undecoded, rm.ErrInvalidArgument)
	}
	return &t, nil
}

// ParseTopologyYAML parses a YAML topology. It uses the same keys as TOML.
func ParseTopologyYAML(data []byte) (*Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decoding topology: %v: %w", err, rm.ErrInvalidArgument)
	}
	return &t, nil
}

type deviceState struct {
	index int
	uuid  uuid.UUID
	cfg   DeviceConfig
	link  rm.LinkType
}

type linkState struct {
	link     rm.LinkType
	indirect bool
	rate     uint32
}

type resolvedTopology struct {
	ats     bool
	devices map[uuid.UUID]*deviceState
	order   []*deviceState
	links   map[[2]uuid.UUID]linkState
}

func (t *Topology) resolve() (*resolvedTopology, error) {
	r := &resolvedTopology{
		ats:     t.ATS,
		devices: make(map[uuid.UUID]*deviceState),
		links:   make(map[[2]uuid.UUID]linkState),
	}
	for i, cfg := range t.Devices {
		id := DeviceUUID(i)
		if cfg.UUID != "" {
			var err error
			if id, err = uuid.Parse(cfg.UUID); err != nil {
				return nil, fmt.Errorf("device %d: bad uuid %q: %w", i, cfg.UUID, rm.ErrInvalidArgument)
			}
		}
		if _, ok := r.devices[id]; ok {
			return nil, fmt.Errorf("device %d: duplicate uuid %v: %w", i, id, rm.ErrInvalidArgument)
		}
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("sim%d", i)
		}
		if cfg.Arch == 0 {
			cfg.Arch = DefaultArch
		}
		if cfg.BigPageSize == 0 {
			cfg.BigPageSize = defaultBigPageSize
		}
		if cfg.MaxSubcontexts == 0 {
			cfg.MaxSubcontexts = defaultMaxSubcontexts
		}
		if !cfg.NUMA {
			cfg.NUMANode = -1
		}
		link := rm.LinkPCIe
		if cfg.SysmemLink != "" {
			var err error
			if link, err = rm.ParseLinkType(cfg.SysmemLink); err != nil {
				return nil, fmt.Errorf("device %d: %w", i, err)
			}
		}
		d := &deviceState{index: i, uuid: id, cfg: cfg, link: link}
		r.devices[id] = d
		r.order = append(r.order, d)
	}
	for i, lc := range t.Links {
		a, err := r.lookup(lc.A)
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
		b, err := r.lookup(lc.B)
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
		if a == b {
			return nil, fmt.Errorf("link %d connects %v to itself: %w", i, a.uuid, rm.ErrInvalidArgument)
		}
		lt, err := rm.ParseLinkType(lc.Type)
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
		r.links[pairKey(a.uuid, b.uuid)] = linkState{link: lt, indirect: lc.Indirect, rate: lc.RateMBps}
	}
	return r, nil
}

func (r *resolvedTopology) lookup(name string) (*deviceState, error) {
	if id, err := uuid.Parse(name); err == nil {
		if d, ok := r.devices[id]; ok {
			return d, nil
		}
	}
	if index, err := strconv.Atoi(name); err == nil && index >= 0 && index < len(r.order) {
		return r.order[index], nil
	}
	return nil, fmt.Errorf("unknown device %q: %w", name, rm.ErrInvalidArgument)
}

func pairKey(a, b uuid.UUID) [2]uuid.UUID {
	for i := range a {
		if a[i] != b[i] {
			if a[i] > b[i] {
				a, b = b, a
			}
			break
		}
	}
	return [2]uuid.UUID{a, b}
}
