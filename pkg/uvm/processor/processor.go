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

// Package processor defines processor identifiers and sets of processors.
//
// A processor is either the CPU or one of the devices managed by the driver.
// The CPU always has ID 0; device IDs are dense, starting at 1, and map to
// registry slot indices by subtracting one.
package processor

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

const (
	// MaxDevices is the upper bound on the number of devices that can be
	// registered at once.
	MaxDevices = 32

	// MaxProcessors is MaxDevices plus the CPU.
	MaxProcessors = MaxDevices + 1
)

// ID identifies a processor.
type ID uint32

// CPU is the ID of the CPU.
const CPU ID = 0

// DeviceID returns the ID of the device in registry slot index.
func DeviceID(index int) ID {
	if index < 0 || index >= MaxDevices {
		panic(fmt.Sprintf("device index %d out of range", index))
	}
	return ID(index + 1)
}

// IsCPU returns true if id is the CPU.
func (id ID) IsCPU() bool {
	return id == CPU
}

// IsDevice returns true if id is a valid device ID.
func (id ID) IsDevice() bool {
	return id != CPU && id <= MaxDevices
}

// DeviceIndex returns the registry slot index of a device ID.
func (id ID) DeviceIndex() int {
	if !id.IsDevice() {
		panic(fmt.Sprintf("%v is not a device", id))
	}
	return int(id) - 1
}

// String implements fmt.Stringer.
func (id ID) String() string {
	if id == CPU {
		return "CPU"
	}
	return fmt.Sprintf("GPU%d", uint32(id))
}

// Mask is a set of processors.
//
// The zero value is an empty mask. Masks must not be copied after first use;
// use Clone instead.
type Mask struct {
	b bitset.BitSet
}

// MaskOf returns a mask containing ids.
func MaskOf(ids ...ID) Mask {
	var m Mask
	for _, id := range ids {
		m.Set(id)
	}
	return m
}

// Set adds id to m.
func (m *Mask) Set(id ID) {
	m.b.Set(uint(id))
}

// Clear removes id from m.
func (m *Mask) Clear(id ID) {
	m.b.Clear(uint(id))
}

// Assign adds or removes id depending on val.
func (m *Mask) Assign(id ID, val bool) {
	if val {
		m.Set(id)
	} else {
		m.Clear(id)
	}
}

// Test returns true if id is in m.
func (m *Mask) Test(id ID) bool {
	return m.b.Test(uint(id))
}

// ClearAll empties m.
func (m *Mask) ClearAll() {
	m.b.ClearAll()
}

// Empty returns true if m contains no processors.
func (m *Mask) Empty() bool {
	return m.b.None()
}

// Count returns the number of processors in m.
func (m *Mask) Count() int {
	return int(m.b.Count())
}

// Clone returns a copy of m.
func (m *Mask) Clone() Mask {
	return Mask{b: *m.b.Clone()}
}

// Equal returns true if m and o contain the same processors.
func (m *Mask) Equal(o *Mask) bool {
	return m.b.SymmetricDifferenceCardinality(&o.b) == 0
}

// And returns the intersection of m and o.
func (m *Mask) And(o *Mask) Mask {
	var r Mask
	r.b = *m.b.Intersection(&o.b)
	return r
}

// AndNot returns the processors in m that are not in o.
func (m *Mask) AndNot(o *Mask) Mask {
	var r Mask
	r.b = *m.b.Difference(&o.b)
	return r
}

// First returns the lowest ID in m.
func (m *Mask) First() (ID, bool) {
	i, ok := m.b.NextSet(0)
	return ID(i), ok
}

// FirstDevice returns the lowest device ID in m.
func (m *Mask) FirstDevice() (ID, bool) {
	i, ok := m.b.NextSet(1)
	return ID(i), ok
}

// ForEach calls fn for each processor in m in ascending order. Iteration
// stops if fn returns false.
func (m *Mask) ForEach(fn func(ID) bool) {
	for i, ok := m.b.NextSet(0); ok; i, ok = m.b.NextSet(i + 1) {
		if !fn(ID(i)) {
			return
		}
	}
}

// IDs returns the processors in m in ascending order.
func (m *Mask) IDs() []ID {
	ids := make([]ID, 0, m.Count())
	m.ForEach(func(id ID) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// String implements fmt.Stringer.
func (m *Mask) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	m.ForEach(func(id ID) bool {
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		sb.WriteString(id.String())
		return true
	})
	sb.WriteByte('}')
	return sb.String()
}
