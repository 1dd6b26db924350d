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
)

type deferredFreeKind uint8

const (
	deferredFreeChannel deferredFreeKind = iota
	deferredFreeGPUVASpace
	deferredFreeExternalMapping
)

// deferredFreeObject is an object that was removed under a VA space lock and
// is destroyed after the lock is dropped. Exactly one of the pointers is set,
// as selected by kind.
type deferredFreeObject struct {
	kind       deferredFreeKind
	channel    *UserChannel
	gpuVASpace *GPUVASpace
	mapping    *externalMapping
}

// deferredFreeList collects objects to destroy. It is filled with the VA
// space lock held for writing and drained with no lock held. The zero value
// is an empty list.
type deferredFreeList struct {
	objs []deferredFreeObject
}

func (l *deferredFreeList) addChannel(ch *UserChannel) {
	l.objs = append(l.objs, deferredFreeObject{kind: deferredFreeChannel, channel: ch})
}

func (l *deferredFreeList) addGPUVASpace(g *GPUVASpace) {
	l.objs = append(l.objs, deferredFreeObject{kind: deferredFreeGPUVASpace, gpuVASpace: g})
}

func (l *deferredFreeList) addExternalMapping(m *externalMapping) {
	l.objs = append(l.objs, deferredFreeObject{kind: deferredFreeExternalMapping, mapping: m})
}

func (l *deferredFreeList) empty() bool {
	return len(l.objs) == 0
}

// drain destroys every object in the order it was added and empties the
// list. No VA space lock may be held.
func (l *deferredFreeList) drain() {
	if len(l.objs) == 0 {
		return
	}
	// Fault buffers are flushed at most once per device.
	var flushed map[*Device]struct{}
	for i := range l.objs {
		o := &l.objs[i]
		switch o.kind {
		case deferredFreeChannel:
			d := o.channel.device
			if _, ok := flushed[d]; !ok {
				// Faults still in the buffer must not be attributed to a
				// new channel that reuses the instance pointer.
				d.flushFaultBuffer()
				if flushed == nil {
					flushed = make(map[*Device]struct{})
				}
				flushed[d] = struct{}{}
			}
			o.channel.destroy()
		case deferredFreeGPUVASpace:
			o.gpuVASpace.destroy()
		case deferredFreeExternalMapping:
			o.mapping.destroy()
		default:
			panic(fmt.Sprintf("bad deferred free object kind %d", o.kind))
		}
	}
	deferredFrees.IncrementBy(uint64(len(l.objs)))
	l.objs = nil
}
