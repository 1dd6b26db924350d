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

package workq

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

func TestOrderAndFlush(t *testing.T) {
	q := New("test")
	defer q.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if !q.Schedule(func() { got = append(got, i) }) {
			t.Fatalf("Schedule(%d) failed", i)
		}
	}
	q.Flush()

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("work ran out of order (-want +got):\n%s", diff)
	}
}

func TestDisableStillFlushesQueuedWork(t *testing.T) {
	q := New("test")
	defer q.Stop()

	release := make(chan struct{})
	var ran atomicbitops.Int32
	q.Schedule(func() { <-release })
	q.Schedule(func() { ran.Add(1) })
	q.Disable()
	if q.Schedule(func() { ran.Add(100) }) {
		t.Errorf("Schedule succeeded on a disabled queue")
	}
	close(release)
	q.Flush()
	if got := ran.Load(); got != 1 {
		t.Errorf("ran = %d, want 1", got)
	}

	q.Enable()
	if !q.Schedule(func() { ran.Add(1) }) {
		t.Errorf("Schedule failed after Enable")
	}
	q.Flush()
	if got := ran.Load(); got != 2 {
		t.Errorf("ran = %d, want 2", got)
	}
}

func TestStop(t *testing.T) {
	q := New("test")
	var ran atomicbitops.Int32
	q.Schedule(func() { ran.Add(1) })
	q.Stop()
	if got := ran.Load(); got != 1 {
		t.Errorf("queued work did not run before Stop returned")
	}
	if q.Schedule(func() {}) {
		t.Errorf("Schedule succeeded after Stop")
	}
	// Neither of these may block.
	q.Flush()
	q.Stop()
}
