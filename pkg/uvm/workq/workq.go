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

// Package workq provides queues of deferred work, each serviced in order by
// a single goroutine. They stand in for the interrupt bottom halves that
// service device faults and notifications.
package workq

import (
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Queue runs scheduled functions one at a time, in scheduling order.
type Queue struct {
	name string

	mu   sync.Mutex
	cond *sync.Cond

	// +checklocks:mu
	pending []func()

	// disabled is set while new work is rejected. Work already queued still
	// runs.
	//
	// +checklocks:mu
	disabled bool

	// +checklocks:mu
	stopped bool

	done chan struct{}
}

// New creates a queue and starts its goroutine.
func New(name string) *Queue {
	q := &Queue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run() // S/R-SAFE: no save/restore.
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}

// Schedule queues fn. It returns false if the queue is disabled or
// stopped, in which case fn will never run.
func (q *Queue) Schedule(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disabled || q.stopped {
		return false
	}
	q.pending = append(q.pending, fn)
	q.cond.Signal()
	return true
}

// Enable allows new work to be scheduled.
func (q *Queue) Enable() {
	q.mu.Lock()
	q.disabled = false
	q.mu.Unlock()
}

// Disable rejects new work until Enable is called.
func (q *Queue) Disable() {
	q.mu.Lock()
	q.disabled = true
	q.mu.Unlock()
}

// Flush blocks until all work scheduled before the call has completed,
// whether or not the queue is disabled. It must not be called from work
// running on q.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	flushed := make(chan struct{})
	q.pending = append(q.pending, func() { close(flushed) })
	q.cond.Signal()
	q.mu.Unlock()
	<-flushed
}

// Stop runs all queued work and then terminates the goroutine. Later
// Schedule calls fail and later Flush calls return immediately.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
	if log.IsLogging(log.Debug) {
		log.Debugf("workq %q stopped", q.name)
	}
}
