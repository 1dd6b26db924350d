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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/uvm/pkg/uvm"
	"gvisor.dev/uvm/pkg/uvm/rm"
	"gvisor.dev/uvm/uvmctl/config"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	vaSpaces   int
	workers    int
	iterations int
	faultRate  float64
	seed       int64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run random registrations concurrently with fault notifications"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run workers that randomly register and unregister devices,
peers, GPU VA spaces and channels in shared VA spaces while notifications are
injected at a fixed rate. At the end every VA space is destroyed and the
simulated machine is checked for leaks.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.vaSpaces, "va-spaces", 2, "number of VA spaces.")
	f.IntVar(&s.workers, "workers", 4, "number of workers per VA space.")
	f.IntVar(&s.iterations, "iterations", 1000, "operations per worker.")
	f.Float64Var(&s.faultRate, "fault-rate", 10000, "notifications injected per second.")
	f.Int64Var(&s.seed, "seed", 1, "random seed.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.vaSpaces < 1 || s.workers < 1 || s.iterations < 0 || s.faultRate <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	m, err := newMachine(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	return exitStatus(s.run(ctx, os.Stdout, m))
}

type stressStats struct {
	ops      atomicbitops.Uint64
	rejected atomicbitops.Uint64
	retries  atomicbitops.Uint64
	resolved atomicbitops.Uint64
	dropped  atomicbitops.Uint64
}

// stressChannel is a user channel a worker registers and unregisters.
type stressChannel struct {
	device uuid.UUID
	user   rm.UserObject
	inst   rm.ChannelInstance
}

// stressWorker drives one VA space.
type stressWorker struct {
	s        *Stress
	m        *machine
	vs       *uvm.VASpace
	index    int
	rand     *rand.Rand
	channels []stressChannel
	stats    *stressStats
}

func (s *Stress) run(ctx context.Context, out io.Writer, m *machine) error {
	devs, release, err := m.retainAll()
	if err != nil {
		return err
	}
	ids := m.sim.DeviceUUIDs()

	var (
		stats   stressStats
		vss     []*uvm.VASpace
		workers errgroup.Group
		all     []stressChannel
	)
	for v := 0; v < s.vaSpaces; v++ {
		vs := m.reg.NewVASpace(uvm.VASpaceOptions{})
		vss = append(vss, vs)
		for w := 0; w < s.workers; w++ {
			sw := &stressWorker{
				s:     s,
				m:     m,
				vs:    vs,
				index: v*s.workers + w,
				rand:  rand.New(rand.NewSource(s.seed + int64(v*s.workers+w))),
				stats: &stats,
			}
			for di, id := range ids {
				sw.channels = append(sw.channels, stressChannel{
					device: id,
					user:   rm.UserObject{Client: client.Client, Object: rm.Handle(0x10000 + sw.index*len(ids) + di)},
					inst: rm.ChannelInstance{
						InstancePtr: rm.PhysAddr{
							Address:  0x1000000 + uint64(sw.index*len(ids)+di)*0x1000,
							Aperture: rm.ApertureVid,
						},
						TSGID: uint32(sw.index),
					},
				})
			}
			for _, ch := range sw.channels {
				m.sim.AddChannel(ch.user, ch.inst)
			}
			all = append(all, sw.channels...)
			workers.Go(func() error {
				return sw.run(ctx)
			})
		}
	}

	var injector errgroup.Group
	stop := make(chan struct{})
	injector.Go(func() error {
		return s.inject(ctx, stop, devs, all, &stats)
	})

	err = workers.Wait()
	close(stop)
	if ierr := injector.Wait(); err == nil {
		err = ierr
	}

	start := time.Now()
	for _, vs := range vss {
		vs.Destroy()
	}
	log.Infof("Destroyed %d VA spaces in %v", len(vss), time.Since(start))
	release()
	if cerr := m.close(); err == nil {
		err = cerr
	}

	printStressStats(out, &stats)
	return err
}

// inject schedules notifications for random channels until stop is closed.
func (s *Stress) inject(ctx context.Context, stop <-chan struct{}, devs []*uvm.Device, channels []stressChannel, stats *stressStats) error {
	if len(devs) == 0 || len(channels) == 0 {
		return nil
	}
	byUUID := make(map[uuid.UUID]*uvm.Device, len(devs))
	for _, d := range devs {
		byUUID[d.UUID()] = d
	}
	limiter := rate.NewLimiter(rate.Limit(s.faultRate), 1)
	rnd := rand.New(rand.NewSource(s.seed - 1))
	service := func(_ *uvm.VASpace, err error) {
		if err != nil {
			stats.dropped.Add(1)
			return
		}
		stats.resolved.Add(1)
	}
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		ch := channels[rnd.Intn(len(channels))]
		n := uvm.Notification{InstancePtr: ch.inst.InstancePtr}
		if !byUUID[ch.device].ScheduleNotification(n, service) {
			return fmt.Errorf("%v stopped accepting notifications", ch.device)
		}
	}
}

// unexpected returns true if err is not a rejection the random operations
// can cause.
func unexpected(err error) bool {
	if err == nil {
		return false
	}
	switch rm.StatusOf(err) {
	case rm.ErrGeneric, rm.ErrNoMemory, rm.ErrECCError, rm.ErrFatal:
		return true
	}
	return false
}

func (w *stressWorker) run(ctx context.Context) error {
	for i := 0; i < w.s.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := w.step(ctx)
		w.stats.ops.Add(1)
		if err == nil {
			continue
		}
		if unexpected(err) {
			return fmt.Errorf("worker %d: %w", w.index, err)
		}
		w.stats.rejected.Add(1)
		if log.IsLogging(log.Debug) {
			log.Debugf("Worker %d: %v", w.index, err)
		}
	}
	return nil
}

func (w *stressWorker) step(ctx context.Context) error {
	ch := w.channels[w.rand.Intn(len(w.channels))]
	id := ch.device
	vs := w.vs
	switch w.rand.Intn(8) {
	case 0:
		_, err := vs.RegisterDevice(id, client)
		return err
	case 1:
		return vs.UnregisterDevice(id)
	case 2, 3:
		peer := w.channels[w.rand.Intn(len(w.channels))].device
		if peer == id {
			return nil
		}
		if w.rand.Intn(2) == 0 {
			return vs.EnablePeerAccess(id, peer)
		}
		return vs.DisablePeerAccess(id, peer)
	case 4:
		return w.registerGPUVASpace(ctx, id)
	case 5:
		return vs.UnregisterGPUVASpace(id)
	case 6:
		_, err := vs.RegisterChannel(id, ch.user)
		return err
	default:
		return vs.UnregisterChannel(id, ch.user)
	}
}

// registerGPUVASpace registers a GPU VA space, retrying while a previous one
// on the same device is still being torn down.
func (w *stressWorker) registerGPUVASpace(ctx context.Context, id uuid.UUID) error {
	as := rm.UserObject{Client: client.Client, Object: rm.Handle(0x100 + w.index/w.s.workers)}
	op := func() error {
		err := w.vs.RegisterGPUVASpace(id, as)
		if err == nil {
			return nil
		}
		if errors.Is(err, rm.ErrInvalidDevice) && w.vs.IsDeviceRegistered(id) && !w.vs.HasGPUVASpace(id) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Microsecond), 20), ctx)
	return backoff.RetryNotify(op, b, func(error, time.Duration) {
		w.stats.retries.Add(1)
	})
}

func printStressStats(out io.Writer, stats *stressStats) {
	c := uvm.ReadCounters()
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	for _, row := range []struct {
		name  string
		value uint64
	}{
		{"operations", stats.ops.Load()},
		{"rejected", stats.rejected.Load()},
		{"retries", stats.retries.Load()},
		{"notifications resolved", stats.resolved.Load()},
		{"notifications dropped", stats.dropped.Load()},
		{"devices added", c.DevicesAdded},
		{"devices removed", c.DevicesRemoved},
		{"peers enabled", c.PeersEnabled},
		{"channels registered", c.ChannelsRegistered},
		{"deferred frees", c.DeferredFrees},
		{"resolve: invalid channel", c.ResolveInvalidChannel},
		{"resolve: stale sub-context", c.ResolveStaleSubcontext},
		{"resolve: fatal device", c.ResolveFatal},
	} {
		fmt.Fprintf(w, "%s\t%d\n", row.name, row.value)
	}
	w.Flush()
}
