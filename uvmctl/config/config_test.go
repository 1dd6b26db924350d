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

package config

import (
	"flag"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/uvm/pkg/uvm"
)

func newFlagSet(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return f
}

func TestDefaults(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t))
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	want := &Config{LogFormat: "text", MaxDevices: 32}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Config mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(uvm.DefaultOptions(), c.Options()); diff != "" {
		t.Errorf("Options mismatch (-want +got):\n%s", diff)
	}
	if _, err := c.LoadTopology(); err == nil {
		t.Errorf("LoadTopology without --topology succeeded")
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t,
		"--topology=/tmp/t.toml",
		"--debug",
		"--log-format=json",
		"--max-devices=4",
		"--ats",
		"--access-counters-on-register",
	))
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	want := uvm.Options{MaxDevices: 4, ATSSupported: true, AccessCountersOnRegister: true}
	if diff := cmp.Diff(want, c.Options()); diff != "" {
		t.Errorf("Options mismatch (-want +got):\n%s", diff)
	}
	if !c.Debug || c.LogFormat != "json" || c.Topology != "/tmp/t.toml" {
		t.Errorf("Config = %+v", c)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, args := range [][]string{
		{"--log-format=xml"},
		{"--max-devices=0"},
		{"--max-devices=33"},
	} {
		if _, err := NewFromFlags(newFlagSet(t, args...)); err == nil {
			t.Errorf("NewFromFlags(%v) succeeded", args)
		}
	}
}
