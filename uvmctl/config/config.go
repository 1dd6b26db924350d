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

// Package config provides basic infrastructure to set configuration settings
// for uvmctl. Each setting is defined as a command line flag and stored in
// Config.
package config

import (
	"flag"
	"fmt"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/uvm/pkg/uvm"
	"gvisor.dev/uvm/pkg/uvm/processor"
	"gvisor.dev/uvm/pkg/uvm/rmsim"
)

// Config holds configuration that applies to every uvmctl command.
type Config struct {
	// Topology is the path of the TOML or YAML file describing the simulated
	// machine.
	Topology string

	// Debug enables debug logging.
	Debug bool

	// LogFormat is the format of log output: text or json.
	LogFormat string

	// MaxDevices is the number of device slots in the registry.
	MaxDevices int

	// ATS indicates that the host supports ATS for devices.
	ATS bool

	// AccessCountersOnRegister enables access counters when a device is
	// registered into a VA space.
	AccessCountersOnRegister bool
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(f *flag.FlagSet) {
	f.String("topology", "", "path of the TOML or YAML file describing the simulated devices and links.")
	f.Bool("debug", false, "enable debug logging.")
	f.String("log-format", "text", "log format: text (default) or json.")
	f.Int("max-devices", processor.MaxDevices, "number of device slots in the registry.")
	f.Bool("ats", false, "the host supports ATS for devices.")
	f.Bool("access-counters-on-register", false, "enable access counter notifications when a device is registered into a VA space.")
}

// NewFromFlags creates a new Config with values coming from the command line.
func NewFromFlags(f *flag.FlagSet) (*Config, error) {
	c := &Config{
		Topology:                 get(f, "topology").(string),
		Debug:                    get(f, "debug").(bool),
		LogFormat:                get(f, "log-format").(string),
		MaxDevices:               get(f, "max-devices").(int),
		ATS:                      get(f, "ats").(bool),
		AccessCountersOnRegister: get(f, "access-counters-on-register").(bool),
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func get(f *flag.FlagSet, name string) any {
	fl := f.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("flag %q not registered", name))
	}
	return fl.Value.(flag.Getter).Get()
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.MaxDevices < 1 || c.MaxDevices > processor.MaxDevices {
		return fmt.Errorf("--max-devices must be in [1, %d], got %d", processor.MaxDevices, c.MaxDevices)
	}
	return nil
}

// Options returns the registry options selected by c.
func (c *Config) Options() uvm.Options {
	opts := uvm.DefaultOptions()
	opts.MaxDevices = c.MaxDevices
	opts.ATSSupported = c.ATS
	opts.AccessCountersOnRegister = c.AccessCountersOnRegister
	return opts
}

// LoadTopology reads the topology file.
func (c *Config) LoadTopology() (*rmsim.Topology, error) {
	if c.Topology == "" {
		return nil, fmt.Errorf("--topology must be set")
	}
	return rmsim.LoadTopology(c.Topology)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Topology: %s", c.Topology)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.MaxDevices: %d", c.MaxDevices)
	log.Infof("Config.ATS: %t", c.ATS)
	log.Infof("Config.AccessCountersOnRegister: %t", c.AccessCountersOnRegister)
}
