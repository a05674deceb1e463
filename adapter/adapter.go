// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package adapter maps a CLI-supplied adapter name to a concrete backend
// implementing xvc.Controller. It replaces the original design's runtime
// module import with a closed, statically-typed registry.
package adapter

import (
	"fmt"

	"periph.io/x/conn/v3/physic"

	"github.com/jtagbridge/xvcd/xvc"
)

// Config carries the parameters every backend's constructor needs.
type Config struct {
	// URL is the FTDI device URL the CLI resolved. No backend reads it:
	// the MPSSE backends open the device by Index, and legacygpio always
	// opens the first matching VID/PID.
	URL string
	// Index is the D2XX enumeration index the MPSSE backends open.
	Index int
	// Frequency is the initial TCK rate.
	Frequency physic.Frequency
	// Reset requests a TAP reset (five TMS=1 clocks) when the adapter is
	// opened, before it starts accepting clients. No backend pulses
	// PROGRAM_B.
	Reset bool
}

// Constructor builds a ready-to-use xvc.Controller from a Config.
type Constructor func(cfg Config) (xvc.Controller, error)

var registry = map[string]Constructor{}

// Register adds name to the registry. Called from each backend's init().
func Register(name string, c Constructor) {
	if _, dup := registry[name]; dup {
		panic("adapter: duplicate registration for " + name)
	}
	registry[name] = c
}

// Names returns the registered backend names, for CLI usage text.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// Open constructs the named backend.
func Open(name string, cfg Config) (xvc.Controller, error) {
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("adapter: unknown adapter %q (available: %v)", name, Names())
	}
	return c(cfg)
}
