// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package adapter

import (
	"context"

	"periph.io/x/conn/v3/physic"

	"github.com/jtagbridge/xvcd/jtagctl"
	"github.com/jtagbridge/xvcd/xvc"
)

func init() {
	Register("ft232h", openMPSSE)
	Register("ft4232h", openMPSSE)
}

// openMPSSE opens an FTDI MPSSE-capable device as a JTAG master.
// jtagctl.Controller already implements every method xvc.Controller
// requires, so no adapting wrapper is needed beyond device selection.
func openMPSSE(cfg Config) (xvc.Controller, error) {
	freq := cfg.Frequency
	if freq == 0 {
		freq = 1 * physic.MegaHertz
	}
	c, err := jtagctl.Open(cfg.Index, freq)
	if err != nil {
		return nil, err
	}
	if cfg.Reset {
		if err := c.ResetTAP(context.Background()); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}
