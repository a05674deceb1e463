// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package shiftengine decomposes a parallel TMS/TDI bit-vector pair into
// the minimal schedule of MPSSE opcodes a Controller can issue, and
// reassembles the sampled TDO bits in order. This is the piece that
// bridges the XVC protocol's "shift N bits of TMS and TDI at once"
// contract down to MPSSE's "at most 7 TMS bits per opcode, TDI constant
// for the whole TMS burst" hardware reality.
package shiftengine

import (
	"context"
	"fmt"

	"github.com/jtagbridge/xvcd/bitvec"
)

// Driver is the subset of jtagctl.Controller the engine needs, kept as an
// interface so the engine can be tested without a real USB transport.
type Driver interface {
	WriteTDIReadTDO(ctx context.Context, tdi bitvec.Vector) (bitvec.Vector, error)
	WriteTMSTDIReadTDO(ctx context.Context, tms bitvec.Vector, tdiConstant bool) (bitvec.Vector, error)
}

const maxTMSBurst = 7

// Shift drives tms and tdi (which must be the same length) through d,
// returning the sampled TDO bits in issue order. It never touches TAP
// state bookkeeping; callers fold the same tms vector through tap.Tracker
// separately.
func Shift(ctx context.Context, d Driver, tms, tdi bitvec.Vector) (bitvec.Vector, error) {
	n := tms.Len()
	if tdi.Len() != n {
		return bitvec.Vector{}, fmt.Errorf("shiftengine: tms length %d != tdi length %d", n, tdi.Len())
	}
	out := bitvec.New(0)
	h := 0
	for h < n {
		p, ok := tms.FindFirst(true, h)
		if !ok {
			p = n
		}
		if p > h {
			tdo, err := d.WriteTDIReadTDO(ctx, tdi.Slice(h, p))
			if err != nil {
				return bitvec.Vector{}, err
			}
			out = out.Append(tdo)
			h = p
		}
		if h == n {
			break
		}

		q, ok := tms.FindFirst(false, h)
		if !ok {
			q = n
		} else {
			q = q + 1
		}

		for h < q {
			tail := q
			if tail > h+maxTMSBurst {
				tail = h + maxTMSBurst
			}
			tdiConstant := tdi.At(tail - 1)
			tdo, err := d.WriteTMSTDIReadTDO(ctx, tms.Slice(h, tail), tdiConstant)
			if err != nil {
				return bitvec.Vector{}, err
			}
			out = out.Append(tdo)
			h = tail
		}
	}
	return out, nil
}
