// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package jtagctl drives an FTDI MPSSE engine as a JTAG master: clock
// rate, TDI/TMS shifting with TDO capture, and a FIFO-bounded pending
// command buffer that auto-flushes before it would overrun the device's
// write or read FIFO.
package jtagctl

import (
	"context"
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"

	"github.com/jtagbridge/xvcd/bitvec"
	"github.com/jtagbridge/xvcd/ftdiusb"
	"github.com/jtagbridge/xvcd/mpsse"
)

// GPIO bit assignments on the FTDI low byte, fixed by the MPSSE JTAG
// wiring convention (ADBUS0-3).
const (
	tckBit  = 0x01
	tdiBit  = 0x02
	tdoBit  = 0x04
	tmsBit  = 0x08
	trstBit = 0x10

	// direction has every JTAG signal but TDO as an output, plus bits 4
	// and 7 of the low byte (0x90) held as outputs to keep boards such as
	// the PYNQ-Z1 from floating those lines into an undefined state.
	direction  = tckBit | tdiBit | tmsBit | 0x90
	initialOut = 0xe0
)

// Controller is a JTAG master built on an FTDI MPSSE handle. It is not
// safe for concurrent use; xvcd serializes all access behind its single
// client connection.
type Controller struct {
	h        *ftdiusb.Handle
	wrMax    int // usable write FIFO bytes once opcode/length overhead is reserved
	rdMax    int // usable read FIFO bytes once status overhead is reserved
	pending      []byte
	expected     int // response bytes queued for the pending buffer
	lastResponse []byte
	freq         physic.Frequency
}

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("jtagctl: controller is closed")

// Open opens the index'th FTDI device, switches it into MPSSE mode and
// configures it as a JTAG master running at freq.
func Open(index int, freq physic.Frequency) (*Controller, error) {
	h, err := ftdiusb.Open(index)
	if err != nil {
		return nil, err
	}
	c := &Controller{h: h}
	if err := c.configure(freq); err != nil {
		_ = h.Close()
		return nil, err
	}
	return c, nil
}

func (c *Controller) configure(freq physic.Frequency) error {
	if err := c.h.Write(mpsse.SetLowGPIO(initialOut, direction)); err != nil {
		return err
	}
	fifo := c.h.FIFO()
	// The command byte plus its two length bytes must also fit in the
	// write FIFO alongside the payload.
	c.wrMax = fifo.Write - 3
	// The two MPSSE status bytes still occupy space in the read FIFO even
	// though the driver's read call never surfaces them.
	c.rdMax = fifo.Read - 2
	if c.wrMax <= 0 || c.rdMax <= 0 {
		return fmt.Errorf("jtagctl: FIFO too small: write=%d read=%d", fifo.Write, fifo.Read)
	}
	return c.SetFrequency(freq)
}

// SetFrequency reprograms the MPSSE clock divisor. The MPSSE clocks off a
// 30MHz base; the achievable rate is 30MHz/(1+div) for div in [0, 65535],
// so not every requested frequency is exactly reachable - the nearest
// slower rate is selected. Requests below 30MHz/65536 (about 458Hz) get
// that slowest rate.
func (c *Controller) SetFrequency(freq physic.Frequency) error {
	const base = 30 * physic.MegaHertz
	if freq > base {
		return fmt.Errorf("jtagctl: invalid frequency %s; maximum supported clock is 30MHz", freq)
	}
	if freq < 100*physic.Hertz {
		return fmt.Errorf("jtagctl: invalid frequency %s; minimum supported clock is 100Hz", freq)
	}
	div := (int64(base)+int64(freq)-1)/int64(freq) - 1
	if div < 0 {
		div = 0
	}
	if div > 0xffff {
		div = 0xffff
	}
	cmd := append(mpsse.ClockPrescale(true), mpsse.ClockDivisor(uint16(div))...)
	if err := c.h.Write(cmd); err != nil {
		return err
	}
	c.freq = base / physic.Frequency(div+1)
	return nil
}

// Frequency returns the last programmed clock rate.
func (c *Controller) Frequency() physic.Frequency {
	return c.freq
}

// MaxVectorLen returns the largest combined TMS+TDI byte length the XVC
// getinfo: handshake should advertise, derived from the FIFO-bounded
// write and read capacity: min(tms_max+tdi_max, 2*tdo_max), with
// tms_max == tdi_max == the usable write-FIFO capacity and tdo_max the
// usable read-FIFO capacity.
func (c *Controller) MaxVectorLen() int {
	byWrite := 2 * c.wrMax
	byRead := 2 * c.rdMax
	if byRead < byWrite {
		return byRead
	}
	return byWrite
}

// Close flushes any pending commands and releases the underlying USB
// handle. Safe to call more than once.
func (c *Controller) Close() error {
	if c.h == nil {
		return nil
	}
	err := c.sync(context.Background())
	if cerr := c.h.Close(); err == nil {
		err = cerr
	}
	c.h = nil
	return err
}

// stack appends cmd to the pending write buffer, flushing first if cmd
// would overflow the write FIFO (accounting for the trailing
// send-immediate byte sync adds).
func (c *Controller) stack(ctx context.Context, cmd []byte, responseBytes int) error {
	if c.h == nil {
		return ErrClosed
	}
	if len(c.pending)+len(cmd)+1 > c.wrMax || c.expected+responseBytes > c.rdMax {
		if err := c.sync(ctx); err != nil {
			return err
		}
	}
	c.pending = append(c.pending, cmd...)
	c.expected += responseBytes
	return nil
}

// sync flushes the pending command buffer, appending a send-immediate so
// the MPSSE returns any queued TDO samples promptly, and reads back
// exactly the number of bytes the stacked commands promised.
func (c *Controller) sync(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}
	buf := append(c.pending, mpsse.SendImmediate()...)
	if err := c.h.Write(buf); err != nil {
		c.pending = c.pending[:0]
		c.expected = 0
		return err
	}
	if c.expected > 0 {
		resp := make([]byte, c.expected)
		if _, err := c.h.ReadAll(ctx, resp); err != nil {
			c.pending = c.pending[:0]
			c.expected = 0
			return err
		}
		c.lastResponse = resp
	}
	c.pending = c.pending[:0]
	c.expected = 0
	return nil
}

// WriteTMSTDIReadTDO clocks 1..7 TMS bits while holding TDI at a single
// constant bit for the whole burst, returning the TDO sampled on each
// clock in issue order.
func (c *Controller) WriteTMSTDIReadTDO(ctx context.Context, tms bitvec.Vector, tdi bool) (bitvec.Vector, error) {
	length := tms.Len()
	if length < 1 || length > mpsse.MaxTMSBits {
		return bitvec.Vector{}, fmt.Errorf("jtagctl: invalid TMS burst length %d", length)
	}
	cmd, err := mpsse.ShiftTMS(tms, tdi)
	if err != nil {
		return bitvec.Vector{}, err
	}
	if err := c.stack(ctx, cmd, 1); err != nil {
		return bitvec.Vector{}, err
	}
	if err := c.sync(ctx); err != nil {
		return bitvec.Vector{}, err
	}
	return mpsse.DecodeShiftTMS(c.lastResponse[0], length)
}

// WriteTDIReadTDO clocks the full tdi vector out while sampling TDO,
// automatically splitting into byte-granularity and trailing bit-
// granularity MPSSE opcodes chunked to the adapter's FIFO capacity.
func (c *Controller) WriteTDIReadTDO(ctx context.Context, tdi bitvec.Vector) (bitvec.Vector, error) {
	n := tdi.Len()
	byteCount := n / 8
	bitCount := n - 8*byteCount

	out := bitvec.New(0)
	maxRWBits := c.wrMax
	if c.rdMax < maxRWBits {
		maxRWBits = c.rdMax
	}
	maxRWBytes := maxRWBits

	pos := 0
	for pos < 8*byteCount {
		tail := pos + 8*maxRWBytes
		if tail > 8*byteCount {
			tail = 8 * byteCount
		}
		chunk := tdi.Slice(pos, tail)
		res, err := c.shiftBytes(ctx, chunk)
		if err != nil {
			return bitvec.Vector{}, err
		}
		out = out.Append(res)
		pos = tail
	}
	if bitCount > 0 {
		chunk := tdi.Slice(8*byteCount, n)
		res, err := c.shiftBits(ctx, chunk)
		if err != nil {
			return bitvec.Vector{}, err
		}
		out = out.Append(res)
	}
	return out, nil
}

func (c *Controller) shiftBytes(ctx context.Context, chunk bitvec.Vector) (bitvec.Vector, error) {
	data := chunk.ToMSB()
	cmd, err := mpsse.ShiftBytes(data)
	if err != nil {
		return bitvec.Vector{}, err
	}
	if err := c.stack(ctx, cmd, len(data)); err != nil {
		return bitvec.Vector{}, err
	}
	if err := c.sync(ctx); err != nil {
		return bitvec.Vector{}, err
	}
	return bitvec.FromMSB(c.lastResponse, chunk.Len())
}

func (c *Controller) shiftBits(ctx context.Context, chunk bitvec.Vector) (bitvec.Vector, error) {
	length := chunk.Len()
	cmd, err := mpsse.ShiftBits(chunk.ToMSB()[0], length)
	if err != nil {
		return bitvec.Vector{}, err
	}
	if err := c.stack(ctx, cmd, 1); err != nil {
		return bitvec.Vector{}, err
	}
	if err := c.sync(ctx); err != nil {
		return bitvec.Vector{}, err
	}
	return mpsse.DecodeShiftBits(c.lastResponse[0], length)
}

// ResetTAP clocks five TMS=1 cycles, the IEEE 1149.1-guaranteed path back
// to Test-Logic-Reset from any state.
func (c *Controller) ResetTAP(ctx context.Context) error {
	tms := bitvec.FromBools(true, true, true, true, true)
	_, err := c.WriteTMSTDIReadTDO(ctx, tms, false)
	return err
}
