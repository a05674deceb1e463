// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ftdiusb wraps a periph.io/x/d2xx handle into the thin,
// go-idiomatic transport the JTAG controller needs: open-by-index,
// blocking write, blocking read-all, MPSSE mode switch and FIFO sizing.
// It owns no JTAG semantics; those live in package jtagctl.
package ftdiusb

import (
	"context"
	"errors"
	"fmt"
	"io"

	"periph.io/x/d2xx"
)

// bitMode mirrors the FTDI bit-mode register values used to switch the
// chip between UART, bit-bang and MPSSE operation.
type bitMode uint8

const (
	bitModeReset bitMode = 0x00
	bitModeMpsse bitMode = 0x02
)

// FIFOSize describes the write/read FIFO depths of a given FTDI device
// family, in bytes. The controller derives its flush thresholds from
// these (spec.md §3: RBMAX = R-2, WBMAX = W-3).
type FIFOSize struct {
	Write int
	Read  int
}

// fifoSizes is keyed by the D2XX device type constant; defaults matching
// the FT232H/FT2232H/FT4232H family (the only MPSSE-capable parts this
// driver targets) are used when a type isn't listed.
var fifoSizes = map[int]FIFOSize{
	// FT232H, FT2232H, FT4232H all carry 1024-byte TX/RX FIFOs per MPSSE
	// channel.
	0: {Write: 1024, Read: 1024},
}

// Handle is a thin, blocking wrapper around a d2xx.Handle opened in MPSSE
// mode.
type Handle struct {
	h     d2xx.Handle
	fifo  FIFOSize
	devID uint16
	venID uint16
}

// Open opens the index'th D2XX device, puts it into MPSSE mode and
// returns a ready-to-use Handle. index is usually 0; multiple FTDI
// devices on the same host are distinguished by enumeration order, as
// the D2XX API offers no stable USB location path.
func Open(index int) (*Handle, error) {
	return openWith(d2xx.Open, index)
}

// openWith is Open with the d2xx.Open call factored out so tests can
// substitute a d2xxtest.Fake.
func openWith(opener func(i int) (d2xx.Handle, d2xx.Err), index int) (*Handle, error) {
	h, e := opener(index)
	if e != 0 {
		return nil, toErr("Open", e)
	}
	return newHandle(h)
}

// OpenHandle wraps an already-obtained d2xx.Handle (real or, in tests, a
// d2xxtest.Fake) the same way Open wraps a freshly dialed device.
func OpenHandle(h d2xx.Handle) (*Handle, error) {
	return newHandle(h)
}

func newHandle(h d2xx.Handle) (*Handle, error) {
	devType, vid, did, e := h.GetDeviceInfo()
	if e != 0 {
		_ = h.Close()
		return nil, toErr("GetDeviceInfo", e)
	}
	hd := &Handle{h: h, venID: vid, devID: did, fifo: fifoSizeFor(devType)}
	if err := hd.init(); err != nil {
		_ = hd.Close()
		return nil, err
	}
	return hd, nil
}

func fifoSizeFor(devType int) FIFOSize {
	if f, ok := fifoSizes[devType]; ok {
		return f
	}
	return fifoSizes[0]
}

// init resets the device into a known state and configures it for MPSSE
// use: maximum USB packet size, generous I/O timeouts (made visible
// rather than silently retried) and MPSSE bit mode.
func (h *Handle) init() error {
	if e := h.h.ResetDevice(); e != 0 {
		return toErr("ResetDevice", e)
	}
	if e := h.h.SetBitMode(0, byte(bitModeReset)); e != 0 {
		return toErr("SetBitMode(reset)", e)
	}
	if e := h.h.SetUSBParameters(65536, 65536); e != 0 {
		return toErr("SetUSBParameters", e)
	}
	if e := h.h.SetTimeouts(5000, 5000); e != 0 {
		return toErr("SetTimeouts", e)
	}
	if e := h.h.SetChars(0, false, 0, false); e != 0 {
		return toErr("SetChars", e)
	}
	if e := h.h.SetLatencyTimer(2); e != 0 {
		return toErr("SetLatencyTimer", e)
	}
	if err := h.purge(); err != nil {
		return err
	}
	if e := h.h.SetBitMode(0, byte(bitModeMpsse)); e != 0 {
		return toErr("SetBitMode(mpsse)", e)
	}
	return nil
}

func (h *Handle) purge() error {
	var buf [256]byte
	for {
		n, err := h.readAvailable(buf[:])
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// FIFO returns the write/read FIFO depths the controller must respect
// when batching commands.
func (h *Handle) FIFO() FIFOSize {
	return h.fifo
}

// DeviceInfo returns the USB vendor and product IDs reported at open
// time.
func (h *Handle) DeviceInfo() (vid, pid uint16) {
	return h.venID, h.devID
}

// Close resets the device to a safe mode and releases the USB handle. It
// is always safe to call more than once.
func (h *Handle) Close() error {
	_ = h.h.SetBitMode(0, byte(bitModeReset))
	return toErr("Close", h.h.Close())
}

// Write blocks until every byte of b has been accepted by the driver.
func (h *Handle) Write(b []byte) error {
	for offset := 0; offset != len(b); {
		chunk := len(b) - offset
		if chunk > 4096 {
			chunk = 4096
		}
		n, e := h.h.Write(b[offset : offset+chunk])
		if e != 0 {
			return toErr("Write", e)
		}
		if n == 0 {
			return errors.New("ftdiusb: write stalled: 0 bytes accepted")
		}
		offset += n
	}
	return nil
}

// readAvailable returns whatever is already queued, without blocking for
// more.
func (h *Handle) readAvailable(b []byte) (int, error) {
	p, e := h.h.GetQueueStatus()
	if e != 0 {
		return 0, toErr("GetQueueStatus", e)
	}
	if p == 0 {
		return 0, nil
	}
	v := int(p)
	if v > len(b) {
		v = len(b)
	}
	n, e := h.h.Read(b[:v])
	if e != 0 {
		return n, toErr("Read", e)
	}
	return n, nil
}

// ReadAll blocks until len(b) bytes have been read or ctx is canceled.
func (h *Handle) ReadAll(ctx context.Context, b []byte) (int, error) {
	for offset := 0; offset != len(b); {
		if err := ctx.Err(); err != nil {
			return offset, err
		}
		n, err := h.readAvailable(b[offset:])
		if err != nil {
			return offset, err
		}
		offset += n
	}
	return len(b), nil
}

func toErr(s string, e d2xx.Err) error {
	if e == 0 {
		return nil
	}
	return fmt.Errorf("ftdiusb: %s: %s", s, e.String())
}

// ErrClosed is io.ErrClosedPipe under this package's name. No method of
// Handle returns it; operations on a closed handle report the error the
// underlying d2xx handle gives.
var ErrClosed = io.ErrClosedPipe
