// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package jtagctl

import (
	"context"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/d2xx"
	"periph.io/x/d2xx/d2xxtest"

	"github.com/jtagbridge/xvcd/bitvec"
	"github.com/jtagbridge/xvcd/ftdiusb"
)

func openFake(t *testing.T, freq physic.Frequency) *Controller {
	t.Helper()
	fake := &d2xxtest.Fake{Vid: 0x0403, Pid: 0x6014, Data: [][]byte{{}}}
	h, err := ftdiusbOpenWith(fake)
	if err != nil {
		t.Fatalf("ftdiusb open: %v", err)
	}
	c := &Controller{h: h}
	if err := c.configure(freq); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return c
}

// ftdiusbOpenWith builds the handle through ftdiusb.OpenHandle: ftdiusb.Open
// always dials the real d2xx.Open, so tests hand the fake in through the
// same d2xx.Handle interface the production Open would receive.
func ftdiusbOpenWith(fake d2xx.Handle) (*ftdiusb.Handle, error) {
	return ftdiusb.OpenHandle(fake)
}

func TestOpenConfiguresFrequency(t *testing.T) {
	c := openFake(t, 1*physic.MegaHertz)
	defer c.Close()
	if c.Frequency() <= 0 || c.Frequency() > 1*physic.MegaHertz {
		t.Fatalf("Frequency() = %s, want in (0, 1MHz]", c.Frequency())
	}
}

func TestSetFrequencyRejectsOutOfRange(t *testing.T) {
	c := openFake(t, 1*physic.MegaHertz)
	defer c.Close()
	if err := c.SetFrequency(31 * physic.MegaHertz); err == nil {
		t.Fatal("expected error for frequency above 30MHz")
	}
	if err := c.SetFrequency(10 * physic.Hertz); err == nil {
		t.Fatal("expected error for frequency below 100Hz")
	}
}

func TestResetTAPPropagatesTransportError(t *testing.T) {
	c := openFake(t, 1*physic.MegaHertz)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// The fake handle never produces a sampled TDO byte, so the read side
	// of the reset burst cannot complete before the context deadline; this
	// exercises the ctx-aware error path rather than a real round trip.
	if err := c.ResetTAP(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestStackFlushesBeforeOverflowingWriteFIFO(t *testing.T) {
	c := openFake(t, 1*physic.MegaHertz)
	defer c.Close()
	c.wrMax = 4
	c.rdMax = 64
	ctx := context.Background()
	if err := c.stack(ctx, []byte{0xaa, 0xbb}, 0); err != nil {
		t.Fatalf("stack #1: %v", err)
	}
	if len(c.pending) != 2 {
		t.Fatalf("pending = %d bytes, want 2", len(c.pending))
	}
	// Adding 3 more bytes would need 5 bytes of room (2+3) plus the
	// trailing send-immediate byte, exceeding wrMax=4, so stack must
	// flush the existing 2 bytes first.
	if err := c.stack(ctx, []byte{0xcc, 0xdd, 0xee}, 0); err != nil {
		t.Fatalf("stack #2: %v", err)
	}
	if len(c.pending) != 3 {
		t.Fatalf("pending after forced flush = %d bytes, want 3", len(c.pending))
	}
}

func TestChunkAccountingCoversFullLength(t *testing.T) {
	// Pure length accounting: replays WriteTDIReadTDO's chunk-splitting
	// loop on a copy and checks it covers the full vector for a small
	// FIFO size. WriteTDIReadTDO itself is not called, since it needs a
	// transport round trip.
	c := &Controller{wrMax: 2, rdMax: 2}
	v, err := bitvec.FromWire([]byte{0x12, 0x34, 0x56, 0x78, 0x9a}, 37)
	if err != nil {
		t.Fatal(err)
	}
	n := v.Len()
	byteCount := n / 8
	bitCount := n - 8*byteCount
	total := 0
	maxRWBytes := c.wrMax
	if c.rdMax < maxRWBytes {
		maxRWBytes = c.rdMax
	}
	pos := 0
	for pos < 8*byteCount {
		tail := pos + 8*maxRWBytes
		if tail > 8*byteCount {
			tail = 8 * byteCount
		}
		total += tail - pos
		pos = tail
	}
	total += bitCount
	if total != n {
		t.Fatalf("chunk accounting covers %d bits, want %d", total, n)
	}
}
