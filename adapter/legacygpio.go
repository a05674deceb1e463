// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package adapter

import (
	"context"
	"fmt"

	"github.com/google/gousb"
	"periph.io/x/conn/v3/physic"

	"github.com/jtagbridge/xvcd/bitvec"
	"github.com/jtagbridge/xvcd/xvc"
)

func init() {
	Register("legacygpio", openLegacyGPIO)
}

// GPIO bit assignments used by the bit-bang backend, fixed to match the
// FT4232H breakout wiring this backend was built against.
const (
	legacyTCKBit = 1 << 0
	legacyTDIBit = 1 << 1
	legacyTDOBit = 1 << 2
	legacyTMSBit = 1 << 3

	legacyOutputMask = legacyTCKBit | legacyTDIBit | legacyTMSBit

	legacyVID = 0x0403
	legacyPID = 0x6011

	// legacyFrequency is the only rate this backend ever reports,
	// regardless of what SetFrequency is asked for: a documented quirk
	// of the GPIO-only backend it is modeled on.
	legacyFrequency = 100 * physic.KiloHertz

	sioResetRequest     = 0x00
	sioSetBitModeReq    = 0x0b
	sioReadPinsReq      = 0x0c
	bitmodeAsyncBitbang = 0x01
)

// legacyGPIO drives JTAG one clock edge at a time over an FTDI device put
// into asynchronous bit-bang mode via raw USB control transfers, bypassing
// the MPSSE engine entirely. It exists to mirror the original project's
// slower GPIO-only adapter: frequency is not actually controllable, and
// every operation is a direct translation of the tick() algorithm (set
// TMS/TDI on a falling edge, sample TDO on the following rising edge).
type legacyGPIO struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	intf  *gousb.Interface
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	out byte // shadow of the last output byte written
}

func openLegacyGPIO(cfg Config) (xvc.Controller, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(legacyVID), gousb.ID(legacyPID))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("adapter: legacygpio: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("adapter: legacygpio: no device with VID:PID %04x:%04x", legacyVID, legacyPID)
	}
	_ = dev.SetAutoDetach(true)

	g := &legacyGPIO{ctx: ctx, dev: dev}
	if err := g.claim(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	if err := g.configure(); err != nil {
		g.Close()
		return nil, err
	}
	if cfg.Reset {
		if err := g.ResetTAP(context.Background()); err != nil {
			g.Close()
			return nil, err
		}
	}
	return g, nil
}

func (g *legacyGPIO) claim() error {
	cfg, err := g.dev.Config(1)
	if err != nil {
		return fmt.Errorf("adapter: legacygpio: config: %w", err)
	}
	intfNum := 0
	for _, desc := range cfg.Desc.Interfaces {
		if len(desc.AltSettings) > 0 && desc.AltSettings[0].Class == gousb.ClassVendorSpec {
			intfNum = desc.Number
			break
		}
	}
	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		return fmt.Errorf("adapter: legacygpio: claim interface %d: %w", intfNum, err)
	}
	g.intf = intf

	var outAddr, inAddr int
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut {
			outAddr = ep.Number
		} else {
			inAddr = ep.Number
		}
	}
	if outAddr == 0 || inAddr == 0 {
		intf.Close()
		return fmt.Errorf("adapter: legacygpio: bulk endpoints not found")
	}
	epOut, err := intf.OutEndpoint(outAddr)
	if err != nil {
		intf.Close()
		return fmt.Errorf("adapter: legacygpio: out endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(inAddr)
	if err != nil {
		intf.Close()
		return fmt.Errorf("adapter: legacygpio: in endpoint: %w", err)
	}
	g.epOut, g.epIn = epOut, epIn
	return nil
}

func (g *legacyGPIO) configure() error {
	if _, err := g.dev.Control(0x40, sioResetRequest, 0, 0, nil); err != nil {
		return fmt.Errorf("adapter: legacygpio: reset: %w", err)
	}
	mask := uint16(legacyOutputMask) | uint16(bitmodeAsyncBitbang)<<8
	if _, err := g.dev.Control(0x40, sioSetBitModeReq, mask, 0, nil); err != nil {
		return fmt.Errorf("adapter: legacygpio: set bitmode: %w", err)
	}
	return g.commit(0)
}

// commit writes the full output byte as given (TCK included) and records
// it as the current output shadow.
func (g *legacyGPIO) commit(state byte) error {
	g.out = state
	_, err := g.epOut.Write([]byte{state})
	return err
}

func (g *legacyGPIO) readPins() (byte, error) {
	buf := make([]byte, 1)
	if _, err := g.epIn.Read(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// tick reproduces the original bit-bang JTAG primitive: TMS and TDI are
// applied on a falling clock edge, then TCK is raised and TDO sampled.
func (g *legacyGPIO) tick(tms, tdi bool) (bool, error) {
	state := g.out &^ legacyTCKBit
	state = setBit(state, legacyTMSBit, tms)
	state = setBit(state, legacyTDIBit, tdi)
	if err := g.commit(state); err != nil {
		return false, err
	}
	if err := g.commit(state | legacyTCKBit); err != nil {
		return false, err
	}
	pins, err := g.readPins()
	if err != nil {
		return false, err
	}
	return pins&legacyTDOBit != 0, nil
}

func setBit(b byte, mask byte, v bool) byte {
	if v {
		return b | mask
	}
	return b &^ mask
}

func (g *legacyGPIO) WriteTDIReadTDO(ctx context.Context, tdi bitvec.Vector) (bitvec.Vector, error) {
	out := bitvec.New(tdi.Len())
	for i := 0; i < tdi.Len(); i++ {
		if ctx.Err() != nil {
			return bitvec.Vector{}, ctx.Err()
		}
		bit, err := g.tick(false, tdi.At(i))
		if err != nil {
			return bitvec.Vector{}, err
		}
		out.Set(i, bit)
	}
	return out, nil
}

func (g *legacyGPIO) WriteTMSTDIReadTDO(ctx context.Context, tms bitvec.Vector, tdiConstant bool) (bitvec.Vector, error) {
	out := bitvec.New(tms.Len())
	for i := 0; i < tms.Len(); i++ {
		if ctx.Err() != nil {
			return bitvec.Vector{}, ctx.Err()
		}
		bit, err := g.tick(tms.At(i), tdiConstant)
		if err != nil {
			return bitvec.Vector{}, err
		}
		out.Set(i, bit)
	}
	return out, nil
}

// SetFrequency accepts any value within the legal TAP clock range but
// never changes the actual bit-bang rate: this mirrors the fixed
// set_tck_period the GPIO-only adapter this backend is modeled on has
// always returned, since its rate is however fast one USB round trip per
// edge happens to run rather than anything it can program.
func (g *legacyGPIO) SetFrequency(freq physic.Frequency) error {
	if freq <= 0 {
		return fmt.Errorf("adapter: legacygpio: invalid frequency %s", freq)
	}
	return nil
}

func (g *legacyGPIO) Frequency() physic.Frequency {
	return legacyFrequency
}

func (g *legacyGPIO) MaxVectorLen() int {
	// No FIFO to bound this backend; cap to a size large enough that
	// real XVC clients never split a vector against it.
	return 2048
}

func (g *legacyGPIO) ResetTAP(ctx context.Context) error {
	tms := bitvec.FromBools(true, true, true, true, true)
	_, err := g.WriteTMSTDIReadTDO(ctx, tms, false)
	return err
}

func (g *legacyGPIO) Close() error {
	if g.intf != nil {
		g.intf.Close()
	}
	var err error
	if g.dev != nil {
		err = g.dev.Close()
	}
	if g.ctx != nil {
		g.ctx.Close()
	}
	return err
}
