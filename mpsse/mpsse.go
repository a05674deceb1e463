// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mpsse encodes the exact FTDI MPSSE (Multi-Protocol Synchronous
// Serial Engine) opcode sequences the JTAG controller needs: GPIO setup,
// clock divisor, byte/bit TDI shifts and TMS shifts.
//
// http://www.ftdichip.com/Support/Documents/AppNotes/AN_135_MPSSE_Basics.pdf
package mpsse

import (
	"errors"
	"fmt"

	"github.com/jtagbridge/xvcd/bitvec"
)

// Opcode flags and commands, named after their function rather than their
// bit layout; see AN_108 for the authoritative per-bit documentation.
const (
	dataOut     byte = 0x10 // enable output, default on +VE (rising)
	dataIn      byte = 0x20 // enable input, default on +VE (rising)
	dataOutFall byte = 0x01 // instead of rise
	dataInFall  byte = 0x04 // instead of rise
	dataLSBF    byte = 0x08 // instead of MSB-first
	dataBit     byte = 0x02 // instead of byte-count mode

	tmsIOLSBInRise byte = 0x6A // TMS-variant with TDO sampling

	gpioSetLow  byte = 0x80 // SET_BITS_LOW: <op> <value> <direction>
	gpioSetHigh byte = 0x82

	clockSetDivisor byte = 0x86
	clock30MHz      byte = 0x8A
	clock6MHz       byte = 0x8B

	sendImmediate byte = 0x87 // flush the read queue
)

// MaxTMSBits is the longest TMS burst a single RW_BITS_TMS opcode can
// clock: MPSSE's length byte for this opcode is 3 bits (values 0..6 mean
// 1..7 clocks), with bit 7 of the payload byte reserved for the constant
// TDI value.
const MaxTMSBits = 7

// MaxBitShift is the longest run a single RW_BITS opcode (byte-granularity
// length encoded as length-1 in one byte) can clock.
const MaxBitShift = 8

// SetLowGPIO returns the SET_BITS_LOW command initializing the low GPIO
// byte (TCK/TDI/TMS/TDO and any board-specific low-bank pins) to value
// with the given output direction mask (1 = output).
func SetLowGPIO(value, direction byte) []byte {
	return []byte{gpioSetLow, value, direction}
}

// SetHighGPIO returns the SET_BITS_HIGH command for the high GPIO bank
// (board-specific enables such as PROGRAM_B).
func SetHighGPIO(value, direction byte) []byte {
	return []byte{gpioSetHigh, value, direction}
}

// ClockDivisor returns the command to set the clock divisor register. The
// resulting frequency is base/(div+1), where base is 30MHz or 6MHz
// depending on whether the 5x divide-by has been disabled; callers compute
// div from the target frequency.
func ClockDivisor(div uint16) []byte {
	return []byte{clockSetDivisor, byte(div), byte(div >> 8)}
}

// ClockPrescale selects the undivided base clock: 30MHz (five-x disabled)
// or 6MHz.
func ClockPrescale(thirtyMHz bool) []byte {
	if thirtyMHz {
		return []byte{clock30MHz}
	}
	return []byte{clock6MHz}
}

// SendImmediate returns the command that flushes the MPSSE's read queue
// back to the host, required before a bulk USB read of any shift
// opcode's result.
func SendImmediate() []byte {
	return []byte{sendImmediate}
}

// ShiftBytes returns the RW_BYTES_PVE_NVE_MSB command clocking out the
// given bytes on TDI (MSB-first within each byte) while sampling TDO, TMS
// held at its last latched static value. n is in [1, 65536] on the wire,
// but callers are expected to have already chunked to fit both FIFOs
// (spec.md §3's WBMAX/RBMAX).
func ShiftBytes(data []byte) ([]byte, error) {
	n := len(data)
	if n < 1 || n > 65536 {
		return nil, fmt.Errorf("mpsse: byte shift length %d out of range [1, 65536]", n)
	}
	op := dataOut | dataIn | dataOutFall
	cmd := make([]byte, 0, 3+n)
	cmd = append(cmd, op, byte(n-1), byte((n-1)>>8))
	cmd = append(cmd, data...)
	return cmd, nil
}

// ShiftBitsLen is the number of response bytes ShiftBits produces: always
// exactly one, regardless of len.
const ShiftBitsLen = 1

// ShiftBits returns the RW_BITS_PVE_NVE_MSB command clocking 1..8 bits on
// TDI (MSB-first within the payload byte) while sampling TDO. bits must
// already be packed MSB-first (bitvec.Vector.ToMSB of a <=8-bit vector).
func ShiftBits(bits byte, length int) ([]byte, error) {
	if length < 1 || length > MaxBitShift {
		return nil, fmt.Errorf("mpsse: bit shift length %d out of range [1, %d]", length, MaxBitShift)
	}
	op := dataOut | dataIn | dataOutFall | dataBit
	return []byte{op, byte(length - 1), bits}, nil
}

// DecodeShiftBits extracts the length sampled TDO bits from the single
// response byte of a ShiftBits command. The MPSSE right-justifies short
// reads into the low bits of the returned byte for the MSB-variant
// opcodes, so the decoder unpacks the byte MSB-first and slices
// bits[8-length:].
func DecodeShiftBits(b byte, length int) (bitvec.Vector, error) {
	if length < 1 || length > MaxBitShift {
		return bitvec.Vector{}, fmt.Errorf("mpsse: bit shift length %d out of range [1, %d]", length, MaxBitShift)
	}
	full, err := bitvec.FromMSB([]byte{b}, 8)
	if err != nil {
		return bitvec.Vector{}, err
	}
	return full.Slice(8-length, 8), nil
}

// ShiftTMS returns the RW_BITS_TMS_PVE_NVE command clocking 1..7 TMS bits
// (packed LSB-first within the low 7 bits of the payload byte, an MPSSE
// quirk specific to this opcode family) while holding TDI at a single
// constant bit (bit 7 of the payload byte) for the whole burst, and
// sampling TDO once per clock.
func ShiftTMS(tms bitvec.Vector, tdiConstant bool) ([]byte, error) {
	length := tms.Len()
	if length < 1 || length > MaxTMSBits {
		return nil, fmt.Errorf("mpsse: TMS shift length %d out of range [1, %d]", length, MaxTMSBits)
	}
	var payload byte
	for i := 0; i < length; i++ {
		if tms.At(i) {
			payload |= 1 << uint(i)
		}
	}
	if tdiConstant {
		payload |= 0x80
	}
	op := tmsIOLSBInRise | dataOutFall
	return []byte{op, byte(length - 1), payload}, nil
}

// DecodeShiftTMS extracts the length sampled TDO bits from the single
// response byte of a ShiftTMS command. The MPSSE shifts each new sample
// into bit 7 and pushes earlier samples right, so after length clocks the
// first-sampled bit sits at bit (8-length) and the last-sampled bit sits
// at bit 7: the upper length bits, MSB-first, in reverse of issue order.
// The decoder takes that run and reverses it back to issue order.
func DecodeShiftTMS(b byte, length int) (bitvec.Vector, error) {
	if length < 1 || length > MaxTMSBits {
		return bitvec.Vector{}, fmt.Errorf("mpsse: TMS shift length %d out of range [1, %d]", length, MaxTMSBits)
	}
	full, err := bitvec.FromMSB([]byte{b}, 8)
	if err != nil {
		return bitvec.Vector{}, err
	}
	head := full.Slice(0, length)
	out := bitvec.New(length)
	for i := 0; i < length; i++ {
		out.Set(i, head.At(length-1-i))
	}
	return out, nil
}

// ErrBufferTooLarge describes a chunk larger than the adapter FIFO
// capacity. Nothing in this module returns it: ShiftBytes reports lengths
// outside [1, 65536] with its own error, and jtagctl chunks runs to the
// FIFO size before encoding them.
var ErrBufferTooLarge = errors.New("mpsse: chunk exceeds adapter FIFO capacity")
