// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mpsse

import (
	"testing"

	"github.com/jtagbridge/xvcd/bitvec"
)

func TestShiftBytesLengthEncoding(t *testing.T) {
	cmd, err := ShiftBytes([]byte{0x11, 0x22, 0x33})
	if err != nil {
		t.Fatal(err)
	}
	if len(cmd) != 3+3 {
		t.Fatalf("len(cmd) = %d, want 6", len(cmd))
	}
	if cmd[1] != 2 || cmd[2] != 0 {
		t.Fatalf("length bytes = %#x %#x, want 2 0 (n-1 LE)", cmd[1], cmd[2])
	}
	if cmd[3] != 0x11 || cmd[4] != 0x22 || cmd[5] != 0x33 {
		t.Fatalf("payload mismatch: %#x", cmd[3:])
	}
}

func TestShiftBytesRejectsEmpty(t *testing.T) {
	if _, err := ShiftBytes(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestShiftBitsEncodesLeftJustified(t *testing.T) {
	// TDI bits sent MSB-first starting at bit 7, zero-padded in the low
	// (tail) bits: 1,0,1,0,0 -> 0b10100_000.
	v := bitvec.FromBools(true, false, true, false, false)
	cmd, err := ShiftBits(v.ToMSB()[0], v.Len())
	if err != nil {
		t.Fatal(err)
	}
	if cmd[1] != byte(v.Len()-1) {
		t.Fatalf("length byte = %d, want %d", cmd[1], v.Len()-1)
	}
	if want := byte(0xa0); cmd[2] != want {
		t.Fatalf("payload byte = %#x, want %#x", cmd[2], want)
	}
}

func TestDecodeShiftBitsRightJustified(t *testing.T) {
	// Sampled TDO is returned right-justified: for a 5-bit shift, the
	// meaningful bits are the low 5 bits of the response byte.
	got, err := DecodeShiftBits(0x05, 5) // 0b00000101
	if err != nil {
		t.Fatal(err)
	}
	want := bitvec.FromBools(false, false, true, false, true)
	if !got.Equal(want) {
		t.Fatalf("DecodeShiftBits(0x05, 5) = %s, want %s", got, want)
	}
}

func TestShiftBitsRejectsOutOfRange(t *testing.T) {
	if _, err := ShiftBits(0, 0); err == nil {
		t.Fatal("expected error for length 0")
	}
	if _, err := ShiftBits(0, 9); err == nil {
		t.Fatal("expected error for length 9")
	}
}

func TestShiftTMSRejectsTooLong(t *testing.T) {
	v := bitvec.New(8)
	if _, err := ShiftTMS(v, false); err == nil {
		t.Fatal("expected error for TMS burst longer than 7 bits")
	}
}

func TestShiftTMSPacksLSBFirstWithConstantTDIBit(t *testing.T) {
	tms := bitvec.FromBools(true, false, true)
	cmd, err := ShiftTMS(tms, true)
	if err != nil {
		t.Fatal(err)
	}
	if cmd[1] != byte(tms.Len()-1) {
		t.Fatalf("length byte = %d, want %d", cmd[1], tms.Len()-1)
	}
	payload := cmd[2]
	if payload&0x80 == 0 {
		t.Fatalf("payload = %#x, want bit 7 (TDI constant) set", payload)
	}
	want := byte(0x1 | 0x0<<1 | 0x1<<2)
	if payload&0x7f != want {
		t.Fatalf("payload low 7 bits = %#x, want %#x", payload&0x7f, want)
	}
}

func TestDecodeShiftTMSReversesUpperBitsToIssueOrder(t *testing.T) {
	// 0xC0 = 0b11000000: for a 3-bit shift only the top 3 bits (7,6,5) are
	// meaningful, holding the samples MSB-first in reverse of issue order
	// (bit7=last sampled, bit5=first sampled). Issue order is therefore
	// bit5,bit6,bit7 = 0,1,1.
	got, err := DecodeShiftTMS(0xC0, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := bitvec.FromBools(false, true, true)
	if !got.Equal(want) {
		t.Fatalf("DecodeShiftTMS(0xC0, 3) = %s, want %s", got, want)
	}
}

func TestClockDivisorLittleEndian(t *testing.T) {
	cmd := ClockDivisor(0x1234)
	if cmd[1] != 0x34 || cmd[2] != 0x12 {
		t.Fatalf("ClockDivisor(0x1234) = %#x, want LE 0x34 0x12", cmd[1:])
	}
}
