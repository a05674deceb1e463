// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package xvc implements the Xilinx Virtual Cable wire protocol: a
// single long-lived TCP connection carrying getinfo:/settck:/shift:
// commands, bridged to the shift engine and a software mirror of the
// JTAG TAP state.
package xvc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"periph.io/x/conn/v3/physic"

	"github.com/jtagbridge/xvcd/bitvec"
	"github.com/jtagbridge/xvcd/shiftengine"
	"github.com/jtagbridge/xvcd/tap"
)

// Controller is everything a session needs from the JTAG layer below it.
type Controller interface {
	shiftengine.Driver
	SetFrequency(freq physic.Frequency) error
	Frequency() physic.Frequency
	ResetTAP(ctx context.Context) error
	MaxVectorLen() int
	Close() error
}

// iseWorkaroundTMS is the literal 5-bit TMS pattern (index 0 first) that
// triggers the ISE Capture-IR avoidance: 1,0,1,1,1.
var iseWorkaroundTMS = bitvec.FromBools(true, false, true, true, true)

// Session serves XVC commands from a single accepted connection until
// the peer disconnects or a fatal protocol/transport error occurs.
type Session struct {
	conn  io.ReadWriter
	ctrl  Controller
	tap   *tap.Tracker
	log   *log.Logger
	debug int // verbosity level, 0..4
}

// NewSession wraps conn (already accepted) and ctrl (already configured)
// into a session ready to Serve. tracker carries the TAP position across
// sessions if the caller wants continuity; pass tap.NewTracker() for a
// fresh one.
func NewSession(conn io.ReadWriter, ctrl Controller, tracker *tap.Tracker, logger *log.Logger, verbosity int) *Session {
	return &Session{conn: conn, ctrl: ctrl, tap: tracker, log: logger, debug: verbosity}
}

// Serve reads commands until the connection closes or an unrecoverable
// error occurs. It never panics on malformed client input: InvalidCommand
// and ShortRead conditions simply end the session.
func (s *Session) Serve(ctx context.Context) error {
	for {
		tag, err := s.readTag()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch tag {
		case "ge":
			if err := s.handleGetInfo(); err != nil {
				return err
			}
		case "se":
			if err := s.handleSetTCK(); err != nil {
				return err
			}
		case "sh":
			if err := s.handleShift(ctx); err != nil {
				return err
			}
		default:
			return fmt.Errorf("xvc: invalid command tag %q", tag)
		}
	}
}

// readTag reads the first 2 bytes of a command, which is enough to tell
// getinfo:, settck: and shift: apart; each handler then drains its own
// command name's remaining bytes up to and including the colon.
func (s *Session) readTag() (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return "", io.EOF
		}
		return "", err
	}
	return string(hdr[:]), nil
}

func (s *Session) handleGetInfo() error {
	// getinfo: has consumed "ge"; "tinfo:" remains.
	var rest [6]byte
	if _, err := io.ReadFull(s.conn, rest[:]); err != nil {
		return err
	}
	if string(rest[:]) != "tinfo:" {
		return fmt.Errorf("xvc: malformed getinfo: command")
	}
	reply := fmt.Sprintf("xvcServer_v1.0:%d\n", s.ctrl.MaxVectorLen())
	_, err := io.WriteString(s.conn, reply)
	return err
}

func (s *Session) handleSetTCK() error {
	// settck: has consumed "se"; "ttck:" remains before the 4-byte
	// period.
	var rest [5]byte
	if _, err := io.ReadFull(s.conn, rest[:]); err != nil {
		return err
	}
	if string(rest[:]) != "ttck:" {
		return fmt.Errorf("xvc: malformed settck: command")
	}
	var raw [4]byte
	if _, err := io.ReadFull(s.conn, raw[:]); err != nil {
		return err
	}
	periodNs := binary.LittleEndian.Uint32(raw[:])
	if periodNs == 0 {
		return fmt.Errorf("xvc: settck: period of 0ns is not representable")
	}
	freq := physic.Frequency(1e9/float64(periodNs)) * physic.Hertz
	if err := s.ctrl.SetFrequency(freq); err != nil {
		if s.debug >= 1 {
			s.log.Printf("settck: %v", err)
		}
	}
	actual := s.ctrl.Frequency()
	actualPeriodNs := uint32(1e9 / float64(actual/physic.Hertz))
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], actualPeriodNs)
	_, err := s.conn.Write(out[:])
	return err
}

func (s *Session) handleShift(ctx context.Context) error {
	// shift: has consumed "sh"; "ift:" remains before the length and
	// payload.
	var rest [4]byte
	if _, err := io.ReadFull(s.conn, rest[:]); err != nil {
		return err
	}
	if string(rest[:]) != "ift:" {
		return fmt.Errorf("xvc: malformed shift: command")
	}
	var raw [4]byte
	if _, err := io.ReadFull(s.conn, raw[:]); err != nil {
		return err
	}
	numBits := int(binary.LittleEndian.Uint32(raw[:]))
	numBytes := (numBits + 7) / 8

	payload := make([]byte, 2*numBytes)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return err
	}
	tmsWire := payload[:numBytes]
	tdiWire := payload[numBytes:]

	tms, err := bitvec.FromWire(tmsWire, numBits)
	if err != nil {
		return err
	}
	tdi, err := bitvec.FromWire(tdiWire, numBits)
	if err != nil {
		return err
	}

	if s.debug >= 3 {
		s.log.Printf("shift: tms=%s tdi=%s", tms, tdi)
	}

	if s.tap.State() == tap.Exit1IR && numBits == iseWorkaroundTMS.Len() && tms.Equal(iseWorkaroundTMS) {
		if s.debug >= 2 {
			s.log.Printf("shift: avoiding route-via-Capture-IR ISE workaround")
		}
		_, err := s.conn.Write([]byte{0x1f})
		return err
	}

	tdo, err := shiftengine.Shift(ctx, s.ctrl, tms, tdi)
	if err != nil {
		return err
	}
	s.tap.Track(tms)

	if s.debug >= 3 {
		s.log.Printf("shift: tdo=%s", tdo)
	}

	_, err = s.conn.Write(tdo.ToWire())
	return err
}
