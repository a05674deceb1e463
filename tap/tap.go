// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package tap implements a software mirror of the IEEE 1149.1 JTAG TAP
// (test access port) state machine, advanced by folding TMS bits through
// the standard transition table. It has no knowledge of TDI/TDO or of any
// transport; it is a pure function of the TMS sequence.
package tap

import "github.com/jtagbridge/xvcd/bitvec"

// State is one of the 16 canonical JTAG TAP states.
type State int

const (
	TestLogicReset State = iota
	RunTestIdle
	SelectDR
	CaptureDR
	ShiftDR
	Exit1DR
	PauseDR
	Exit2DR
	UpdateDR
	SelectIR
	CaptureIR
	ShiftIR
	Exit1IR
	PauseIR
	Exit2IR
	UpdateIR
)

var names = [...]string{
	"Test-Logic-Reset",
	"Run-Test/Idle",
	"Select-DR",
	"Capture-DR",
	"Shift-DR",
	"Exit1-DR",
	"Pause-DR",
	"Exit2-DR",
	"Update-DR",
	"Select-IR",
	"Capture-IR",
	"Shift-IR",
	"Exit1-IR",
	"Pause-IR",
	"Exit2-IR",
	"Update-IR",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(names) {
		return "Unknown"
	}
	return names[s]
}

// transitions[state][tms] is the next state.
var transitions = [...][2]State{
	TestLogicReset: {RunTestIdle, TestLogicReset},
	RunTestIdle:    {RunTestIdle, SelectDR},
	SelectDR:       {CaptureDR, SelectIR},
	CaptureDR:      {ShiftDR, Exit1DR},
	ShiftDR:        {ShiftDR, Exit1DR},
	Exit1DR:        {PauseDR, UpdateDR},
	PauseDR:        {PauseDR, Exit2DR},
	Exit2DR:        {ShiftDR, UpdateDR},
	UpdateDR:       {RunTestIdle, SelectDR},
	SelectIR:       {CaptureIR, TestLogicReset},
	CaptureIR:      {ShiftIR, Exit1IR},
	ShiftIR:        {ShiftIR, Exit1IR},
	Exit1IR:        {PauseIR, UpdateIR},
	PauseIR:        {PauseIR, Exit2IR},
	Exit2IR:        {ShiftIR, UpdateIR},
	UpdateIR:       {RunTestIdle, SelectDR},
}

// Next returns the state reached from state when tms is sampled on the
// rising TCK edge.
func Next(state State, tms bool) State {
	idx := 0
	if tms {
		idx = 1
	}
	return transitions[state][idx]
}

// Tracker folds a TMS sequence over the TAP transition table, remembering
// only the current state. It is the XVC handler's software mirror of the
// hardware TAP position (spec.md §4.2 / §4.7 pre-shift check).
type Tracker struct {
	state State
}

// NewTracker returns a tracker initialized to Test-Logic-Reset, the state
// the TAP is in after a software reset at server start.
func NewTracker() *Tracker {
	return &Tracker{state: TestLogicReset}
}

// State returns the current TAP state.
func (t *Tracker) State() State {
	return t.state
}

// Track folds every bit of tms over the transition table in order,
// updating and returning the resulting state. TDI/TDO play no part; TAP
// tracking is a pure function of TMS.
func (t *Tracker) Track(tms bitvec.Vector) State {
	for i := 0; i < tms.Len(); i++ {
		t.state = Next(t.state, tms.At(i))
	}
	return t.state
}

// Reset forces the tracker back to Test-Logic-Reset, mirroring the five
// TMS=1 clocks the controller's ResetTAP sends to the hardware.
func (t *Tracker) Reset() {
	t.state = TestLogicReset
}
