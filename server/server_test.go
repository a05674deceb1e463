// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/jtagbridge/xvcd/bitvec"
)

type fakeController struct {
	closed  int
	maxLen  int
	freq    physic.Frequency
}

func (f *fakeController) WriteTDIReadTDO(ctx context.Context, tdi bitvec.Vector) (bitvec.Vector, error) {
	return tdi, nil
}

func (f *fakeController) WriteTMSTDIReadTDO(ctx context.Context, tms bitvec.Vector, tdiConstant bool) (bitvec.Vector, error) {
	return bitvec.New(tms.Len()), nil
}

func (f *fakeController) SetFrequency(freq physic.Frequency) error { f.freq = freq; return nil }
func (f *fakeController) Frequency() physic.Frequency              { return f.freq }
func (f *fakeController) ResetTAP(ctx context.Context) error       { return nil }
func (f *fakeController) MaxVectorLen() int                        { return f.maxLen }
func (f *fakeController) Close() error                             { f.closed++; return nil }

func dialAndGetInfo(t *testing.T, addr string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("getinfo:")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestServeAnswersGetInfoAndClosesControllerOnShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctrl := &fakeController{maxLen: 1024}
	s := New(ln, ctrl, log.New(io.Discard, "", 0), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	got := dialAndGetInfo(t, ln.Addr().String())
	want := "xvcServer_v1.0:1024\n"
	if got != want {
		t.Fatalf("getinfo: reply = %q, want %q", got, want)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
	if ctrl.closed != 1 {
		t.Fatalf("controller Close called %d times, want 1", ctrl.closed)
	}
}

func TestSecondConcurrentClientIsRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctrl := &fakeController{maxLen: 1024}
	s := New(ln, ctrl, log.New(io.Discard, "", 0), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	// Give the server goroutine a moment to mark busy before the second
	// connection races in.
	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	n, err := second.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("second connection read = (%d, %v), want immediate EOF from a rejected connection", n, err)
	}

	// The first connection is still alive and can still transact.
	var period [4]byte
	binary.LittleEndian.PutUint32(period[:], 1000)
	first.Write(append([]byte("settck:"), period[:]...))
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 4)
	if _, err := io.ReadFull(first, reply); err != nil {
		t.Fatalf("first connection settck reply: %v", err)
	}
}
