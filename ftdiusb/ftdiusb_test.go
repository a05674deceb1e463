// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ftdiusb

import (
	"context"
	"testing"

	"periph.io/x/d2xx"
	"periph.io/x/d2xx/d2xxtest"
)

func fakeOpener(fake *d2xxtest.Fake) func(i int) (d2xx.Handle, d2xx.Err) {
	return func(i int) (d2xx.Handle, d2xx.Err) {
		if i != 0 {
			return nil, d2xx.Err(1)
		}
		return fake, 0
	}
}

func TestOpenReportsDeviceInfo(t *testing.T) {
	fake := &d2xxtest.Fake{
		DevType: 0,
		Vid:     0x0403,
		Pid:     0x6014,
		Data:    [][]byte{{}},
	}
	h, err := openWith(fakeOpener(fake), 0)
	if err != nil {
		t.Fatalf("openWith() error: %v", err)
	}
	defer h.Close()
	vid, pid := h.DeviceInfo()
	if vid != 0x0403 || pid != 0x6014 {
		t.Fatalf("DeviceInfo() = %#x, %#x, want 0x0403, 0x6014", vid, pid)
	}
}

func TestFIFODefaultsToFT232HFamily(t *testing.T) {
	fake := &d2xxtest.Fake{Data: [][]byte{{}}}
	h, err := openWith(fakeOpener(fake), 0)
	if err != nil {
		t.Fatalf("openWith() error: %v", err)
	}
	defer h.Close()
	f := h.FIFO()
	if f.Write != 1024 || f.Read != 1024 {
		t.Fatalf("FIFO() = %+v, want 1024/1024", f)
	}
}

func TestOpenRejectsUnknownIndex(t *testing.T) {
	fake := &d2xxtest.Fake{Data: [][]byte{{}}}
	if _, err := openWith(fakeOpener(fake), 1); err == nil {
		t.Fatal("expected error opening unknown index")
	}
}

func TestReadAllRespectsContextCancellation(t *testing.T) {
	fake := &d2xxtest.Fake{Data: [][]byte{{}}}
	h, err := openWith(fakeOpener(fake), 0)
	if err != nil {
		t.Fatalf("openWith() error: %v", err)
	}
	defer h.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	buf := make([]byte, 4)
	if _, err := h.ReadAll(ctx, buf); err == nil {
		t.Fatal("expected error from a canceled context")
	}
}
