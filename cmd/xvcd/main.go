// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// xvcd bridges a Xilinx Virtual Cable TCP client to a physical FTDI MPSSE
// JTAG adapter. Point your tool at the printed host:port with
// disableversioncheck=true.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/physic"

	"github.com/jtagbridge/xvcd/adapter"
	"github.com/jtagbridge/xvcd/server"
)

// verbosity implements flag.Value so -v can be repeated (-v -v -v) or
// given a count (-v=3), the idiomatic Go way of doing a counting flag.
type verbosity int

func (v *verbosity) String() string {
	if v == nil {
		return "0"
	}
	return strconv.Itoa(int(*v))
}

func (v *verbosity) Set(s string) error {
	if s == "" || s == "true" {
		*v++
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid verbosity %q", s)
	}
	*v = verbosity(n)
	return nil
}

func (v *verbosity) IsBoolFlag() bool { return true }

func mainImpl() error {
	var (
		port    = flag.Int("port", 2542, "TCP port to listen on")
		reset   = flag.Bool("reset", false, "clock the TAP to Test-Logic-Reset before accepting clients")
		local   = flag.Bool("local", false, "bind to 127.0.0.1 instead of all interfaces (0.0.0.0)")
		debug   = flag.Bool("debug", false, "dump adapter device info at startup")
		freqArg = flag.Int("freq", 1000000, "initial TCK frequency in Hz")
		index   = flag.Int("index", 0, "D2XX enumeration index of the device to open")
	)
	var v verbosity
	flag.Var(&v, "verbose", "increase verbosity (repeatable, 0-4)")
	flag.Var(&v, "v", "shorthand for -verbose")
	flag.BoolVar(local, "l", false, "shorthand for -local")
	flag.BoolVar(debug, "d", false, "shorthand for -debug")
	flag.Parse()

	if flag.NArg() != 1 {
		return errors.New("usage: xvcd [flags] <adapter>, where <adapter> is one of " + fmt.Sprint(adapter.Names()))
	}
	name := flag.Arg(0)

	out := colorable.NewColorableStdout()
	logOut := io.Writer(os.Stderr)
	if int(v) == 0 {
		logOut = io.Discard
	}
	logger := log.New(logOut, "xvcd: ", log.Ltime|log.Lmicroseconds)

	url := os.Getenv("FTDI_DEVICE")
	if url == "" {
		url = "ftdi://ftdi:4232h/1"
	}

	ctrl, err := adapter.Open(name, adapter.Config{
		URL:       url,
		Index:     *index,
		Frequency: physic.Frequency(*freqArg) * physic.Hertz,
		Reset:     *reset,
	})
	if err != nil {
		return fmt.Errorf("xvcd: %w", err)
	}

	if *debug {
		fmt.Fprintf(out, "adapter %q ready, TCK=%s, max vector=%d bits\n", name, ctrl.Frequency(), ctrl.MaxVectorLen())
	}

	host := "0.0.0.0"
	if *local {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(*port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = ctrl.Close()
		return fmt.Errorf("xvcd: listen: %w", err)
	}

	banner(out, *port)

	s := server.New(ln, ctrl, logger, int(v))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return s.Serve(ctx)
}

// banner prints the same "how to use this server" guidance xvcd has always
// printed, with a colored swatch (rendered through go-colorable so it also
// works on a plain Windows console) standing in for a status light.
func banner(w io.Writer, port int) {
	ok := ansi256.Default.Block(color.NRGBA{G: 200, A: 255})
	fmt.Fprintln(w, ok+" Starting XVCD server. In the relevant tool, use the following cable plugin command:")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "    xilinx_xvc host=127.0.0.1:%d disableversioncheck=true\n", port)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "You should be able to use the relevant tool normally.")
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "xvcd: %s.\n", err)
		os.Exit(1)
	}
}
