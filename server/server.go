// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package server owns the TCP accept loop and single-client policy around
// an xvc.Session: only one JTAG client may be attached to the adapter at a
// time, and the adapter is always closed on shutdown, clean or signaled.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/jtagbridge/xvcd/tap"
	"github.com/jtagbridge/xvcd/xvc"
)

// Server accepts XVC clients on a single listening socket and serves them
// one at a time against a shared Controller and TAP tracker.
type Server struct {
	ln      net.Listener
	ctrl    xvc.Controller
	log     *log.Logger
	debug   int
	tracker *tap.Tracker

	mu   sync.Mutex
	busy bool
}

// New wraps an already-open listener and an already-configured controller.
// The caller owns ctrl's lifetime up to calling Close, which the server
// guarantees to do exactly once.
func New(ln net.Listener, ctrl xvc.Controller, logger *log.Logger, verbosity int) *Server {
	return &Server{
		ln:      ln,
		ctrl:    ctrl,
		log:     logger,
		debug:   verbosity,
		tracker: tap.NewTracker(),
	}
}

// Serve accepts connections until ctx is canceled or the listener errors.
// It always closes the underlying controller before returning, regardless
// of how it exits.
func (s *Server) Serve(ctx context.Context) error {
	defer func() {
		if err := s.ctrl.Close(); err != nil && s.debug >= 1 {
			s.log.Printf("adapter close: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

// handle enforces the single-client policy: a second concurrent connection
// is closed immediately rather than queued, matching the original
// project's has_client_connected guard.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		if s.debug >= 1 {
			s.log.Printf("rejecting %s: a client is already connected", conn.RemoteAddr())
		}
		_ = conn.Close()
		return
	}
	s.busy = true
	s.mu.Unlock()

	if s.debug >= 1 {
		s.log.Printf("client connected: %s", conn.RemoteAddr())
	}

	sess := xvc.NewSession(conn, s.ctrl, s.tracker, s.log, s.debug)
	if err := sess.Serve(ctx); err != nil && s.debug >= 1 {
		s.log.Printf("session %s ended: %v", conn.RemoteAddr(), err)
	}
	_ = conn.Close()

	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()

	if s.debug >= 1 {
		s.log.Printf("client disconnected: %s", conn.RemoteAddr())
	}
}
