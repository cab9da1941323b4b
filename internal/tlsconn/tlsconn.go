// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tlsconn implements component C: one scoped DNS-over-TLS
// connection, multiplexing many in-flight queries and emitting
// observer events. The TLS-dial-and-exchange mechanics are grounded on
// the teacher's dns53/dot.go (tls.Dialer, 2-octet length prefix per
// RFC 7858); dot.go dials fresh per query, so the long-lived,
// multiplexed-many-queries shape here is this module's own addition,
// required by spec §4.C / §4.E.
package tlsconn

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/celzero/stubresolv/internal/asyncutil"
	"github.com/celzero/stubresolv/internal/identity"
	"github.com/celzero/stubresolv/internal/log"
)

// State is the socket's lifecycle. Transitions are monotonic; Closed
// is terminal.
type State int32

const (
	Init State = iota
	Handshaking
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind distinguishes the two observer events a Socket emits.
type EventKind int

const (
	EventResponse EventKind = iota
	EventClosed
)

// Event is delivered on Socket.Events(). A Response carries the raw
// wire bytes of one answer; Closed is the exactly-once terminal event.
type Event struct {
	Kind     EventKind
	Response []byte
	Err      error // set on Closed if the socket closed abnormally
}

const (
	dialTimeout      = 8 * time.Second
	handshakeTimeout = 8 * time.Second
	// teardownBudget bounds how long Close may block regardless of
	// what the handshake or a blocking read is doing; spec §4.C / §5.
	teardownBudget = 200 * time.Millisecond
)

var (
	ErrClosed           = errors.New("tlsconn: socket closed")
	ErrHandshakeFailed  = errors.New("tlsconn: handshake failed")
	ErrIdentityMismatch = errors.New("tlsconn: peer identity mismatch")
)

// DialFunc dials the raw TCP connection a Socket upgrades to TLS.
type DialFunc func(network, addr string) (net.Conn, error)

// Socket is a single scoped DNS-over-TLS connection.
type Socket struct {
	server identity.Server
	strict bool // STRICT mode: verify peer cert against server.Hostname
	dialFn DialFunc

	mu    sync.Mutex
	state State
	raw   net.Conn
	tconn *tls.Conn

	events chan Event
	closed chan struct{}
	once   sync.Once
}

// New constructs a Socket for server, not yet dialed. strict selects
// hostname verification per spec §4.C.
func New(server identity.Server, strict bool, dial DialFunc) *Socket {
	if dial == nil {
		dial = net.Dial
	}
	return &Socket{
		server: server,
		strict: strict,
		dialFn: dial,
		state:  Init,
		events: make(chan Event, 32),
		closed: make(chan struct{}),
	}
}

// Events returns the channel Response/Closed events arrive on.
// Exactly one EventClosed is sent, always last.
func (s *Socket) Events() <-chan Event {
	return s.events
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) addrport() string {
	port := "853"
	return net.JoinHostPort(s.server.Addr.String(), port)
}

// Initialize dials the underlying TCP connection. Does not block on
// the TLS handshake.
func (s *Socket) Initialize() error {
	s.mu.Lock()
	if s.state != Init {
		s.mu.Unlock()
		return errors.New("tlsconn: already initialized")
	}
	s.mu.Unlock()

	conn, err := s.dialFn("tcp", s.addrport())
	if err != nil {
		s.terminal(err)
		return err
	}

	s.mu.Lock()
	s.raw = conn
	s.mu.Unlock()
	return nil
}

// StartHandshake performs the TLS handshake, optionally asynchronously
// (asAsync=true runs it in a goroutine and returns immediately; the
// caller observes completion via the first Response/Closed event or by
// polling State()). Destroying the socket mid-handshake must return
// from Close within well under a second — see Close.
func (s *Socket) StartHandshake(asAsync bool) error {
	s.mu.Lock()
	if s.state != Init || s.raw == nil {
		s.mu.Unlock()
		return errors.New("tlsconn: not initialized")
	}
	s.state = Handshaking
	s.mu.Unlock()

	do := func() error { return s.handshake() }
	if asAsync {
		asyncutil.Go("tlsconn.handshake", func() {
			if err := do(); err != nil {
				s.terminal(err)
			} else {
				s.onConnected()
			}
		})
		return nil
	}
	if err := do(); err != nil {
		s.terminal(err)
		return err
	}
	s.onConnected()
	return nil
}

func (s *Socket) handshake() error {
	cfg := &tls.Config{
		ServerName:         s.server.Hostname,
		InsecureSkipVerify: !s.strict, // OPPORTUNISTIC: no name check (spec §4.C)
	}
	s.mu.Lock()
	raw := s.raw
	s.mu.Unlock()
	if raw == nil {
		return ErrClosed
	}

	_ = raw.SetDeadline(time.Now().Add(handshakeTimeout))
	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(contextWithCancel(s.closed)); err != nil {
		return err
	}
	_ = raw.SetDeadline(time.Time{})

	if s.strict {
		if err := verifyHostname(tc, s.server.Hostname); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.tconn = tc
	s.mu.Unlock()
	return nil
}

func verifyHostname(tc *tls.Conn, hostname string) error {
	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ErrIdentityMismatch
	}
	if err := state.PeerCertificates[0].VerifyHostname(hostname); err != nil {
		return ErrIdentityMismatch
	}
	return nil
}

func (s *Socket) onConnected() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Connected
	tc := s.tconn
	s.mu.Unlock()

	asyncutil.Go("tlsconn.reader", func() { s.readLoop(tc) })
}

// Query enqueues a length-prefixed request. The wire id embedded in b
// is assumed already rewritten by the caller (the query map, D).
func (s *Socket) Query(b []byte) error {
	s.mu.Lock()
	state := s.state
	tc := s.tconn
	s.mu.Unlock()

	if state != Connected || tc == nil {
		return ErrClosed
	}

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(b)))
	if _, err := tc.Write(hdr[:]); err != nil {
		s.terminal(err)
		return err
	}
	if _, err := tc.Write(b); err != nil {
		s.terminal(err)
		return err
	}
	return nil
}

func (s *Socket) readLoop(tc *tls.Conn) {
	for {
		var hdr [2]byte
		if _, err := io.ReadFull(tc, hdr[:]); err != nil {
			s.terminal(err)
			return
		}
		n := binary.BigEndian.Uint16(hdr[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(tc, buf); err != nil {
			s.terminal(err)
			return
		}
		select {
		case s.events <- Event{Kind: EventResponse, Response: buf}:
		case <-s.closed:
			return
		}
	}
}

// Close tears the socket down, cancelling any in-flight handshake and
// unblocking any blocked read, and returns within teardownBudget
// regardless of handshake/IO state, per spec §4.C / §8 ("prompt
// shutdown"). Idempotent.
func (s *Socket) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		raw := s.raw
		s.mu.Unlock()

		// unblock any goroutine parked in Handshake/Read immediately:
		// an expired deadline is this module's cancellation signal,
		// the Go analogue of the eventfd-style wakeup spec §4.C asks for.
		if raw != nil {
			_ = raw.SetDeadline(time.Now())
		}
		close(s.closed)

		_, _ = asyncutil.Grx("tlsconn.close", teardownBudget, func() struct{} {
			if raw != nil {
				_ = raw.Close()
			}
			return struct{}{}
		})

		s.terminal(nil)
	})
}

func (s *Socket) terminal(err error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.mu.Unlock()

	select {
	case s.events <- Event{Kind: EventClosed, Err: err}:
	default:
		log.W("tlsconn: (%s) dropped terminal event, events chan full", s.server.Addr)
	}
}

// contextWithCancel adapts a close-signal channel to a context.Context
// for tls.Conn.HandshakeContext, so closing the socket aborts a
// blocking handshake instead of waiting out its timeout.
func contextWithCancel(done <-chan struct{}) cancelContext {
	return cancelContext{done: done}
}

type cancelContext struct{ done <-chan struct{} }

func (c cancelContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (c cancelContext) Done() <-chan struct{}       { return c.done }
func (c cancelContext) Err() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
		return nil
	}
}
func (c cancelContext) Value(any) any { return nil }
