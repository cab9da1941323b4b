// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mux implements component E: the transport multiplexer that
// pairs one tlsconn.Socket (C) with one qmap.Map (D), reconnecting and
// resending on drop and presenting a future-based query API. Grounded
// on the orchestration style of the teacher's dnsx/transport.go
// (resolver.forward: pick a transport, send, handle failure) and on
// core.Go/core.Grx (intra/core/async.go) for panic-safe goroutine
// launch.
package mux

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/celzero/stubresolv/internal/asyncutil"
	"github.com/celzero/stubresolv/internal/identity"
	"github.com/celzero/stubresolv/internal/log"
	"github.com/celzero/stubresolv/internal/qmap"
	"github.com/celzero/stubresolv/internal/rerr"
	"github.com/celzero/stubresolv/internal/tlsconn"
)

// DialFunc dials the raw TCP connection a Socket upgrades to TLS.
// Implementations apply the network mark to the fd before return.
type DialFunc func(network, addr string) (net.Conn, error)

// Mux is one long-lived multiplexer for a single (mark, server) pair.
type Mux struct {
	server identity.Server
	strict bool
	dial   DialFunc

	qm *qmap.Map

	mu   sync.Mutex
	sock *tlsconn.Socket

	connectCounter atomic.Int64
}

// New constructs a multiplexer for server. strict selects hostname
// verification per spec §4.C; dial performs the network-marked TCP
// dial.
func New(server identity.Server, strict bool, dial DialFunc) *Mux {
	return &Mux{
		server: server,
		strict: strict,
		dial:   dial,
		qm:     qmap.New(),
	}
}

// ConnectCounter exposes a monotonically increasing count of sockets
// opened, for tests to assert reconnection behavior (spec §4.E).
func (m *Mux) ConnectCounter() int64 {
	return m.connectCounter.Load()
}

// Query records originalQuery into the query map, ensures a socket is
// connecting/connected, and returns a future for the result.
func (m *Mux) Query(originalID uint16, originalQuery []byte) *qmap.Future {
	f := m.qm.Record(originalID, originalQuery)
	if f == nil {
		// back-pressure: the query map is full, fail fast (spec §4.E).
		return qmap.Resolved(qmap.Result{Kind: qmap.ResultInternalError, Err: rerr.ErrInternalError})
	}

	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()

	if sock == nil {
		asyncutil.Go("mux.connect", m.connectAndDrain)
	} else if sock.State() == tlsconn.Connected {
		m.sendPending(sock)
	}
	// else: a connect is already in flight; connectAndDrain will drain
	// every queued entry once Connected.

	return f
}

// connectAndDrain dials and handshakes a fresh socket, then drains
// every query map entry through it. On failure or later disconnect,
// entries below their retry cap are retried on a new socket.
func (m *Mux) connectAndDrain() {
	dial := m.dial
	if dial == nil {
		dial = net.Dial
	}
	sock := tlsconn.New(m.server, m.strict, func(network, addr string) (net.Conn, error) {
		return dial(network, addr)
	})

	m.mu.Lock()
	m.sock = sock
	m.mu.Unlock()

	if err := sock.Initialize(); err != nil {
		log.W("mux: (%s) dial failed: %v", m.server.Addr, err)
		m.onSocketClosed(sock)
		return
	}
	m.connectCounter.Add(1)

	if err := sock.StartHandshake(false); err != nil {
		log.W("mux: (%s) handshake failed: %v", m.server.Addr, err)
		m.onSocketClosed(sock)
		return
	}

	m.sendPending(sock)
	m.readEvents(sock)
}

func (m *Mux) sendPending(sock *tlsconn.Socket) {
	for _, id := range m.qm.PendingIDs() {
		q, ok := m.qm.Query(id)
		if !ok {
			continue
		}
		if err := sock.Query(q); err != nil {
			log.W("mux: (%s) send failed for id %d: %v", m.server.Addr, id, err)
			return // socket is dead; readEvents will observe Closed and retry
		}
	}
}

func (m *Mux) readEvents(sock *tlsconn.Socket) {
	for ev := range sock.Events() {
		switch ev.Kind {
		case tlsconn.EventResponse:
			m.qm.OnResponse(ev.Response)
		case tlsconn.EventClosed:
			m.onSocketClosed(sock)
			return
		}
	}
}

// onSocketClosed retries every still-pending entry under the retry
// cap by reconnecting; entries over the cap are already resolved with
// network_error by qmap.Retry itself.
func (m *Mux) onSocketClosed(sock *tlsconn.Socket) {
	m.mu.Lock()
	if m.sock == sock {
		m.sock = nil
	}
	m.mu.Unlock()

	pending := m.qm.PendingIDs()
	if len(pending) == 0 {
		return
	}

	anyRetryable := false
	for _, id := range pending {
		if m.qm.Retry(id) {
			anyRetryable = true
		}
	}
	if anyRetryable {
		asyncutil.Go("mux.reconnect", m.connectAndDrain)
	}
}

// Close tears down the current socket, if any.
func (m *Mux) Close() {
	m.mu.Lock()
	sock := m.sock
	m.sock = nil
	m.mu.Unlock()
	if sock != nil {
		sock.Close()
	}
}

// Pending reports the number of in-flight queries, used by the
// dispatcher (F) to decide idle-eviction eligibility.
func (m *Mux) Pending() int {
	return m.qm.Len()
}
