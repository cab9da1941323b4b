// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dispatch implements component F: a process-wide registry
// that interns one mux.Mux per (mark, server identity) pair, keeping
// it hot while it has pending queries and for a short idle grace
// period afterwards. Grounded on the teacher's idle-reaper-with-grace
// idiom (intra/core/expiringmap.go) generalized from "hit counts
// expire" to "multiplexers expire", and on the process-wide transport
// registry pattern in intra/dnsx/transport.go's resolver.transports.
package dispatch

import (
	"sync"
	"time"

	"github.com/celzero/stubresolv/internal/identity"
	"github.com/celzero/stubresolv/internal/log"
	"github.com/celzero/stubresolv/internal/mux"
	"github.com/celzero/stubresolv/internal/netdial"
)

// idleGrace is how long a multiplexer with zero pending queries is
// kept hot before being evicted, per spec §4.F.
const idleGrace = 30 * time.Second

const reapInterval = 10 * time.Second

type entry struct {
	m        *mux.Mux
	idleSnce time.Time // zero while m.Pending() > 0
}

// Dispatcher interns multiplexers by (mark, server).
type Dispatcher struct {
	mu      sync.Mutex
	entries map[identity.Key]*entry
	dial    func(mark identity.Mark) mux.DialFunc
	strict  bool

	stop chan struct{}
	once sync.Once
}

// New constructs a Dispatcher. dial returns a mark-aware dial func for
// a given network mark (spec §5: "marks are applied to every outgoing
// socket before the first byte is sent"); nil defaults to
// netdial.New, which applies the mark via SO_MARK. strict is passed
// through to every Mux/Socket for hostname verification (spec §4.C).
func New(strict bool, dial func(mark identity.Mark) mux.DialFunc) *Dispatcher {
	if dial == nil {
		dial = func(mark identity.Mark) mux.DialFunc { return netdial.New(mark) }
	}
	d := &Dispatcher{
		entries: make(map[identity.Key]*entry),
		dial:    dial,
		strict:  strict,
		stop:    make(chan struct{}),
	}
	go d.reapLoop()
	return d
}

// Get returns the shared multiplexer for (mark, server), creating one
// if absent. Concurrent callers for the same key share one Mux.
func (d *Dispatcher) Get(mark identity.Mark, server identity.Server) *mux.Mux {
	key := identity.Key{Mark: mark, Server: server}

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[key]; ok {
		e.idleSnce = time.Time{}
		return e.m
	}

	m := mux.New(server, d.strict, d.dial(mark))
	d.entries[key] = &entry{m: m}
	log.I("dispatch: new mux for mark=%d server=%s", mark, server.Addr)
	return m
}

// Evict drops and closes the multiplexer for (mark, server)
// immediately, bypassing the idle grace period.
func (d *Dispatcher) Evict(mark identity.Mark, server identity.Server) {
	key := identity.Key{Mark: mark, Server: server}

	d.mu.Lock()
	e, ok := d.entries[key]
	if ok {
		delete(d.entries, key)
	}
	d.mu.Unlock()

	if ok {
		e.m.Close()
	}
}

func (d *Dispatcher) reapLoop() {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			d.reap()
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) reap() {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, e := range d.entries {
		if e.m.Pending() > 0 {
			e.idleSnce = time.Time{}
			continue
		}
		if e.idleSnce.IsZero() {
			e.idleSnce = now
			continue
		}
		if now.Sub(e.idleSnce) >= idleGrace {
			delete(d.entries, key)
			log.D("dispatch: evicted idle mux server=%s", key.Server.Addr)
			go e.m.Close()
		}
	}
}

// Close stops the reaper and tears down every live multiplexer.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.stop) })

	d.mu.Lock()
	entries := d.entries
	d.entries = make(map[identity.Key]*entry)
	d.mu.Unlock()

	for _, e := range entries {
		e.m.Close()
	}
}

// Len reports how many multiplexers are currently interned, for tests.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
