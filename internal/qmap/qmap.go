// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package qmap implements component D: the bidirectional mapping
// between a caller's original wire id and a freshly allocated on-wire
// id, plus per-entry retry bookkeeping. Grounded on the
// mutex-protected-map idiom of the teacher's dnsx/cacher.go, adapted
// from a cache-key keyspace to a 16-bit id keyspace.
package qmap

import (
	"sync"

	"github.com/celzero/stubresolv/internal/rerr"
)

// MaxTries bounds retry attempts per entry before an entry resolves
// with network_error (spec §4.D's kMaxTries, default 3).
const MaxTries = 3

// ResultKind classifies how a QueryFuture resolved.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultNetworkError
	ResultLimitError
	ResultInternalError
)

// Result is the outcome delivered to a QueryFuture.
type Result struct {
	Kind     ResultKind
	Response []byte
	Err      error
}

// Future is handed back by Record; the caller waits on Done().
type Future struct {
	ch chan Result
}

func newFuture() *Future {
	return &Future{ch: make(chan Result, 1)}
}

// Resolved returns a Future already carrying r, used for fast-fail
// paths (e.g. back-pressure) that never occupy a Map entry.
func Resolved(r Result) *Future {
	f := newFuture()
	f.ch <- r
	return f
}

// Done returns the channel the single Result is delivered on.
func (f *Future) Done() <-chan Result {
	return f.ch
}

func (f *Future) resolve(r Result) {
	select {
	case f.ch <- r:
	default:
		// already resolved; entries are only ever resolved once.
	}
}

type entry struct {
	originalID uint16
	newID      uint16
	query      []byte
	attempts   int
	future     *Future
}

// Map allocates on-wire ids and pairs responses with waiting callers.
// Safe for concurrent use; allocation and release are O(1) amortized.
type Map struct {
	mu      sync.Mutex
	byNewID map[uint16]*entry
	cursor  uint16
}

func New() *Map {
	return &Map{byNewID: make(map[uint16]*entry)}
}

// Record mints a currently-unused on-wire id, rewrites the first two
// octets of query in place, and stores the entry. Returns nil if all
// 65,536 ids are occupied (spec §4.D).
func (m *Map) Record(originalID uint16, query []byte) *Future {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.byNewID) >= 1<<16 {
		return nil
	}

	// once every prior query has completed, restart the search at 0 so
	// a sequence of non-overlapping queries always observes wire id 0
	// (spec §8's id-reuse property); otherwise advance from the last
	// cursor position for O(1) amortized allocation under load.
	if len(m.byNewID) == 0 {
		m.cursor = 0
	}
	id := m.cursor
	for {
		if _, taken := m.byNewID[id]; !taken {
			break
		}
		id++
	}
	m.cursor = id + 1

	if len(query) >= 2 {
		query[0] = byte(id >> 8)
		query[1] = byte(id)
	}

	f := newFuture()
	m.byNewID[id] = &entry{
		originalID: originalID,
		newID:      id,
		query:      query,
		future:     f,
	}
	return f
}

// OnResponse reads the wire id from response, restores the caller's
// original id in place, resolves the matching future with success,
// and releases the entry. Returns false if no matching entry exists
// (a stray or duplicate response).
func (m *Map) OnResponse(response []byte) bool {
	if len(response) < 2 {
		return false
	}
	wireID := uint16(response[0])<<8 | uint16(response[1])

	m.mu.Lock()
	e, ok := m.byNewID[wireID]
	if ok {
		delete(m.byNewID, wireID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	response[0] = byte(e.originalID >> 8)
	response[1] = byte(e.originalID)
	e.future.resolve(Result{Kind: ResultSuccess, Response: response})
	return true
}

// Retry increments the attempt counter for newID and reports whether
// another attempt is permitted. Once MaxTries is exceeded the future
// is resolved with network_error and the entry is released.
func (m *Map) Retry(newID uint16) (ok bool) {
	m.mu.Lock()
	e, found := m.byNewID[newID]
	if !found {
		m.mu.Unlock()
		return false
	}
	e.attempts++
	exceeded := e.attempts > MaxTries
	if exceeded {
		delete(m.byNewID, newID)
	}
	m.mu.Unlock()

	if exceeded {
		e.future.resolve(Result{Kind: ResultNetworkError, Err: rerr.ErrNetworkError})
		return false
	}
	return true
}

// Fail resolves newID's future with kind/err and releases the entry,
// for giving up on a recorded query without exhausting its retries.
// A query rejected because the map is full has no entry; the
// multiplexer answers it with Resolved instead.
func (m *Map) Fail(newID uint16, kind ResultKind, err error) {
	m.mu.Lock()
	e, ok := m.byNewID[newID]
	if ok {
		delete(m.byNewID, newID)
	}
	m.mu.Unlock()
	if ok {
		e.future.resolve(Result{Kind: kind, Err: err})
	}
}

// Query returns the stored query bytes for newID, used to resend on
// socket failover.
func (m *Map) Query(newID uint16) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byNewID[newID]
	if !ok {
		return nil, false
	}
	return e.query, true
}

// PendingIDs returns every currently outstanding on-wire id, used by
// the multiplexer to resend after a socket drop.
func (m *Map) PendingIDs() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint16, 0, len(m.byNewID))
	for id := range m.byNewID {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of outstanding entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byNewID)
}
