// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package asyncutil holds panic-safe goroutine helpers used by the
// transport socket, multiplexer, and private-DNS validation workers.
package asyncutil

import (
	"time"

	"github.com/celzero/stubresolv/internal/log"
)

// Go runs f in a goroutine and recovers from any panic.
func Go(who string, f func()) {
	go func() {
		defer recover1(who)
		f()
	}()
}

// Go1 runs f(arg) in a goroutine and recovers from any panic.
func Go1[T any](who string, f func(T), arg T) {
	go func() {
		defer recover1(who)
		f(arg)
	}()
}

func recover1(who string) {
	if r := recover(); r != nil {
		log.E("async: %s panicked: %v", who, r)
	}
}

// Grx runs f in a goroutine and races it against a deadline d.
// If f finishes first, completed is true and zz is its result.
// If the deadline elapses first, f's goroutine is abandoned (it may still
// run to completion, but its result is discarded) and completed is false.
// Used by the encrypted transport socket to bound handshake teardown to
// well under a second without waiting on the handshake itself.
func Grx[T any](who string, d time.Duration, f func() T) (zz T, completed bool) {
	ch := make(chan T, 1)

	go func() {
		defer recover1(who)
		ch <- f()
	}()

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case out := <-ch:
		return out, true
	case <-t.C:
		return zz, false
	}
}

// raceResult is the outcome of one racer in Race.
type raceResult[T any] struct {
	val T
	err error
}

// Race runs every f in fs concurrently and returns the first
// non-error result. If every racer errors, or the timeout elapses
// first, an error is returned. Used by the resolution pipeline to race
// the encrypted path against a cleartext fallback in OPPORTUNISTIC mode.
func Race[T any](who string, timeout time.Duration, fs ...func() (T, error)) (zz T, idx int, err error) {
	ch := make(chan raceResult[T], len(fs))
	idxch := make(chan int, len(fs))

	for i, f := range fs {
		i, f := i, f
		Go(who, func() {
			v, e := f()
			idxch <- i
			ch <- raceResult[T]{v, e}
		})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var lasterr error
	for range fs {
		select {
		case r := <-ch:
			i := <-idxch
			if r.err == nil {
				return r.val, i, nil
			}
			lasterr = r.err
		case <-timer.C:
			return zz, -1, errTimeout
		}
	}
	return zz, -1, lasterr
}

var errTimeout = errTimeoutType{}

type errTimeoutType struct{}

func (errTimeoutType) Error() string { return "asyncutil: race timed out" }
