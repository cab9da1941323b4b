// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rank implements component B: a fixed-size circular sample
// buffer per upstream server and the usable_servers ranking function
// that decides which servers are currently worth querying. Structured
// after the small, lock-protected, fixed-capacity struct style of the
// teacher's core.P2QuantileEstimator (intra/core/p2est.go), generalized
// from a single running estimate to the success/error/timeout/internal
// bucket model spec §4.B requires — the teacher has no direct analogue
// for multi-bucket ranking, so the bucketing algorithm itself follows
// spec.md's prose.
package rank

import (
	"sync"
	"time"
)

// RCode buckets a completed query outcome, per spec §3's Sample model.
type RCode int

const (
	RCodeNoError RCode = iota
	RCodeNxDomain
	RCodeNotAuth
	RCodeServFail
	RCodeNotImp
	RCodeRefused
	RCodeFormErr
	RCodeOther
	RCodeTimeout
	RCodeInternalError
)

func (r RCode) isSuccess() bool {
	switch r {
	case RCodeNoError, RCodeNxDomain, RCodeNotAuth:
		return true
	default:
		return false
	}
}

func (r RCode) isError() bool {
	switch r {
	case RCodeServFail, RCodeNotImp, RCodeRefused, RCodeFormErr, RCodeOther:
		return true
	default:
		return false
	}
}

// Sample is one recorded query outcome.
type Sample struct {
	At    time.Time
	RCode RCode
	RTTMs int
}

// Params are the per-network ranking tunables from spec §3/§6.
type Params struct {
	SampleValidityS    int
	SuccessThresholdPct int
	MinSamples         int
	MaxSamples         int
}

// DefaultParams mirrors the common Android resolver defaults.
func DefaultParams() Params {
	return Params{
		SampleValidityS:     1800,
		SuccessThresholdPct: 20,
		MinSamples:          8,
		MaxSamples:          64,
	}
}

// Stats is the fixed-size circular sample buffer for one upstream
// server, plus the sticky EDNS0 flag design note 4.9 asks to be
// attached here rather than a parallel table.
type Stats struct {
	mu      sync.Mutex
	samples []Sample // ring, len == cap once full
	cursor  int
	full    bool
	noEdns0 bool // set once a server answered an EDNS0 query with FORMERR
}

// NewStats allocates a ring sized to hold up to maxSamples entries.
func NewStats(maxSamples int) *Stats {
	if maxSamples <= 0 {
		maxSamples = 1
	}
	return &Stats{samples: make([]Sample, maxSamples)}
}

// Record appends s, overwriting the oldest sample once the ring is full.
func (s *Stats) Record(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples[s.cursor] = sample
	s.cursor = (s.cursor + 1) % len(s.samples)
	if s.cursor == 0 {
		s.full = true
	}
}

// Clear empties the ring, used by UsableServers when samples become
// stale (spec §4.B's "clear the ring (retry)" path).
func (s *Stats) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
	s.full = false
	for i := range s.samples {
		s.samples[i] = Sample{}
	}
}

// SetNoEdns0 marks this server for EDNS0-less queries from now on; the
// pipeline sets it after the server answers an EDNS0 query with FORMERR
// and then retries that query once without EDNS0.
func (s *Stats) SetNoEdns0(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noEdns0 = v
}

func (s *Stats) NoEdns0() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noEdns0
}

// Samples returns a copy of the currently stored samples, oldest
// first, for diagnostics (get_resolver_info's stats field, spec §6).
func (s *Stats) Samples() []Sample {
	samples, _ := s.snapshot()
	return samples
}

// snapshot returns the currently stored samples and the time of the
// most recent one (zero Time if the ring is empty).
func (s *Stats) snapshot() ([]Sample, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.cursor
	if s.full {
		n = len(s.samples)
	}
	out := make([]Sample, n)
	if s.full {
		// oldest sample is at s.cursor (about to be overwritten next)
		for i := 0; i < n; i++ {
			out[i] = s.samples[(s.cursor+i)%len(s.samples)]
		}
	} else {
		copy(out, s.samples[:n])
	}

	var last time.Time
	if n > 0 {
		last = out[n-1].At
	}
	return out, last
}

// UsableServers implements spec §4.B's usable_servers(): given per-
// network Params and one Stats per candidate server (same order as
// the caller's server list), returns which servers are currently
// usable. Guarantees the permissive-fallback post-condition: if the
// computed set would be empty, every server is returned as usable.
func UsableServers(p Params, stats []*Stats) []bool {
	now := time.Now()
	usable := make([]bool, len(stats))
	anyUsable := false

	for i, st := range stats {
		if st == nil {
			usable[i] = true
			anyUsable = true
			continue
		}

		samples, lastAt := st.snapshot()

		var success, errs, timeouts, internal int
		for _, sm := range samples {
			switch {
			case sm.RCode == RCodeTimeout:
				timeouts++
			case sm.RCode == RCodeInternalError:
				internal++
			case sm.RCode.isSuccess():
				success++
			case sm.RCode.isError():
				errs++
			}
		}
		total := success + errs + timeouts

		stale := !lastAt.IsZero() && now.Sub(lastAt) > time.Duration(p.SampleValidityS)*time.Second
		if stale {
			st.Clear()
			usable[i] = true
			anyUsable = true
			continue
		}

		if total >= p.MinSamples && (errs+timeouts) > 0 &&
			success*100/total < p.SuccessThresholdPct {
			usable[i] = false
			continue
		}

		usable[i] = true
		anyUsable = true
		_ = internal // internal errors count toward neither total nor success
	}

	if !anyUsable {
		for i := range usable {
			usable[i] = true
		}
	}
	return usable
}
