// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rank

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingBound(t *testing.T) {
	s := NewStats(8)
	for i := 0; i < 100; i++ {
		s.Record(Sample{At: time.Now(), RCode: RCodeNoError})
	}
	samples, _ := s.snapshot()
	require.LessOrEqual(t, len(samples), 8)
}

func TestUsableServersEvictsFlaky(t *testing.T) {
	p := Params{SampleValidityS: 1800, SuccessThresholdPct: 50, MinSamples: 4, MaxSamples: 8}

	flaky := NewStats(8)
	for i := 0; i < 8; i++ {
		flaky.Record(Sample{At: time.Now(), RCode: RCodeTimeout})
	}
	good := NewStats(8)
	for i := 0; i < 8; i++ {
		good.Record(Sample{At: time.Now(), RCode: RCodeNoError})
	}

	usable := UsableServers(p, []*Stats{flaky, good})
	require.False(t, usable[0])
	require.True(t, usable[1])
}

func TestPermissiveFallback(t *testing.T) {
	p := Params{SampleValidityS: 1800, SuccessThresholdPct: 50, MinSamples: 4, MaxSamples: 8}

	allBad := NewStats(8)
	for i := 0; i < 8; i++ {
		allBad.Record(Sample{At: time.Now(), RCode: RCodeTimeout})
	}

	usable := UsableServers(p, []*Stats{allBad})
	require.True(t, usable[0], "must fall back to permissive when no server would be usable")
}

func TestStaleSamplesClearAndRetry(t *testing.T) {
	p := Params{SampleValidityS: 1, SuccessThresholdPct: 50, MinSamples: 2, MaxSamples: 8}

	st := NewStats(8)
	st.Record(Sample{At: time.Now().Add(-2 * time.Second), RCode: RCodeTimeout})
	st.Record(Sample{At: time.Now().Add(-2 * time.Second), RCode: RCodeTimeout})

	usable := UsableServers(p, []*Stats{st})
	require.True(t, usable[0])

	samples, _ := st.snapshot()
	require.Empty(t, samples, "stale ring should have been cleared")
}
