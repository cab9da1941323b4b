// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package qmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdReuseSequential(t *testing.T) {
	m := New()
	for i := 0; i < 5; i++ {
		q := []byte{0xAB, 0xCD, 0, 0}
		f := m.Record(0xABCD, q)
		require.NotNil(t, f)
		require.Equal(t, uint16(0), uint16(q[0])<<8|uint16(q[1]), "on-wire id must be 0 when no other query is outstanding")

		resp := []byte{q[0], q[1], 0xFF}
		require.True(t, m.OnResponse(resp))
		require.Equal(t, uint16(0xABCD), uint16(resp[0])<<8|uint16(resp[1]))

		select {
		case r := <-f.Done():
			require.Equal(t, ResultSuccess, r.Kind)
		default:
			t.Fatal("future should have resolved")
		}
	}
}

func TestIdExhaustion(t *testing.T) {
	m := New()
	futures := make([]*Future, 0, 1<<16)
	for i := 0; i < 1<<16; i++ {
		q := []byte{0, 0, 0, 0}
		f := m.Record(uint16(i), q)
		require.NotNil(t, f, "query %d should have been recorded", i)
		futures = append(futures, f)
	}

	overflow := m.Record(0, []byte{0, 0})
	require.Nil(t, overflow, "65537th concurrently outstanding query must fail immediately")

	// already-pending queries remain unresolved.
	select {
	case <-futures[0].Done():
		t.Fatal("pending queries must not be resolved by an unrelated exhaustion")
	default:
	}
}

func TestRetryExceedsMaxTries(t *testing.T) {
	m := New()
	q := []byte{0, 0}
	f := m.Record(0x1, q)
	require.NotNil(t, f)

	id := uint16(q[0])<<8 | uint16(q[1])
	for i := 0; i < MaxTries; i++ {
		require.True(t, m.Retry(id))
	}
	require.False(t, m.Retry(id))

	select {
	case r := <-f.Done():
		require.Equal(t, ResultNetworkError, r.Kind)
	default:
		t.Fatal("future should have resolved with network_error")
	}
}
