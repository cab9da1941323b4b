// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMissThenHit(t *testing.T) {
	c := New(0)
	key := Key("example.com", 1, 1)

	var builds atomic.Int32
	build := func() ([]byte, time.Duration, bool, error) {
		builds.Add(1)
		return []byte("answer"), time.Minute, false, nil
	}

	resp, outcome, err := c.GetOrBuild(key, false, build)
	require.NoError(t, err)
	require.Equal(t, Miss, outcome)
	require.Equal(t, []byte("answer"), resp)

	resp, outcome, err = c.GetOrBuild(key, false, build)
	require.NoError(t, err)
	require.Equal(t, Hit, outcome)
	require.Equal(t, []byte("answer"), resp)
	require.Equal(t, int32(1), builds.Load(), "second lookup must not invoke build")
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	c := New(0)
	key := Key("coalesce.example.com", 1, 1)

	var builds atomic.Int32
	release := make(chan struct{})
	build := func() ([]byte, time.Duration, bool, error) {
		builds.Add(1)
		<-release
		return []byte("answer"), time.Minute, false, nil
	}

	const n = 8
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, outcome, err := c.GetOrBuild(key, false, build)
			require.NoError(t, err)
			outcomes[i] = outcome
		}(i)
	}

	time.Sleep(50 * time.Millisecond) // let every goroutine reach sf.Do
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), builds.Load(), "only one build must run for concurrent misses on the same key")

	missCount, pendingCount := 0, 0
	for _, o := range outcomes {
		switch o {
		case Miss:
			missCount++
		case Pending:
			pendingCount++
		}
	}
	require.Equal(t, 1, missCount)
	require.Equal(t, n-1, pendingCount)
}

func TestNoCacheLookupBypassesCoalescing(t *testing.T) {
	c := New(0)
	key := Key("nolookup.example.com", 1, 1)

	var builds atomic.Int32
	build := func() ([]byte, time.Duration, bool, error) {
		builds.Add(1)
		return []byte("answer"), time.Minute, false, nil
	}

	for i := 0; i < 3; i++ {
		resp, outcome, err := c.GetOrBuild(key, true, build)
		require.NoError(t, err)
		require.Equal(t, Miss, outcome)
		require.Equal(t, []byte("answer"), resp)
	}
	require.Equal(t, int32(3), builds.Load(), "NO_CACHE_LOOKUP must bypass both the cache and coalescing")
	require.Equal(t, 0, c.Len(), "NO_CACHE_LOOKUP must not populate the cache")
}

func TestNoCacheStoreSkipsInsert(t *testing.T) {
	c := New(0)
	key := Key("nostore.example.com", 1, 1)

	build := func() ([]byte, time.Duration, bool, error) {
		return []byte("answer"), time.Minute, true, nil
	}

	resp, outcome, err := c.GetOrBuild(key, false, build)
	require.NoError(t, err)
	require.Equal(t, Miss, outcome)
	require.Equal(t, []byte("answer"), resp)
	require.Equal(t, 0, c.Len())

	// a second call must build again since nothing was stored.
	var builds atomic.Int32
	build2 := func() ([]byte, time.Duration, bool, error) {
		builds.Add(1)
		return []byte("answer2"), time.Minute, true, nil
	}
	resp, outcome, err = c.GetOrBuild(key, false, build2)
	require.NoError(t, err)
	require.Equal(t, Miss, outcome)
	require.Equal(t, []byte("answer2"), resp)
	require.Equal(t, int32(1), builds.Load())
}

func TestExpiredEntryEvictsBeforeUnexpired(t *testing.T) {
	c := New(2)

	expired := Key("expired.example.com", 1, 1)
	_, _, err := c.GetOrBuild(expired, false, func() ([]byte, time.Duration, bool, error) {
		return []byte("a"), time.Nanosecond, false, nil
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // let it expire

	fresh := Key("fresh.example.com", 1, 1)
	_, _, err = c.GetOrBuild(fresh, false, func() ([]byte, time.Duration, bool, error) {
		return []byte("b"), time.Minute, false, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	// a third insert at capacity must evict the expired entry, not fresh.
	third := Key("third.example.com", 1, 1)
	_, _, err = c.GetOrBuild(third, false, func() ([]byte, time.Duration, bool, error) {
		return []byte("c"), time.Minute, false, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	_, outcome, _ := c.GetOrBuild(fresh, false, func() ([]byte, time.Duration, bool, error) {
		t.Fatal("fresh entry should not have been evicted")
		return nil, 0, false, nil
	})
	require.Equal(t, Hit, outcome)
}
