// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cache implements component H: one per-network answer cache
// with single-flight coalescing. The entry shape (map[key]*cres with
// TTL and a bump-on-read counter) and scrub-when-large idiom are
// grounded on intra/dnsx/cacher.go; the single-flight contract (one
// upstream query per key, concurrent callers wait on and share its
// result) is grounded on the lazyUpdateSF field of mosdns-x's own
// cache plugin (plugin/executable/cache/cache.go), which coalesces
// concurrent cache-miss rebuilds with golang.org/x/sync/singleflight
// rather than a hand-rolled wait group.
package cache

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntries bounds the number of answers held per network
// cache, mirroring cacher.go's maxsize.
const DefaultMaxEntries = 10000

// Outcome classifies how GetOrBuild satisfied a lookup (spec §4.H).
type Outcome int

const (
	// Miss means build ran for this call (either nothing was cached,
	// or NO_CACHE_LOOKUP forced a fresh build).
	Miss Outcome = iota
	// Hit means a live cache entry satisfied the call without
	// invoking build.
	Hit
	// Pending means another concurrent caller's build() is in flight
	// for the same key and this call shared its result.
	Pending
)

type entry struct {
	response  []byte
	expiresAt time.Time
	lastUsed  time.Time
}

// Cache is one network's answer cache plus its single-flight registry.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*entry
	sf         singleflight.Group
}

// New constructs a Cache bounded to maxEntries (DefaultMaxEntries if
// <= 0).
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

// Key derives the cache key from a normalized question name, qtype,
// and qclass, mirroring cacher.go's ckey (name + ":" + qtype), extended
// with qclass since this cache is shared across more than IN queries.
func Key(qname string, qtype, qclass uint16) string {
	return qname + ":" + strconv.Itoa(int(qtype)) + ":" + strconv.Itoa(int(qclass))
}

func (c *Cache) lookup(key string) (response []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !time.Now().Before(e.expiresAt) {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.response, true
}

// BuildFunc computes a fresh answer for a cache miss. noStore, when
// true, means the caller requested NO_CACHE_STORE and the result must
// never be inserted regardless of ttl.
type BuildFunc func() (response []byte, ttl time.Duration, noStore bool, err error)

// GetOrBuild resolves key against the cache: a live entry is returned
// as Hit without invoking build; otherwise build runs for exactly one
// caller (Miss) while every other concurrent caller for the same key
// blocks on and shares that single result (Pending) — spec §4.H's
// invariant that at most one upstream query per key is in flight.
// noCacheLookup forces build to run on every call and bypasses
// coalescing entirely, per spec §4.H's NO_CACHE_LOOKUP contract.
func (c *Cache) GetOrBuild(key string, noCacheLookup bool, build BuildFunc) (response []byte, outcome Outcome, err error) {
	if noCacheLookup {
		resp, _, _, err := build()
		return resp, Miss, err
	}

	if resp, ok := c.lookup(key); ok {
		return resp, Hit, nil
	}

	// singleflight reports shared=true to the caller that ran fn as well
	// once others joined, so track which caller actually built.
	ran := false
	v, err, _ := c.sf.Do(key, func() (any, error) {
		ran = true
		resp, ttl, noStore, err := build()
		if err != nil {
			return nil, err
		}
		if !noStore && len(resp) > 0 {
			c.mu.Lock()
			c.evictLocked()
			c.entries[key] = &entry{
				response:  resp,
				expiresAt: time.Now().Add(ttl),
				lastUsed:  time.Now(),
			}
			c.mu.Unlock()
		}
		return resp, nil
	})
	if err != nil {
		return nil, Miss, err
	}

	outcome = Pending
	if ran {
		outcome = Miss
	}
	return v.([]byte), outcome, nil
}

// evictLocked makes room for one new entry when the cache is at
// capacity: it first drops any expired entry, falling back to the
// least-recently-used unexpired entry (spec §4.H). Callers hold c.mu.
func (c *Cache) evictLocked() {
	if len(c.entries) < c.maxEntries {
		return
	}

	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			return
		}
	}

	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastUsed.Before(oldest) {
			oldestKey, oldest, first = k, e.lastUsed, false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len reports the number of stored (not in-flight) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
