// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package netreg implements component K: the per-network state
// registry mapping a netid to its configured servers, search domains,
// ranking params, per-server stats, answer cache, and the
// supplemental res_params/pending_req_timeout_count bookkeeping the
// original Android resolver tracks in resolv_private.h's
// NetworkInfo/res_init.cpp's __res_params, surfaced through Info for
// get_resolver_info (spec §6). Structured after intra/dnsx/cacher.go's
// map-protected-by-one-mutex registry shape, the same idiom package
// dispatch (F) and qmap (D) use.
package netreg

import (
	"sync"
	"sync/atomic"

	"github.com/celzero/stubresolv/internal/cache"
	"github.com/celzero/stubresolv/internal/identity"
	"github.com/celzero/stubresolv/internal/rank"
	"github.com/celzero/stubresolv/internal/rerr"
)

// Params are the per-network tunables of spec §6's set_resolver_configuration
// params[6]: the first four drive ranking (rank.Params); the last two
// are the resolv_private.h res_params fields (__res_params.base_timeout_msec,
// __res_params.retry_count) the distilled spec.md only gestures at via
// "the last two may be absent". A zero BaseTimeoutMs or RetryCount means
// "use defaults", resolved by Defaulted.
type Params struct {
	rank.Params
	BaseTimeoutMs int
	RetryCount    int
}

const (
	defaultBaseTimeoutMs = 1000 // spec §5: "default 1s per attempt"
	defaultRetryCount    = 2
)

// Defaulted fills a non-positive BaseTimeoutMs or RetryCount with its
// resolver default, and replaces all four ranking params with
// rank.DefaultParams() when SampleValidityS is non-positive. Other
// zero ranking params are kept as given.
func (p Params) Defaulted() Params {
	out := p
	if out.SampleValidityS <= 0 {
		out.Params = rank.DefaultParams()
	}
	if out.BaseTimeoutMs <= 0 {
		out.BaseTimeoutMs = defaultBaseTimeoutMs
	}
	if out.RetryCount <= 0 {
		out.RetryCount = defaultRetryCount
	}
	return out
}

// network is the state registered for one netid.
type network struct {
	mu         sync.RWMutex
	servers    []identity.Server // unencrypted DNS53 candidates
	domains    []string          // search domains, tried in order before the bare name
	tlsServers []identity.Server // encrypted (DOT) candidates
	tlsName    string            // strict-mode hostname; empty means opportunistic/off
	params     Params

	cache *cache.Cache
	stats map[identity.Server]*rank.Stats

	pendingTimeouts atomic.Int32
}

// Info is the read-only snapshot get_resolver_info (spec §6) returns.
type Info struct {
	Servers                []identity.Server
	Domains                []string
	TLSServers             []identity.Server
	TLSName                string
	Params                 Params
	Stats                  map[identity.Server][]rank.Sample
	PendingReqTimeoutCount int
}

// Registry is the process-wide netid → network map.
type Registry struct {
	mu   sync.Mutex
	nets map[int]*network
}

func New() *Registry {
	return &Registry{nets: make(map[int]*network)}
}

// Create implements create_network_cache(netid): registers netid with
// an empty configuration and a fresh answer cache. Returns
// rerr.ErrAlreadyExists if netid is already registered.
func (r *Registry) Create(netid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nets[netid]; ok {
		return rerr.ErrAlreadyExists
	}
	r.nets[netid] = &network{
		cache: cache.New(cache.DefaultMaxEntries),
		stats: make(map[identity.Server]*rank.Stats),
	}
	return nil
}

// Destroy implements destroy_network_cache(netid): it is always
// idempotent (spec §6 defines no -ENOENT case).
func (r *Registry) Destroy(netid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nets, netid)
}

func (r *Registry) get(netid int) (*network, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nets[netid]
	return n, ok
}

// SetConfiguration implements set_resolver_configuration (spec §6).
// servers/tlsServers addresses are validated by the caller constructing
// identity.Server values; an empty tlsName with non-empty tlsServers is
// opportunistic mode, handled by package privatedns, not netreg.
func (r *Registry) SetConfiguration(netid int, servers []identity.Server, domains []string, params Params, tlsName string, tlsServers []identity.Server) error {
	n, ok := r.get(netid)
	if !ok {
		return rerr.ErrInvalidArgument
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers = servers
	n.domains = domains
	n.tlsServers = tlsServers
	n.tlsName = tlsName
	n.params = params.Defaulted()

	for _, s := range append(append([]identity.Server{}, servers...), tlsServers...) {
		if _, ok := n.stats[s]; !ok {
			n.stats[s] = rank.NewStats(n.params.MaxSamples)
		}
	}
	return nil
}

// Servers returns netid's configured unencrypted and encrypted server
// lists plus its search domains.
func (r *Registry) Servers(netid int) (servers, tlsServers []identity.Server, domains []string, ok bool) {
	n, found := r.get(netid)
	if !found {
		return nil, nil, nil, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.servers, n.tlsServers, n.domains, true
}

// TLSName returns netid's configured private-DNS strict-mode hostname.
func (r *Registry) TLSName(netid int) (string, bool) {
	n, ok := r.get(netid)
	if !ok {
		return "", false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tlsName, true
}

// RankParams returns netid's ranking tunables, defaulted if unset.
func (r *Registry) RankParams(netid int) (Params, bool) {
	n, ok := r.get(netid)
	if !ok {
		return Params{}, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.params.MaxSamples == 0 {
		return Params{}.Defaulted(), true
	}
	return n.params, true
}

// Cache returns netid's answer cache.
func (r *Registry) Cache(netid int) (*cache.Cache, bool) {
	n, ok := r.get(netid)
	if !ok {
		return nil, false
	}
	return n.cache, true
}

// StatsFor returns netid's ranking sample ring for server, allocating
// it lazily if SetConfiguration has not already done so (e.g. a server
// learned outside the configured lists is still rankable).
func (r *Registry) StatsFor(netid int, server identity.Server) (*rank.Stats, bool) {
	n, ok := r.get(netid)
	if !ok {
		return nil, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.stats[server]
	if !ok {
		maxSamples := n.params.Defaulted().MaxSamples
		st = rank.NewStats(maxSamples)
		n.stats[server] = st
	}
	return st, true
}

// IncPendingTimeout bumps netid's pending_req_timeout_count, the
// res_init.cpp-derived counter surfaced through get_resolver_info.
func (r *Registry) IncPendingTimeout(netid int) {
	n, ok := r.get(netid)
	if !ok {
		return
	}
	n.pendingTimeouts.Add(1)
}

// GetInfo implements get_resolver_info(netid) (spec §6).
func (r *Registry) GetInfo(netid int) (Info, bool) {
	n, ok := r.get(netid)
	if !ok {
		return Info{}, false
	}

	n.mu.RLock()
	info := Info{
		Servers:    append([]identity.Server{}, n.servers...),
		Domains:    append([]string{}, n.domains...),
		TLSServers: append([]identity.Server{}, n.tlsServers...),
		TLSName:    n.tlsName,
		Params:     n.params.Defaulted(),
		Stats:      make(map[identity.Server][]rank.Sample, len(n.stats)),
	}
	statsByServer := make(map[identity.Server]*rank.Stats, len(n.stats))
	for s, st := range n.stats {
		statsByServer[s] = st
	}
	n.mu.RUnlock()

	for s, st := range statsByServer {
		info.Stats[s] = st.Samples()
	}
	info.PendingReqTimeoutCount = int(n.pendingTimeouts.Load())
	return info, true
}
