// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package nat64 implements component J: per-network NAT64 prefix
// discovery and the synthesis/unmapping primitives built on it. The
// RFC 7050 well-known-address detection across the standard RFC 6052
// prefix lengths (96/64/56/48/40/32) is adapted from
// intra/x64/dns64.go's add(); forward AAAA synthesis and reverse
// prefix-stripping are adapted from intra/x64/natpt.go's X64/IsNat64.
// Orchestrating the two-query PTR fallback (query the synthesized v6
// PTR, then the stripped v4 PTR) is the resolution pipeline's (I)
// job — this package only exposes the prefix state and the pure
// byte-level translation.
package nat64

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/celzero/stubresolv/internal/asyncutil"
	"github.com/celzero/stubresolv/internal/log"
	"github.com/celzero/stubresolv/internal/xdns"
)

// WellKnownName is the RFC 7050 probe name resolved as AAAA to detect
// a network's NAT64 prefix.
const WellKnownName = "ipv4only.arpa."

// discoverInterval is how often an active discovery loop re-probes.
const discoverInterval = 2 * time.Minute

var reservedV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
}

var limitedBroadcast = netip.MustParseAddr("255.255.255.255")

func isReservedV4(v4 netip.Addr) bool {
	if v4 == limitedBroadcast {
		return true
	}
	for _, p := range reservedV4 {
		if p.Contains(v4) {
			return true
		}
	}
	return false
}

func matchesWKA(a, b, c, d byte) bool {
	wka1 := a == 192 && b == 0 && c == 0 && d == 170
	wka2 := a == 192 && b == 0 && c == 0 && d == 171
	return wka1 || wka2
}

// derivePrefix locates the RFC 7050 well-known address within ip6's
// bytes at one of the RFC 6052 prefix lengths and returns the
// corresponding prefix.
func derivePrefix(ip6 netip.Addr) (netip.Prefix, bool) {
	if !ip6.Is6() {
		return netip.Prefix{}, false
	}
	b := ip6.As16()

	endByte := 0
	switch {
	case matchesWKA(b[12], b[13], b[14], b[15]):
		endByte = 12
	case matchesWKA(b[9], b[10], b[11], b[12]):
		endByte = 8
	case matchesWKA(b[7], b[9], b[10], b[11]):
		endByte = 7
	case matchesWKA(b[6], b[7], b[9], b[10]):
		endByte = 6
	case matchesWKA(b[5], b[6], b[7], b[9]):
		endByte = 5
	case matchesWKA(b[4], b[5], b[6], b[7]):
		endByte = 4
	default:
		return netip.Prefix{}, false
	}

	var prefixBytes [16]byte
	copy(prefixBytes[:endByte], b[:endByte])
	return netip.PrefixFrom(netip.AddrFrom16(prefixBytes), endByte*8), true
}

// QueryFunc issues the ipv4only.arpa AAAA probe over cleartext,
// bypassing the encrypted transport even in STRICT mode (spec §4.J).
type QueryFunc func() (*dns.Msg, error)

type netState struct {
	prefix netip.Prefix
	has    bool
	cancel context.CancelFunc
}

// Engine tracks the discovered NAT64 prefix per network.
type Engine struct {
	mu   sync.Mutex
	nets map[int]*netState
}

func New() *Engine {
	return &Engine{nets: make(map[int]*netState)}
}

// StartDiscovery launches a periodic probe loop for netid using
// query; a second call while one is already running is a no-op.
func (e *Engine) StartDiscovery(netid int, query QueryFunc) {
	e.mu.Lock()
	ns, ok := e.nets[netid]
	if !ok {
		ns = &netState{}
		e.nets[netid] = ns
	}
	if ns.cancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ns.cancel = cancel
	e.mu.Unlock()

	asyncutil.Go("nat64.discover", func() { e.discoverLoop(ctx, netid, query) })
}

func (e *Engine) discoverLoop(ctx context.Context, netid int, query QueryFunc) {
	e.probe(netid, query)

	t := time.NewTicker(discoverInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.probe(netid, query)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) probe(netid int, query QueryFunc) {
	msg, err := query()
	if err != nil || !xdns.HasRcodeSuccess(msg) {
		log.D("nat64: (net=%d) probe failed: %v", netid, err)
		return
	}
	for _, addr := range xdns.AAAAAddrs(msg) {
		if p, ok := derivePrefix(addr); ok {
			e.mu.Lock()
			if ns, ok := e.nets[netid]; ok {
				ns.prefix, ns.has = p, true
			}
			e.mu.Unlock()
			log.I("nat64: (net=%d) discovered prefix %s", netid, p)
			return
		}
	}
	log.D("nat64: (net=%d) no well-known address in probe answer", netid)
}

// StopDiscovery cancels netid's discovery loop, if any, and clears
// its prefix (spec §4.J's stop_prefix_discovery).
func (e *Engine) StopDiscovery(netid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ns, ok := e.nets[netid]
	if !ok {
		return
	}
	if ns.cancel != nil {
		ns.cancel()
	}
	delete(e.nets, netid)
}

// Prefix returns netid's discovered prefix, if any.
func (e *Engine) Prefix(netid int) (netip.Prefix, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ns, ok := e.nets[netid]
	if !ok || !ns.has {
		return netip.Prefix{}, false
	}
	return ns.prefix, true
}

// Synthesize embeds v4's four bytes into the low 32 bits of netid's
// discovered /96 prefix, unless v4 falls in a reserved range (spec
// §4.J). Reports false if no /96 prefix is configured, v4 is not an
// IPv4 address, or v4 is reserved.
func (e *Engine) Synthesize(netid int, v4 netip.Addr) (netip.Addr, bool) {
	if !v4.Is4() || isReservedV4(v4) {
		return netip.Addr{}, false
	}
	p, ok := e.Prefix(netid)
	if !ok || p.Bits() != 96 {
		return netip.Addr{}, false
	}

	prefixBytes := p.Addr().As16()
	v4b := v4.As4()
	var out [16]byte
	copy(out[:12], prefixBytes[:12])
	out[12], out[13], out[14], out[15] = v4b[0], v4b[1], v4b[2], v4b[3]
	return netip.AddrFrom16(out), true
}

// IsSynthesized reports whether ip6 falls within netid's /96 prefix.
func (e *Engine) IsSynthesized(netid int, ip6 netip.Addr) bool {
	if !ip6.Is6() {
		return false
	}
	p, ok := e.Prefix(netid)
	return ok && p.Bits() == 96 && p.Contains(ip6)
}

// Strip reverses Synthesize: if ip6 lies within netid's prefix,
// returns the embedded IPv4 address (spec §4.J's PTR fallback).
func (e *Engine) Strip(netid int, ip6 netip.Addr) (netip.Addr, bool) {
	if !e.IsSynthesized(netid, ip6) {
		return netip.Addr{}, false
	}
	b := ip6.As16()
	return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
}
