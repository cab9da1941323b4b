// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rpc implements the external-interfaces surface of spec §6:
// it wraps the resolver core (netreg, dispatch, privatedns, nat64,
// pipeline) and converts rerr.Kind to the negative-errno ints and the
// flat-array wire shapes the RPC boundary requires. Grounded on
// intra/backend/dnsx.go's DNSSummary/DNSOpts flattening idiom,
// generalized from a single per-query summary to GetResolverInfo's
// per-server stats records.
package rpc

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/celzero/stubresolv/internal/asyncutil"
	"github.com/celzero/stubresolv/internal/dispatch"
	"github.com/celzero/stubresolv/internal/identity"
	"github.com/celzero/stubresolv/internal/log"
	"github.com/celzero/stubresolv/internal/nat64"
	"github.com/celzero/stubresolv/internal/netdial"
	"github.com/celzero/stubresolv/internal/netreg"
	"github.com/celzero/stubresolv/internal/pipeline"
	"github.com/celzero/stubresolv/internal/privatedns"
	"github.com/celzero/stubresolv/internal/rank"
	"github.com/celzero/stubresolv/internal/rerr"
	"github.com/celzero/stubresolv/internal/xdns"
	"github.com/miekg/dns"
)

// localNameserversBit is OR'ed into a wire netid to select the
// unencrypted default network, bypassing whatever is configured for
// the caller's real network (spec §3/§6).
const localNameserversBit int32 = -1 << 31

// LocalNetID is the network the bypass flag redirects to; callers
// must create_network_cache it like any other netid before use.
const LocalNetID = 0

// SplitNetID extracts the local-nameservers bypass flag from a wire
// netid.
func SplitNetID(wire int32) (netid int, localBypass bool) {
	if wire&localNameserversBit != 0 {
		return int(wire &^ localNameserversBit), true
	}
	return int(wire), false
}

// EventListener mirrors register_event_listener's callback contract.
type EventListener interface {
	OnValidationStateUpdate(server identity.Server, state privatedns.State, netid int)
}

// Core is the resolver core's single entry point for the RPC surface.
type Core struct {
	nets *netreg.Registry
	disp *dispatch.Dispatcher
	priv *privatedns.Configuration
	nat  *nat64.Engine
	pipe *pipeline.Pipeline

	mu        sync.Mutex
	listeners []EventListener
}

// NewCore wires an already-constructed set of components; used by
// tests that need to hand in fakes for one component.
func NewCore(nets *netreg.Registry, disp *dispatch.Dispatcher, priv *privatedns.Configuration, nat *nat64.Engine, pipe *pipeline.Pipeline) *Core {
	return &Core{nets: nets, disp: disp, priv: priv, nat: nat, pipe: pipe}
}

// NewResolver builds a complete, production-wired Core: one
// dispatcher, one private-DNS configuration, one NAT64 engine, and a
// pipeline over all three, every outgoing socket marked per network
// via netdial.New (spec §5).
func NewResolver(strict bool) *Core {
	c := &Core{nets: netreg.New()}
	c.nat = nat64.New()
	c.priv = privatedns.New(c, nil)
	c.disp = dispatch.New(strict, nil)
	c.pipe = pipeline.New(c.nets, c.disp, c.priv, c.nat, func(mark identity.Mark) pipeline.DialFunc {
		return netdial.New(mark)
	})
	return c
}

// OnValidationStateUpdate implements privatedns.Observer, fanning out
// to every registered EventListener.
func (c *Core) OnValidationStateUpdate(server identity.Server, state privatedns.State, netid int) {
	c.mu.Lock()
	listeners := append([]EventListener{}, c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l.OnValidationStateUpdate(server, state, netid)
	}
}

// RegisterEventListener implements register_event_listener (spec §6).
func (c *Core) RegisterEventListener(l EventListener) error {
	if l == nil {
		return rerr.ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.listeners {
		if existing == l {
			return rerr.ErrAlreadyExists
		}
	}
	c.listeners = append(c.listeners, l)
	return nil
}

// CreateNetworkCache implements create_network_cache.
func (c *Core) CreateNetworkCache(netid int) error {
	return c.nets.Create(netid)
}

// DestroyNetworkCache implements destroy_network_cache: it tears down
// every per-netid subsystem state, not just the answer cache.
func (c *Core) DestroyNetworkCache(netid int) {
	c.nets.Destroy(netid)
	c.priv.Clear(netid)
	c.nat.StopDiscovery(netid)
}

// Params is the params[6] layout of set_resolver_configuration.
type Params = netreg.Params

// SetResolverConfiguration implements set_resolver_configuration (spec §6).
func (c *Core) SetResolverConfiguration(netid int, servers []string, domains []string, params [6]int32, tlsName string, tlsServers []string) error {
	unenc, err := parseServers(servers, identity.DNS53, "")
	if err != nil {
		return rerr.ErrInvalidArgument
	}
	enc, err := parseServers(tlsServers, identity.DOT, tlsName)
	if err != nil {
		return rerr.ErrInvalidArgument
	}

	p := netreg.Params{
		Params: rank.Params{
			SampleValidityS:     int(params[0]),
			SuccessThresholdPct: int(params[1]),
			MinSamples:          int(params[2]),
			MaxSamples:          int(params[3]),
		},
		BaseTimeoutMs: int(params[4]),
		RetryCount:    int(params[5]),
	}

	if err := c.nets.SetConfiguration(netid, unenc, domains, p, tlsName, enc); err != nil {
		return err
	}
	return c.priv.Set(netid, identity.Mark(netid), tlsName, enc)
}

func parseServers(addrs []string, proto identity.Protocol, hostname string) ([]identity.Server, error) {
	out := make([]identity.Server, 0, len(addrs))
	for _, a := range addrs {
		s, err := identity.New(a, hostname, proto)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// GetResolverInfoResult is get_resolver_info's result, flattened for
// the wire via Flatten (spec §6).
type GetResolverInfoResult struct {
	Servers                []string
	Domains                []string
	TLSServers             []string
	TLSName                string
	Params                 [6]int32
	Stats                  []int32 // 4 int32s per server: {samples, success, errors, timeouts}
	PendingReqTimeoutCount int32
}

const statRecordLen = 4

// Flatten produces the []int32 wire layout spec.md's stats field
// requires, grounded on intra/backend/dnsx.go's DNSSummary flattening
// idiom.
func (r GetResolverInfoResult) Flatten() []int32 {
	out := make([]int32, 0, len(r.Params)+1+len(r.Stats))
	out = append(out, r.Params[:]...)
	out = append(out, r.PendingReqTimeoutCount)
	out = append(out, r.Stats...)
	return out
}

// GetResolverInfo implements get_resolver_info (spec §6).
func (c *Core) GetResolverInfo(netid int) (GetResolverInfoResult, error) {
	info, ok := c.nets.GetInfo(netid)
	if !ok {
		return GetResolverInfoResult{}, rerr.ErrInvalidArgument
	}

	res := GetResolverInfoResult{
		Servers:    serverStrings(info.Servers),
		Domains:    info.Domains,
		TLSServers: serverStrings(info.TLSServers),
		TLSName:    info.TLSName,
		Params: [6]int32{
			int32(info.Params.SampleValidityS),
			int32(info.Params.SuccessThresholdPct),
			int32(info.Params.MinSamples),
			int32(info.Params.MaxSamples),
			int32(info.Params.BaseTimeoutMs),
			int32(info.Params.RetryCount),
		},
		PendingReqTimeoutCount: int32(info.PendingReqTimeoutCount),
	}
	for _, s := range info.Servers {
		res.Stats = append(res.Stats, statRecord(info.Stats[s])...)
	}
	for _, s := range info.TLSServers {
		res.Stats = append(res.Stats, statRecord(info.Stats[s])...)
	}
	return res, nil
}

func statRecord(samples []rank.Sample) []int32 {
	rec := make([]int32, statRecordLen)
	rec[0] = int32(len(samples))
	for _, s := range samples {
		switch {
		case s.RCode == rank.RCodeTimeout:
			rec[3]++
		case s.RCode == rank.RCodeNoError || s.RCode == rank.RCodeNxDomain || s.RCode == rank.RCodeNotAuth:
			rec[1]++
		default:
			rec[2]++
		}
	}
	return rec
}

func serverStrings(servers []identity.Server) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.Addr.String()
	}
	return out
}

// StartPrefix64Discovery implements start_prefix64_discovery (spec
// §4.J/§6). The probe always bypasses the encrypted transport, even
// in STRICT mode, by dialing cleartext directly rather than through
// the dispatcher.
func (c *Core) StartPrefix64Discovery(netid int) error {
	servers, tlsServers, _, ok := c.nets.Servers(netid)
	if !ok {
		return rerr.ErrInvalidArgument
	}
	candidates := servers
	if len(candidates) == 0 {
		candidates = tlsServers
	}
	if len(candidates) == 0 {
		return rerr.ErrInvalidArgument
	}

	addr := net.JoinHostPort(candidates[0].Addr.String(), "53")
	dial := netdial.New(identity.Mark(netid))

	c.nat.StartDiscovery(netid, func() (*dns.Msg, error) {
		conn, err := dial("udp", addr)
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		q := new(dns.Msg)
		q.SetQuestion(nat64.WellKnownName, dns.TypeAAAA)
		client := &dns.Client{Net: "udp", Timeout: 5 * time.Second}
		resp, _, err := client.ExchangeWithConn(q, &dns.Conn{Conn: conn})
		return resp, err
	})
	return nil
}

// StopPrefix64Discovery implements stop_prefix64_discovery.
func (c *Core) StopPrefix64Discovery(netid int) {
	c.nat.StopDiscovery(netid)
}

// SetLogSeverity implements set_log_severity (spec §6).
func (c *Core) SetLogSeverity(level int32) error {
	if !log.Set(log.LogLevel(level)) {
		return rerr.ErrInvalidArgument
	}
	return nil
}

// Record is the result of a synchronous hostname lookup.
type Record struct {
	V4 []netip.Addr
	V6 []netip.Addr
}

// LookupHost implements the synchronous hostname API of spec §6,
// returning whichever of A/AAAA succeeded.
func (c *Core) LookupHost(wireNetID int32, mark identity.Mark, hostname string, flags pipeline.Flags) (Record, error) {
	netid, bypass := SplitNetID(wireNetID)
	if bypass {
		netid = LocalNetID
	}

	var rec Record
	var firstErr error

	if aResp, err := c.pipe.Resolve(netid, mark, hostname, dns.TypeA, dns.ClassINET, flags); err == nil {
		if msg, perr := xdns.Parse(aResp); perr == nil {
			rec.V4 = xdns.AAddrs(msg)
		}
	} else {
		firstErr = err
	}

	if aaaaResp, err := c.pipe.Resolve(netid, mark, hostname, dns.TypeAAAA, dns.ClassINET, flags); err == nil {
		if msg, perr := xdns.Parse(aaaaResp); perr == nil {
			rec.V6 = xdns.AAAAAddrs(msg)
		}
	} else if firstErr == nil {
		firstErr = err
	}

	if len(rec.V4) == 0 && len(rec.V6) == 0 {
		if firstErr != nil {
			return Record{}, firstErr
		}
		return Record{}, rerr.ErrHostNotFound
	}
	return rec, nil
}

type queryResult struct {
	rcode int
	wire  []byte
	err   error
}

// Handle is the asynchronous raw-message query's "fd": Read blocks
// for the single result and may be called more than once, each call
// returning the same cached result (spec §6: "reading the result also
// closes the fd").
type Handle struct {
	mu     sync.Mutex
	result *queryResult
	ch     chan *queryResult
}

func newHandle() *Handle {
	return &Handle{ch: make(chan *queryResult, 1)}
}

func (h *Handle) deliver(r *queryResult) {
	h.ch <- r
}

// Read returns the query's RCODE and raw wire response.
func (h *Handle) Read() (rcode int, wire []byte, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result == nil {
		h.result = <-h.ch
	}
	return h.result.rcode, h.result.wire, h.result.err
}

// Query implements the asynchronous raw-message API of spec §6.
func (c *Core) Query(wireNetID int32, mark identity.Mark, name string, qtype, qclass uint16, flags pipeline.Flags) *Handle {
	netid, bypass := SplitNetID(wireNetID)
	if bypass {
		netid = LocalNetID
	}

	h := newHandle()
	asyncutil.Go1("rpc.query", func(h *Handle) {
		resp, err := c.pipe.Resolve(netid, mark, name, qtype, qclass, flags)
		if err != nil {
			h.deliver(&queryResult{rcode: dns.RcodeServerFailure, err: err})
			return
		}
		rc := dns.RcodeServerFailure
		if msg, perr := xdns.Parse(resp); perr == nil {
			rc = msg.Rcode
		}
		h.deliver(&queryResult{rcode: rc, wire: resp})
	}, h)
	return h
}
