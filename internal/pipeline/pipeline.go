// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pipeline implements component I: the resolution pipeline
// that ties the cache (H), server ranking (B), transport dispatcher
// (F), private-DNS configuration (G), and NAT64 engine (J) together
// into the steps a single lookup takes — literal/hosts short-circuit,
// search-domain expansion, cache probe, server selection, the
// UDP-then-TCP-on-truncation exchange, and NAT64 post-processing.
// Grounded on intra/dnsx/transport.go's forward() orchestration and
// intra/dns53/upstream.go's send() (UDP-then-TCP via *dns.Client,
// rather than a hand-rolled framed socket for cleartext).
package pipeline

import (
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/celzero/stubresolv/internal/asyncutil"
	"github.com/celzero/stubresolv/internal/cache"
	"github.com/celzero/stubresolv/internal/dispatch"
	"github.com/celzero/stubresolv/internal/identity"
	"github.com/celzero/stubresolv/internal/log"
	"github.com/celzero/stubresolv/internal/nat64"
	"github.com/celzero/stubresolv/internal/netdial"
	"github.com/celzero/stubresolv/internal/netreg"
	"github.com/celzero/stubresolv/internal/privatedns"
	"github.com/celzero/stubresolv/internal/qmap"
	"github.com/celzero/stubresolv/internal/rank"
	"github.com/celzero/stubresolv/internal/rerr"
	"github.com/celzero/stubresolv/internal/xdns"
	"github.com/miekg/dns"
)

// ndotsDefault mirrors resolv.conf's default ndots (spec §4.I step 2).
const ndotsDefault = 1

// negativeTTL is used when a response carries no TTL to derive one
// from (e.g. NXDOMAIN with an empty authority section).
const negativeTTL = 30 * time.Second

// maxTTLSeconds caps a cached entry's lifetime regardless of the
// answer's own TTL (spec §3: "expiry = now + min(answer_ttl, cap)").
const maxTTLSeconds = 3600

// DialFunc dials a network-marked connection to an upstream server.
type DialFunc func(network, addr string) (net.Conn, error)

// Flags are the per-query RPC flags of spec §6.
type Flags struct {
	NoCacheLookup bool
	NoCacheStore  bool
	NoRetry       bool
}

// Pipeline resolves questions for any registered netid.
type Pipeline struct {
	nets     *netreg.Registry
	dispatch *dispatch.Dispatcher
	priv     *privatedns.Configuration
	nat      *nat64.Engine
	dial     func(mark identity.Mark) DialFunc
	ndots    int
	hosts    map[string]netip.Addr
}

// New wires the pipeline to its component dependencies. dial defaults
// to netdial.New, applying the network mark via SO_MARK to every
// cleartext socket the pipeline opens directly (encrypted sockets get
// their mark from the dispatcher's own dial func).
func New(nets *netreg.Registry, disp *dispatch.Dispatcher, priv *privatedns.Configuration, nat *nat64.Engine, dial func(mark identity.Mark) DialFunc) *Pipeline {
	if dial == nil {
		dial = func(mark identity.Mark) DialFunc { return netdial.New(mark) }
	}
	return &Pipeline{
		nets:     nets,
		dispatch: disp,
		priv:     priv,
		nat:      nat,
		dial:     dial,
		ndots:    ndotsDefault,
		hosts:    make(map[string]netip.Addr),
	}
}

// SetHost registers a static hosts-table entry consulted ahead of any
// upstream query (spec §4.I step 1).
func (p *Pipeline) SetHost(name string, addr netip.Addr) {
	p.hosts[xdns.NormalizeName(name)] = addr
}

// Resolve runs the full pipeline for one question.
func (p *Pipeline) Resolve(netid int, mark identity.Mark, qname string, qtype, qclass uint16, flags Flags) ([]byte, error) {
	name := xdns.NormalizeName(qname)

	if qtype == dns.TypeA || qtype == dns.TypeAAAA {
		if addr, err := netip.ParseAddr(name); err == nil {
			return literalAnswer(qname, addr, qtype, qclass), nil
		}
		if addr, ok := p.hosts[name]; ok {
			return literalAnswer(qname, addr, qtype, qclass), nil
		}
	}

	_, _, domains, ok := p.nets.Servers(netid)
	if !ok {
		return nil, rerr.ErrInvalidArgument
	}

	var lastResp []byte
	var lastErr error
	for _, candidate := range p.expand(name, domains) {
		resp, err := p.resolveOne(netid, mark, candidate, qtype, qclass, flags)
		if err != nil {
			lastErr = err
			continue
		}
		lastResp, lastErr = resp, nil
		if msg, perr := xdns.Parse(resp); perr == nil && msg.Rcode == dns.RcodeSuccess {
			return resp, nil
		}
	}
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

// expand implements the search-domain rule of spec §4.I step 2.
func (p *Pipeline) expand(name string, domains []string) []string {
	dots := strings.Count(name, ".")
	if dots >= p.ndots || len(domains) == 0 {
		return []string{name}
	}
	out := make([]string, 0, len(domains)+1)
	for _, d := range domains {
		out = append(out, name+"."+strings.TrimSuffix(d, "."))
	}
	return append(out, name) // bare name tried last
}

func (p *Pipeline) resolveOne(netid int, mark identity.Mark, name string, qtype, qclass uint16, flags Flags) ([]byte, error) {
	c, ok := p.nets.Cache(netid)
	if !ok {
		return nil, rerr.ErrInvalidArgument
	}
	key := cache.Key(name, qtype, qclass)

	resp, _, err := c.GetOrBuild(key, flags.NoCacheLookup, func() ([]byte, time.Duration, bool, error) {
		return p.build(netid, mark, name, qtype, qclass, flags)
	})
	return resp, err
}

// build performs the upstream exchange and NAT64 post-processing for
// one (netid, name, qtype) triple, called at most once concurrently
// per cache key via (H)'s single-flight coalescing.
func (p *Pipeline) build(netid int, mark identity.Mark, name string, qtype, qclass uint16, flags Flags) ([]byte, time.Duration, bool, error) {
	resp, err := p.queryUpstream(netid, mark, name, qtype, qclass, flags)
	if err != nil {
		return nil, 0, true, err
	}

	if qtype == dns.TypeAAAA {
		resp = p.maybeSynthesizeAAAA(netid, mark, name, qclass, flags, resp)
	}
	if strings.HasSuffix(name, "ip6.arpa") {
		resp = p.maybeFallbackPTR(netid, mark, name, qclass, flags, resp)
	}

	return resp, ttlFromResponse(resp), flags.NoCacheStore, nil
}

// queryUpstream implements spec §4.I steps 4-5 and 7: candidate
// selection, STRICT-mode routing through the encrypted dispatcher,
// and OPPORTUNISTIC racing against cleartext.
func (p *Pipeline) queryUpstream(netid int, mark identity.Mark, name string, qtype, qclass uint16, flags Flags) ([]byte, error) {
	servers, _, _, ok := p.nets.Servers(netid)
	if !ok {
		return nil, rerr.ErrInvalidArgument
	}
	params, ok := p.nets.RankParams(netid)
	if !ok {
		params = netreg.Params{}.Defaulted()
	}

	mode := privatedns.Off
	var status privatedns.Status
	if p.priv != nil {
		status = p.priv.GetStatus(netid)
		mode = status.Mode
	}

	switch mode {
	case privatedns.Strict:
		validated := validatedServers(status)
		if len(validated) == 0 {
			// spec §7: with a hostname configured and no server yet
			// validated, STRICT fails fast without attempting any
			// transport.
			return nil, rerr.ErrHostNotFound
		}
		return p.queryServerSet(netid, mark, validated, true, name, qtype, qclass, params, flags)
	case privatedns.Opportunistic:
		if validated := validatedServers(status); len(validated) > 0 {
			return p.queryOpportunistic(netid, mark, validated, servers, name, qtype, qclass, params, flags)
		}
		return p.queryServerSet(netid, mark, servers, false, name, qtype, qclass, params, flags)
	default:
		return p.queryServerSet(netid, mark, servers, false, name, qtype, qclass, params, flags)
	}
}

func validatedServers(status privatedns.Status) []identity.Server {
	var out []identity.Server
	for s, state := range status.ServersMap {
		if state == privatedns.Success {
			out = append(out, s)
		}
	}
	return out
}

// queryOpportunistic races the encrypted path against cleartext (spec
// §4.I step 7): whichever returns first without error wins.
func (p *Pipeline) queryOpportunistic(netid int, mark identity.Mark, encServers, cleartextServers []identity.Server, name string, qtype, qclass uint16, params netreg.Params, flags Flags) ([]byte, error) {
	timeout := attemptTimeout(params, 1)
	resp, _, err := asyncutil.Race("pipeline.opportunistic", timeout,
		func() ([]byte, error) {
			return p.queryServerSet(netid, mark, encServers, true, name, qtype, qclass, params, flags)
		},
		func() ([]byte, error) {
			return p.queryServerSet(netid, mark, cleartextServers, false, name, qtype, qclass, params, flags)
		},
	)
	return resp, err
}

// queryServerSet ranks servers via (B), then attempts each usable one
// in order, up to retries, handling the EDNS0-retry-once discipline of
// spec §4.I.
func (p *Pipeline) queryServerSet(netid int, mark identity.Mark, servers []identity.Server, encrypted bool, name string, qtype, qclass uint16, params netreg.Params, flags Flags) ([]byte, error) {
	if len(servers) == 0 {
		return nil, rerr.ErrNetworkError
	}

	statsList := make([]*rank.Stats, len(servers))
	for i, s := range servers {
		st, _ := p.nets.StatsFor(netid, s)
		statsList[i] = st
	}
	usable := rank.UsableServers(params.Params, statsList)

	retries := params.RetryCount
	if flags.NoRetry {
		retries = 1
	}
	timeout := attemptTimeout(params, len(servers))

	var lastErr error
	attempts := 0
	for i, srv := range servers {
		if !usable[i] || attempts >= retries {
			continue
		}
		attempts++

		st := statsList[i]
		useEdns0 := encrypted && !st.NoEdns0() // never on cleartext UDP (spec §4.I)

		resp, rcode, rttMs, err := p.attempt(mark, srv, encrypted, name, qtype, qclass, useEdns0, timeout)
		p.recordSample(netid, srv, rcode, rttMs, err)
		if err != nil {
			lastErr = err
			continue
		}

		if useEdns0 && rcode == dns.RcodeFormatError {
			st.SetNoEdns0(true)
			resp, rcode, rttMs, err = p.attempt(mark, srv, encrypted, name, qtype, qclass, false, timeout)
			p.recordSample(netid, srv, rcode, rttMs, err)
			if err != nil {
				lastErr = err
				continue
			}
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = rerr.ErrNetworkError
	}
	return nil, lastErr
}

func attemptTimeout(params netreg.Params, serverCount int) time.Duration {
	base := params.BaseTimeoutMs
	if base <= 0 {
		base = 1000
	}
	if serverCount < 1 {
		serverCount = 1
	}
	return time.Duration(base*serverCount) * time.Millisecond
}

// attempt issues one query to srv, over the encrypted dispatcher or a
// direct cleartext exchange, and returns the raw response alongside
// its RCODE and observed RTT for ranking.
func (p *Pipeline) attempt(mark identity.Mark, srv identity.Server, encrypted bool, name string, qtype, qclass uint16, edns0 bool, timeout time.Duration) (resp []byte, rcode int, rttMs int, err error) {
	id := uint16(rand.Intn(1 << 16))
	query, err := xdns.BuildQuery(name, qtype, qclass, id, edns0)
	if err != nil {
		return nil, 0, 0, err
	}

	start := time.Now()
	if encrypted {
		resp, err = p.attemptEncrypted(mark, srv, id, query, timeout)
	} else {
		resp, err = p.attemptCleartext(mark, srv, query, timeout)
	}
	rttMs = int(time.Since(start) / time.Millisecond)
	if err != nil {
		return nil, 0, rttMs, err
	}

	msg, perr := xdns.Parse(resp)
	if perr != nil {
		return nil, 0, rttMs, perr
	}
	return resp, msg.Rcode, rttMs, nil
}

func (p *Pipeline) attemptEncrypted(mark identity.Mark, srv identity.Server, id uint16, query []byte, timeout time.Duration) ([]byte, error) {
	m := p.dispatch.Get(mark, srv)
	f := m.Query(id, query)

	select {
	case res := <-f.Done():
		if res.Kind != qmap.ResultSuccess {
			if res.Err != nil {
				return nil, res.Err
			}
			return nil, rerr.ErrNetworkError
		}
		return res.Response, nil
	case <-time.After(timeout):
		return nil, rerr.ErrTimeout
	}
}

func (p *Pipeline) attemptCleartext(mark identity.Mark, srv identity.Server, query []byte, timeout time.Duration) ([]byte, error) {
	msg, err := xdns.Parse(query)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(srv.Addr.String(), "53")

	resp, truncated, err := p.exchange("udp", addr, mark, msg, timeout)
	if err != nil {
		return nil, err
	}
	if truncated {
		log.D("pipeline: (%s) truncated over udp, retrying over tcp", addr)
		resp, _, err = p.exchange("tcp", addr, mark, msg, timeout)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (p *Pipeline) exchange(network, addr string, mark identity.Mark, msg *dns.Msg, timeout time.Duration) ([]byte, bool, error) {
	conn, err := p.dial(mark)(network, addr)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	client := &dns.Client{Net: network, Timeout: timeout}
	ans, _, err := client.ExchangeWithConn(msg, &dns.Conn{Conn: conn})
	if err != nil {
		return nil, false, err
	}
	if ans == nil {
		return nil, false, rerr.ErrNetworkError
	}
	b, err := ans.Pack()
	if err != nil {
		return nil, false, err
	}
	return b, ans.Truncated, nil
}

func (p *Pipeline) recordSample(netid int, srv identity.Server, rcode int, rttMs int, err error) {
	st, ok := p.nets.StatsFor(netid, srv)
	if !ok {
		return
	}
	sample := rank.Sample{At: time.Now(), RTTMs: rttMs}
	switch {
	case rerr.Is(err, rerr.KindTimeout):
		sample.RCode = rank.RCodeTimeout
		p.nets.IncPendingTimeout(netid)
	case err != nil:
		sample.RCode = rank.RCodeInternalError
	default:
		sample.RCode = rcodeToRank(rcode)
	}
	st.Record(sample)
}

func rcodeToRank(rc int) rank.RCode {
	switch rc {
	case dns.RcodeSuccess:
		return rank.RCodeNoError
	case dns.RcodeNameError:
		return rank.RCodeNxDomain
	case dns.RcodeNotAuth:
		return rank.RCodeNotAuth
	case dns.RcodeServerFailure:
		return rank.RCodeServFail
	case dns.RcodeNotImplemented:
		return rank.RCodeNotImp
	case dns.RcodeRefused:
		return rank.RCodeRefused
	case dns.RcodeFormatError:
		return rank.RCodeFormErr
	default:
		return rank.RCodeOther
	}
}

// maybeSynthesizeAAAA implements spec §4.J's forward synthesis rule:
// when an AAAA query comes back with no AAAA answer but a NAT64 prefix
// is configured, re-query for A and embed the result into the prefix.
func (p *Pipeline) maybeSynthesizeAAAA(netid int, mark identity.Mark, name string, qclass uint16, flags Flags, resp []byte) []byte {
	if p.nat == nil {
		return resp
	}
	msg, err := xdns.Parse(resp)
	if err != nil || !xdns.HasRcodeSuccess(msg) || xdns.HasAAAAAnswer(msg) {
		return resp
	}
	if _, ok := p.nat.Prefix(netid); !ok {
		return resp
	}

	aResp, err := p.queryUpstream(netid, mark, name, dns.TypeA, qclass, flags)
	if err != nil {
		return resp
	}
	aMsg, err := xdns.Parse(aResp)
	if err != nil {
		return resp
	}

	for _, v4 := range xdns.AAddrs(aMsg) {
		v6, ok := p.nat.Synthesize(netid, v4)
		if !ok {
			continue
		}
		msg.Answer = append(msg.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: msg.Question[0].Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
			AAAA: v6.AsSlice(),
		})
	}
	if len(msg.Answer) == 0 {
		return resp
	}
	msg.Rcode = dns.RcodeSuccess
	if b, err := msg.Pack(); err == nil {
		return b
	}
	return resp
}

// maybeFallbackPTR implements spec §4.J's PTR dual-lookup: if the
// synthesized IPv6 PTR came back empty and the queried address lies
// within the NAT64 prefix, strip it and retry the IPv4 PTR.
func (p *Pipeline) maybeFallbackPTR(netid int, mark identity.Mark, name string, qclass uint16, flags Flags, resp []byte) []byte {
	if p.nat == nil {
		return resp
	}
	msg, err := xdns.Parse(resp)
	if err != nil {
		return resp
	}
	if xdns.HasRcodeSuccess(msg) && xdns.HasAnyAnswer(msg) {
		return resp
	}

	ip6, ok := ptrNameToAddr(name)
	if !ok || !p.nat.IsSynthesized(netid, ip6) {
		return resp
	}
	v4, ok := p.nat.Strip(netid, ip6)
	if !ok {
		return resp
	}
	v4Name, err := dns.ReverseAddr(v4.String())
	if err != nil {
		return resp
	}

	v4Resp, err := p.queryUpstream(netid, mark, xdns.NormalizeName(v4Name), dns.TypePTR, qclass, flags)
	if err != nil {
		return resp
	}
	v4Msg, err := xdns.Parse(v4Resp)
	if err != nil || !xdns.HasRcodeSuccess(v4Msg) {
		return resp
	}

	for _, rr := range v4Msg.Answer {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		msg.Answer = append(msg.Answer, &dns.PTR{
			Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ptr.Hdr.Ttl},
			Ptr: ptr.Ptr,
		})
	}
	if len(msg.Answer) == 0 {
		return resp
	}
	msg.Rcode = dns.RcodeSuccess
	if b, err := msg.Pack(); err == nil {
		return b
	}
	return resp
}

// ptrNameToAddr parses an ip6.arpa reverse-lookup name back into the
// IPv6 address it names, the inverse of dns.ReverseAddr.
func ptrNameToAddr(name string) (netip.Addr, bool) {
	const suffix = "ip6.arpa"
	trimmed := strings.TrimSuffix(name, suffix)
	if trimmed == name {
		return netip.Addr{}, false
	}
	labels := strings.Split(strings.Trim(trimmed, "."), ".")
	if len(labels) != 32 {
		return netip.Addr{}, false
	}

	var b [16]byte
	for i, label := range labels {
		nibble, err := strconv.ParseUint(label, 16, 8)
		if err != nil {
			return netip.Addr{}, false
		}
		n := 31 - i
		if n%2 == 0 {
			b[n/2] |= byte(nibble) << 4
		} else {
			b[n/2] |= byte(nibble)
		}
	}
	return netip.AddrFrom16(b), true
}

func literalAnswer(qname string, addr netip.Addr, qtype, qclass uint16) []byte {
	m := new(dns.Msg)
	m.Response = true
	m.RecursionAvailable = true
	m.Rcode = dns.RcodeSuccess
	m.Question = []dns.Question{{Name: dns.Fqdn(qname), Qtype: qtype, Qclass: qclass}}

	switch {
	case qtype == dns.TypeA && addr.Is4():
		m.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: dns.Fqdn(qname), Rrtype: dns.TypeA, Class: qclass, Ttl: 0},
			A:   net.IP(addr.AsSlice()),
		}}
	case qtype == dns.TypeAAAA && addr.Is6() && !addr.Is4In6():
		m.Answer = []dns.RR{&dns.AAAA{
			Hdr:  dns.RR_Header{Name: dns.Fqdn(qname), Rrtype: dns.TypeAAAA, Class: qclass, Ttl: 0},
			AAAA: net.IP(addr.AsSlice()),
		}}
	}
	b, err := m.Pack()
	if err != nil {
		return xdns.Servfail(nil)
	}
	return b
}

func ttlFromResponse(resp []byte) time.Duration {
	msg, err := xdns.Parse(resp)
	if err != nil {
		return 0
	}
	if ttl, ok := xdns.MinTTL(msg); ok {
		if ttl > maxTTLSeconds {
			ttl = maxTTLSeconds
		}
		return time.Duration(ttl) * time.Second
	}
	return negativeTTL
}
