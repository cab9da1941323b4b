// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pipeline

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/celzero/stubresolv/internal/dispatch"
	"github.com/celzero/stubresolv/internal/identity"
	"github.com/celzero/stubresolv/internal/nat64"
	"github.com/celzero/stubresolv/internal/netreg"
	"github.com/celzero/stubresolv/internal/privatedns"
	"github.com/celzero/stubresolv/internal/rerr"
	"github.com/celzero/stubresolv/internal/tlsconn"
	"github.com/miekg/dns"
)

// fakeUDPServer answers every query via handler and counts how many
// queries it has seen, mirroring the teacher test suite's loopback
// fake-upstream idiom (intra/doh/client_auth_test.go).
type fakeUDPServer struct {
	conn    *net.UDPConn
	queries atomic.Int32
}

func newFakeUDPServer(t *testing.T, handler func(q *dns.Msg) *dns.Msg) (*fakeUDPServer, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	s := &fakeUDPServer{conn: conn}
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			s.queries.Add(1)
			q := new(dns.Msg)
			if err := q.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := handler(q)
			if resp == nil {
				continue
			}
			out, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(out, addr)
		}
	}()
	return s, func() { conn.Close() }
}

func (s *fakeUDPServer) port() string {
	_, p, _ := net.SplitHostPort(s.conn.LocalAddr().String())
	return p
}

// loopbackDial ignores the dialed addr's port and always reaches the
// fake server on port, the same trick package privatedns's tests use
// so a test server need not bind the well-known DNS port.
func loopbackDial(port string) func(identity.Mark) DialFunc {
	return func(identity.Mark) DialFunc {
		return func(network, _ string) (net.Conn, error) {
			return net.Dial(network, net.JoinHostPort("127.0.0.1", port))
		}
	}
}

func newTestPipeline(t *testing.T, netid int, upstreamPort string, params netreg.Params) (*Pipeline, *netreg.Registry) {
	t.Helper()
	nets := netreg.New()
	require.NoError(t, nets.Create(netid))

	server, err := identity.New("127.0.0.1", "", identity.DNS53)
	require.NoError(t, err)
	require.NoError(t, nets.SetConfiguration(netid, []identity.Server{server}, nil, params, "", nil))

	disp := dispatch.New(false, nil)
	priv := privatedns.New(nil, nil)
	nat := nat64.New()

	p := New(nets, disp, priv, nat, loopbackDial(upstreamPort))
	return p, nets
}

func answerA(q *dns.Msg, ip string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(q)
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP(ip),
	}}
	return resp
}

func TestCacheHitServesOneUpstreamQuery(t *testing.T) {
	srv, stop := newFakeUDPServer(t, func(q *dns.Msg) *dns.Msg { return answerA(q, "1.2.3.4") })
	defer stop()

	p, _ := newTestPipeline(t, 30, srv.port(), netreg.Params{}.Defaulted())

	resp1, err := p.Resolve(30, 0, "howdy.example.com", dns.TypeA, dns.ClassINET, Flags{})
	require.NoError(t, err)
	resp2, err := p.Resolve(30, 0, "howdy.example.com", dns.TypeA, dns.ClassINET, Flags{})
	require.NoError(t, err)

	require.Equal(t, resp1, resp2)
	require.EqualValues(t, 1, srv.queries.Load(), "second resolve must be served from cache")
}

func TestNoCacheLookupBypassesCache(t *testing.T) {
	srv, stop := newFakeUDPServer(t, func(q *dns.Msg) *dns.Msg { return answerA(q, "1.2.3.4") })
	defer stop()

	p, _ := newTestPipeline(t, 30, srv.port(), netreg.Params{}.Defaulted())

	_, err := p.Resolve(30, 0, "howdy.example.com", dns.TypeA, dns.ClassINET, Flags{})
	require.NoError(t, err)
	_, err = p.Resolve(30, 0, "howdy.example.com", dns.TypeA, dns.ClassINET, Flags{NoCacheLookup: true})
	require.NoError(t, err)

	require.EqualValues(t, 2, srv.queries.Load())
}

func TestLiteralAddressShortCircuitsUpstream(t *testing.T) {
	srv, stop := newFakeUDPServer(t, func(q *dns.Msg) *dns.Msg { return answerA(q, "9.9.9.9") })
	defer stop()

	p, _ := newTestPipeline(t, 30, srv.port(), netreg.Params{}.Defaulted())

	resp, err := p.Resolve(30, 0, "1.2.3.4", dns.TypeA, dns.ClassINET, Flags{})
	require.NoError(t, err)

	msg, err := parseForTest(resp)
	require.NoError(t, err)
	require.Len(t, msg.Answer, 1)
	require.Equal(t, "1.2.3.4", msg.Answer[0].(*dns.A).A.String())
	require.EqualValues(t, 0, srv.queries.Load())
}

func TestSearchDomainExpansionTriesDomainsBeforeBareName(t *testing.T) {
	var seenNames []string
	srv, stop := newFakeUDPServer(t, func(q *dns.Msg) *dns.Msg {
		seenNames = append(seenNames, q.Question[0].Name)
		if q.Question[0].Name == "ohayou.corp.example." {
			return answerA(q, "5.6.7.8")
		}
		resp := new(dns.Msg)
		resp.SetReply(q)
		resp.Rcode = dns.RcodeNameError
		return resp
	})
	defer stop()

	nets := netreg.New()
	require.NoError(t, nets.Create(30))
	server, err := identity.New("127.0.0.1", "", identity.DNS53)
	require.NoError(t, err)
	require.NoError(t, nets.SetConfiguration(30, []identity.Server{server}, []string{"corp.example"}, netreg.Params{}.Defaulted(), "", nil))

	disp := dispatch.New(false, nil)
	priv := privatedns.New(nil, nil)
	nat := nat64.New()
	p := New(nets, disp, priv, nat, loopbackDial(srv.port()))

	resp, err := p.Resolve(30, 0, "ohayou", dns.TypeA, dns.ClassINET, Flags{})
	require.NoError(t, err)

	msg, err := parseForTest(resp)
	require.NoError(t, err)
	require.Equal(t, dns.RcodeSuccess, msg.Rcode)
	require.Equal(t, []string{"ohayou.corp.example."}, seenNames, "the search-qualified name must be tried before the bare name")
}

func TestNAT64ForwardSynthesis(t *testing.T) {
	srv, stop := newFakeUDPServer(t, func(q *dns.Msg) *dns.Msg {
		switch q.Question[0].Name {
		case nat64.WellKnownName:
			resp := new(dns.Msg)
			resp.SetReply(q)
			resp.Answer = []dns.RR{&dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
				AAAA: net.ParseIP("64:ff9b::192.0.0.170"),
			}}
			return resp
		case "v4only.example.com.":
			if q.Question[0].Qtype == dns.TypeA {
				return answerA(q, "1.2.3.4")
			}
			resp := new(dns.Msg)
			resp.SetReply(q)
			return resp // NODATA for AAAA
		default:
			resp := new(dns.Msg)
			resp.SetReply(q)
			resp.Rcode = dns.RcodeNameError
			return resp
		}
	})
	defer stop()

	nets := netreg.New()
	require.NoError(t, nets.Create(40))
	server, err := identity.New("127.0.0.1", "", identity.DNS53)
	require.NoError(t, err)
	require.NoError(t, nets.SetConfiguration(40, []identity.Server{server}, nil, netreg.Params{}.Defaulted(), "", nil))

	disp := dispatch.New(false, nil)
	priv := privatedns.New(nil, nil)
	nat := nat64.New()
	p := New(nets, disp, priv, nat, loopbackDial(srv.port()))

	nat.StartDiscovery(40, func() (*dns.Msg, error) {
		q := new(dns.Msg)
		q.SetQuestion(nat64.WellKnownName, dns.TypeAAAA)
		c, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", srv.port()))
		require.NoError(t, err)
		defer c.Close()
		b, err := q.Pack()
		require.NoError(t, err)
		_, err = c.Write(b)
		require.NoError(t, err)
		buf := make([]byte, 1500)
		c.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.Read(buf)
		require.NoError(t, err)
		m := new(dns.Msg)
		require.NoError(t, m.Unpack(buf[:n]))
		return m, nil
	})
	defer nat.StopDiscovery(40)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := nat.Prefix(40); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, ok := nat.Prefix(40)
	require.True(t, ok, "prefix discovery must have completed")

	resp, err := p.Resolve(40, 0, "v4only.example.com", dns.TypeAAAA, dns.ClassINET, Flags{})
	require.NoError(t, err)

	msg, err := parseForTest(resp)
	require.NoError(t, err)
	require.Len(t, msg.Answer, 1)
	require.Equal(t, "64:ff9b::102:304", msg.Answer[0].(*dns.AAAA).AAAA.String())
}

// TestStrictModeFailsFastWithoutValidatedServer mirrors
// original_source/resolv_integration_test.cpp's
// StrictMode_NoTlsServers: a STRICT hostname is configured but no
// server has (yet) validated successfully, so resolution must fail
// immediately with host_not_found and never reach any upstream.
func TestStrictModeFailsFastWithoutValidatedServer(t *testing.T) {
	srv, stop := newFakeUDPServer(t, func(q *dns.Msg) *dns.Msg { return answerA(q, "1.2.3.4") })
	defer stop()

	nets := netreg.New()
	require.NoError(t, nets.Create(50))
	cleartext, err := identity.New("127.0.0.1", "", identity.DNS53)
	require.NoError(t, err)
	tlsServer, err := identity.New("127.0.0.1", "dot.example.com", identity.DOT)
	require.NoError(t, err)
	require.NoError(t, nets.SetConfiguration(50, []identity.Server{cleartext}, nil, netreg.Params{}.Defaulted(), "dot.example.com", []identity.Server{tlsServer}))

	// priv never settles this server's validation: no observer, and a
	// dial func that blocks the handshake indefinitely so the entry
	// stays in_process for the life of the test.
	block := make(chan struct{})
	blockingDial := func(identity.Mark) tlsconn.DialFunc {
		return func(network, addr string) (net.Conn, error) {
			<-block
			return nil, nil
		}
	}
	priv := privatedns.New(nil, blockingDial)
	require.NoError(t, priv.Set(50, 0, "dot.example.com", []identity.Server{tlsServer}))
	defer close(block)

	disp := dispatch.New(false, nil)
	nat := nat64.New()
	p := New(nets, disp, priv, nat, loopbackDial(srv.port()))

	_, err = p.Resolve(50, 0, "howdy.example.com", dns.TypeA, dns.ClassINET, Flags{})
	require.True(t, rerr.Is(err, rerr.KindHostNotFound), "STRICT mode with no validated server must fail with host_not_found, got %v", err)
	require.EqualValues(t, 0, srv.queries.Load(), "STRICT mode must not attempt any transport without a validated server")
}

func parseForTest(b []byte) (*dns.Msg, error) {
	m := new(dns.Msg)
	err := m.Unpack(b)
	return m, err
}
