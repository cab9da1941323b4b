// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package xdns

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestBuildQueryRoundtrip(t *testing.T) {
	q, err := BuildQuery("Howdy.Example.Com.", dns.TypeA, dns.ClassINET, 0x1234, false)
	require.NoError(t, err)

	m, err := Parse(q)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), m.Id)
	require.Equal(t, "howdy.example.com", QName(m))
	require.Equal(t, dns.TypeA, QType(m))
}

func TestNormalizeName(t *testing.T) {
	require.Equal(t, "howdy.example.com", NormalizeName("Howdy.Example.Com."))
	require.Equal(t, "", NormalizeName(""))
}

func TestSetGetID(t *testing.T) {
	q, err := BuildQuery("a.example.com.", dns.TypeA, dns.ClassINET, 1, false)
	require.NoError(t, err)

	ok := SetID(q, 0xBEEF)
	require.True(t, ok)
	id, ok := GetID(q)
	require.True(t, ok)
	require.Equal(t, uint16(0xBEEF), id)
}

func TestAAAAAddrsAndAAddrs(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("v4only.example.com.", dns.TypeA)
	m.Response = true
	a := &dns.A{
		Hdr: dns.RR_Header{Name: m.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   netip.MustParseAddr("1.2.3.4").AsSlice(),
	}
	m.Answer = append(m.Answer, a)

	ips := AAddrs(m)
	require.Len(t, ips, 1)
	require.Equal(t, "1.2.3.4", ips[0].String())
	require.Empty(t, AAAAAddrs(m))
}

func TestServfailOnUnparsable(t *testing.T) {
	b := Servfail([]byte{0x00, 0x01})
	m, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, dns.RcodeServerFailure, m.Rcode)
}

func TestMinTTL(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("a.example.com.", dns.TypeA)
	m.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Ttl: 300}, A: netip.MustParseAddr("1.1.1.1").AsSlice()},
		&dns.A{Hdr: dns.RR_Header{Ttl: 60}, A: netip.MustParseAddr("1.1.1.2").AsSlice()},
	}
	ttl, ok := MinTTL(m)
	require.True(t, ok)
	require.Equal(t, uint32(60), ttl)
}
