// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package xdns is the wire-codec contract of component A: build
// queries, parse answers, and extract the RR types the resolution
// pipeline and NAT64 engine need. Name-compression handling (labels,
// pointers, cyclic-pointer rejection per RFC 1035 §4.1.4) is delegated
// to github.com/miekg/dns, which the teacher's dns53/doh/x64 packages
// already build on instead of hand-rolling a decompressor.
package xdns

import (
	"encoding/binary"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// MinPacketSize is the size of the fixed DNS message header, the
// smallest well-formed DNS message (one with no question).
const MinPacketSize = 12

// BuildQuery constructs a well-formed query for name/qtype/qclass with
// the given 16-bit id. edns0 adds an OPT RR; per spec §4.I this must
// never be set for cleartext UDP queries.
func BuildQuery(name string, qtype, qclass uint16, id uint16, edns0 bool) ([]byte, error) {
	m := new(dns.Msg)
	m.Id = id
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: qtype, Qclass: qclass}}
	if edns0 {
		m.SetEdns0(4096, false)
	}
	return m.Pack()
}

// Parse unpacks b into a dns.Msg. Rejects cyclic/invalid compression
// via the underlying library's Unpack.
func Parse(b []byte) (*dns.Msg, error) {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return nil, err
	}
	return m, nil
}

// QName returns the lowercased, trailing-dot-stripped name of the
// first question, or "" if there is none.
func QName(m *dns.Msg) string {
	if m == nil || len(m.Question) == 0 {
		return ""
	}
	return NormalizeName(m.Question[0].Name)
}

// NormalizeName lowercases n and strips a single trailing dot, the
// canonical form used as a cache key (spec §3's "question-name
// lowercased").
func NormalizeName(n string) string {
	n = strings.ToLower(n)
	return strings.TrimSuffix(n, ".")
}

func QType(m *dns.Msg) uint16 {
	if m == nil || len(m.Question) == 0 {
		return 0
	}
	return m.Question[0].Qtype
}

func QClass(m *dns.Msg) uint16 {
	if m == nil || len(m.Question) == 0 {
		return dns.ClassINET
	}
	return m.Question[0].Qclass
}

// Rcode returns the RCODE of m, or dns.RcodeServerFailure if m is nil.
func Rcode(m *dns.Msg) int {
	if m == nil {
		return dns.RcodeServerFailure
	}
	return m.Rcode
}

func HasRcodeSuccess(m *dns.Msg) bool {
	return m != nil && m.Rcode == dns.RcodeSuccess
}

func IsTruncated(m *dns.Msg) bool {
	return m != nil && m.Truncated
}

func HasAnyAnswer(m *dns.Msg) bool {
	return m != nil && len(m.Answer) > 0
}

func HasAAAAQuestion(m *dns.Msg) bool {
	return m != nil && len(m.Question) > 0 && m.Question[0].Qtype == dns.TypeAAAA
}

func HasAQuestion(m *dns.Msg) bool {
	return m != nil && len(m.Question) > 0 && m.Question[0].Qtype == dns.TypeA
}

func HasAAAAAnswer(m *dns.Msg) bool {
	if m == nil {
		return false
	}
	for _, rr := range m.Answer {
		if rr.Header().Rrtype == dns.TypeAAAA {
			return true
		}
	}
	return false
}

// AAddrs returns every A-record address in m's answer section.
func AAddrs(m *dns.Msg) []netip.Addr {
	if m == nil {
		return nil
	}
	var out []netip.Addr
	for _, rr := range m.Answer {
		if a, ok := rr.(*dns.A); ok {
			if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
				out = append(out, ip)
			}
		}
	}
	return out
}

// AAAAAddrs returns every AAAA-record address in m's answer section.
func AAAAAddrs(m *dns.Msg) []netip.Addr {
	if m == nil {
		return nil
	}
	var out []netip.Addr
	for _, rr := range m.Answer {
		if a, ok := rr.(*dns.AAAA); ok {
			if ip, ok := netip.AddrFromSlice(a.AAAA.To16()); ok {
				out = append(out, ip)
			}
		}
	}
	return out
}

// PTRNames returns every PTR target in m's answer section.
func PTRNames(m *dns.Msg) []string {
	if m == nil {
		return nil
	}
	var out []string
	for _, rr := range m.Answer {
		if p, ok := rr.(*dns.PTR); ok {
			out = append(out, NormalizeName(p.Ptr))
		}
	}
	return out
}

// MinTTL returns the smallest TTL among m's answer RRs, or ok=false
// if there are none.
func MinTTL(m *dns.Msg) (ttl uint32, ok bool) {
	if m == nil || len(m.Answer) == 0 {
		return 0, false
	}
	ttl = m.Answer[0].Header().Ttl
	for _, rr := range m.Answer[1:] {
		if t := rr.Header().Ttl; t < ttl {
			ttl = t
		}
	}
	return ttl, true
}

// Servfail synthesizes a SERVFAIL response for the (possibly
// unparsable) query bytes q; the pipeline uses it when a literal
// answer cannot be packed.
func Servfail(q []byte) []byte {
	m := new(dns.Msg)
	if err := m.Unpack(q); err != nil {
		// can't even read the id/question; emit the smallest legal reply.
		m = new(dns.Msg)
	}
	m.Response = true
	m.Rcode = dns.RcodeServerFailure
	b, err := m.Pack()
	if err != nil {
		return nil
	}
	return b
}

// SetID rewrites the 16-bit id in the first two octets of a wire
// message in place, avoiding a full unpack/repack round-trip.
func SetID(b []byte, id uint16) bool {
	if len(b) < 2 {
		return false
	}
	binary.BigEndian.PutUint16(b[0:2], id)
	return true
}

// GetID reads the 16-bit id from the first two octets of a wire message.
func GetID(b []byte) (uint16, bool) {
	if len(b) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(b[0:2]), true
}

// StripEdns0 returns a copy of m with its whole additional section
// removed, which drops any OPT RR along with every other additional RR.
func StripEdns0(m *dns.Msg) *dns.Msg {
	if m == nil {
		return nil
	}
	cp := m.Copy()
	cp.Extra = nil
	return cp
}
