// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package identity defines ServerIdentity, the (ip, hostname, protocol)
// triple used to key the transport dispatcher (F) and the private-DNS
// validation status map (G). Port is deliberately excluded: spec §3
// requires identity equivalence to ignore it.
package identity

import (
	"net/netip"

	"golang.org/x/net/idna"
)

// Protocol tags the on-wire transport an upstream is reached over.
type Protocol int

const (
	DNS53 Protocol = iota // cleartext UDP/TCP, port 53
	DOT                   // DNS-over-TLS, port 853
)

func (p Protocol) String() string {
	if p == DOT {
		return "dot"
	}
	return "dns53"
}

// Server identifies one upstream DNS server. Two Servers are equal iff
// their Addr, Hostname, and Proto all match; Addr carries no port (it
// is stripped in New) so port differences never affect identity.
type Server struct {
	Addr     netip.Addr
	Hostname string // provider hostname for DOT SNI/cert verification; may be empty
	Proto    Protocol
}

// New builds a Server identity from an address that may carry a port.
// hostname is normalized to its ASCII (punycode) form via golang.org/x/net/idna
// so SNI and certificate-hostname comparisons (spec §4.C) are
// byte-stable regardless of how the caller spelled an IDN hostname.
func New(addrport string, hostname string, proto Protocol) (Server, error) {
	var a netip.Addr
	if ap, err := netip.ParseAddrPort(addrport); err == nil {
		a = ap.Addr()
	} else if ip, err := netip.ParseAddr(addrport); err == nil {
		a = ip
	} else {
		return Server{}, err
	}
	if hostname != "" {
		if ascii, err := idna.Lookup.ToASCII(hostname); err == nil {
			hostname = ascii
		}
	}
	return Server{Addr: a, Hostname: hostname, Proto: proto}, nil
}

// Mark is an opaque per-network routing tag applied to outgoing sockets.
type Mark uint32

// Key is the (mark, server) pair the transport dispatcher (F) interns
// one multiplexer per.
type Key struct {
	Mark   Mark
	Server Server
}
