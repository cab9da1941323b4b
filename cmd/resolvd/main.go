// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command resolvd boots the resolver core as a standalone process: it
// wires one netid with a fixed server list from flags and serves
// lookups over a plain UDP listener, mostly useful for local smoke
// testing of the rpc package outside of an embedding app.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/miekg/dns"

	"github.com/celzero/stubresolv/internal/identity"
	"github.com/celzero/stubresolv/internal/log"
	"github.com/celzero/stubresolv/internal/pipeline"
	"github.com/celzero/stubresolv/rpc"
)

const defaultNetID = 1

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:5353", "address to serve DNS on")
	serversCSV := flag.String("servers", "1.1.1.1,8.8.8.8", "comma-separated upstream DNS53 servers")
	domainsCSV := flag.String("search", "", "comma-separated search domains")
	severity := flag.Int("log-severity", int(log.INFO), "log severity, 0=verbose .. 5=none")
	flag.Parse()

	log.Set(log.LogLevel(*severity))

	core := rpc.NewResolver(false)
	if err := core.CreateNetworkCache(defaultNetID); err != nil {
		log.E("resolvd: create_network_cache: %v", err)
		os.Exit(1)
	}

	var params [6]int32
	if err := core.SetResolverConfiguration(defaultNetID, splitCSV(*serversCSV), splitCSV(*domainsCSV), params, "", nil); err != nil {
		log.E("resolvd: set_resolver_configuration: %v", err)
		os.Exit(1)
	}

	conn, err := net.ListenPacket("udp", *listenAddr)
	if err != nil {
		log.E("resolvd: listen %s: %v", *listenAddr, err)
		os.Exit(1)
	}
	defer conn.Close()
	log.I("resolvd: serving on %s, upstreams %s", *listenAddr, *serversCSV)

	go serve(conn, core)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.I("resolvd: shutting down")
}

func serve(conn net.PacketConn, core *rpc.Core) {
	buf := make([]byte, 1500)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		q := new(dns.Msg)
		if err := q.Unpack(buf[:n]); err != nil || len(q.Question) == 0 {
			continue
		}
		question := q.Question[0]
		go respond(conn, addr, q.Id, question, core)
	}
}

func respond(conn net.PacketConn, addr net.Addr, id uint16, question dns.Question, core *rpc.Core) {
	h := core.Query(defaultNetID, identity.Mark(defaultNetID), question.Name, question.Qtype, question.Qclass, pipeline.Flags{})
	_, wire, err := h.Read()
	if err != nil || wire == nil {
		req := &dns.Msg{MsgHdr: dns.MsgHdr{Id: id}, Question: []dns.Question{question}}
		resp := new(dns.Msg)
		resp.SetRcode(req, dns.RcodeServerFailure)
		if b, perr := resp.Pack(); perr == nil {
			conn.WriteTo(b, addr)
		}
		return
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(wire); err != nil {
		return
	}
	msg.Id = id
	if b, err := msg.Pack(); err == nil {
		conn.WriteTo(b, addr)
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
