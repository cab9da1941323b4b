// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package privatedns implements component G: the per-network private
// DNS configuration and validation state machine. Grounded on
// original_source/PrivateDnsConfigurationTest.cpp for the exact
// observer-notification semantics (None -> in_process -> {success,
// fail}, exactly once per episode) and on the teacher's
// listener-interface idiom (intra/dnsx/listener.go,
// intra/backend/dnsx_listener.go) for the observer contract.
// Validation workers are launched with asyncutil.Go, mirroring
// core.Go's panic-safe goroutine launch.
package privatedns

import (
	"sync"
	"time"

	"github.com/celzero/stubresolv/internal/asyncutil"
	"github.com/celzero/stubresolv/internal/identity"
	"github.com/celzero/stubresolv/internal/log"
	"github.com/celzero/stubresolv/internal/netdial"
	"github.com/celzero/stubresolv/internal/rerr"
	"github.com/celzero/stubresolv/internal/tlsconn"
	"github.com/celzero/stubresolv/internal/xdns"
	"github.com/miekg/dns"
)

// Mode is the derived private-DNS posture of a network (spec §3/§4.G).
type Mode int

const (
	Off Mode = iota
	Opportunistic
	Strict
)

func (m Mode) String() string {
	switch m {
	case Opportunistic:
		return "opportunistic"
	case Strict:
		return "strict"
	default:
		return "off"
	}
}

// State is a validation episode's current status.
type State int

const (
	InProcess State = iota
	Success
	Fail
)

func (s State) String() string {
	switch s {
	case Success:
		return "success"
	case Fail:
		return "fail"
	default:
		return "in_process"
	}
}

// Observer is notified exactly once per (netid, server) state
// transition: None->in_process, in_process->success, in_process->fail.
type Observer interface {
	OnValidationStateUpdate(server identity.Server, state State, netid int)
}

// probeName is the synthetic well-known query name every validation
// worker asks for; only a syntactically valid NOERROR answer matters,
// not its content.
const probeName = "dns-probe.rethinkdns.com."

// probeTimeout bounds how long a validation worker waits for a
// terminal probe result before reporting fail (spec §4.G).
const probeTimeout = 10 * time.Second

type netState struct {
	mode     Mode
	hostname string
	servers  map[identity.Server]State
	wanted   map[identity.Server]bool // the most recently configured desired set
}

// Configuration is the process-wide per-network private-DNS state
// registry (component G).
type Configuration struct {
	mu       sync.Mutex
	networks map[int]*netState
	observer Observer
	dial     func(mark identity.Mark) tlsconn.DialFunc
}

// New constructs a Configuration. dial returns a mark-aware raw dialer
// used by validation workers to reach candidate servers directly,
// bypassing the shared dispatcher (each probe is one-shot); nil
// defaults to netdial.New.
func New(observer Observer, dial func(mark identity.Mark) tlsconn.DialFunc) *Configuration {
	if dial == nil {
		dial = func(mark identity.Mark) tlsconn.DialFunc { return netdial.New(mark) }
	}
	return &Configuration{
		networks: make(map[int]*netState),
		observer: observer,
		dial:     dial,
	}
}

// Set validates the supplied literals, derives the new mode, and
// spawns a validation worker for every newly added encrypted server.
// Existing in_process/success entries for servers still present are
// left running/settled, never restarted (spec §4.G step 3).
func (c *Configuration) Set(netid int, mark identity.Mark, hostname string, encrypted []identity.Server) error {
	for _, s := range encrypted {
		if !s.Addr.IsValid() {
			return rerr.ErrInvalidArgument
		}
	}

	mode := Off
	if hostname != "" && len(encrypted) > 0 {
		mode = Strict
	} else if len(encrypted) > 0 {
		mode = Opportunistic
	}

	wanted := make(map[identity.Server]bool, len(encrypted))
	for _, s := range encrypted {
		wanted[s] = true
	}

	c.mu.Lock()
	ns, ok := c.networks[netid]
	if !ok {
		ns = &netState{servers: make(map[identity.Server]State)}
		c.networks[netid] = ns
	}
	ns.mode = mode
	ns.hostname = hostname
	ns.wanted = wanted

	var toSpawn []identity.Server
	for s := range wanted {
		if _, exists := ns.servers[s]; !exists {
			ns.servers[s] = InProcess
			toSpawn = append(toSpawn, s)
		}
	}
	c.mu.Unlock()

	for _, s := range toSpawn {
		c.notify(s, InProcess, netid)
		s := s
		asyncutil.Go("privatedns.validate", func() {
			c.runValidation(netid, mark, s)
		})
	}
	return nil
}

// Clear marks every currently configured server for netid as no
// longer present. Entries still in_process have no wanted server to
// settle against once their worker finishes, so runValidation reports
// them fail and drops them. Entries already terminal are dropped here
// directly, with a fail notification fired for any that last reported
// success, since the network they validated against is gone (spec
// §4.G's clear(); original_source/PrivateDnsConfigurationTest.cpp's
// Validation_NetworkDestroyedOrOffMode).
func (c *Configuration) Clear(netid int) {
	c.mu.Lock()
	ns, ok := c.networks[netid]
	if !ok {
		c.mu.Unlock()
		return
	}
	ns.mode = Off
	ns.hostname = ""
	ns.wanted = nil

	var toNotify []identity.Server
	for s, st := range ns.servers {
		if st != InProcess {
			delete(ns.servers, s)
			if st != Fail {
				toNotify = append(toNotify, s)
			}
		}
	}
	c.mu.Unlock()

	for _, s := range toNotify {
		c.notify(s, Fail, netid)
	}
}

// Status is the read-only snapshot returned by GetStatus.
type Status struct {
	Mode       Mode
	ServersMap map[identity.Server]State
}

// GetStatus returns a point-in-time snapshot for netid; concurrent
// with validations (spec §4.G).
func (c *Configuration) GetStatus(netid int) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns, ok := c.networks[netid]
	if !ok {
		return Status{Mode: Off, ServersMap: map[identity.Server]State{}}
	}
	snap := make(map[identity.Server]State, len(ns.servers))
	for s, st := range ns.servers {
		snap[s] = st
	}
	return Status{Mode: ns.mode, ServersMap: snap}
}

// runValidation performs one probe episode for (netid, server) and
// reports a terminal state, even if netid was destroyed or
// reconfigured mid-probe (spec §4.G's worker contract). If server is
// no longer in the network's current desired set once the probe
// settles, its entry is dropped and the observer is told fail
// regardless of the probe's real outcome.
func (c *Configuration) runValidation(netid int, mark identity.Mark, server identity.Server) {
	state, err := c.probe(mark, server)
	if err != nil {
		log.D("privatedns: (net=%d) probe %s failed: %v", netid, server.Addr, err)
	}

	c.mu.Lock()
	if ns, ok := c.networks[netid]; ok {
		if !ns.wanted[server] {
			// the network was reconfigured or cleared while this probe
			// was in flight; the server is no longer ours to report on
			// as anything but fail, regardless of what it actually
			// returned (original_source/PrivateDnsConfigurationTest.cpp,
			// Validation_NetworkDestroyedOrOffMode).
			state = Fail
			delete(ns.servers, server)
		} else {
			ns.servers[server] = state
		}
	}
	c.mu.Unlock()

	c.notify(server, state, netid)
}

func (c *Configuration) probe(mark identity.Mark, server identity.Server) (State, error) {
	var dial tlsconn.DialFunc
	if c.dial != nil {
		dial = c.dial(mark)
	}
	sock := tlsconn.New(server, server.Proto == identity.DOT && server.Hostname != "", dial)
	defer sock.Close()

	if err := sock.Initialize(); err != nil {
		return Fail, err
	}
	if err := sock.StartHandshake(false); err != nil {
		return Fail, err
	}

	query, err := xdns.BuildQuery(probeName, dns.TypeA, dns.ClassINET, 0, false)
	if err != nil {
		return Fail, err
	}
	if err := sock.Query(query); err != nil {
		return Fail, err
	}

	select {
	case ev := <-sock.Events():
		if ev.Kind != tlsconn.EventResponse {
			return Fail, rerr.ErrNetworkError
		}
		resp, err := xdns.Parse(ev.Response)
		if err != nil || !xdns.HasRcodeSuccess(resp) {
			return Fail, rerr.ErrNetworkError
		}
		return Success, nil
	case <-time.After(probeTimeout):
		return Fail, rerr.ErrTimeout
	}
}

func (c *Configuration) notify(server identity.Server, state State, netid int) {
	if c.observer != nil {
		c.observer.OnValidationStateUpdate(server, state, netid)
	}
}
