// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package netdial builds the mark-aware DialFunc every encrypted and
// cleartext transport dials through, so every outgoing socket carries
// the fwmark of the network it belongs to before the first byte is
// sent (spec §5). Grounded on intra/protect/sockopt.go's
// rawConn.Control + syscall.SetsockoptInt idiom, generalized from
// per-platform TCP keepalive tuning to the Linux-specific SO_MARK
// socket option via golang.org/x/sys/unix, which exposes SO_MARK
// uniformly across the supported Linux architectures the stdlib
// syscall package does not. This resolver targets Android/Linux only,
// matching the scope of intra/protect itself.
package netdial

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/celzero/stubresolv/internal/identity"
	"github.com/celzero/stubresolv/internal/log"
)

// New returns a DialFunc that dials network/addr and applies mark to
// the resulting socket via SO_MARK before returning it, so routing
// and firewall decisions downstream see the right network.
func New(mark identity.Mark) func(network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Control: func(_, _ string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
			})
			if err != nil {
				return err
			}
			if opErr != nil {
				log.D("netdial: SO_MARK %d failed: %v", mark, opErr)
			}
			return nil
		},
	}
	return func(network, addr string) (net.Conn, error) {
		return d.DialContext(context.Background(), network, addr)
	}
}
