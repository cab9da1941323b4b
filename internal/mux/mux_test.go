// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mux

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/celzero/stubresolv/internal/identity"
	"github.com/celzero/stubresolv/internal/qmap"
)

// selfSignedServer mirrors tlsconn_test.go's local-TLS-fixture idiom;
// duplicated here since it is a test-only helper, not a shared export.
func selfSignedServer(t *testing.T, hostname string, onAccept func(net.Conn)) (port string, stop func()) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go onAccept(c)
		}
	}()

	_, p, _ := net.SplitHostPort(ln.Addr().String())
	return p, func() { ln.Close() }
}

func echoLengthPrefixed(c net.Conn) {
	defer c.Close()
	for {
		var hdr [2]byte
		if _, err := io.ReadFull(c, hdr[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(hdr[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		c.Write(hdr[:])
		c.Write(buf)
	}
}

func dialLoopback(port string) func(network, addr string) (net.Conn, error) {
	return func(network, _ string) (net.Conn, error) {
		return net.Dial(network, net.JoinHostPort("127.0.0.1", port))
	}
}

func testServer(t *testing.T) identity.Server {
	t.Helper()
	s, err := identity.New("127.0.0.1", "dot.example.com", identity.DOT)
	require.NoError(t, err)
	return s
}

func waitResult(t *testing.T, f *qmap.Future) qmap.Result {
	t.Helper()
	select {
	case r := <-f.Done():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for query result")
		return qmap.Result{}
	}
}

func TestQueryRoundTripsThroughEcho(t *testing.T) {
	port, stop := selfSignedServer(t, "dot.example.com", echoLengthPrefixed)
	defer stop()

	m := New(testServer(t), false, dialLoopback(port))
	defer m.Close()

	query := []byte{0x00, 0x00, 'h', 'i'}
	f := m.Query(0x1234, query)
	r := waitResult(t, f)

	require.Equal(t, qmap.ResultSuccess, r.Kind)
	require.Equal(t, byte(0x12), r.Response[0])
	require.Equal(t, byte(0x34), r.Response[1])
}

func TestQueryReusesOneSocket(t *testing.T) {
	port, stop := selfSignedServer(t, "dot.example.com", echoLengthPrefixed)
	defer stop()

	m := New(testServer(t), false, dialLoopback(port))
	defer m.Close()

	waitResult(t, m.Query(1, []byte{0x00, 0x00, 'a'}))
	waitResult(t, m.Query(2, []byte{0x00, 0x00, 'b'}))

	require.EqualValues(t, 1, m.ConnectCounter(), "a second query must reuse the existing socket")
}

// echoOnceThenClose answers exactly one query and then drops the
// connection, exercising the multiplexer's reconnect-on-drop path.
func echoOnceThenClose(c net.Conn) {
	defer c.Close()
	var hdr [2]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		return
	}
	n := binary.BigEndian.Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		return
	}
	c.Write(hdr[:])
	c.Write(buf)
}

func TestReconnectsAfterSocketDrop(t *testing.T) {
	port, stop := selfSignedServer(t, "dot.example.com", echoOnceThenClose)
	defer stop()

	m := New(testServer(t), false, dialLoopback(port))
	defer m.Close()

	r1 := waitResult(t, m.Query(1, []byte{0x00, 0x00, 'a'}))
	require.Equal(t, qmap.ResultSuccess, r1.Kind)
	require.EqualValues(t, 1, m.ConnectCounter())

	// give the socket's read loop time to observe the server-initiated
	// close before issuing the next query.
	time.Sleep(50 * time.Millisecond)

	r2 := waitResult(t, m.Query(2, []byte{0x00, 0x00, 'b'}))
	require.Equal(t, qmap.ResultSuccess, r2.Kind)
	require.EqualValues(t, 2, m.ConnectCounter(), "a query after a dropped socket must reconnect")
}

func TestDialFailureIsRetriedUntilExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close() // nothing listens on port; every dial fails

	m := New(testServer(t), false, dialLoopback(port))
	defer m.Close()

	r := waitResult(t, m.Query(1, []byte{0x00, 0x00, 'x'}))
	require.Equal(t, qmap.ResultNetworkError, r.Kind)
}
