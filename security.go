// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gcoap

import (
	"context"
	"io"
	"net"
	"time"

	piondtls "github.com/pion/dtls/v2"
)

// PSKIdentity pairs a DTLS PSK identity hint with its key, the credential
// shape RFC 7252 Section 9 mandates CoAP-over-DTLS support for.
type PSKIdentity struct {
	Identity []byte
	Key      []byte
}

// dtlsCipherSuites lists the two cipher suites RFC 7252 Section 9.1.3
// names for CoAP over DTLS: the PSK suite and the ECDHE_ECDSA suite.
var dtlsCipherSuites = []piondtls.CipherSuiteID{
	0xC0A8, // TLS_PSK_WITH_AES_128_CCM_8
	0xC0AE, // TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8
}

// DTLSTransport keeps one pion/dtls association per remote, each dialed
// over its own UDP socket, presenting the same Transport interface
// engine.go already dispatches through. One association is
// negotiated lazily per distinct remote Endpoint on first Send, keyed the
// same way the teacher's cmd/coap/main.go dials one *dtls.Conn per target.
type DTLSTransport struct {
	laddr  *net.UDPAddr
	config *piondtls.Config

	conns map[string]*piondtls.Conn
}

// NewDTLSTransport builds a DTLSTransport that reports laddr as its
// LocalEndpoint, authenticating peers with psk. Associations are dialed
// from ephemeral local ports, not from laddr. keyLogWriter mirrors cmd/coap/main.go's -v debug hook
// and cmd/proxy/proxy.go's KeyLogWriter field; pass nil to disable it.
func NewDTLSTransport(laddr *net.UDPAddr, psk PSKIdentity, keyLogWriter io.Writer) *DTLSTransport {
	return &DTLSTransport{
		laddr: laddr,
		config: &piondtls.Config{
			PSK: func([]byte) ([]byte, error) { return psk.Key, nil },
			PSKIdentityHint:      psk.Identity,
			CipherSuites:         dtlsCipherSuites,
			KeyLogWriter:         keyLogWriter,
			ConnectContextMaker: func() (context.Context, func()) {
				return context.WithTimeout(context.Background(), 30*time.Second)
			},
		},
		conns: make(map[string]*piondtls.Conn),
	}
}

// Send dials (once, then reuses) a DTLS association to remote and writes b.
func (d *DTLSTransport) Send(b []byte, remote Endpoint) error {
	conn, err := d.connFor(remote)
	if err != nil {
		return err
	}
	_, err = conn.Write(b)
	return err
}

// Recv is not implemented directly: inbound DTLS records are demultiplexed
// per-association by pion, so a DTLSTransport server side is driven by
// Accept-ing new associations and reading each on its own goroutine rather
// than one shared Recv call. Embedders needing a DTLS server should build
// on piondtls.Listen directly, the way cmd/proxy/proxy.go's
// listenAndServeDTLS does. Recv always returns errDTLSRecvUnsupported, so
// an Engine over a DTLSTransport transmits requests and notifications to
// its peers but receives no responses, ACKs or RSTs from them.
func (d *DTLSTransport) Recv([]byte, time.Duration) (int, Endpoint, error) {
	return 0, Endpoint{}, errDTLSRecvUnsupported
}

func (d *DTLSTransport) LocalEndpoint() Endpoint {
	return Endpoint{Family: "udp4", Addr: d.laddr.IP, Port: d.laddr.Port}
}

func (d *DTLSTransport) connFor(remote Endpoint) (*piondtls.Conn, error) {
	key := remote.String()
	if conn, ok := d.conns[key]; ok {
		return conn, nil
	}
	raddr := &net.UDPAddr{IP: remote.Addr, Port: remote.Port}
	conn, err := piondtls.Dial("udp", raddr, d.config)
	if err != nil {
		return nil, err
	}
	d.conns[key] = conn
	return conn, nil
}

var errDTLSRecvUnsupported = &Error{Kind: KindParse, Path: "dtls-recv"}
