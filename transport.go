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
	"net"
	"time"
)

// Endpoint carries the address family, bytes and port of a remote CoAP
// peer, plus an optional network-interface index (spec.md Section 6).
// UDP datagram send/recv, IPv6 address encoding and interface selection
// are explicit non-goals of this engine (spec.md Section 1): Endpoint is
// the contract a concrete Transport speaks, not an encoding this package
// performs itself.
type Endpoint struct {
	Family  string // "udp4" or "udp6"
	Addr    net.IP
	Port    int
	IfIndex int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Addr.String(), itoa(e.Port))
}

// Equal reports whether e and o name the same remote, the comparison
// Observer uniqueness (spec.md Section 8 property 4) is built on.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Family == o.Family && e.Addr.Equal(o.Addr) && e.Port == o.Port
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Transport is the external collaborator spec.md Section 6 names as
// udp_send/udp_recv: a blocking (with timeout) datagram send/receive
// contract. This engine never opens a socket itself; a concrete
// implementation (plain UDP, or a DTLS-wrapped one per security.go) is
// supplied by the embedder.
type Transport interface {
	// Send writes b to remote.
	Send(b []byte, remote Endpoint) error
	// Recv blocks for up to timeout (zero means block indefinitely)
	// waiting for one datagram, returning the bytes read and the sender.
	// A timeout expiry returns (0, Endpoint{}, err) with a non-nil err
	// (UDPTransport's is a net.Error whose Timeout() reports true); the
	// engine's reader treats any error as a cue to try again.
	Recv(buf []byte, timeout time.Duration) (n int, remote Endpoint, err error)
	// LocalEndpoint returns the endpoint this transport is bound to.
	LocalEndpoint() Endpoint
}
