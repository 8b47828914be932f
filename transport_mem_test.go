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
	"sync"
	"time"
)

// memDatagram is one queued packet in a memTransport's inbox.
type memDatagram struct {
	data   []byte
	remote Endpoint
}

// memTransport is an in-process Transport backed by a channel instead of
// a socket, so engine and transaction tests can run two engines
// exchanging packets without touching the network (spec.md Section 1's
// test tooling, SPEC_FULL.md Section 1.4).
type memTransport struct {
	local Endpoint
	peers map[string]*memTransport

	mu    sync.Mutex
	inbox chan memDatagram
}

// newMemTransportPair returns two memTransports wired to each other,
// addressed at 127.0.0.1 on distinct synthetic ports.
func newMemTransportPair(portA, portB int) (*memTransport, *memTransport) {
	a := &memTransport{
		local: Endpoint{Family: "udp4", Addr: net.ParseIP("127.0.0.1"), Port: portA},
		inbox: make(chan memDatagram, 64),
	}
	b := &memTransport{
		local: Endpoint{Family: "udp4", Addr: net.ParseIP("127.0.0.1"), Port: portB},
		inbox: make(chan memDatagram, 64),
	}
	a.peers = map[string]*memTransport{b.local.String(): b}
	b.peers = map[string]*memTransport{a.local.String(): a}
	return a, b
}

func (m *memTransport) Send(b []byte, remote Endpoint) error {
	peer, ok := m.peers[remote.String()]
	if !ok {
		return &Error{Kind: KindParse, Path: "no such peer: " + remote.String()}
	}
	cp := append([]byte(nil), b...)
	select {
	case peer.inbox <- memDatagram{data: cp, remote: m.local}:
		return nil
	default:
		return &Error{Kind: KindNoSlot, Path: "peer inbox full"}
	}
}

func (m *memTransport) Recv(buf []byte, timeout time.Duration) (int, Endpoint, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case dg := <-m.inbox:
		n := copy(buf, dg.data)
		return n, dg.remote, nil
	case <-timer:
		return 0, Endpoint{}, &Error{Kind: KindTimeout, Path: "recv"}
	}
}

func (m *memTransport) LocalEndpoint() Endpoint {
	return m.local
}
