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

// UDPTransport is the plain-UDP Transport the cmd/gcoapd and cmd/gcoap
// binaries use when DTLS is not requested, grounded on cmd/proxy/proxy.go
// treating the socket as an injectable net.PacketConn rather than opening
// one inline in the engine.
type UDPTransport struct {
	conn *net.UDPConn
}

// ListenUDP opens a UDP socket at laddr ("host:port", host may be empty)
// and wraps it as a Transport.
func ListenUDP(laddr string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{conn: conn}, nil
}

func (u *UDPTransport) Send(b []byte, remote Endpoint) error {
	_, err := u.conn.WriteToUDP(b, &net.UDPAddr{IP: remote.Addr, Port: remote.Port, Zone: zoneForIndex(remote.IfIndex)})
	return err
}

func (u *UDPTransport) Recv(buf []byte, timeout time.Duration) (int, Endpoint, error) {
	if timeout > 0 {
		if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, Endpoint{}, err
		}
	} else {
		if err := u.conn.SetReadDeadline(time.Time{}); err != nil {
			return 0, Endpoint{}, err
		}
	}
	n, raddr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, Endpoint{}, err
	}
	family := "udp4"
	if raddr.IP.To4() == nil {
		family = "udp6"
	}
	return n, Endpoint{Family: family, Addr: raddr.IP, Port: raddr.Port}, nil
}

func (u *UDPTransport) LocalEndpoint() Endpoint {
	laddr := u.conn.LocalAddr().(*net.UDPAddr)
	return Endpoint{Family: "udp4", Addr: laddr.IP, Port: laddr.Port}
}

func (u *UDPTransport) Close() error {
	return u.conn.Close()
}

func zoneForIndex(ifIndex int) string {
	if ifIndex <= 0 {
		return ""
	}
	iface, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return ""
	}
	return iface.Name
}
