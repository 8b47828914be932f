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
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// newEnginePair wires two Engines over an in-process memTransport, the way
// a real embedder would wire one over a UDPTransport (SPEC_FULL.md Section
// 1.4 test tooling).
func newEnginePair(t *testing.T, clientCfg, serverCfg *Config) (client, server *Engine, clientEP, serverEP Endpoint) {
	t.Helper()
	ctrans, strans := newMemTransportPair(9101, 9102)
	c, err := Init(clientCfg, ctrans)
	if err != nil {
		t.Fatalf("Init client: %s", err)
	}
	s, err := Init(serverCfg, strans)
	if err != nil {
		t.Fatalf("Init server: %s", err)
	}
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c, s, ctrans.LocalEndpoint(), strans.LocalEndpoint()
}

func TestEngineRequestResponseRoundTrip(t *testing.T) {
	client, server, _, serverEP := newEnginePair(t, NewConfig(WithSynchronousSend(true)), NewConfig())

	server.RegisterListener(NewListener(Resource{
		Path:    "/hello",
		Methods: MethodGet,
		Handler: func(w, r *Packet, remote Endpoint) {
			RespInit(w, codes.Content)
			Finish(w, message.TextPlain, []byte("world"))
		},
	}))

	req, err := client.ReqInit(codes.GET, "/hello")
	if err != nil {
		t.Fatalf("ReqInit: %s", err)
	}

	var got *Packet
	err = client.ReqSend(req, serverEP, func(state TxState, resp *Packet, remote Endpoint) {
		got = resp
	})
	if err != nil {
		t.Fatalf("ReqSend: %s", err)
	}
	if got == nil {
		t.Fatal("handler never invoked")
	}
	if got.Code != codes.Content || string(got.Payload) != "world" {
		t.Fatalf("unexpected response: code=%v payload=%q", got.Code, got.Payload)
	}
}

func TestEngineUnknownPathReturnsNotFound(t *testing.T) {
	client, server, _, serverEP := newEnginePair(t, NewConfig(WithSynchronousSend(true)), NewConfig())
	_ = server

	req, err := client.ReqInit(codes.GET, "/nope")
	if err != nil {
		t.Fatalf("ReqInit: %s", err)
	}
	var got *Packet
	if err := client.ReqSend(req, serverEP, func(state TxState, resp *Packet, remote Endpoint) {
		got = resp
	}); err != nil {
		t.Fatalf("ReqSend: %s", err)
	}
	if got == nil || got.Code != codes.NotFound {
		t.Fatalf("expected 4.04, got %+v", got)
	}
}

func TestEngineObserveDeliversMultipleNotifications(t *testing.T) {
	client, server, _, serverEP := newEnginePair(t, NewConfig(), NewConfig())

	server.RegisterListener(NewListener(Resource{
		Path:    "/sensor/temp",
		Methods: MethodGet,
		Handler: func(w, r *Packet, remote Endpoint) {
			server.HandleObserveRequest(w, r, remote)
			RespInit(w, codes.Content)
			Finish(w, message.TextPlain, []byte("21"))
		},
	}))

	req, err := client.ReqInitOpts(codes.GET, "/sensor/temp", false)
	if err != nil {
		t.Fatalf("ReqInitOpts: %s", err)
	}
	req.Options = req.Options.SetObserve(0)

	var mu sync.Mutex
	var notifications []*Packet
	done := make(chan struct{}, 8)
	err = client.ReqObserve(req, serverEP, func(state TxState, resp *Packet, remote Endpoint) {
		mu.Lock()
		notifications = append(notifications, resp)
		mu.Unlock()
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("ReqObserve: %s", err)
	}

	// First notification is the (non-confirmable) response to the GET itself.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial observe response")
	}

	server.ObsSend("/sensor/temp", false, message.TextPlain, []byte("22"), nil)
	server.ObsSend("/sensor/temp", false, message.TextPlain, []byte("23"), nil)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for notification %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notifications) != 3 {
		t.Fatalf("expected 3 notifications (1 initial + 2 pushed), got %d", len(notifications))
	}
	if string(notifications[1].Payload) != "22" || string(notifications[2].Payload) != "23" {
		t.Fatalf("unexpected notification payloads: %q, %q", notifications[1].Payload, notifications[2].Payload)
	}
}

// TestEngineObsSendConfirmableGetsAcked covers spec.md Section 4.D's
// "Notification emission": a confirmable notification is funneled into
// the same Table.Send path req_send uses, so it is retransmit-tracked and
// its handler sees TxResp once the observer's empty ACK arrives.
func TestEngineObsSendConfirmableGetsAcked(t *testing.T) {
	client, server, _, serverEP := newEnginePair(t, NewConfig(), NewConfig())

	server.RegisterListener(NewListener(Resource{
		Path:    "/sensor/temp",
		Methods: MethodGet,
		Handler: func(w, r *Packet, remote Endpoint) {
			server.HandleObserveRequest(w, r, remote)
			RespInit(w, codes.Content)
			Finish(w, message.TextPlain, []byte("21"))
		},
	}))

	req, err := client.ReqInitOpts(codes.GET, "/sensor/temp", false)
	if err != nil {
		t.Fatalf("ReqInitOpts: %s", err)
	}
	req.Options = req.Options.SetObserve(0)

	initial := make(chan struct{}, 1)
	err = client.ReqObserve(req, serverEP, func(state TxState, resp *Packet, remote Endpoint) {
		initial <- struct{}{}
	})
	if err != nil {
		t.Fatalf("ReqObserve: %s", err)
	}
	select {
	case <-initial:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial observe response")
	}

	result := make(chan TxState, 1)
	server.ObsSend("/sensor/temp", true, message.TextPlain, []byte("24"), func(state TxState, resp *Packet, remote Endpoint) {
		result <- state
	})

	select {
	case state := <-result:
		if state != TxResp {
			t.Fatalf("expected TxResp for a confirmable notification's ACK, got %v", state)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for confirmable notification to be ACKed")
	}
}

func TestEngineResourceDiscoveryListsRegisteredPaths(t *testing.T) {
	client, server, _, serverEP := newEnginePair(t, NewConfig(WithSynchronousSend(true)), NewConfig())

	server.RegisterListener(NewListener(
		Resource{Path: "/sensor/temp", Methods: MethodGet, Handler: noopHandler},
		Resource{Path: "/sensor/humidity", Methods: MethodGet, Handler: noopHandler},
	))

	req, err := client.ReqInit(codes.GET, "/.well-known/core")
	if err != nil {
		t.Fatalf("ReqInit: %s", err)
	}
	var got *Packet
	if err := client.ReqSend(req, serverEP, func(state TxState, resp *Packet, remote Endpoint) {
		got = resp
	}); err != nil {
		t.Fatalf("ReqSend: %s", err)
	}
	if got == nil || got.Code != codes.Content {
		t.Fatalf("expected 2.05 Content, got %+v", got)
	}
	body := string(got.Payload)
	if !contains(body, "/sensor/temp") || !contains(body, "/sensor/humidity") {
		t.Fatalf("link-format body missing registered resources: %q", body)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
