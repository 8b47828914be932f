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
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// mailboxMsg is anything the dispatch goroutine's mailbox can carry
// (spec.md Section 4.E).
type mailboxMsg interface{}

// timeoutMsg references the memo whose timer fired.
type timeoutMsg struct {
	memoIdx    int
	generation uint64
}

// intrMsg carries no payload; it exists only to wake the dispatch
// goroutine out of a blocking transport receive so a timer freshly armed
// by a foreign goroutine (req_send on a user context) is observed on the
// next loop iteration.
type intrMsg struct{}

// ingressMsg carries one datagram read off the transport by a dedicated
// reader goroutine, letting the dispatch goroutine poll its mailbox and
// the transport uniformly through one channel instead of two blocking
// calls racing each other (spec.md Section 4.E describes a single receive
// with a budget-dependent timeout; a reader goroutine plus channel is the
// idiomatic Go rendering of that same "wake on whichever is ready first"
// requirement, grounded on dustin/go-coap's hub.run() select loop).
type ingressMsg struct {
	data   []byte
	remote Endpoint
}

// Engine is one dispatch context (spec.md Section 3; see Init): it owns
// the listener chain, transaction table, observer table and observe memo
// table, and serializes every mutation of them onto one goroutine.
type Engine struct {
	cfg       *Config
	transport Transport
	registry  *Registry
	table     *Table
	observe   *Observe

	mailbox chan mailboxMsg
	stop    chan struct{}
}

// Init builds an Engine around transport and starts its dispatch and
// reader goroutines (spec.md Section 4.F). Unlike the original single
// global dispatch context spec.md Section 3 describes, Init returns an
// independent Engine per call: an embedder wanting spec.md's one-instance
// discipline simply calls Init once and shares the returned *Engine,
// while a test or a process bridging several interfaces can run more
// than one. Listeners are added with RegisterListener on the returned
// Engine.
func Init(cfg *Config, transport Transport) (*Engine, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	e := &Engine{
		cfg:       cfg,
		transport: transport,
		mailbox:   make(chan mailboxMsg, 64),
		stop:      make(chan struct{}),
	}
	e.table = NewTable(cfg, transport, e.mailbox, e.log)
	e.observe = NewObserve(cfg, e.table)
	e.registry = NewRegistry(e.serveDiscovery)
	go e.readLoop()
	go e.run()
	return e, nil
}

// RegisterListener appends listener to the resource chain (spec.md
// Section 4.B register()).
func (e *Engine) RegisterListener(listener *Listener) {
	e.registry.Register(listener)
}

// Interrupt wakes the dispatch goroutine out of a blocking receive, for
// use by req_send after arming a timer from a foreign goroutine (spec.md
// Section 4.E).
func (e *Engine) Interrupt() {
	select {
	case e.mailbox <- intrMsg{}:
	default:
	}
}

// Close stops the dispatch and reader goroutines.
func (e *Engine) Close() {
	close(e.stop)
}

// readLoop is the dedicated goroutine that blocks on the transport and
// forwards each datagram to the mailbox, so run() only ever blocks on one
// channel (spec.md Section 4.E's single inbound mailbox, generalized to
// also carry ingress).
func (e *Engine) readLoop() {
	buf := make([]byte, e.cfg.PDUBufSize)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		n, remote, err := e.transport.Recv(buf, e.cfg.RecvTimeout)
		if err != nil {
			continue // timeout or transient error: let run() re-evaluate
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case e.mailbox <- ingressMsg{data: data, remote: remote}:
		case <-e.stop:
			return
		}
	}
}

// run is the single dispatch goroutine: every mutation of the
// transaction table, observer table, observe memo table and listener
// chain happens here, in mailbox order (spec.md Section 5).
func (e *Engine) run() {
	for {
		select {
		case <-e.stop:
			return
		case msg := <-e.mailbox:
			e.dispatch(msg)
		}
	}
}

func (e *Engine) dispatch(msg mailboxMsg) {
	switch m := msg.(type) {
	case timeoutMsg:
		e.table.HandleTimeout(m)
	case intrMsg:
		// no-op: its only purpose was to unblock a select/receive.
	case ingressMsg:
		e.handleIngress(m.data, m.remote)
	}
}

// handleIngress classifies one datagram per spec.md Section 4.E: empty
// CON/NON/ACK/RST, request, or response.
func (e *Engine) handleIngress(data []byte, remote Endpoint) {
	pkt, err := Parse(data)
	if err != nil {
		e.log("gcoap: dropping malformed datagram from %s: %s", remote, err)
		return
	}
	class := pkt.Code.Class()
	switch {
	case pkt.Code == codes.Empty:
		e.handleEmpty(pkt, remote)
	case class == 0 && pkt.Code != codes.Empty:
		e.handleRequest(pkt, remote)
	default:
		e.handleResponse(pkt, remote)
	}
}

// handleEmpty handles a code-0 CON/NON/ACK/RST: either a separate-response
// token-pairing case is not present (empty messages carry no token
// payload of interest beyond id/token matching), or it's an ACK/RST for a
// prior request (spec.md Section 4.C).
func (e *Engine) handleEmpty(pkt *Packet, remote Endpoint) {
	switch pkt.Type {
	case Acknowledgement:
		idx, m, ok := e.table.MatchByMessageID(pkt.MessageID)
		if !ok {
			return
		}
		if m.ackTerminal {
			// A confirmable notification's ACK is the whole exchange, not
			// the first half of a separate-response pairing; the observer
			// stays registered until it sends a RST instead (handled
			// below) or deregisters explicitly (spec.md Section 4.C).
			e.table.Complete(idx, nil, remote)
			return
		}
		e.table.CancelRetransmit(idx, m)
	case Reset:
		idx, _, ok := e.table.MatchByMessageID(pkt.MessageID)
		if ok {
			e.table.Complete(idx, nil, Endpoint{})
		}
		if len(pkt.Token) > 0 {
			e.observe.DeregisterOnReset(pkt.Token, remote)
		}
	default:
		e.log("gcoap: dropping unexpected empty %s from %s", pkt.Type, remote)
	}
}

// handleRequest resolves the resource via the registry and invokes its
// handler, synthesizing 4.04/4.05 when the lookup fails (spec.md Section
// 4.E).
func (e *Engine) handleRequest(pkt *Packet, remote Endpoint) {
	path, ok := pkt.Options.Path()
	if !ok {
		path = "/"
	}
	method := MethodFlag(pkt.Code)
	resource, result := e.registry.Find(path, method)

	resp := &Packet{Token: pkt.Token, MessageID: pkt.MessageID}
	if pkt.Type == Confirmable {
		resp.Type = Acknowledgement
	} else {
		resp.Type = NonConfirmable
		resp.MessageID = e.table.NextMessageID()
	}

	switch result {
	case FindFound:
		resource.Handler(resp, pkt, remote)
	case FindWrongMethod:
		resp.Code = codes.MethodNotAllowed
	case FindNoPath:
		resp.Code = codes.NotFound
	}

	e.transmitResponse(resp, remote)
}

// transmitResponse serializes resp and hands it to the transport. Observe
// registration failures clear the Observe option before this point
// (HandleObserveRequest in api.go), so a rejected subscription becomes an ordinary response
// here with no special-casing needed.
func (e *Engine) transmitResponse(resp *Packet, remote Endpoint) {
	buf := make([]byte, e.cfg.PDUBufSize)
	n, err := resp.Marshal(buf)
	if err != nil {
		e.log("gcoap: failed to marshal response to %s: %s", remote, err)
		return
	}
	if err := e.transport.Send(buf[:n], remote); err != nil {
		e.log("gcoap: failed to send response to %s: %s", remote, err)
	}
}

// handleResponse matches an incoming success/client-error/server-error
// message against the transaction table by token, per spec.md Section
// 4.C's "Ingress matching" and "Completion" rules.
func (e *Engine) handleResponse(pkt *Packet, remote Endpoint) {
	idx, m, ok := e.table.MatchByToken(pkt.Token)
	if !ok {
		e.log("gcoap: unmatched response token=%x from %s, dropping", []byte(pkt.Token), remote)
		return
	}
	if pkt.Type == Confirmable {
		// A separate (non-piggybacked) CON response: spec.md Section 9
		// flags this as unsupported. We log and drop the payload, but
		// still let the memo's own bounded wait (armed by
		// CancelRetransmit when the preceding empty ACK arrived) decide
		// when to finalize, so at most one callback still fires.
		e.log("gcoap: separate CON response not supported yet, dropping (token=%x)", []byte(pkt.Token))
		e.ackSeparateResponse(pkt, remote)
		return
	}
	if m.observing {
		e.table.NotifyObserving(idx, pkt, remote)
		return
	}
	e.table.Complete(idx, pkt, remote)
}

// ackSeparateResponse sends the empty ACK RFC 7252 Section 5.2.2 requires
// for a separate CON response, even though this engine does not forward
// the response's content anywhere (spec.md Section 9 open question).
func (e *Engine) ackSeparateResponse(pkt *Packet, remote Endpoint) {
	ack := &Packet{Type: Acknowledgement, Code: codes.Empty, MessageID: pkt.MessageID}
	e.transmitResponse(ack, remote)
}

// serveDiscovery answers GET /.well-known/core with the link-format
// listing of every registered resource (spec.md Section 4.F
// get_resource_list).
func (e *Engine) serveDiscovery(w *Packet, r *Packet, remote Endpoint) {
	if MethodFlag(r.Code) != MethodGet {
		w.Code = codes.MethodNotAllowed
		return
	}
	w.Code = codes.Content
	w.Options = w.Options.SetContentFormat(40) // application/link-format, RFC 7252 Section 12.3
	w.Payload = []byte(EncodeLinkFormat(e.registry))
}
