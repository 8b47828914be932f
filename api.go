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
	"math/rand"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// ReqInit builds a new request Packet for method and path, confirmable by
// default, with a fresh random token of Config.TokenLen bytes (spec.md
// Section 4.F req_init). Use ReqInitOpts for a non-confirmable request.
func (e *Engine) ReqInit(method codes.Code, path string) (*Packet, error) {
	return e.ReqInitOpts(method, path, true)
}

// ReqInitOpts is ReqInit with explicit confirmability.
func (e *Engine) ReqInitOpts(method codes.Code, path string, confirmable bool) (*Packet, error) {
	opts, err := Options(nil).SetPath(path)
	if err != nil {
		return nil, err
	}
	typ := NonConfirmable
	if confirmable {
		typ = Confirmable
	}
	return &Packet{
		Type:    typ,
		Code:    method,
		Token:   newToken(e.cfg.TokenLen),
		Options: opts,
	}, nil
}

func newToken(n int) message.Token {
	if n <= 0 {
		return nil
	}
	if n > 8 {
		n = 8
	}
	t := make([]byte, n)
	rand.Read(t)
	return message.Token(t)
}

// AddQString appends one "key=value" Uri-Query option to pkt (spec.md
// Section 4.F add_qstring).
func AddQString(pkt *Packet, key string, val interface{}) {
	pkt.Options = append(pkt.Options, Option{ID: OptionURIQuery, Value: []byte(formatQuery(key, val))})
}

// RespInit seeds a response Packet's code; its type, message id and token
// have already been set by the dispatch context before a Resource's
// handler runs (spec.md Section 4.F resp_init).
func RespInit(resp *Packet, code codes.Code) {
	resp.Code = code
}

// Finish sets a message's content format and payload, the last step
// before a request is sent or a response handler returns (spec.md
// Section 4.A finish()).
func Finish(pkt *Packet, contentFormat message.MediaType, payload []byte) {
	if contentFormat != 0 || len(payload) > 0 {
		pkt.Options = pkt.Options.SetContentFormat(contentFormat)
	}
	pkt.Payload = payload
}

// ReqSend transmits req to remote and registers it in the transaction
// table (spec.md Section 4.F req_send). If Config.SendWaitForResponse is
// set, ReqSend blocks until handler has been invoked on the dispatch
// goroutine and then returns ErrTimeout if the transaction timed out, nil
// otherwise; if it is not set, ReqSend returns immediately and handler is
// invoked later on the dispatch goroutine.
func (e *Engine) ReqSend(req *Packet, remote Endpoint, handler ResponseHandler) error {
	confirmable := req.Type == Confirmable
	if req.MessageID == 0 {
		req.MessageID = e.table.NextMessageID()
	}
	buf := make([]byte, e.cfg.PDUBufSize)
	n, err := req.Marshal(buf)
	if err != nil {
		return err
	}

	if !e.cfg.SendWaitForResponse {
		_, _, err := e.table.Send(buf[:n], remote, req.Token, req.MessageID, confirmable, handler)
		if err != nil {
			return err
		}
		e.Interrupt()
		return nil
	}

	var timedOut bool
	wrapper := func(s TxState, r *Packet, rem Endpoint) {
		timedOut = s == TxTimeout
		if handler != nil {
			handler(s, r, rem)
		}
	}
	_, done, err := e.table.Send(buf[:n], remote, req.Token, req.MessageID, confirmable, wrapper)
	if err != nil {
		return err
	}
	e.Interrupt()
	e.table.Wait(done)
	if timedOut {
		return ErrTimeout
	}
	return nil
}

// ReqObserve sends req (which must carry Observe=0, see Options.SetObserve)
// and keeps its transaction alive across every notification that follows
// on the same token, invoking handler once per notification instead of
// once total (SPEC_FULL.md Section 4, the client-side half of RFC 7641
// Section 3.4 spec.md's Section 4.D leaves to the embedder). It always
// sends non-confirmably; always asynchronous regardless of
// Config.SendWaitForResponse, since a subscription has no single
// terminal response to wait for.
func (e *Engine) ReqObserve(req *Packet, remote Endpoint, handler ResponseHandler) error {
	if req.MessageID == 0 {
		req.MessageID = e.table.NextMessageID()
	}
	req.Type = NonConfirmable
	buf := make([]byte, e.cfg.PDUBufSize)
	n, err := req.Marshal(buf)
	if err != nil {
		return err
	}
	_, _, err = e.table.SendObserving(buf[:n], remote, req.Token, req.MessageID, handler)
	if err != nil {
		return err
	}
	e.Interrupt()
	return nil
}

// ObsSend pushes a notification carrying payload to every client
// currently observing path (spec.md Section 4.F obs_send). Per spec.md
// Section 4.D's "Notification emission", the message is sent either
// directly as NON, or funneled into the same allocate/transmit/arm path
// req_send uses for CON (gaining retransmit and ACK/RST tracking via
// Section 4.C) when confirmable is set — RFC 7641 Section 3.5's guidance
// to occasionally confirm a notification to detect a dead observer. handler
// is ignored for a NON send; for a CON send it receives the eventual
// TxResp/TxTimeout the way any other req_send callback would.
func (e *Engine) ObsSend(path string, confirmable bool, contentFormat message.MediaType, payload []byte, handler ResponseHandler) {
	for _, sub := range e.observe.Subscribers(path) {
		counter := e.observe.NextCounter(path)
		typ := NonConfirmable
		if confirmable {
			typ = Confirmable
		}
		pkt := &Packet{
			Type:      typ,
			Code:      codes.Content,
			MessageID: e.table.NextMessageID(),
			Token:     sub.Token,
			Options:   Options(nil).SetObserve(counter).SetContentFormat(contentFormat),
			Payload:   payload,
		}
		if !confirmable {
			e.transmitResponse(pkt, sub.Remote)
			continue
		}
		buf := make([]byte, e.cfg.PDUBufSize)
		n, err := pkt.Marshal(buf)
		if err != nil {
			e.log("gcoap: failed to marshal confirmable notification to %s: %s", sub.Remote, err)
			continue
		}
		if _, _, err := e.table.SendNotification(buf[:n], sub.Remote, pkt.Token, pkt.MessageID, handler); err != nil {
			e.log("gcoap: failed to send confirmable notification to %s: %s", sub.Remote, err)
		}
	}
}

// GetResourceList renders the link-format document for every registered
// resource, the same body served at /.well-known/core (spec.md Section
// 4.F get_resource_list).
func (e *Engine) GetResourceList() string {
	return EncodeLinkFormat(e.registry)
}

// HandleObserveRequest is the Resource.Handler building block a resource
// wanting Observe support calls first: it interprets the request's
// Observe option (register, deregister, or absent) and updates the
// Observe tables accordingly, clearing the option from w if registration
// failed so the response degrades to an ordinary GET reply (spec.md
// Section 4.D).
func (e *Engine) HandleObserveRequest(w *Packet, r *Packet, remote Endpoint) {
	path, _ := r.Options.Path()
	val, present := r.Options.Observe()
	if !present {
		return
	}
	switch val {
	case 0:
		if err := e.observe.Register(path, remote, r.Token); err != nil {
			w.Options = w.Options.ClearObserve()
			return
		}
		w.Options = w.Options.SetObserve(e.observe.NextCounter(path))
	case 1:
		e.observe.Deregister(path, remote, r.Token)
		w.Options = w.Options.ClearObserve()
	default:
		w.Options = w.Options.ClearObserve()
	}
}
