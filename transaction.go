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
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"go.uber.org/atomic"
)

// TxState is the lifecycle state of a transaction memo (spec.md Section 3).
type TxState int

const (
	txUnused TxState = iota
	TxWait
	TxResp
	TxTimeout
)

// limitNon is the sentinel send_limit value marking a non-confirmable
// request, which carries no retransmit budget (spec.md Section 3).
const limitNon = -1

// ResponseHandler is invoked exactly once per successful ReqSend, with the
// final state (TxResp or TxTimeout), the matched packet and the remote
// that sent it. On timeout the packet is nil and the remote is the zero
// Endpoint. A memo completed by an empty ACK (confirmable notification) or
// by an RST also reports TxResp with a nil packet; for an RST the remote
// is the zero Endpoint as well. Handlers run on the dispatch goroutine and
// must not block (spec.md Section 5).
type ResponseHandler func(state TxState, resp *Packet, remote Endpoint)

// memo is one element of the fixed-capacity transaction table (spec.md
// Section 3). A generation counter disambiguates a timer message that
// fires after its memo has already been released and reused.
type memo struct {
	state        TxState
	generation   uint64
	confirmable  bool
	observing    bool // true for a client-side Observe subscription; see SendObserving
	ackTerminal  bool // true for a server-side notification push; see SendNotification
	sendLimit    int // remaining retransmit budget, or limitNon
	resendBufIdx int // index into Table.resendBufs, or -1
	pdu          []byte
	pduLen       int
	remote       Endpoint
	token        message.Token
	messageID    uint16
	timer        *time.Timer
	handler      ResponseHandler
	done         chan struct{} // closed on completion, for synchronous ReqSend
}

// Table is the fixed-capacity transaction table of spec.md Section 4.C.
// Allocation (the scan-and-claim of a free memo) is the one operation
// guarded by a mutex so it may be called from req_send on a user context.
// The rest of Send/SendObserving/SendNotification (filling the claimed
// memo, the first transmission and arming its timer) also runs on the
// caller's goroutine; every other operation is invoked from the dispatch
// goroutine.
type Table struct {
	cfg        *Config
	transport  Transport
	mailbox    chan<- mailboxMsg
	log        func(format string, v ...interface{})
	msgIDSeq   atomic.Uint32
	mu         sync.Mutex
	memos      []memo
	resendBufs [][]byte
}

// NewTable allocates the memo table and resend buffer pool per cfg, seeded
// with a random initial message id (spec.md Section 3).
func NewTable(cfg *Config, transport Transport, mailbox chan<- mailboxMsg, log func(string, ...interface{})) *Table {
	t := &Table{
		cfg:        cfg,
		transport:  transport,
		mailbox:    mailbox,
		log:        log,
		memos:      make([]memo, cfg.ReqWaitingMax),
		resendBufs: make([][]byte, cfg.ResendBufsMax),
	}
	for i := range t.resendBufs {
		t.resendBufs[i] = make([]byte, cfg.PDUBufSize)
	}
	t.msgIDSeq.Store(uint32(rand.Intn(1 << 16)))
	return t
}

// NextMessageID returns a fresh 16-bit message id, atomically incremented
// so it is safe to call concurrently from ReqSend's user-context callers
// and from the dispatch goroutine's own notification sends.
func (t *Table) NextMessageID() uint16 {
	return uint16(t.msgIDSeq.Add(1))
}

// alloc claims the first UNUSED memo, transitioning it to TxWait under
// Table.mu. For confirmable requests it also claims a resend buffer slot,
// releasing the memo again if none is free.
func (t *Table) alloc(confirmable bool) (int, *memo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := -1
	for i := range t.memos {
		if t.memos[i].state == txUnused {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1, nil, ErrNoSlot
	}
	m := &t.memos[idx]
	bufIdx := -1
	if confirmable {
		bufIdx = t.claimResendBufLocked()
		if bufIdx < 0 {
			return -1, nil, ErrNoSlot
		}
		// Mark the slot owned (any non-zero first byte) before dropping
		// Table.mu; sendInternal overwrites it with the real PDU.
		t.resendBufs[bufIdx][0] = 0x40
	}
	m.state = TxWait
	m.generation++
	m.confirmable = confirmable
	m.resendBufIdx = bufIdx
	if confirmable {
		m.sendLimit = t.cfg.MaxRetransmit
	} else {
		m.sendLimit = limitNon
	}
	m.done = make(chan struct{})
	return idx, m, nil
}

func (t *Table) claimResendBufLocked() int {
	for i, buf := range t.resendBufs {
		if buf[0] == 0 {
			return i
		}
	}
	return -1
}

// release returns a memo to UNUSED, zeroing its resend buffer's first
// byte per the buffer-ownership invariant (spec.md Section 3, Section 8
// property 3).
func (t *Table) release(idx int) {
	m := &t.memos[idx]
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.resendBufIdx >= 0 {
		t.resendBufs[m.resendBufIdx][0] = 0
		m.resendBufIdx = -1
	}
	m.state = txUnused
	m.handler = nil
	m.observing = false
	m.ackTerminal = false
	m.pdu = nil
}

// jitteredTimeout samples the RFC 7252 Section 4.8 initial retransmission
// timeout, uniformly from [AckTimeout, AckTimeout*RandomFactor].
func (t *Table) jitteredTimeout() time.Duration {
	r := 1 + rand.Float64()*(t.cfg.RandomFactor-1)
	return time.Duration(float64(t.cfg.AckTimeout) * r)
}

// Send registers pdu (already built by the caller) as a new transaction
// bound for remote, arming its retransmit or lifetime timer, per spec.md
// Section 4.C's "For CON"/"For NON" allocation rules. It performs the
// first transmission itself.
func (t *Table) Send(pdu []byte, remote Endpoint, token message.Token, msgID uint16, confirmable bool, handler ResponseHandler) (int, <-chan struct{}, error) {
	return t.sendInternal(pdu, remote, token, msgID, confirmable, false, false, handler)
}

// SendObserving is Send for a client-side Observe registration (RFC 7641
// Section 3.4, SPEC_FULL.md Section 4): the memo is not released on its
// first matched response. Instead handler is invoked once per
// notification and the idle timer slides forward on each one, so the
// subscription stays open until it times out from inactivity or an RST
// carrying its message id completes it (handleEmpty's Reset case). There
// is no call that cancels it from the client side.
func (t *Table) SendObserving(pdu []byte, remote Endpoint, token message.Token, msgID uint16, handler ResponseHandler) (int, <-chan struct{}, error) {
	return t.sendInternal(pdu, remote, token, msgID, false, true, false, handler)
}

// SendNotification is Send for a server-side confirmable Observe
// notification (RFC 7641 Section 3.5, spec.md Section 4.D's "Notification
// emission"). Unlike an ordinary request's empty-ACK-then-separate-
// response pattern, the notification's own empty ACK is the whole
// exchange: no further response will ever arrive for this token, so the
// memo completes immediately on ACK instead of waiting (handleEmpty
// checks memo.ackTerminal to tell the two apart).
func (t *Table) SendNotification(pdu []byte, remote Endpoint, token message.Token, msgID uint16, handler ResponseHandler) (int, <-chan struct{}, error) {
	return t.sendInternal(pdu, remote, token, msgID, true, false, true, handler)
}

func (t *Table) sendInternal(pdu []byte, remote Endpoint, token message.Token, msgID uint16, confirmable, observing, ackTerminal bool, handler ResponseHandler) (int, <-chan struct{}, error) {
	idx, m, err := t.alloc(confirmable)
	if err != nil {
		return -1, nil, err
	}
	m.token = token
	m.messageID = msgID
	m.remote = remote
	m.handler = handler
	m.observing = observing
	m.ackTerminal = ackTerminal
	if confirmable {
		buf := t.resendBufs[m.resendBufIdx]
		if len(pdu) > len(buf) {
			done := m.done
			t.release(idx)
			return -1, done, ErrNoSlot
		}
		copy(buf, pdu)
		// A valid PDU's first byte always has the version bits set
		// (0b01xxxxxx), so it never collides with the free-slot marker.
		m.pdu = buf[:len(pdu)]
		m.pduLen = len(pdu)
	} else {
		// Only the header + token is retained: enough to match a future
		// response by id/token, not enough to retransmit.
		hdrLen := 4 + len(token)
		if hdrLen > len(pdu) {
			hdrLen = len(pdu)
		}
		m.pdu = append([]byte(nil), pdu[:hdrLen]...)
		m.pduLen = hdrLen
	}
	if err := t.transport.Send(pdu, remote); err != nil {
		done := m.done
		t.release(idx)
		return -1, done, err
	}
	var timeout time.Duration
	if confirmable {
		timeout = t.jitteredTimeout()
	} else {
		timeout = t.cfg.NonTimeout
	}
	t.arm(idx, m, timeout)
	return idx, m.done, nil
}

// NotifyObserving delivers one notification to an observing memo without
// releasing it, then slides its idle timer forward (spec.md Section 4.C's
// completion rules, extended per SendObserving's doc comment).
func (t *Table) NotifyObserving(idx int, resp *Packet, remote Endpoint) {
	m := &t.memos[idx]
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.handler != nil {
		m.handler(TxResp, resp, remote)
	}
	t.arm(idx, m, t.cfg.NonTimeout)
}

// arm starts (or restarts) idx's timer. The timer fires on its own
// goroutine and only ever posts to the mailbox - all memo mutation stays
// on the dispatch goroutine via HandleTimeout, preserving spec.md Section
// 5's single-writer discipline.
func (t *Table) arm(idx int, m *memo, timeout time.Duration) {
	gen := m.generation
	m.timer = time.AfterFunc(timeout, func() {
		t.mailbox <- timeoutMsg{memoIdx: idx, generation: gen}
	})
}

// HandleTimeout processes a TIMEOUT mailbox message (spec.md Section 4.C):
// on budget exhaustion (or for non-confirmable transactions) the memo
// transitions to TxTimeout and the handler fires with a null remote;
// otherwise it backs off exponentially, re-transmits from the resend
// buffer and re-arms. The retry index is derived from
// (MaxRetransmit - sendLimit), per spec.md Section 9's resolution of the
// decrement-ordering ambiguity, rather than from a separately decremented
// counter.
func (t *Table) HandleTimeout(msg timeoutMsg) {
	if msg.memoIdx < 0 || msg.memoIdx >= len(t.memos) {
		return
	}
	m := &t.memos[msg.memoIdx]
	if m.state != TxWait || m.generation != msg.generation {
		return // stale timer for an already-released or reused memo
	}
	if m.sendLimit == limitNon || m.sendLimit <= 0 {
		t.finish(msg.memoIdx, m, TxTimeout, nil, Endpoint{})
		return
	}
	retryIndex := t.cfg.MaxRetransmit - m.sendLimit
	m.sendLimit--
	if err := t.transport.Send(m.pdu[:m.pduLen], m.remote); err != nil && t.log != nil {
		t.log("gcoap: retransmit failed: %s", err)
	}
	backoff := time.Duration(float64(t.cfg.AckTimeout) * float64(uint(1)<<uint(retryIndex+1)))
	jitter := 1 + rand.Float64()*(t.cfg.RandomFactor-1)
	t.arm(msg.memoIdx, m, time.Duration(float64(backoff)*jitter))
}

// MatchByMessageID finds a WAIT memo by 16-bit message id, used to pair an
// empty ACK/RST with the request that provoked it.
func (t *Table) MatchByMessageID(msgID uint16) (int, *memo, bool) {
	for i := range t.memos {
		if t.memos[i].state == TxWait && t.memos[i].messageID == msgID {
			return i, &t.memos[i], true
		}
	}
	return -1, nil, false
}

// MatchByToken finds a WAIT memo by token, used to pair a response with
// its request regardless of confirmability.
func (t *Table) MatchByToken(token message.Token) (int, *memo, bool) {
	for i := range t.memos {
		m := &t.memos[i]
		if m.state != TxWait {
			continue
		}
		stored := m.pdu
		if len(stored) < 4 {
			continue
		}
		tkl := int(stored[0] & 0x0F)
		if tkl != len(token) {
			continue
		}
		if string(stored[4:4+tkl]) == string(token) {
			return i, m, true
		}
	}
	return -1, nil, false
}

// CancelRetransmit stops a memo's retransmit timer without completing it,
// for an empty ACK acknowledging a CON whose real response is separate
// (spec.md Section 4.C). Per spec.md Section 9's open question, separate
// responses are not matched; this re-arms a bounded wait so the memo is
// eventually reclaimed by HandleTimeout rather than leaking a slot
// forever if the separate response never arrives or is dropped.
func (t *Table) CancelRetransmit(idx int, m *memo) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.sendLimit = limitNon
	t.arm(idx, m, t.cfg.NonTimeout)
}

// Complete finalizes a memo on a matched response (spec.md Section 4.C
// "Completion"): cancels the timer, invokes the handler with TxResp, and
// releases the memo.
func (t *Table) Complete(idx int, resp *Packet, remote Endpoint) {
	m := &t.memos[idx]
	t.finish(idx, m, TxResp, resp, remote)
}

func (t *Table) finish(idx int, m *memo, state TxState, resp *Packet, remote Endpoint) {
	handler := m.handler
	done := m.done
	t.release(idx)
	if handler != nil {
		handler(state, resp, remote)
	}
	if done != nil {
		close(done)
	}
}

// Wait blocks the caller until idx's memo reaches a terminal state, for
// synchronous ReqSend (spec.md Section 4.F, Config.SendWaitForResponse).
// It must be called before the memo can possibly be released a second
// time, i.e. synchronously with Send returning.
func (t *Table) Wait(done <-chan struct{}) {
	<-done
}
