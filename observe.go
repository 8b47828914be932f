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
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
)

// observeCounterMask keeps the Observe option value within RFC 7641
// Section 3.2's 24-bit range.
const observeCounterMask = 1<<24 - 1

// Observer is one entry of the fixed-capacity client table (spec.md
// Section 3): the remote and token a resource's notifications are sent
// to. Two registrations from the same remote+token pair share one
// Observer, refcounted by the number of ObserveMemos pointing at it.
type Observer struct {
	used     bool
	remote   Endpoint
	token    message.Token
	refCount int
}

// ObserveMemo binds one resource path to the Observer watching it
// (spec.md Section 3). Per DESIGN.md's resolution of spec.md Section 9's
// open question, a resource accepts at most one ObserveMemo at a time;
// a second GET?Observe=0 on an already-observed resource is rejected,
// leaving the first observer's subscription untouched.
type ObserveMemo struct {
	used        bool
	observerIdx int
	path        string
	counter     uint32
}

// Observe owns the Observer and ObserveMemo tables and the logic of
// spec.md Section 4.D: register, deregister and notify.
type Observe struct {
	cfg   *Config
	table *Table

	mu        sync.Mutex
	observers []Observer
	memos     []ObserveMemo
}

// NewObserve allocates both tables per cfg's OBS_CLIENTS_MAX and
// OBS_REGISTRATIONS_MAX.
func NewObserve(cfg *Config, table *Table) *Observe {
	return &Observe{
		cfg:       cfg,
		table:     table,
		observers: make([]Observer, cfg.ObsClientsMax),
		memos:     make([]ObserveMemo, cfg.ObsRegistrationsMax),
	}
}

// Register handles a GET with Observe=0, per spec.md Section 4.D's three
// steps: (1) an existing memo for (remote, token) on this exact path is
// reused in place; (2) otherwise, registration requires both a free memo
// slot and that no memo already exists for this resource at all — a
// second client observing an already-observed resource is rejected, not
// displaced, so the first observer's subscription is never torn down by a
// later registration; (3) any failure is reported so the caller clears
// the Observe option and falls back to a one-shot response.
func (o *Observe) Register(path string, remote Endpoint, token message.Token) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := range o.memos {
		m := &o.memos[i]
		if !m.used || m.path != path {
			continue
		}
		obs := &o.observers[m.observerIdx]
		if obs.used && obs.remote.Equal(remote) && tokenEqual(obs.token, token) {
			m.counter = 0
			return nil
		}
		return newError(KindObserveFull, path)
	}

	obsIdx, err := o.findOrAllocObserverLocked(remote, token)
	if err != nil {
		return err
	}
	for i := range o.memos {
		if !o.memos[i].used {
			o.memos[i] = ObserveMemo{used: true, observerIdx: obsIdx, path: path}
			o.observers[obsIdx].refCount++
			return nil
		}
	}
	o.releaseObserverRefLocked(obsIdx)
	return newError(KindObserveFull, path)
}

// Deregister handles a GET with Observe=1 (an RST is handled by
// DeregisterOnReset instead): it removes the memo for path belonging to
// remote+token, per spec.md Section 4.D step 3.
func (o *Observe) Deregister(path string, remote Endpoint, token message.Token) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.memos {
		m := &o.memos[i]
		if !m.used || m.path != path {
			continue
		}
		obs := &o.observers[m.observerIdx]
		if !obs.used || !obs.remote.Equal(remote) || !tokenEqual(obs.token, token) {
			continue
		}
		o.releaseObserverRefLocked(m.observerIdx)
		*m = ObserveMemo{}
		return true
	}
	return false
}

// DeregisterOnReset removes every memo bound to remote+token regardless
// of path, for the RST-cancels-observation rule of RFC 7641 Section 3.6
// (spec.md Section 4.C). Returns the path of a removed memo, if any.
func (o *Observe) DeregisterOnReset(token message.Token, remote Endpoint) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.observers {
		obs := &o.observers[i]
		if obs.used && obs.remote.Equal(remote) && tokenEqual(obs.token, token) {
			var path string
			found := false
			for j := range o.memos {
				m := &o.memos[j]
				if m.used && m.observerIdx == i {
					path = m.path
					found = true
					*m = ObserveMemo{}
				}
			}
			*obs = Observer{}
			return path, found
		}
	}
	return "", false
}

func (o *Observe) findOrAllocObserverLocked(remote Endpoint, token message.Token) (int, error) {
	for i := range o.observers {
		obs := &o.observers[i]
		if obs.used && obs.remote.Equal(remote) && tokenEqual(obs.token, token) {
			return i, nil
		}
	}
	for i := range o.observers {
		if !o.observers[i].used {
			o.observers[i] = Observer{used: true, remote: remote, token: token}
			return i, nil
		}
	}
	return -1, newError(KindObserveFull, "")
}

func (o *Observe) releaseObserverRefLocked(idx int) {
	obs := &o.observers[idx]
	obs.refCount--
	if obs.refCount <= 0 {
		*obs = Observer{}
	}
}

func tokenEqual(a, b message.Token) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NextCounter derives the next 24-bit Observe value for path by shifting
// a monotonic clock reading down by Config.ObsTickExponent, per spec.md
// Section 4.D's "the counter MUST be non-decreasing across restarts of
// the clock read" requirement. Ticks, not a plain increment, so that two
// notifications sent close together from independent call sites still
// produce a strictly increasing sequence as long as real time elapses
// between them.
func (o *Observe) NextCounter(path string) uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	tick := uint32((time.Duration(nowMonotonic()) >> o.cfg.ObsTickExponent) & observeCounterMask)
	for i := range o.memos {
		m := &o.memos[i]
		if m.used && m.path == path {
			if tick <= m.counter {
				tick = (m.counter + 1) & observeCounterMask
			}
			m.counter = tick
			return tick
		}
	}
	return tick
}

// Subscribers returns a snapshot of every (remote, token) pair currently
// observing path, for ObsSend's fan-out (spec.md Section 4.F).
func (o *Observe) Subscribers(path string) []struct {
	Remote Endpoint
	Token  message.Token
} {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []struct {
		Remote Endpoint
		Token  message.Token
	}
	for i := range o.memos {
		m := &o.memos[i]
		if !m.used || m.path != path {
			continue
		}
		obs := &o.observers[m.observerIdx]
		if obs.used {
			out = append(out, struct {
				Remote Endpoint
				Token  message.Token
			}{Remote: obs.remote, Token: obs.token})
		}
	}
	return out
}

// obsClockStart anchors nowMonotonic's readings to a monotonic clock.
var obsClockStart = time.Now()

// nowMonotonic isolates the clock read NextCounter depends on, returning
// monotonic microseconds, so tests can substitute a fake clock by
// constructing an Observe directly and driving NextCounter's arithmetic
// independently.
var nowMonotonic = func() int64 { return time.Since(obsClockStart).Microseconds() }

// Observation is the client-side counterpart of an Observer: state kept
// by a caller of ReqObserve with Observe=0 to track notification ordering
// (SPEC_FULL.md Section 4, supplementing spec.md's server-only Section
// 4.D with the client-side half of RFC 7641 Section 3.4's reordering
// rules). Grounded on go-coap's udp/client Observation.wantBeNotified.
type Observation struct {
	sequence  uint32
	lastEvent time.Time
	have      bool
}

// Accept reports whether a notification carrying seq should replace the
// currently displayed representation, applying RFC 7641 Section 3.4's
// mixed-arithmetic rule: a notification is newer if it arrived more than
// 128 seconds after the last one (the reordering window has certainly
// elapsed), or if serial-arithmetic comparison (mod 2^24) places it
// after the last accepted sequence number.
func (ob *Observation) Accept(seq uint32, now time.Time) bool {
	if !ob.have {
		ob.sequence, ob.lastEvent, ob.have = seq, now, true
		return true
	}
	const reorderWindow = 128 * time.Second
	newer := (seq > ob.sequence && seq-ob.sequence < 1<<23) ||
		(seq < ob.sequence && ob.sequence-seq > 1<<23) ||
		now.Sub(ob.lastEvent) > reorderWindow
	if newer {
		ob.sequence, ob.lastEvent = seq, now
	}
	return newer
}
