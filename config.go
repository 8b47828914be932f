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

import "time"

// Config holds every compile-time knob spec'd in RFC 7252 Section 4.8
// plus the table capacities and synchronous/asynchronous send mode this
// engine exposes. Build one with NewConfig and a chain of With... options,
// the same shape as the teacher's coap.NewConfig(coap.WithErrors(...), ...).
type Config struct {
	// PDUBufSize is the per-PDU byte budget: the size of each slot in the
	// resend-buffer pool and the scratch buffer used to build outgoing PDUs.
	PDUBufSize int
	// TokenLen is the length, in bytes, of client-generated tokens (0-8).
	TokenLen int

	// ReqWaitingMax is the capacity of the transaction memo table.
	ReqWaitingMax int
	// ObsClientsMax is the capacity of the observer table.
	ObsClientsMax int
	// ObsRegistrationsMax is the capacity of the observe memo table.
	ObsRegistrationsMax int
	// ResendBufsMax is the capacity of the CON resend buffer pool.
	ResendBufsMax int

	// AckTimeout is RFC 7252's ACK_TIMEOUT.
	AckTimeout time.Duration
	// MaxRetransmit is RFC 7252's MAX_RETRANSMIT.
	MaxRetransmit int
	// RandomFactor is RFC 7252's ACK_RANDOM_FACTOR; initial timeouts are
	// sampled uniformly from [AckTimeout, AckTimeout*RandomFactor].
	RandomFactor float64
	// NonTimeout is the fixed lifetime of a non-confirmable transaction.
	NonTimeout time.Duration
	// RecvTimeout bounds every blocking transport receive made by the
	// engine's reader goroutine, whether or not a transaction is
	// outstanding, so it re-checks for shutdown at least this often. Timer
	// expiries reach the dispatch goroutine through its mailbox and do not
	// wait on this receive.
	RecvTimeout time.Duration

	// ObsTickExponent is the right-shift applied to monotonic microseconds
	// when deriving the 24-bit Observe counter.
	ObsTickExponent uint

	// SendWaitForResponse selects synchronous (true) or asynchronous
	// (false) ReqSend.
	SendWaitForResponse bool

	// Log receives debug output; nil disables logging entirely.
	Log Logger
}

// Option configures a Config.
type Option func(*Config)

// NewConfig builds a Config from RFC 7252 Section 4.8 defaults, then
// applies opts in order.
func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		PDUBufSize:          1152, // RFC 7252 Section 4.6 suggested max message size
		TokenLen:            8,
		ReqWaitingMax:       16,
		ObsClientsMax:       16,
		ObsRegistrationsMax: 16,
		ResendBufsMax:       16,
		AckTimeout:          2 * time.Second,
		MaxRetransmit:       4,
		RandomFactor:        1.5,
		NonTimeout:          145 * time.Second, // NON_LIFETIME, RFC 7252 Section 4.8.2
		RecvTimeout:         1 * time.Second,
		ObsTickExponent:     3,
		SendWaitForResponse: false,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func WithPDUBufSize(n int) Option { return func(c *Config) { c.PDUBufSize = n } }
func WithTokenLen(n int) Option   { return func(c *Config) { c.TokenLen = n } }

func WithTableSizes(reqWaitingMax, obsClientsMax, obsRegistrationsMax, resendBufsMax int) Option {
	return func(c *Config) {
		c.ReqWaitingMax = reqWaitingMax
		c.ObsClientsMax = obsClientsMax
		c.ObsRegistrationsMax = obsRegistrationsMax
		c.ResendBufsMax = resendBufsMax
	}
}

func WithTransmission(ackTimeout time.Duration, maxRetransmit int, randomFactor float64) Option {
	return func(c *Config) {
		c.AckTimeout = ackTimeout
		c.MaxRetransmit = maxRetransmit
		c.RandomFactor = randomFactor
	}
}

func WithNonTimeout(d time.Duration) Option { return func(c *Config) { c.NonTimeout = d } }
func WithRecvTimeout(d time.Duration) Option { return func(c *Config) { c.RecvTimeout = d } }
func WithObsTickExponent(n uint) Option      { return func(c *Config) { c.ObsTickExponent = n } }
func WithSynchronousSend(sync bool) Option   { return func(c *Config) { c.SendWaitForResponse = sync } }
func WithLogger(l Logger) Option             { return func(c *Config) { c.Log = l } }
