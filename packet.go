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

// Package gcoap implements a single-threaded, event-driven CoAP (RFC 7252)
// request/response engine with the Observe extension (RFC 7641). It acts
// simultaneously as a server, dispatching requests to registered resource
// handlers, and as a client, tracking outstanding transactions and
// retransmitting confirmable messages under exponential backoff.
package gcoap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// MsgType is the CoAP message type, the 2-bit Type field of the fixed
// header (RFC 7252 Section 3).
type MsgType uint8

const (
	Confirmable     MsgType = 0
	NonConfirmable  MsgType = 1
	Acknowledgement MsgType = 2
	Reset           MsgType = 3
)

func (t MsgType) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "?"
	}
}

// OptionID numbers the CoAP options this engine understands, per the IANA
// CoAP Option Numbers registry (RFC 7252 Section 12.2, RFC 7641 Section 2).
type OptionID uint16

const (
	OptionObserve       OptionID = 6
	OptionURIPath       OptionID = 11
	OptionContentFormat OptionID = 12
	OptionURIQuery      OptionID = 15
)

// Option is a single decoded CoAP option (number + opaque value bytes).
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is a sequence of Options, the in-memory form produced by parsing
// and consumed by encoding. Parsing yields ascending option numbers; the
// setters below append in call order, and encodeOptions sorts a copy into
// ascending order before writing. It is this engine's
// realization of spec's "black-box option codec": the TLV delta/length
// framing is entirely confined to encodeOptions/decodeOptions below, and
// callers only ever see decoded (ID, Value) pairs or typed accessors.
type Options []Option

const payloadMarker = 0xFF

// Path reassembles the dot-free "/"-joined URI path from one or more
// Uri-Path options, per RFC 7252 Section 5.10.1.
func (o Options) Path() (string, bool) {
	var segs []string
	for _, opt := range o {
		if opt.ID == OptionURIPath {
			segs = append(segs, string(opt.Value))
		}
	}
	if len(segs) == 0 {
		return "", false
	}
	return "/" + strings.Join(segs, "/"), true
}

// SetPath replaces any existing Uri-Path options with one Uri-Path option
// per "/"-delimited path segment. Fails if path does not begin with "/".
func (o Options) SetPath(path string) (Options, error) {
	if !strings.HasPrefix(path, "/") {
		return o, ErrPathFormat
	}
	out := o.without(OptionURIPath)
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if seg == "" {
			continue
		}
		out = append(out, Option{ID: OptionURIPath, Value: []byte(seg)})
	}
	return out, nil
}

// Queries returns each Uri-Query option's raw "key=value" string.
func (o Options) Queries() []string {
	var qs []string
	for _, opt := range o {
		if opt.ID == OptionURIQuery {
			qs = append(qs, string(opt.Value))
		}
	}
	return qs
}

// AddQuery appends a single "key=value" Uri-Query option.
func (o Options) AddQuery(key, val string) Options {
	return append(o, Option{ID: OptionURIQuery, Value: []byte(key + "=" + val)})
}

// ContentFormat returns the Content-Format option's numeric value, if set.
func (o Options) ContentFormat() (message.MediaType, bool) {
	for _, opt := range o {
		if opt.ID == OptionContentFormat {
			return message.MediaType(decodeUint(opt.Value)), true
		}
	}
	return 0, false
}

// SetContentFormat replaces any existing Content-Format option.
func (o Options) SetContentFormat(f message.MediaType) Options {
	out := o.without(OptionContentFormat)
	return append(out, Option{ID: OptionContentFormat, Value: encodeUint(uint32(f))})
}

// Observe returns the Observe option's value and whether it was present.
// A present value of 0 means "register"; 1 means "deregister" on a
// request, or is otherwise a monotonically-increasing notification
// sequence number on a response (RFC 7641 Sections 2, 3.4).
func (o Options) Observe() (uint32, bool) {
	for _, opt := range o {
		if opt.ID == OptionObserve {
			return decodeUint(opt.Value), true
		}
	}
	return 0, false
}

// SetObserve sets the Observe option, emitting the minimal big-endian
// encoding of its non-zero tail (0-3 bytes) per RFC 7252 Section 3.2.
func (o Options) SetObserve(v uint32) Options {
	out := o.without(OptionObserve)
	return append(out, Option{ID: OptionObserve, Value: encodeUint(v)})
}

// ClearObserve removes any Observe option, turning a would-be
// notification subscription into an ordinary one-shot response.
func (o Options) ClearObserve() Options {
	return o.without(OptionObserve)
}

func (o Options) without(id OptionID) Options {
	out := make(Options, 0, len(o))
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

// sorted returns a copy of o in ascending option-number order, the order
// RFC 7252 Section 3.1 requires for delta encoding.
func (o Options) sorted() Options {
	out := make(Options, len(o))
	copy(out, o)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// encodeUint returns the minimal big-endian encoding of v, with v == 0
// encoded as a zero-length value, per RFC 7252 Section 3.2.
func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// Packet is the parsed view of a single CoAP message: header, token,
// decoded options, and payload. Its lifetime is bounded by one handler
// invocation or one send call (spec.md Section 3).
type Packet struct {
	Type      MsgType
	Code      codes.Code
	MessageID uint16
	Token     message.Token
	Options   Options
	Payload   []byte
}

// MethodFlag returns the resource method-bitmask bit for a request code,
// per spec.md Section 4.A's "method -> flag" primitive.
func MethodFlag(code codes.Code) MethodMask {
	switch code {
	case codes.GET:
		return MethodGet
	case codes.POST:
		return MethodPost
	case codes.PUT:
		return MethodPut
	case codes.DELETE:
		return MethodDelete
	default:
		return 0
	}
}

// MethodMask is a bitmask of supported request methods for a Resource.
type MethodMask uint8

const (
	MethodGet MethodMask = 1 << iota
	MethodPost
	MethodPut
	MethodDelete
)

// buildHeader packs the fixed 4-byte CoAP header plus the token into buf,
// per spec.md Section 4.A's build-header primitive, and returns the
// number of bytes written. version is fixed at 1 per RFC 7252 Section 3.
func buildHeader(buf []byte, typ MsgType, token message.Token, code codes.Code, msgID uint16) (int, error) {
	if len(token) > 8 {
		return 0, fmt.Errorf("gcoap: token too long: %d bytes", len(token))
	}
	need := 4 + len(token)
	if len(buf) < need {
		return 0, fmt.Errorf("gcoap: buffer too small for header: need %d, have %d", need, len(buf))
	}
	const version = 1
	buf[0] = byte(version<<6) | byte(typ)<<4 | byte(len(token))
	buf[1] = byte(code)
	buf[2] = byte(msgID >> 8)
	buf[3] = byte(msgID)
	copy(buf[4:], token)
	return need, nil
}

// parseHeader is the inverse of buildHeader, additionally returning the
// token it extracted.
func parseHeader(data []byte) (typ MsgType, code codes.Code, msgID uint16, token message.Token, n int, err error) {
	if len(data) < 4 {
		return 0, 0, 0, nil, 0, fmt.Errorf("gcoap: short header: %d bytes", len(data))
	}
	version := data[0] >> 6
	if version != 1 {
		return 0, 0, 0, nil, 0, fmt.Errorf("gcoap: unsupported version %d", version)
	}
	typ = MsgType((data[0] >> 4) & 0x3)
	tkl := int(data[0] & 0x0F)
	if tkl > 8 {
		return 0, 0, 0, nil, 0, fmt.Errorf("gcoap: invalid token length %d", tkl)
	}
	code = codes.Code(data[1])
	msgID = uint16(data[2])<<8 | uint16(data[3])
	if len(data) < 4+tkl {
		return 0, 0, 0, nil, 0, fmt.Errorf("gcoap: short token: want %d bytes", tkl)
	}
	if tkl > 0 {
		token = message.Token(append([]byte(nil), data[4:4+tkl]...))
	}
	return typ, code, msgID, token, 4 + tkl, nil
}

// encodeOptions appends the TLV encoding of opts (RFC 7252 Section 3.1) to
// buf in ascending option-number order, returning the extended slice.
// This is spec.md Section 4.A's put-option primitive, generalized
// to a whole option set in one call the way the teacher's
// opts.SetContentFormat(buf, ...)-into-buf style does it one option at a
// time.
func encodeOptions(buf []byte, opts Options) ([]byte, error) {
	ordered := opts.sorted()
	last := 0
	for _, opt := range ordered {
		delta := int(opt.ID) - last
		if delta < 0 {
			return nil, fmt.Errorf("gcoap: options not ascending: %d after %d", opt.ID, last)
		}
		last = int(opt.ID)
		buf = appendOptionHeader(buf, delta, len(opt.Value))
		buf = append(buf, opt.Value...)
	}
	return buf, nil
}

func appendOptionHeader(buf []byte, delta, length int) []byte {
	deltaNibble, deltaExt := splitNibble(delta)
	lengthNibble, lengthExt := splitNibble(length)
	buf = append(buf, byte(deltaNibble<<4)|byte(lengthNibble))
	buf = append(buf, deltaExt...)
	buf = append(buf, lengthExt...)
	return buf
}

// splitNibble encodes a delta or length value as a 4-bit nibble plus zero
// or more extended bytes, per RFC 7252 Section 3.1's table.
func splitNibble(v int) (nibble int, ext []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ext2 := v - 269
		return 14, []byte{byte(ext2 >> 8), byte(ext2)}
	}
}

// decodeOptions walks the TLV-encoded option block at the start of data
// until it hits the payload marker or runs out of bytes, returning the
// decoded options and the number of bytes it consumed (not including the
// payload marker, if present).
func decodeOptions(data []byte) (Options, int, error) {
	var opts Options
	pos := 0
	last := 0
	for pos < len(data) {
		if data[pos] == payloadMarker {
			return opts, pos, nil
		}
		deltaNibble := int(data[pos] >> 4)
		lengthNibble := int(data[pos] & 0x0F)
		pos++
		delta, n, err := readExtended(data, pos, deltaNibble)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		length, n, err := readExtended(data, pos, lengthNibble)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		if pos+length > len(data) {
			return nil, 0, fmt.Errorf("gcoap: option value overruns packet")
		}
		last += delta
		val := append([]byte(nil), data[pos:pos+length]...)
		opts = append(opts, Option{ID: OptionID(last), Value: val})
		pos += length
	}
	return opts, pos, nil
}

func readExtended(data []byte, pos, nibble int) (value, consumed int, err error) {
	switch {
	case nibble < 13:
		return nibble, 0, nil
	case nibble == 13:
		if pos >= len(data) {
			return 0, 0, fmt.Errorf("gcoap: truncated option extension")
		}
		return int(data[pos]) + 13, 1, nil
	case nibble == 14:
		if pos+1 >= len(data) {
			return 0, 0, fmt.Errorf("gcoap: truncated option extension")
		}
		return int(data[pos])<<8 | int(data[pos+1]) + 269, 2, nil
	default:
		return 0, 0, fmt.Errorf("gcoap: reserved option nibble 15")
	}
}

// Parse decodes a raw datagram into a Packet, per spec.md Section 4.A.
// Malformed ingress returns ErrParse so the dispatch context can drop it
// silently (spec.md Section 7), never a response-worthy error.
func Parse(data []byte) (*Packet, error) {
	typ, code, msgID, token, n, err := parseHeader(data)
	if err != nil {
		return nil, ErrParse
	}
	rest := data[n:]
	opts, consumed, err := decodeOptions(rest)
	if err != nil {
		return nil, ErrParse
	}
	var payload []byte
	if consumed < len(rest) && rest[consumed] == payloadMarker {
		payload = append([]byte(nil), rest[consumed+1:]...)
	}
	return &Packet{
		Type:      typ,
		Code:      code,
		MessageID: msgID,
		Token:     token,
		Options:   opts,
		Payload:   payload,
	}, nil
}

// Marshal encodes p into buf (which must be large enough), returning the
// total PDU length. This is spec.md Section 4.F's finish() primitive: it
// writes all options and appends the payload marker and payload when
// present.
func (p *Packet) Marshal(buf []byte) (int, error) {
	n, err := buildHeader(buf, p.Type, p.Token, p.Code, p.MessageID)
	if err != nil {
		return 0, err
	}
	out, err := encodeOptions(buf[:n], p.Options)
	if err != nil {
		return 0, err
	}
	if len(p.Payload) > 0 {
		out = append(out, payloadMarker)
		out = append(out, p.Payload...)
	}
	if len(out) > cap(buf) {
		return 0, fmt.Errorf("gcoap: buffer too small: need %d, have %d", len(out), cap(buf))
	}
	copy(buf[:cap(buf)], out)
	return len(out), nil
}

// String renders a Packet for logging, akin to go-coap's Message.String().
func (p *Packet) String() string {
	path, _ := p.Options.Path()
	return fmt.Sprintf("%s %s mid=%d token=%x path=%s", p.Type, p.Code, p.MessageID, []byte(p.Token), path)
}

// formatQuery is a small helper for building "key=value" pairs (spec.md
// Section 4.F add_qstring). The value is rendered with strconv or fmt and
// is not percent-escaped; it is carried as-is in the Uri-Query option.
func formatQuery(key string, val interface{}) string {
	switch v := val.(type) {
	case string:
		return key + "=" + v
	case int:
		return key + "=" + strconv.Itoa(v)
	default:
		return fmt.Sprintf("%s=%v", key, v)
	}
}
