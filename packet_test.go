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
	"bytes"
	"testing"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	opts, err := Options(nil).SetPath("/sensor/temp")
	if err != nil {
		t.Fatalf("SetPath: %s", err)
	}
	opts = opts.AddQuery("u", "C").SetContentFormat(message.TextPlain).SetObserve(0)

	p := &Packet{
		Type:      Confirmable,
		Code:      codes.GET,
		MessageID: 0x1234,
		Token:     message.Token{0xAB, 0xCD, 0xEF},
		Options:   opts,
		Payload:   []byte("hello"),
	}

	buf := make([]byte, 256)
	n, err := p.Marshal(buf)
	if err != nil {
		t.Fatalf("Marshal: %s", err)
	}

	got, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}

	if got.Type != p.Type || got.Code != p.Code || got.MessageID != p.MessageID {
		t.Fatalf("header mismatch: got %+v", got)
	}
	if !bytes.Equal(got.Token, p.Token) {
		t.Fatalf("token mismatch: got %x want %x", []byte(got.Token), []byte(p.Token))
	}
	if path, ok := got.Options.Path(); !ok || path != "/sensor/temp" {
		t.Fatalf("path mismatch: got %q ok=%v", path, ok)
	}
	if qs := got.Options.Queries(); len(qs) != 1 || qs[0] != "u=C" {
		t.Fatalf("query mismatch: got %v", qs)
	}
	if cf, ok := got.Options.ContentFormat(); !ok || cf != message.TextPlain {
		t.Fatalf("content-format mismatch: got %v ok=%v", cf, ok)
	}
	if v, ok := got.Options.Observe(); !ok || v != 0 {
		t.Fatalf("observe mismatch: got %v ok=%v", v, ok)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, p.Payload)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x01},                   // too short
		{0x7F, 0x01, 0x00, 0x00}, // version 1 but tkl 15 (reserved)
		{0x40, 0x01, 0x00, 0x00, 0xF5}, // option with no valid nibble meaning
	}
	for i, data := range cases {
		if _, err := Parse(data); err == nil {
			t.Errorf("case %d: expected error, got none", i)
		}
	}
}

func TestOptionsSortedAscending(t *testing.T) {
	opts := Options{
		{ID: OptionContentFormat, Value: []byte{0}},
		{ID: OptionURIPath, Value: []byte("a")},
		{ID: OptionObserve, Value: nil},
	}
	sorted := opts.sorted()
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].ID > sorted[i].ID {
			t.Fatalf("not sorted: %+v", sorted)
		}
	}
}

func TestEncodeUintMinimal(t *testing.T) {
	cases := []struct {
		v    uint32
		want int
	}{
		{0, 0},
		{1, 1},
		{255, 1},
		{256, 2},
		{1 << 16, 3},
		{1 << 24, 4},
	}
	for _, c := range cases {
		got := len(encodeUint(c.v))
		if got != c.want {
			t.Errorf("encodeUint(%d): got %d bytes, want %d", c.v, got, c.want)
		}
		if decodeUint(encodeUint(c.v)) != c.v {
			t.Errorf("decodeUint(encodeUint(%d)) round trip failed", c.v)
		}
	}
}

func TestSetPathRejectsRelativePath(t *testing.T) {
	if _, err := Options(nil).SetPath("sensor/temp"); err != ErrPathFormat {
		t.Fatalf("expected ErrPathFormat, got %v", err)
	}
}

func TestOptionDeltaExtendedEncoding(t *testing.T) {
	// Option number 300 forces the 2-byte extended delta form (>= 269).
	opts := Options{{ID: OptionID(300), Value: []byte("x")}}
	buf, err := encodeOptions(nil, opts)
	if err != nil {
		t.Fatalf("encodeOptions: %s", err)
	}
	decoded, n, err := decodeOptions(buf)
	if err != nil {
		t.Fatalf("decodeOptions: %s", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if len(decoded) != 1 || decoded[0].ID != OptionID(300) {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}
