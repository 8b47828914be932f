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
	"github.com/fxamacker/cbor/v2"
	"github.com/plgd-dev/go-coap/v2/message"
)

// ContentFormatCBOR is the IANA-assigned Content-Format for application/cbor
// (RFC 7252 Section 12.3).
const ContentFormatCBOR = message.MediaType(60)

// MarshalCBORPayload encodes v and returns a ready-to-send Finish() pair:
// the CBOR bytes and the Content-Format to set alongside them. Resource
// handlers that exchange structured bodies can call this instead of
// building Options/Payload by hand.
func MarshalCBORPayload(v interface{}) (message.MediaType, []byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return 0, nil, err
	}
	return ContentFormatCBOR, b, nil
}

// UnmarshalCBORPayload decodes a request or response Packet's payload into
// v, the receiving half of MarshalCBORPayload.
func UnmarshalCBORPayload(pkt *Packet, v interface{}) error {
	return cbor.Unmarshal(pkt.Payload, v)
}
