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

import "strings"

// EncodeLinkFormat renders every registered resource (excluding the
// sentinel /.well-known/core entry itself) as an RFC 6690 link-format
// document, for get_resource_list (spec.md Section 4.F).
func EncodeLinkFormat(registry *Registry) string {
	var b strings.Builder
	first := true
	for _, listener := range registry.Listeners() {
		for _, res := range listener.Resources {
			if !first {
				b.WriteByte(',')
			}
			first = false
			b.WriteByte('<')
			b.WriteString(res.Path)
			b.WriteByte('>')
			if rt, ok := resourceTypeOf(res); ok {
				b.WriteString(";rt=\"")
				b.WriteString(rt)
				b.WriteByte('"')
			}
			b.WriteString(";if=\"")
			b.WriteString(interfaceAttr(res.Methods))
			b.WriteByte('"')
		}
	}
	return b.String()
}

// resourceTypeOf reports a resource's rt= attribute, left blank unless a
// future API grows a place to attach one; kept as a seam rather than
// baking "no rt attribute" into EncodeLinkFormat's loop.
func resourceTypeOf(Resource) (string, bool) {
	return "", false
}

// interfaceAttr renders the CoRE Interfaces (RFC 6690) if= hint implied
// by a resource's allowed methods.
func interfaceAttr(methods MethodMask) string {
	switch {
	case methods&MethodPost != 0 || methods&MethodPut != 0:
		return "core.rp"
	default:
		return "core.s"
	}
}
