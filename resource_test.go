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

import "testing"

func noopHandler(w *Packet, r *Packet, remote Endpoint) {}

func TestRegistryFindExactMatch(t *testing.T) {
	reg := NewRegistry(noopHandler)
	reg.Register(NewListener(
		Resource{Path: "/a", Methods: MethodGet, Handler: noopHandler},
		Resource{Path: "/b", Methods: MethodGet | MethodPut, Handler: noopHandler},
	))

	res, result := reg.Find("/b", MethodPut)
	if result != FindFound || res.Path != "/b" {
		t.Fatalf("expected /b found, got %+v result=%d", res, result)
	}
}

func TestRegistryFindWrongMethodIsSticky(t *testing.T) {
	reg := NewRegistry(noopHandler)
	reg.Register(NewListener(Resource{Path: "/a", Methods: MethodGet, Handler: noopHandler}))

	_, result := reg.Find("/a", MethodPost)
	if result != FindWrongMethod {
		t.Fatalf("expected FindWrongMethod, got %d", result)
	}
}

func TestRegistryFindNoPath(t *testing.T) {
	reg := NewRegistry(noopHandler)
	reg.Register(NewListener(Resource{Path: "/z", Methods: MethodGet, Handler: noopHandler}))

	_, result := reg.Find("/a", MethodGet)
	if result != FindNoPath {
		t.Fatalf("expected FindNoPath, got %d", result)
	}
}

// TestRegistryFindStopsEarly verifies a request path that sorts before
// every candidate in a listener never scans past the first candidate,
// matching the early-termination property the ASCII-ordering invariant
// is meant to provide.
func TestRegistryFindStopsEarly(t *testing.T) {
	scanned := 0
	counting := func(path string) HandlerFunc {
		return func(w, r *Packet, remote Endpoint) { scanned++ }
	}
	reg := NewRegistry(noopHandler)
	reg.Register(NewListener(
		Resource{Path: "/m", Methods: MethodGet, Handler: counting("/m")},
		Resource{Path: "/z", Methods: MethodGet, Handler: counting("/z")},
	))

	_, result := reg.Find("/a", MethodGet)
	if result != FindNoPath {
		t.Fatalf("expected FindNoPath, got %d", result)
	}
	if scanned != 0 {
		t.Fatalf("handlers should not run during Find, scanned=%d", scanned)
	}

	// A listener built out of order (bypassing NewListener's sort) makes
	// the early stop observable: "/a" sits after "/m", so a scan that stops
	// at the first candidate sorting after the requested path never
	// reaches it.
	unsorted := NewRegistry(noopHandler)
	unsorted.Register(&Listener{Resources: []Resource{
		{Path: "/m", Methods: MethodGet, Handler: noopHandler},
		{Path: "/a", Methods: MethodGet, Handler: noopHandler},
	}})
	if _, result := unsorted.Find("/a", MethodGet); result != FindNoPath {
		t.Fatalf("expected the scan to stop at /m, got %d", result)
	}
}

func TestRegistryDiscoveryResourceAlwaysPresent(t *testing.T) {
	reg := NewRegistry(noopHandler)
	res, result := reg.Find("/.well-known/core", MethodGet)
	if result != FindFound || res == nil {
		t.Fatalf("expected /.well-known/core to resolve, got result=%d", result)
	}
}

func TestRegistryChecksLaterListenersAfterWrongMethod(t *testing.T) {
	reg := NewRegistry(noopHandler)
	reg.Register(NewListener(Resource{Path: "/a", Methods: MethodPost, Handler: noopHandler}))
	reg.Register(NewListener(Resource{Path: "/a", Methods: MethodGet, Handler: noopHandler}))

	_, result := reg.Find("/a", MethodGet)
	if result != FindFound {
		t.Fatalf("expected a later listener's matching method to win, got %d", result)
	}
}

func TestNewListenerSortsResources(t *testing.T) {
	l := NewListener(
		Resource{Path: "/z"},
		Resource{Path: "/a"},
		Resource{Path: "/m"},
	)
	want := []string{"/a", "/m", "/z"}
	for i, r := range l.Resources {
		if r.Path != want[i] {
			t.Fatalf("resources not sorted: %+v", l.Resources)
		}
	}
}
