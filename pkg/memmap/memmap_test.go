// Copyright 2018 The gVisor Authors.
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

package memmap

import (
	"testing"

	"github.com/lfi-project/lfi-go/pkg/lfierr"
)

const pageSize = 0x1000

func TestMapAnyFirstFit(t *testing.T) {
	m := New(0, 16*pageSize, pageSize)

	a1, err := m.MapAny(4*pageSize, 1, 0, -1, 0)
	if err != nil {
		t.Fatalf("MapAny: %v", err)
	}
	if a1 != 0 {
		t.Fatalf("first MapAny returned %#x, want 0", a1)
	}

	a2, err := m.MapAny(2*pageSize, 2, 0, -1, 0)
	if err != nil {
		t.Fatalf("MapAny: %v", err)
	}
	if a2 != 4*pageSize {
		t.Fatalf("second MapAny returned %#x, want %#x", a2, 4*pageSize)
	}
}

func TestMapAnyNoSpace(t *testing.T) {
	m := New(0, 4*pageSize, pageSize)
	if _, err := m.MapAny(4*pageSize, 1, 0, -1, 0); err != nil {
		t.Fatalf("MapAny: %v", err)
	}
	_, err := m.MapAny(pageSize, 1, 0, -1, 0)
	if code, ok := lfierr.CodeOf(err); !ok || code != lfierr.NoSpace {
		t.Fatalf("MapAny after exhaustion: got %v, want NoSpace", err)
	}
}

func TestMapAtDisplacesExisting(t *testing.T) {
	m := New(0, 16*pageSize, pageSize)
	if _, err := m.MapAny(4*pageSize, 1, 0, -1, 0); err != nil {
		t.Fatalf("MapAny: %v", err)
	}

	var displaced []struct {
		start, size uintptr
		entry       Entry
	}
	cb := func(start, size uintptr, e Entry) {
		displaced = append(displaced, struct {
			start, size uintptr
			entry       Entry
		}{start, size, e})
	}

	if err := m.MapAt(2*pageSize, 4*pageSize, 3, 0, -1, 0, cb); err != nil {
		t.Fatalf("MapAt: %v", err)
	}
	if len(displaced) != 1 {
		t.Fatalf("got %d displaced ranges, want 1", len(displaced))
	}
	if displaced[0].start != 2*pageSize || displaced[0].size != 2*pageSize {
		t.Fatalf("displaced range = {%#x,%#x}, want {%#x,%#x}",
			displaced[0].start, displaced[0].size, 2*pageSize, 2*pageSize)
	}

	e, ok := m.Query(0)
	if !ok || e.Prot != 1 {
		t.Fatalf("Query(0) = %+v, %v; want leftover original entry", e, ok)
	}
	e, ok = m.Query(3 * pageSize)
	if !ok || e.Prot != 3 {
		t.Fatalf("Query(3*pageSize) = %+v, %v; want new entry", e, ok)
	}
}

func TestMapAtOutOfRange(t *testing.T) {
	m := New(0, 4*pageSize, pageSize)
	err := m.MapAt(3*pageSize, 4*pageSize, 1, 0, -1, 0, nil)
	if code, ok := lfierr.CodeOf(err); !ok || code != lfierr.Guard {
		t.Fatalf("MapAt out of range: got %v, want Guard", err)
	}
}

func TestUnmapTrimsPartialOverlap(t *testing.T) {
	m := New(0, 16*pageSize, pageSize)
	if _, err := m.MapAny(8*pageSize, 1, 0, -1, 0); err != nil {
		t.Fatalf("MapAny: %v", err)
	}

	var gone []uintptr
	if err := m.Unmap(2*pageSize, 2*pageSize, func(start, size uintptr, e Entry) {
		gone = append(gone, start)
	}); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if len(gone) != 1 || gone[0] != 2*pageSize {
		t.Fatalf("gone = %v, want [%#x]", gone, 2*pageSize)
	}

	if _, ok := m.Query(2 * pageSize); ok {
		t.Fatalf("Query(2*pageSize) still mapped after Unmap")
	}
	if _, ok := m.Query(0); !ok {
		t.Fatalf("Query(0) unmapped, want still mapped")
	}
	if _, ok := m.Query(5 * pageSize); !ok {
		t.Fatalf("Query(5*pageSize) unmapped, want still mapped")
	}
}

func TestInsertCoalescesAdjacentEqualEntries(t *testing.T) {
	m := New(0, 16*pageSize, pageSize)
	if err := m.MapAt(0, 2*pageSize, 1, 0, -1, 0, nil); err != nil {
		t.Fatalf("MapAt: %v", err)
	}
	if err := m.MapAt(2*pageSize, 2*pageSize, 1, 0, -1, 0, nil); err != nil {
		t.Fatalf("MapAt: %v", err)
	}

	// Coalesced into a single segment: unmapping the whole span should
	// invoke the callback exactly once.
	var calls int
	if err := m.Unmap(0, 4*pageSize, func(uintptr, uintptr, Entry) { calls++ }); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if calls != 1 {
		t.Fatalf("Unmap invoked callback %d times, want 1 (ranges should have coalesced)", calls)
	}
}

func TestMapAnyRejectsUnaligned(t *testing.T) {
	m := New(0, 16*pageSize, pageSize)
	if _, err := m.MapAny(pageSize+1, 1, 0, -1, 0); err == nil {
		t.Fatalf("MapAny with unaligned size succeeded, want error")
	}
}
