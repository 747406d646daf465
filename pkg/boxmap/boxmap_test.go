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

package boxmap

import (
	"errors"
	"sync"
	"testing"
)

// releaseCall records one Release invocation a fakeReserver observed.
type releaseCall struct {
	base, size uintptr
}

// fakeReserver is a Reserver that hands out addresses from a bump
// allocator instead of touching the real address space, so AddRegion's
// trimming and retry behavior can be exercised deterministically and
// without mmap.
type fakeReserver struct {
	mu sync.Mutex

	next     uintptr // base handed out by the next successful Reserve
	misalign uintptr // offset added to next so Reserve's result needs trimming
	failN    int     // remaining Reserve calls that should fail before succeeding

	calls    int
	released []releaseCall
}

func (f *fakeReserver) Reserve(size uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failN > 0 {
		f.failN--
		return 0, errors.New("fakeReserver: reserve failed")
	}
	base := f.next + f.misalign
	f.next += size + f.misalign
	return base, nil
}

func (f *fakeReserver) ReserveAt(base, size uintptr) error {
	return errors.New("fakeReserver: ReserveAt is not used by AddRegion")
}

func (f *fakeReserver) Release(base, size uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, releaseCall{base, size})
	return nil
}

const testBoxSize = 0x1000

func TestAddRegionTrimsMisalignedEnds(t *testing.T) {
	r := &fakeReserver{next: 0x10000, misalign: 0x10}
	b := New(testBoxSize, r)

	base, err := b.AddRegion(3 * testBoxSize)
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if base%testBoxSize != 0 {
		t.Fatalf("AddRegion returned unaligned base %#x", base)
	}

	// Reserve was asked for aligned+boxSize-1 bytes at a misaligned raw
	// address; AddRegion must have released exactly the misaligned head
	// and tail around the aligned sub-range it kept.
	if len(r.released) != 2 {
		t.Fatalf("got %d Release calls, want 2 (head + tail): %+v", len(r.released), r.released)
	}
	head, tail := r.released[0], r.released[1]
	rawBase := uintptr(0x10000 + 0x10) // fakeReserver's next + misalign
	wantHeadSize := alignUp(rawBase, testBoxSize) - rawBase
	if head.base != rawBase || head.size != wantHeadSize {
		t.Fatalf("head release = %+v, want base=%#x size=%#x", head, rawBase, wantHeadSize)
	}
	wantTailBase := base + 3*testBoxSize
	wantTailSize := (rawBase + 3*testBoxSize + testBoxSize - 1) - wantTailBase
	if tail.base != wantTailBase || tail.size != wantTailSize {
		t.Fatalf("tail release = %+v, want base=%#x size=%#x", tail, wantTailBase, wantTailSize)
	}
	if b.NumBoxes() != 3 {
		t.Fatalf("NumBoxes() = %d, want 3", b.NumBoxes())
	}
	if b.NumFree() != 3 {
		t.Fatalf("NumFree() = %d, want 3", b.NumFree())
	}
}

func TestAddRegionRetriesOnReserveFailure(t *testing.T) {
	r := &fakeReserver{next: 0x20000, failN: 2}
	b := New(testBoxSize, r)

	if _, err := b.AddRegion(testBoxSize); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if r.calls != 3 {
		t.Fatalf("Reserve called %d times, want 3 (2 failures + 1 success)", r.calls)
	}
}

func TestAddRegionGivesUpAfterMaxRetries(t *testing.T) {
	r := &fakeReserver{next: 0x30000, failN: 1000}
	b := New(testBoxSize, r)

	if _, err := b.AddRegion(testBoxSize); err == nil {
		t.Fatalf("AddRegion succeeded against an always-failing Reserver, want error")
	}
}

func TestAllocIsLowestFirstFit(t *testing.T) {
	r := &fakeReserver{next: 0x40000}
	b := New(testBoxSize, r)

	base, err := b.AddRegion(4 * testBoxSize)
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	var allocated []uintptr
	for i := 0; i < 4; i++ {
		a, err := b.Alloc(testBoxSize)
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		allocated = append(allocated, a)
	}
	for i, a := range allocated {
		want := base + uintptr(i)*testBoxSize
		if a != want {
			t.Fatalf("Alloc #%d = %#x, want %#x (lowest-first-fit order)", i, a, want)
		}
	}

	if _, err := b.Alloc(testBoxSize); err == nil {
		t.Fatalf("Alloc succeeded with no free boxes, want error")
	}
	if b.NumFree() != 0 {
		t.Fatalf("NumFree() = %d, want 0 after exhausting the region", b.NumFree())
	}

	// After freeing two boxes, the lower one must be the next
	// lowest-first-fit pick, not the most-recently-freed one.
	b.Free(allocated[0], testBoxSize)
	b.Free(allocated[1], testBoxSize)
	next, err := b.Alloc(testBoxSize)
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if next != allocated[0] {
		t.Fatalf("Alloc after freeing two boxes = %#x, want lowest free %#x", next, allocated[0])
	}
}

func TestAllocRejectsWrongSize(t *testing.T) {
	r := &fakeReserver{next: 0x50000}
	b := New(testBoxSize, r)
	if _, err := b.AddRegion(testBoxSize); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if _, err := b.Alloc(testBoxSize / 2); err == nil {
		t.Fatalf("Alloc with mismatched size succeeded, want error")
	}
}

func TestFreeIsNotIdempotent(t *testing.T) {
	r := &fakeReserver{next: 0x60000}
	b := New(testBoxSize, r)
	if _, err := b.AddRegion(testBoxSize); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	base, err := b.Alloc(testBoxSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b.Free(base, testBoxSize)
	if b.NumFree() != 1 {
		t.Fatalf("NumFree() after one Free = %d, want 1", b.NumFree())
	}

	// A second Free of the same box is documented as undefined rather
	// than rejected: BoxMap does not track per-box allocation identity,
	// so it happily increments numFree a second time.
	b.Free(base, testBoxSize)
	if b.NumFree() != 2 {
		t.Fatalf("NumFree() after double Free = %d, want 2 (double-free is not guarded against)", b.NumFree())
	}
}

func TestNumFreeAndNumBoxesAcrossRegions(t *testing.T) {
	r := &fakeReserver{next: 0x70000}
	b := New(testBoxSize, r)

	if _, err := b.AddRegion(2 * testBoxSize); err != nil {
		t.Fatalf("AddRegion #1: %v", err)
	}
	if _, err := b.AddRegion(3 * testBoxSize); err != nil {
		t.Fatalf("AddRegion #2: %v", err)
	}
	if got := b.NumBoxes(); got != 5 {
		t.Fatalf("NumBoxes() = %d, want 5 across two regions", got)
	}
	if got := b.NumFree(); got != 5 {
		t.Fatalf("NumFree() = %d, want 5 before any Alloc", got)
	}

	if _, err := b.Alloc(testBoxSize); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if got := b.NumFree(); got != 4 {
		t.Fatalf("NumFree() = %d, want 4 after one Alloc", got)
	}
	if got := b.BoxSize(); got != testBoxSize {
		t.Fatalf("BoxSize() = %#x, want %#x", got, uintptr(testBoxSize))
	}
}
