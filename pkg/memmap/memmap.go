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

// Package memmap is pure in-memory bookkeeping of a single address
// space's mappings: which page ranges are mapped, with what protection,
// flags and backing. It never touches host memory itself; callers (for
// example pkg/addrspace) are expected to apply the matching host-side
// effect and roll back the bookkeeping on failure.
package memmap

import (
	"fmt"

	"github.com/google/btree"
	"github.com/lfi-project/lfi-go/pkg/lfierr"
)

// Entry describes one mapped range's attributes.
type Entry struct {
	Prot   int
	Flags  int
	FD     int
	Offset int64
	// GroupID distinguishes otherwise-identical entries that must not be
	// coalesced (for example two separate anonymous mappings that
	// happen to share prot/flags/fd but were created by unrelated
	// calls). Entries are only merged when GroupID also matches.
	GroupID int64
}

// equal reports whether two entries describe the same backing, for
// coalescing purposes. Offset is not compared directly; callers that
// want file-backed adjacency must encode it via GroupID, since this
// package does not track per-byte file offsets of merged ranges.
func (e Entry) equal(o Entry) bool {
	return e.Prot == o.Prot && e.Flags == o.Flags && e.FD == o.FD && e.GroupID == o.GroupID
}

// segment is one entry in the B-tree, keyed by its start address.
type segment struct {
	start, end uintptr
	entry      Entry
}

func (s *segment) Less(than btree.Item) bool {
	return s.start < than.(*segment).start
}

// UnmapFunc is invoked once per contiguous sub-range displaced by
// MapAt or removed by Unmap, before the MemMap's own bookkeeping entry
// for that sub-range is dropped. Callers use it to apply the matching
// host-side effect (typically: re-reserve the range as inaccessible).
type UnmapFunc func(start uintptr, size uintptr, entry Entry)

// MemMap is an ordered map from page ranges to Entry, covering
// [MinAddr, MaxAddr). All addresses passed to its methods must be
// page-aligned to PageSize.
type MemMap struct {
	minAddr, maxAddr uintptr
	pageSize         uintptr
	tree             *btree.BTree
}

// New returns an empty MemMap covering [minAddr, minAddr+size).
func New(minAddr, size, pageSize uintptr) *MemMap {
	return &MemMap{
		minAddr:  minAddr,
		maxAddr:  minAddr + size,
		pageSize: pageSize,
		tree:     btree.New(16),
	}
}

func (m *MemMap) pageAligned(addr uintptr) bool {
	return addr%m.pageSize == 0
}

// MinAddr returns the lowest address this MemMap may map.
func (m *MemMap) MinAddr() uintptr { return m.minAddr }

// MaxAddr returns the address one past the highest this MemMap may map.
func (m *MemMap) MaxAddr() uintptr { return m.maxAddr }

// forEachOverlap calls fn, in ascending address order, for every
// segment that intersects [start, end), stopping early once fn returns
// false.
func (m *MemMap) forEachOverlap(start, end uintptr, fn func(*segment) bool) {
	// btree has no native interval search, so seed from the segment
	// whose start is <= start (if any) and walk forward; a single
	// AscendGreaterOrEqual from start would miss a segment that starts
	// before `start` but extends into the range.
	var pivot *segment
	m.tree.DescendLessOrEqual(&segment{start: start}, func(it btree.Item) bool {
		pivot = it.(*segment)
		return false
	})
	from := start
	if pivot != nil && pivot.end > start {
		from = pivot.start
	}
	m.tree.AscendGreaterOrEqual(&segment{start: from}, func(it btree.Item) bool {
		s := it.(*segment)
		if s.start >= end {
			return false
		}
		if s.end <= start {
			return true
		}
		return fn(s)
	})
}

// findHole finds the lowest address >= minAddr, page-aligned, such that
// [addr, addr+size) lies within [minAddr, maxAddr) and overlaps no
// existing entry. It implements MemMap's documented first-fit-from-low
// placement policy.
func (m *MemMap) findHole(size uintptr) (uintptr, bool) {
	candidate := m.minAddr
	ok := true
	for ok {
		ok = false
		if candidate+size > m.maxAddr {
			return 0, false
		}
		m.forEachOverlap(candidate, candidate+size, func(s *segment) bool {
			candidate = s.end
			ok = true
			return false
		})
	}
	return candidate, true
}

// MapAny finds a free range of size bytes via first-fit-from-low,
// records an entry describing it, and returns its base.
func (m *MemMap) MapAny(size uintptr, prot, flags, fd int, off int64) (uintptr, error) {
	const op = "memmap.MapAny"
	if size == 0 || size%m.pageSize != 0 {
		return 0, lfierr.New(op, lfierr.Config)
	}
	addr, ok := m.findHole(size)
	if !ok {
		return 0, lfierr.New(op, lfierr.NoSpace)
	}
	m.insert(addr, size, Entry{Prot: prot, Flags: flags, FD: fd, Offset: off})
	return addr, nil
}

// MapAt records a mapping at a caller-chosen address, invoking cb for
// each existing sub-range it displaces before installing the new entry.
func (m *MemMap) MapAt(addr, size uintptr, prot, flags, fd int, off int64, cb UnmapFunc) error {
	const op = "memmap.MapAt"
	if size == 0 || !m.pageAligned(addr) || size%m.pageSize != 0 {
		return lfierr.New(op, lfierr.Config)
	}
	if addr < m.minAddr || addr+size > m.maxAddr {
		return lfierr.New(op, lfierr.Guard)
	}
	m.removeRange(addr, addr+size, cb)
	m.insert(addr, size, Entry{Prot: prot, Flags: flags, FD: fd, Offset: off})
	return nil
}

// Unmap removes entries covering [addr, addr+size), invoking cb once
// per contiguous removed sub-range. Partial overlaps are trimmed.
func (m *MemMap) Unmap(addr, size uintptr, cb UnmapFunc) error {
	const op = "memmap.Unmap"
	if size == 0 || !m.pageAligned(addr) || size%m.pageSize != 0 {
		return lfierr.New(op, lfierr.Config)
	}
	m.removeRange(addr, addr+size, cb)
	return nil
}

// Query returns the entry covering addr, if any.
func (m *MemMap) Query(addr uintptr) (Entry, bool) {
	var found Entry
	var ok bool
	m.forEachOverlap(addr, addr+1, func(s *segment) bool {
		found, ok = s.entry, true
		return false
	})
	return found, ok
}

// removeRange deletes/splits every segment overlapping [start, end),
// calling cb with each displaced sub-range's bounds and entry.
func (m *MemMap) removeRange(start, end uintptr, cb UnmapFunc) {
	var hits []*segment
	m.forEachOverlap(start, end, func(s *segment) bool {
		hits = append(hits, s)
		return true
	})
	for _, s := range hits {
		m.tree.Delete(s)
		lo, hi := s.start, s.end
		if lo < start {
			m.tree.ReplaceOrInsert(&segment{start: lo, end: start, entry: s.entry})
			lo = start
		}
		if hi > end {
			m.tree.ReplaceOrInsert(&segment{start: end, end: hi, entry: s.entry})
			hi = end
		}
		if cb != nil && hi > lo {
			cb(lo, hi-lo, s.entry)
		}
	}
}

// insert adds [addr, addr+size) with the given entry, coalescing with an
// immediately-adjacent segment on either side if its Entry is equal.
func (m *MemMap) insert(addr, size uintptr, e Entry) {
	start, end := addr, addr+size

	var prev, next *segment
	m.tree.DescendLessOrEqual(&segment{start: start}, func(it btree.Item) bool {
		s := it.(*segment)
		if s.end == start {
			prev = s
		}
		return false
	})
	m.tree.AscendGreaterOrEqual(&segment{start: end}, func(it btree.Item) bool {
		s := it.(*segment)
		if s.start == end {
			next = s
		}
		return false
	})

	if prev != nil && prev.entry.equal(e) {
		m.tree.Delete(prev)
		start = prev.start
	}
	if next != nil && next.entry.equal(e) {
		m.tree.Delete(next)
		end = next.end
	}
	m.tree.ReplaceOrInsert(&segment{start: start, end: end, entry: e})
}

// Clear discards every bookkeeping entry, leaving m empty. It does not
// invoke any UnmapFunc: callers that reset the underlying host mapping
// out of band (for example re-reserving the whole range as
// inaccessible in one mapping) use Clear instead of per-entry Unmap.
func (m *MemMap) Clear() {
	m.tree = btree.New(16)
}

// String renders the current mapping table, for debugging.
func (m *MemMap) String() string {
	s := ""
	m.tree.Ascend(func(it btree.Item) bool {
		sg := it.(*segment)
		s += fmt.Sprintf("[%#x,%#x) prot=%d flags=%d fd=%d off=%d\n", sg.start, sg.end, sg.entry.Prot, sg.entry.Flags, sg.entry.FD, sg.entry.Offset)
		return true
	})
	return s
}
