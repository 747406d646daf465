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

// Package boxmap reserves large contiguous virtual-address regions from
// the host once, then hands out sandbox_size-aligned "box" slots within
// them. A box is the backing address space of one guest; its base must
// be chosen once and never move, because guest code tags every in-sandbox
// pointer with the box's base in its high bits.
package boxmap

import (
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/lfi-project/lfi-go/pkg/lfierr"
	"github.com/lfi-project/lfi-go/pkg/lfilog"
	"golang.org/x/sys/unix"
)

// Reserver abstracts the host operations BoxMap needs: reserving and
// releasing a range of virtual address space with no access. Production
// code uses the unix-backed implementation below; tests substitute a
// fake that tracks reservations without touching the real address space.
type Reserver interface {
	// Reserve reserves size bytes of address space with PROT_NONE,
	// letting the host choose the base, and returns that base.
	Reserve(size uintptr) (uintptr, error)
	// ReserveAt reserves size bytes at a fixed base.
	ReserveAt(base, size uintptr) error
	// Release releases size bytes starting at base.
	Release(base, size uintptr) error
}

// unixReserver implements Reserver with mmap(2)/munmap(2) via
// golang.org/x/sys/unix. Address-fixed and zero-address reservations
// both need a raw mmap syscall (the high-level unix.Mmap wrapper always
// lets the kernel pick the base), so this mirrors the raw-syscall mmap
// pattern used throughout the pack's own low-level platform code.
type unixReserver struct{}

func (unixReserver) Reserve(size uintptr) (uintptr, error) {
	addr, _, errno := unix.RawSyscall6(unix.SYS_MMAP, 0, size, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}

func (unixReserver) ReserveAt(base, size uintptr) error {
	addr, _, errno := unix.RawSyscall6(unix.SYS_MMAP, base, size, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, ^uintptr(0), 0)
	if errno != 0 {
		return errno
	}
	if addr != base {
		return unix.EINVAL
	}
	return nil
}

func (unixReserver) Release(base, size uintptr) error {
	_, _, errno := unix.RawSyscall(unix.SYS_MUNMAP, base, size, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// region is one host reservation, sub-allocated into fixed-size boxes.
type region struct {
	base     uintptr
	size     uintptr // total bytes reserved, a multiple of boxSize
	boxSize  uintptr
	free     []bool // free[i] is true iff the i'th box is free
	numFree  int
}

// BoxMap is the process-wide allocator of sandbox-sized address space
// slots. It is internally synchronized: AddRegion/Alloc/Free may be
// called concurrently, per the spec's concurrency model for BoxMap and
// the Platform registry.
type BoxMap struct {
	mu       sync.Mutex
	boxSize  uintptr
	reserver Reserver
	regions  []*region
}

// New returns an empty BoxMap whose boxes are all boxSize bytes. boxSize
// must be a power of two (it is the sandbox_size from Platform options).
func New(boxSize uintptr, reserver Reserver) *BoxMap {
	if reserver == nil {
		reserver = unixReserver{}
	}
	return &BoxMap{boxSize: boxSize, reserver: reserver}
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// AddRegion reserves size bytes of host address space (rounded up to a
// whole number of boxes) with no access, chooses a boxSize-aligned
// sub-range inside it, releases the misaligned ends, and makes the
// aligned boxes available to Alloc. It returns the base of the aligned
// region.
func (b *BoxMap) AddRegion(size uintptr) (uintptr, error) {
	const op = "boxmap.AddRegion"
	nboxes := (size + b.boxSize - 1) / b.boxSize
	aligned := nboxes * b.boxSize

	var base uintptr
	operation := func() error {
		// Over-reserve by almost a full box so that an aligned
		// sub-range of exactly `aligned` bytes is guaranteed to exist
		// inside it, then trim the misaligned ends.
		raw, err := b.reserver.Reserve(aligned + b.boxSize - 1)
		if err != nil {
			return err
		}
		alignedBase := alignUp(raw, b.boxSize)
		if head := alignedBase - raw; head > 0 {
			if err := b.reserver.Release(raw, head); err != nil {
				lfilog.Warningf("boxmap: failed to release misaligned head at %#x: %v", raw, err)
			}
		}
		tailStart := alignedBase + aligned
		tailLen := (raw + aligned + b.boxSize - 1) - tailStart
		if tailLen > 0 {
			if err := b.reserver.Release(tailStart, tailLen); err != nil {
				lfilog.Warningf("boxmap: failed to release misaligned tail at %#x: %v", tailStart, err)
			}
		}
		base = alignedBase
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithMaxRetries(bo, 2)); err != nil {
		return 0, lfierr.Wrap(op, lfierr.NoMem, err)
	}

	r := &region{base: base, size: aligned, boxSize: b.boxSize, free: make([]bool, nboxes)}
	for i := range r.free {
		r.free[i] = true
	}
	r.numFree = int(nboxes)

	b.mu.Lock()
	b.regions = append(b.regions, r)
	b.mu.Unlock()

	lfilog.Infof("boxmap: added region base=%#x size=%#x boxes=%d", base, aligned, nboxes)
	return base, nil
}

// Alloc returns the lowest free box across all regions. size must equal
// the BoxMap's boxSize; it is accepted as a parameter (rather than
// implied) to match the spec's alloc(size) signature and to let callers
// assert the size they expect.
func (b *BoxMap) Alloc(size uintptr) (uintptr, error) {
	const op = "boxmap.Alloc"
	if size != b.boxSize {
		return 0, lfierr.New(op, lfierr.Config)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.regions {
		if r.numFree == 0 {
			continue
		}
		for i, free := range r.free {
			if free {
				r.free[i] = false
				r.numFree--
				base := r.base + uintptr(i)*r.boxSize
				lfilog.Infof("boxmap: alloc box base=%#x", base)
				return base, nil
			}
		}
	}
	return 0, lfierr.New(op, lfierr.NoSpace)
}

// Free marks the box at base as free again. The caller must not
// double-free, and must not free a base that was never returned by
// Alloc; neither is detected (idempotence under repeated frees is
// explicitly not required by the spec).
func (b *BoxMap) Free(base, size uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.regions {
		if base < r.base || base >= r.base+r.size {
			continue
		}
		idx := (base - r.base) / r.boxSize
		r.free[idx] = true
		r.numFree++
		lfilog.Infof("boxmap: free box base=%#x", base)
		return
	}
}

// NumFree returns the total number of free boxes across all regions,
// primarily for Platform.MaxProcs() and tests.
func (b *BoxMap) NumFree() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.regions {
		n += r.numFree
	}
	return n
}

// NumBoxes returns the total number of boxes (free or allocated) across
// all regions.
func (b *BoxMap) NumBoxes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.regions {
		n += len(r.free)
	}
	return n
}

// BoxSize returns the fixed size of every box managed by this BoxMap.
func (b *BoxMap) BoxSize() uintptr {
	return b.boxSize
}
