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

// Package addrspace implements one guest's address space: a box
// allocated from a Platform's BoxMap, the MemMap bookkeeping over it,
// and the host-side mmap/mprotect/munmap effects that keep the host's
// page tables in sync with that bookkeeping. It is where W^X is
// mechanically enforced and where the configured Verifier is actually
// consulted before a range becomes executable.
package addrspace

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lfi-project/lfi-go/pkg/lfierr"
	"github.com/lfi-project/lfi-go/pkg/lfilog"
	"github.com/lfi-project/lfi-go/pkg/memmap"
	"github.com/lfi-project/lfi-go/pkg/platform"
)

// guardSize is the size of the inaccessible region reserved at the
// top and bottom of every guest address space, matching the reference
// runtime's fixed 80 KiB guard.
const guardSize = 80 * 1024

// Info is a snapshot of an AddrSpace's layout, safe to read without
// holding any lock since it never changes after New.
type Info struct {
	Base    uintptr
	Size    uintptr
	MinAddr uintptr
	MaxAddr uintptr
}

// AddrSpace is one guest's address space.
type AddrSpace struct {
	plat *platform.Platform
	info Info
	mm   *memmap.MemMap
}

// New allocates a box from plat's BoxMap and builds an AddrSpace over
// it, reserving guardSize at each end plus one page at the bottom for
// the system page.
func New(plat *platform.Platform) (*AddrSpace, error) {
	const op = "addrspace.New"
	opts := plat.Options()
	base, err := plat.BoxMap().Alloc(opts.SandboxSize)
	if err != nil {
		return nil, lfierr.Wrap(op, lfierr.NoMem, err)
	}

	info := Info{
		Base:    base,
		Size:    opts.SandboxSize,
		MinAddr: base + guardSize + opts.PageSize,
		MaxAddr: base + opts.SandboxSize - guardSize,
	}
	if info.MinAddr >= info.MaxAddr {
		plat.BoxMap().Free(base, opts.SandboxSize)
		return nil, lfierr.New(op, lfierr.Config)
	}

	as := &AddrSpace{
		plat: plat,
		info: info,
		mm:   memmap.New(info.MinAddr, info.MaxAddr-info.MinAddr, opts.PageSize),
	}
	lfilog.Infof("addrspace: new base=%#x size=%#x minaddr=%#x maxaddr=%#x", base, opts.SandboxSize, info.MinAddr, info.MaxAddr)
	return as, nil
}

// Info returns a's layout.
func (a *AddrSpace) Info() Info { return a.info }

func mapFixed(addr, size uintptr, prot, flags int, fd int, off int64) error {
	a, _, errno := unix.RawSyscall6(unix.SYS_MMAP, addr, size, uintptr(prot),
		uintptr(flags|unix.MAP_FIXED), uintptr(fd), uintptr(off))
	if errno != 0 {
		return errno
	}
	if a != addr {
		return unix.EINVAL
	}
	return nil
}

func hostProtect(addr, size uintptr, prot int) error {
	_, _, errno := unix.RawSyscall(unix.SYS_MPROTECT, addr, size, uintptr(prot))
	if errno != 0 {
		return errno
	}
	return nil
}

// cbUnmap is the MemMap callback invoked for ranges displaced by
// MapAt/Munmap: it re-reserves them as PROT_NONE so the host's page
// tables match the bookkeeping that just removed them.
func cbUnmap(start, size uintptr, _ memmap.Entry) {
	if err := mapFixed(start, size, unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, -1, 0); err != nil {
		lfilog.Warningf("addrspace: failed to re-reserve displaced range at %#x: %v", start, err)
	}
}

// protectverify applies prot to [base, base+size), consulting the
// Platform's Verifier first if the range is becoming executable.
// Write+exec is always rejected.
func (a *AddrSpace) protectverify(base, size uintptr, prot int) error {
	const op = "addrspace.protectverify"
	if prot&unix.PROT_WRITE != 0 && prot&unix.PROT_EXEC != 0 {
		return lfierr.New(op, lfierr.Verify)
	}
	v := a.plat.Options().Verifier
	if v == nil || prot&unix.PROT_EXEC == 0 {
		if err := hostProtect(base, size, prot); err != nil {
			return lfierr.Wrap(op, lfierr.CannotMap, err)
		}
		return nil
	}
	code := unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	ok, err := v.Verify(base, code)
	if err != nil {
		return lfierr.Wrap(op, lfierr.Verify, err)
	}
	if !ok {
		return lfierr.New(op, lfierr.Verify)
	}
	if err := hostProtect(base, size, prot); err != nil {
		return lfierr.Wrap(op, lfierr.CannotMap, err)
	}
	return nil
}

// mapverify installs a new mapping at start, verifying it before
// granting PROT_EXEC. Like the C original, an exec-with-write request
// is rejected outright rather than silently downgraded.
func (a *AddrSpace) mapverify(start, size uintptr, prot, flags, fd int, off int64) error {
	const op = "addrspace.mapverify"
	if prot&unix.PROT_WRITE != 0 && prot&unix.PROT_EXEC != 0 {
		return lfierr.New(op, lfierr.Verify)
	}
	v := a.plat.Options().Verifier
	if v == nil || prot&unix.PROT_EXEC == 0 {
		if err := mapFixed(start, size, prot, flags, fd, off); err != nil {
			return lfierr.Wrap(op, lfierr.CannotMap, err)
		}
		return nil
	}
	if err := mapFixed(start, size, unix.PROT_READ, flags, fd, off); err != nil {
		return lfierr.Wrap(op, lfierr.CannotMap, err)
	}
	if err := a.protectverify(start, size, prot); err != nil {
		if uerr := mapFixed(start, size, unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, -1, 0); uerr != nil {
			lfilog.Warningf("addrspace: failed to roll back failed mapverify at %#x: %v", start, uerr)
		}
		return err
	}
	return nil
}

// MapAny finds room for a size-byte mapping and installs it with the
// given protection/flags/backing, returning its guest address.
func (a *AddrSpace) MapAny(size uintptr, prot, flags, fd int, off int64) (uintptr, error) {
	const op = "addrspace.MapAny"
	addr, err := a.mm.MapAny(size, prot, flags, fd, off)
	if err != nil {
		return 0, err
	}
	if err := a.mapverify(addr, size, prot, flags, fd, off); err != nil {
		if uerr := a.mm.Unmap(addr, size, cbUnmap); uerr != nil {
			lfilog.Warningf("%s: bookkeeping rollback failed: %v", op, uerr)
		}
		return 0, err
	}
	return addr, nil
}

// MapAt installs a mapping at a caller-chosen guest address, which
// must lie entirely within [MinAddr, MaxAddr).
func (a *AddrSpace) MapAt(addr, size uintptr, prot, flags, fd int, off int64) error {
	const op = "addrspace.MapAt"
	if addr < a.info.MinAddr || addr+size > a.info.MaxAddr {
		return lfierr.New(op, lfierr.Guard)
	}
	if err := a.mm.MapAt(addr, size, prot, flags, fd, off, cbUnmap); err != nil {
		return err
	}
	if err := a.mapverify(addr, size, prot, flags, fd, off); err != nil {
		if uerr := a.mm.Unmap(addr, size, cbUnmap); uerr != nil {
			lfilog.Warningf("%s: bookkeeping rollback failed: %v", op, uerr)
		}
		return err
	}
	return nil
}

// Mprotect changes the protection of an existing mapping, consulting
// the Verifier if it is gaining PROT_EXEC.
func (a *AddrSpace) Mprotect(addr, size uintptr, prot int) error {
	const op = "addrspace.Mprotect"
	if addr < a.info.MinAddr || addr+size > a.info.MaxAddr {
		return lfierr.New(op, lfierr.Guard)
	}
	return a.protectverify(addr, size, prot)
}

// Munmap removes a mapping, re-reserving its host pages as PROT_NONE.
func (a *AddrSpace) Munmap(addr, size uintptr) error {
	const op = "addrspace.Munmap"
	if addr < a.info.MinAddr || addr+size > a.info.MaxAddr {
		return lfierr.New(op, lfierr.Guard)
	}
	return a.mm.Unmap(addr, size, cbUnmap)
}

// Mquery returns the Entry mapped at addr, if any. The reference
// runtime does not specify whether a query that lands in the middle
// of a coalesced range should report the original, pre-coalesce
// extents or the merged range; this implementation always reports
// the (possibly coalesced) current MemMap segment, since MemMap does
// not retain the history of merges.
func (a *AddrSpace) Mquery(addr uintptr) (memmap.Entry, bool) {
	return a.mm.Query(addr)
}

// ToPtr converts a guest address into a host-dereferenceable
// unsafe.Pointer. Guest and host share one process address space in
// this runtime, so the conversion is the identity function; it exists
// as a named operation so call sites read as intentional pointer
// translation rather than ad hoc casts.
func (a *AddrSpace) ToPtr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// FromPtr converts a host pointer back into a guest address.
func (a *AddrSpace) FromPtr(p unsafe.Pointer) uintptr {
	return uintptr(p)
}

// ValidPtr reports whether addr lies within this address space's
// accessible range. The reference implementation always returns true
// here, deferring all real enforcement to the host MMU; this
// implementation additionally bounds-checks against [MinAddr,
// MaxAddr) so callers get a cheap sanity check before dereferencing.
func (a *AddrSpace) ValidPtr(addr uintptr) bool {
	return addr >= a.info.MinAddr && addr < a.info.MaxAddr
}

// Reset re-reserves a's entire [MinAddr, MaxAddr) range as inaccessible
// in one mapping and discards all MemMap bookkeeping, matching the
// reference runtime's procclear/vm_clear: a guest left partway through
// a failed load is wiped back to the same inaccessible reservation it
// started from rather than kept with some segments mapped and others
// not. The box itself stays allocated; callers that also want it freed
// back to the BoxMap should follow Reset with Free.
func (a *AddrSpace) Reset() error {
	const op = "addrspace.Reset"
	if err := mapFixed(a.info.MinAddr, a.info.MaxAddr-a.info.MinAddr, unix.PROT_NONE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, -1, 0); err != nil {
		return lfierr.Wrap(op, lfierr.CannotMap, err)
	}
	a.mm.Clear()
	return nil
}

// Free releases the address space's box back to the Platform's
// BoxMap, after re-reserving its entire host range as inaccessible.
func (a *AddrSpace) Free() error {
	const op = "addrspace.Free"
	if err := mapFixed(a.info.Base, a.info.Size, unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, -1, 0); err != nil {
		return lfierr.Wrap(op, lfierr.CannotMap, fmt.Errorf("resetting box: %w", err))
	}
	a.plat.BoxMap().Free(a.info.Base, a.info.Size)
	return nil
}
