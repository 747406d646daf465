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

// Package elfloader loads a guest ELF64 image (and, optionally, its
// interpreter) into an AddrSpace, respecting the sandbox's layout
// rules: every loadable segment must land below CodeMax, ET_EXEC
// images are rebased onto the sandbox, and the first and last page of
// every executable segment are first filled with a safe trap
// instruction so that any unfilled head or tail is never live guest
// code.
package elfloader

import (
	"bytes"
	"debug/elf"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lfi-project/lfi-go/pkg/addrspace"
	"github.com/lfi-project/lfi-go/pkg/arch"
	"github.com/lfi-project/lfi-go/pkg/lfierr"
	"github.com/lfi-project/lfi-go/pkg/lfilog"
)

// CodeMax is the exclusive upper bound on an image's PT_LOAD segment
// addresses and entry point, checked against the ELF's own virtual
// addresses before the image is placed in the sandbox.
const CodeMax = 1 << 31

// Result is everything a caller needs after a successful Load, mirror
// of the reference runtime's LFIProcInfo.
type Result struct {
	StackBase  uintptr
	StackSize  uintptr
	LastVA     uintptr
	ElfEntry   uintptr
	LDEntry    uintptr
	ElfBase    uintptr
	LDBase     uintptr
	ElfPhOff   uint64
	ElfPhNum   uint16
	ElfPhEntSz uint16
}

// Load loads prog (and, if non-nil, interp) into as starting at base,
// allocates a guest stack of stackSize bytes just below guard2Start,
// and returns the populated Result. archName selects the trap byte
// used to prefill newly-executable pages.
func Load(as *addrspace.AddrSpace, archName string, pageSize, base uintptr, prog, interp []byte, stackSize, guard2Start uintptr) (Result, error) {
	const op = "elfloader.Load"

	trap, err := arch.TrapByte(archName)
	if err != nil {
		return Result{}, lfierr.Wrap(op, lfierr.Config, err)
	}

	stackBase := guard2Start - stackSize
	if err := as.MapAt(stackBase, stackSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, -1, 0); err != nil {
		return Result{}, lfierr.Wrap(op, lfierr.CannotMap, err)
	}

	res, err := loadSegments(as, trap, pageSize, base, prog, interp, stackBase, stackSize)
	if err != nil {
		// The stack mapping above already succeeded, so as may hold
		// partially-loaded guest state (e.g. one PT_LOAD segment mapped
		// before a later one failed). Re-reserve the whole sandbox as
		// inaccessible rather than leave that partial state live.
		if rerr := as.Reset(); rerr != nil {
			lfilog.Warningf("%s: reset after load failure: %v", op, rerr)
		}
		return Result{}, err
	}
	return res, nil
}

// loadSegments loads prog (and, if non-nil, interp) and assembles the
// Result, without any failure cleanup of its own — Load resets as on
// any error this returns.
func loadSegments(as *addrspace.AddrSpace, trap byte, pageSize, base uintptr, prog, interp []byte, stackBase, stackSize uintptr) (Result, error) {
	plast, pentry, err := loadImage(as, trap, pageSize, prog, base, base)
	if err != nil {
		return Result{}, err
	}

	var ilast, ientry uintptr
	ldBase := base
	if interp != nil {
		ilast, ientry, err = loadImage(as, trap, pageSize, interp, plast, base)
		if err != nil {
			return Result{}, err
		}
		ldBase = plast
	}

	var progPhoff uint64
	var progPhNum uint16
	if sr, ok := readProgHeaderInfo(prog); ok {
		progPhoff, progPhNum = sr.phoff, sr.phnum
	}

	res := Result{
		StackBase:  stackBase,
		StackSize:  stackSize,
		ElfEntry:   pentry,
		ElfBase:    base,
		LDBase:     ldBase,
		ElfPhOff:   progPhoff,
		ElfPhNum:   progPhNum,
		ElfPhEntSz: 56, // Elf64_Phdr size, fixed by the ELF64 spec
	}
	if interp != nil {
		res.LastVA = ilast
		res.LDEntry = ientry
	} else {
		res.LastVA = plast
	}
	return res, nil
}

type progHeaderInfo struct {
	phoff uint64
	phnum uint16
}

// readProgHeaderInfo re-parses just enough of the raw ELF header to
// report phoff/phnum verbatim, since debug/elf does not expose them
// after decoding the program header table itself.
func readProgHeaderInfo(data []byte) (progHeaderInfo, bool) {
	if len(data) < 64 {
		return progHeaderInfo{}, false
	}
	phoff := uint64(0)
	for i := 0; i < 8; i++ {
		phoff |= uint64(data[32+i]) << (8 * i)
	}
	phnum := uint16(data[56]) | uint16(data[57])<<8
	return progHeaderInfo{phoff: phoff, phnum: phnum}, true
}

// pflags converts ELF PT_LOAD flags to host mmap protection bits.
func pflags(f elf.ProgFlag) int {
	prot := 0
	if f&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if f&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if f&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func truncp(v, align uintptr) uintptr { return v &^ (align - 1) }
func ceilp(v, align uintptr) uintptr  { return (v + align - 1) &^ (align - 1) }

// loadImage loads one ELF64 image (program or interpreter) at base,
// returning the address one past the highest byte mapped and the
// entry point, following the original's load()/bufreadelfseg()
// algorithm: truncate/ceil each PT_LOAD segment to its own alignment,
// rebase ET_EXEC segments onto the sandbox, read file contents into an
// anonymous mapping, sanitize its first/last page, then upgrade to the
// segment's real protection.
func loadImage(as *addrspace.AddrSpace, trapByte byte, pageSize uintptr, data []byte, base, sandboxBase uintptr) (last, entry uintptr, err error) {
	const op = "elfloader.loadImage"

	f, ferr := elf.NewFile(bytes.NewReader(data))
	if ferr != nil {
		return 0, 0, lfierr.Wrap(op, lfierr.InvalidELF, ferr)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || (f.Type != elf.ET_DYN && f.Type != elf.ET_EXEC) {
		return 0, 0, lfierr.New(op, lfierr.InvalidELF)
	}
	if f.Entry >= CodeMax {
		return 0, 0, lfierr.New(op, lfierr.InvalidELF)
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		align := uintptr(p.Align)
		if align == 0 || align%pageSize != 0 {
			return 0, 0, lfierr.New(op, lfierr.InvalidELF)
		}

		start := truncp(uintptr(p.Vaddr), align)
		end := ceilp(uintptr(p.Vaddr)+uintptr(p.Memsz), align)
		offsetInPage := uintptr(p.Vaddr) - start

		if f.Type == elf.ET_EXEC {
			if start < base {
				return 0, 0, lfierr.New(op, lfierr.InvalidELF)
			}
			start -= base - sandboxBase
			end -= base - sandboxBase
		}

		if p.Memsz < p.Filesz {
			return 0, 0, lfierr.New(op, lfierr.InvalidELF)
		}
		if end <= start || start >= CodeMax || end >= CodeMax {
			return 0, 0, lfierr.New(op, lfierr.InvalidELF)
		}

		// ET_DYN segments are placed relative to base; ET_EXEC segments
		// were rebased onto sandboxBase above.
		segBase := sandboxBase
		if f.Type == elf.ET_DYN && base != 0 {
			segBase = base
		}

		prot := pflags(p.Flags)
		if err := mapSegment(as, segBase+start, offsetInPage, segBase+end, int64(p.Off), p.Filesz, prot, data, trapByte, pageSize); err != nil {
			return 0, 0, err
		}

		if base == 0 {
			base = segBase + start
		}
		if segBase+end > last {
			last = segBase + end
		}
	}

	if f.Type == elf.ET_DYN {
		entry = base + uintptr(f.Entry)
	} else {
		entry = sandboxBase + uintptr(f.Entry)
	}
	return last, entry, nil
}

// mapSegment reads filesz bytes from data at fileOff into an anonymous
// RW mapping at [start, end), sanitizes its first and last page with
// trapByte (a no-op unless prot includes PROT_EXEC), then upgrades the
// mapping to prot.
func mapSegment(as *addrspace.AddrSpace, start, inPageOff, end uintptr, fileOff int64, filesz uint64, prot int, data []byte, trapByte byte, pageSize uintptr) error {
	const op = "elfloader.mapSegment"
	size := end - start
	if err := as.MapAt(start, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, -1, 0); err != nil {
		return lfierr.Wrap(op, lfierr.CannotMap, err)
	}

	buf := unsafe.Slice((*byte)(as.ToPtr(start)), size)

	if prot&unix.PROT_EXEC != 0 {
		fillPage(buf, 0, pageSize, trapByte)
		fillPage(buf, size-pageSize, pageSize, trapByte)
	}

	if fileOff+int64(filesz) > int64(len(data)) {
		return lfierr.New(op, lfierr.InvalidELF)
	}
	n := copy(buf[inPageOff:], data[fileOff:fileOff+int64(filesz)])
	if uint64(n) != filesz {
		return lfierr.New(op, lfierr.InvalidELF)
	}

	return as.Mprotect(start, size, prot)
}

// fillPage fills the pageSize bytes of buf starting at off with b,
// matching the original's sanitize(): mapSegment applies it to the
// first and last page of an executable segment, so any byte of those
// pages the file didn't overwrite traps rather than executing as
// unintended code.
func fillPage(buf []byte, off, pageSize uintptr, b byte) {
	if off+pageSize > uintptr(len(buf)) {
		pageSize = uintptr(len(buf)) - off
	}
	for i := uintptr(0); i < pageSize; i++ {
		buf[off+i] = b
	}
}
