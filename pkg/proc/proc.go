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

// Package proc implements one guest execution context: its register
// file, its address space, the host<->guest control transfer protocol
// (via Bridge), and the syscall dispatch that routes a trapped guest
// syscall to the Platform's configured handler.
package proc

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lfi-project/lfi-go/pkg/addrspace"
	"github.com/lfi-project/lfi-go/pkg/arch"
	"github.com/lfi-project/lfi-go/pkg/elfloader"
	"github.com/lfi-project/lfi-go/pkg/lfierr"
	"github.com/lfi-project/lfi-go/pkg/lfilog"
	"github.com/lfi-project/lfi-go/pkg/memmap"
	"github.com/lfi-project/lfi-go/pkg/platform"
)

// State is a Proc's position in its lifecycle: Fresh -> Loaded ->
// Initialized -> (Start/Invoke, transiently Running) -> Initialized ->
// ... -> Destroyed.
type State int

const (
	StateFresh State = iota
	StateLoaded
	StateInitialized
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateLoaded:
		return "loaded"
	case StateInitialized:
		return "initialized"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// sysPage is the per-proc page the guest can read but never write,
// carrying the rtcall trampoline addresses and the sandbox base. Its
// layout must match whatever the real Bridge/assembly trampoline
// expects at rtcalls[0..2].
type sysPage struct {
	rtcalls [3]uint64
	base    uint64
}

// Proc is one guest execution context.
type Proc struct {
	mu   sync.Mutex
	plat   *platform.Platform
	as     *addrspace.AddrSpace
	regs   arch.Regs
	arch   string
	bridge Bridge

	state State
	info  elfloader.Result

	sysAddr uintptr
	tp      uintptr

	running bool // true while Start/Invoke has transferred control out
}

// New allocates an AddrSpace under plat and returns a fresh Proc bound
// to it, using bridge as its host<->guest transfer mechanism.
func New(plat *platform.Platform, bridge Bridge) (*Proc, error) {
	const op = "proc.New"
	as, err := addrspace.New(plat)
	if err != nil {
		return nil, err
	}
	regs, err := arch.New(plat.Options().Arch)
	if err != nil {
		as.Free()
		return nil, lfierr.Wrap(op, lfierr.Config, err)
	}
	p := &Proc{
		plat:   plat,
		as:     as,
		regs:   regs,
		arch:   plat.Options().Arch,
		bridge: bridge,
		state:  StateFresh,
	}
	plat.AddProc()
	return p, nil
}

// State returns p's current lifecycle state.
func (p *Proc) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AddrSpace returns p's underlying AddrSpace, for callers that need
// direct access (e.g. to seed initial guest memory before LoadELF).
func (p *Proc) AddrSpace() *addrspace.AddrSpace { return p.as }

func mapFixedRW(addr, size uintptr) error {
	a, _, errno := unix.RawSyscall6(unix.SYS_MMAP, addr, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_FIXED|unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, ^uintptr(0), 0)
	if errno != 0 {
		return errno
	}
	if a != addr {
		return unix.EINVAL
	}
	return nil
}

func protectFixed(addr, size uintptr, prot int) error {
	_, _, errno := unix.RawSyscall(unix.SYS_MPROTECT, addr, size, uintptr(prot))
	if errno != 0 {
		return errno
	}
	return nil
}

// LoadELF loads prog (and, if non-nil, interp) into p's address space
// and sets up the per-proc system page. It may only be called once,
// while p is Fresh.
func (p *Proc) LoadELF(prog, interp []byte) error {
	const op = "proc.LoadELF"
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateFresh {
		return lfierr.New(op, lfierr.Config)
	}

	opts := p.plat.Options()
	info := p.as.Info()

	res, err := elfloader.Load(p.as, p.arch, opts.PageSize, info.MinAddr, prog, interp, opts.StackSize, info.MaxAddr)
	if err != nil {
		return err
	}

	sysAddr := info.MinAddr - opts.PageSize
	if err := mapFixedRW(sysAddr, opts.PageSize); err != nil {
		p.resetAfterLoadFailure(op, false)
		return lfierr.Wrap(op, lfierr.CannotMap, err)
	}
	sp := (*sysPage)(unsafe.Pointer(sysAddr))
	sp.rtcalls[0] = 0 // syscall entry trampoline address; no trampoline is wired into this build
	sp.rtcalls[1] = 0 // get_tp trampoline
	sp.rtcalls[2] = 0 // set_tp trampoline
	sp.base = uint64(info.Base)
	if err := protectFixed(sysAddr, opts.PageSize, unix.PROT_READ); err != nil {
		p.resetAfterLoadFailure(op, true)
		return lfierr.Wrap(op, lfierr.CannotMap, err)
	}

	p.sysAddr = sysAddr
	p.info = res
	p.state = StateLoaded
	lfilog.Infof("proc: loaded elf entry=%#x stack=%#x+%#x", res.ElfEntry, res.StackBase, res.StackSize)
	return nil
}

// resetAfterLoadFailure wipes p's address space back to an inaccessible
// reservation after a LoadELF step fails once the guest image (or part
// of it) has already been mapped by elfloader.Load. sysPageMapped
// reports whether the system page itself was successfully mmap'd
// before the failing step, in which case it also needs re-reserving:
// it sits below AddrSpace's [MinAddr, MaxAddr) range, so as.Reset
// alone does not cover it.
func (p *Proc) resetAfterLoadFailure(op string, sysPageMapped bool) {
	if err := p.as.Reset(); err != nil {
		lfilog.Warningf("%s: reset after load failure: %v", op, err)
	}
	if sysPageMapped {
		opts := p.plat.Options()
		sysAddr := p.as.Info().MinAddr - opts.PageSize
		if err := protectFixed(sysAddr, opts.PageSize, unix.PROT_NONE); err != nil {
			lfilog.Warningf("%s: failed to reset sys page at %#x: %v", op, sysAddr, err)
		}
	}
}

// procaddr tags an address register's current value with the sandbox
// base, matching the original's procaddr(base, addr) = base |
// (uint32_t) addr.
func procaddr(base uintptr, addr uint64) uint64 {
	return uint64(base) | (addr & 0xFFFFFFFF)
}

// InitRegs initializes p's register file with the loaded entry point
// and a stack pointer at the top of the loaded stack, then tags every
// address register with the sandbox base and installs the
// pointer-tagging mask and gas budget. It may be called once LoadELF
// has completed (Loaded -> Initialized), and again any number of times
// once Initialized, to rewind an already-initialized Proc back to its
// entry point/sp before a repeat Start — the same re-arm step the
// reference runtime's driver performs before every repeat-start cycle.
// It rejects a Proc that is Running, matching beginRunning's guard on
// Start/Invoke.
func (p *Proc) InitRegs() error {
	const op = "proc.InitRegs"
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateLoaded && p.state != StateInitialized {
		return lfierr.New(op, lfierr.Config)
	}
	if p.running {
		return lfierr.New(op, lfierr.Config)
	}

	opts := p.plat.Options()
	sp := p.info.StackBase + p.info.StackSize

	p.regs.Init(p.info.ElfEntry, sp)
	p.regs.SetBase(p.as.Info().Base)
	for i := 0; i < p.regs.NumAddrRegs(); i++ {
		r := p.regs.AddrReg(i)
		*r = procaddr(p.as.Info().Base, *r)
	}
	p.regs.SetSys(p.sysAddr)
	p.regs.SetMask(arch.Mask(opts.TagBits))
	if opts.Gas != 0 {
		g := p.regs.Gas()
		if g == nil {
			return lfierr.New(op, lfierr.InvalidGas)
		}
		*g = opts.Gas
	}

	p.state = StateInitialized
	return nil
}

// Regs returns p's register file, for inspection/tests.
func (p *Proc) Regs() arch.Regs { return p.regs }

// Start transfers control to the guest at its current PC/SP and
// blocks until the guest exits or traps fatally.
func (p *Proc) Start() (uint64, error) {
	const op = "proc.Start"
	if err := p.beginRunning(op); err != nil {
		return 0, err
	}
	defer p.endRunning()
	return p.bridge.Enter(p)
}

// Invoke calls a guest function pointer, arranging for its return to
// come back to the host.
func (p *Proc) Invoke(fn uintptr) (uint64, error) {
	const op = "proc.Invoke"
	if err := p.beginRunning(op); err != nil {
		return 0, err
	}
	defer p.endRunning()
	return p.bridge.Invoke(p, fn)
}

func (p *Proc) beginRunning(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateInitialized {
		return lfierr.New(op, lfierr.Config)
	}
	if p.running {
		// Nested re-entry: a syscall handler invoked from within this
		// Proc's own guest execution tried to resume the same Proc
		// again. The reference runtime has exactly one kstackp anchor
		// per Proc, which a nested transition would corrupt.
		return lfierr.New(op, lfierr.Config)
	}
	p.running = true
	return nil
}

func (p *Proc) endRunning() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// HandleSyscall extracts the syscall number and arguments from p's
// current register state, routes them to the Platform's configured
// SysHandler, and installs the return value, matching the original's
// lfi_syscall_handler. It is called by a real Bridge implementation
// from within the trapped guest context; it is exported so tests can
// exercise syscall dispatch without a real trampoline.
func (p *Proc) HandleSyscall(ctx interface{}) error {
	const op = "proc.HandleSyscall"
	h := p.plat.Options().SysHandler
	if h == nil {
		return lfierr.New(op, lfierr.Config)
	}
	sysno := p.regs.Sysno()
	var args [6]uint64
	for i := range args {
		args[i] = p.regs.Sysarg(i)
	}
	ret := h(ctx, sysno, args)
	p.regs.SetSysret(ret)
	return nil
}

// MapAny, MapAt, Mprotect, Munmap and Mquery delegate to p's
// AddrSpace, rejecting ranges that overlap the guard regions (which
// AddrSpace already enforces via its [MinAddr, MaxAddr) bound).

func (p *Proc) MapAny(size uintptr, prot, flags, fd int, off int64) (uintptr, error) {
	return p.as.MapAny(size, prot, flags, fd, off)
}

func (p *Proc) MapAt(addr, size uintptr, prot, flags, fd int, off int64) error {
	return p.as.MapAt(addr, size, prot, flags, fd, off)
}

func (p *Proc) Mprotect(addr, size uintptr, prot int) error {
	return p.as.Mprotect(addr, size, prot)
}

func (p *Proc) Munmap(addr, size uintptr) error {
	return p.as.Munmap(addr, size)
}

func (p *Proc) Mquery(addr uintptr) (memmap.Entry, bool) {
	return p.as.Mquery(addr)
}

// TPSet installs the guest thread pointer, used by SysHandler
// implementations handling a thread-local-storage setup syscall.
func (p *Proc) TPSet(tp uintptr) error {
	return p.bridge.SetTP(p, tp)
}

// TPGet returns the current guest thread pointer.
func (p *Proc) TPGet() (uintptr, error) {
	return p.bridge.GetTP(p)
}

// Base returns the guest address space's box base.
func (p *Proc) Base() uintptr { return p.as.Info().Base }

// Size returns the guest address space's box size.
func (p *Proc) Size() uintptr { return p.as.Info().Size }

// Free tears down p: its system page and its AddrSpace. It is an
// error to call Free while p is Running (Start/Invoke has not
// returned).
func (p *Proc) Free() error {
	const op = "proc.Free"
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return lfierr.New(op, lfierr.Config)
	}
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateDestroyed
	p.mu.Unlock()

	if p.sysAddr != 0 {
		if err := mapFixedRW(p.sysAddr, p.plat.Options().PageSize); err != nil {
			lfilog.Warningf("proc: failed to clear sys page at %#x: %v", p.sysAddr, err)
		} else {
			protectFixed(p.sysAddr, p.plat.Options().PageSize, unix.PROT_NONE)
		}
	}
	if err := p.as.Free(); err != nil {
		return lfierr.Wrap(op, lfierr.CannotMap, err)
	}
	p.plat.RemoveProc()
	return nil
}
