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

package arch

// Amd64Regs is the x86-64 guest register file. The System V calling
// convention is repurposed as the sandbox ABI: RDI/RSI/RDX/R10/R8/R9
// double as syscall arguments (matching the Linux syscall convention
// so guest syscall stubs need no translation), R14 holds the sandbox
// base, R15 holds the pointer-tagging mask, and RBX holds the address
// of the per-proc system page.
type Amd64Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
	Gasreg             uint64
}

var _ Regs = (*Amd64Regs)(nil)

// addrRegPtrs lists which fields are guest pointers needing base-tagging
// on entry: the six syscall-argument registers plus RSP.
func (r *Amd64Regs) addrRegPtrs() []*uint64 {
	return []*uint64{&r.RDI, &r.RSI, &r.RDX, &r.R10, &r.R8, &r.R9, &r.RSP}
}

func (r *Amd64Regs) SetBase(base uintptr) { r.R14 = uint64(base) }
func (r *Amd64Regs) Base() uintptr        { return uintptr(r.R14) }

func (r *Amd64Regs) NumAddrRegs() int { return len(r.addrRegPtrs()) }
func (r *Amd64Regs) AddrReg(i int) *uint64 {
	return r.addrRegPtrs()[i]
}

func (r *Amd64Regs) SetMask(mask uint64) { r.R15 = mask }
func (r *Amd64Regs) SetSys(sys uintptr)  { r.RBX = uint64(sys) }

func (r *Amd64Regs) Gas() *uint64 { return &r.Gasreg }

func (r *Amd64Regs) Init(entry, sp uintptr) {
	*r = Amd64Regs{}
	r.RIP = uint64(entry)
	r.RSP = uint64(sp)
}

func (r *Amd64Regs) SetPC(pc uintptr) { r.RIP = uint64(pc) }
func (r *Amd64Regs) PC() uintptr      { return uintptr(r.RIP) }
func (r *Amd64Regs) SetSP(sp uintptr) { r.RSP = uint64(sp) }
func (r *Amd64Regs) SP() uintptr      { return uintptr(r.RSP) }

func (r *Amd64Regs) Sysno() uint64 { return r.RAX }
func (r *Amd64Regs) Sysarg(i int) uint64 {
	switch i {
	case 0:
		return r.RDI
	case 1:
		return r.RSI
	case 2:
		return r.RDX
	case 3:
		return r.R10
	case 4:
		return r.R8
	case 5:
		return r.R9
	default:
		return 0
	}
}
func (r *Amd64Regs) SetSysret(v uint64) { r.RAX = v }
