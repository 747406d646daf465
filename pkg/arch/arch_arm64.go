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

// Arm64Regs is the aarch64 guest register file. X8 carries the
// syscall number per the Linux AArch64 syscall convention; X0-X5 are
// both general arguments and syscall arguments. X27 holds the sandbox
// base, X28 the pointer-tagging mask, and X26 the per-proc system
// page address, mirroring the platform registers reserved by the
// reference runtime's arm64 backend.
type Arm64Regs struct {
	X           [31]uint64
	SPReg, PCReg uint64
	Gasreg      uint64
}

var _ Regs = (*Arm64Regs)(nil)

func (r *Arm64Regs) addrRegIdx() []int { return []int{0, 1, 2, 3, 4, 5} }

func (r *Arm64Regs) SetBase(base uintptr) { r.X[27] = uint64(base) }
func (r *Arm64Regs) Base() uintptr        { return uintptr(r.X[27]) }

func (r *Arm64Regs) NumAddrRegs() int { return len(r.addrRegIdx()) }
func (r *Arm64Regs) AddrReg(i int) *uint64 {
	return &r.X[r.addrRegIdx()[i]]
}

func (r *Arm64Regs) SetMask(mask uint64) { r.X[28] = mask }
func (r *Arm64Regs) SetSys(sys uintptr)  { r.X[26] = uint64(sys) }

func (r *Arm64Regs) Gas() *uint64 { return &r.Gasreg }

func (r *Arm64Regs) Init(entry, sp uintptr) {
	*r = Arm64Regs{}
	r.PCReg = uint64(entry)
	r.SPReg = uint64(sp)
}

func (r *Arm64Regs) SetPC(pc uintptr) { r.PCReg = uint64(pc) }
func (r *Arm64Regs) PC() uintptr      { return uintptr(r.PCReg) }
func (r *Arm64Regs) SetSP(sp uintptr) { r.SPReg = uint64(sp) }
func (r *Arm64Regs) SP() uintptr      { return uintptr(r.SPReg) }

func (r *Arm64Regs) Sysno() uint64 { return r.X[8] }
func (r *Arm64Regs) Sysarg(i int) uint64 {
	if i < 0 || i > 5 {
		return 0
	}
	return r.X[i]
}
func (r *Arm64Regs) SetSysret(v uint64) { r.X[0] = v }
