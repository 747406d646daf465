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

package proc

// Bridge is the host<->guest control-transfer trampoline. Its real
// implementation is architecture-specific assembly (lfi_proc_entry,
// lfi_asm_invoke, lfi_asm_proc_exit, lfi_syscall_entry, lfi_get_tp,
// lfi_set_tp in the reference runtime) that saves the host's kernel
// stack anchor, switches to the guest's register file, and resumes
// guest execution; writing that trampoline is out of scope for this
// module (it is pure assembly with no Go-expressible algorithm to
// imitate). Bridge exists so the rest of this package, and its tests,
// can depend on the *contract* that trampoline provides without the
// trampoline itself.
type Bridge interface {
	// Enter transfers control to the guest at its current PC/SP,
	// blocking until the guest exits (via the exit rtcall) or a fatal
	// trap returns control to the host. It returns the guest's exit
	// code.
	Enter(p *Proc) (uint64, error)

	// Invoke calls a guest function pointer with the guest's current
	// register state, arranging for the guest's return to come back to
	// the host rather than to guest code.
	Invoke(p *Proc, fn uintptr) (uint64, error)

	// GetTP and SetTP read/write the guest thread pointer used by
	// rtcall[1]/rtcall[2] (TLS base for the running guest thread).
	GetTP(p *Proc) (uintptr, error)
	SetTP(p *Proc, tp uintptr) error
}
