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

import (
	"github.com/lfi-project/lfi-go/pkg/lfierr"
)

// amd64Bridge is the amd64 Bridge. Enter/Invoke require a real
// assembly trampoline (lfi_proc_entry/lfi_asm_invoke) to switch the
// host's stack pointer into the guest's register file and back; since
// that trampoline is out of scope here, they report lfierr.Config rather
// than silently no-op, so a caller never mistakes "no trampoline
// wired" for "guest ran and exited cleanly".
type amd64Bridge struct{}

// NewBridge returns the amd64 Bridge implementation.
func NewBridge() Bridge { return amd64Bridge{} }

func (amd64Bridge) Enter(p *Proc) (uint64, error) {
	const op = "proc.Bridge.Enter"
	return 0, lfierr.New(op, lfierr.Config)
}

func (amd64Bridge) Invoke(p *Proc, fn uintptr) (uint64, error) {
	const op = "proc.Bridge.Invoke"
	return 0, lfierr.New(op, lfierr.Config)
}

// GetTP and SetTP would normally read/write the guest's TLS base via
// the arch_prctl(ARCH_GET_FS/ARCH_SET_FS) syscalls the reference
// runtime's lfi_get_tp/lfi_set_tp trampolines wrap; Proc already
// tracks the guest's notion of its thread pointer in-process (see
// Proc.TPGet/TPSet), so the bridge methods defer to that value rather
// than touching real thread state, which would require the guest
// thread to already be running under this trampoline.
func (amd64Bridge) GetTP(p *Proc) (uintptr, error) {
	return p.tp, nil
}

func (amd64Bridge) SetTP(p *Proc, tp uintptr) error {
	p.tp = tp
	return nil
}
