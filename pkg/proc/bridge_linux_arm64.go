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

// arm64Bridge is the arm64 Bridge; see amd64Bridge's doc comment for
// why Enter/Invoke are stand-ins rather than real trampolines.
type arm64Bridge struct{}

// NewBridgeARM64 returns the arm64 Bridge implementation.
func NewBridgeARM64() Bridge { return arm64Bridge{} }

func (arm64Bridge) Enter(p *Proc) (uint64, error) {
	const op = "proc.Bridge.Enter"
	return 0, lfierr.New(op, lfierr.Config)
}

func (arm64Bridge) Invoke(p *Proc, fn uintptr) (uint64, error) {
	const op = "proc.Bridge.Invoke"
	return 0, lfierr.New(op, lfierr.Config)
}

func (arm64Bridge) GetTP(p *Proc) (uintptr, error) {
	return p.tp, nil
}

func (arm64Bridge) SetTP(p *Proc, tp uintptr) error {
	p.tp = tp
	return nil
}
