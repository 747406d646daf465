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

package hostlimits

import (
	"testing"

	"github.com/lfi-project/lfi-go/pkg/lfierr"
)

func TestToResourcesOmitsUnsetLimits(t *testing.T) {
	r := Limits{}.toResources()
	if r.Memory != nil {
		t.Fatalf("Memory = %+v, want nil", r.Memory)
	}
	if r.CPU != nil {
		t.Fatalf("CPU = %+v, want nil", r.CPU)
	}
}

func TestToResourcesSetsMemory(t *testing.T) {
	r := Limits{MemoryBytes: 1 << 20}.toResources()
	if r.Memory == nil || r.Memory.Limit == nil || *r.Memory.Limit != 1<<20 {
		t.Fatalf("Memory = %+v, want Limit=%d", r.Memory, 1<<20)
	}
}

func TestToResourcesSetsCPU(t *testing.T) {
	r := Limits{CPUQuota: 50000, CPUPeriod: 100000}.toResources()
	if r.CPU == nil || r.CPU.Quota == nil || *r.CPU.Quota != 50000 {
		t.Fatalf("CPU.Quota = %+v, want 50000", r.CPU)
	}
	if r.CPU.Period == nil || *r.CPU.Period != 100000 {
		t.Fatalf("CPU.Period = %+v, want 100000", r.CPU)
	}
}

func TestNewCgroupfsDriverRejectsNegativeLimits(t *testing.T) {
	_, err := NewCgroupfsDriver("test", Limits{MemoryBytes: -1})
	if code, ok := lfierr.CodeOf(err); !ok || code != lfierr.Config {
		t.Fatalf("NewCgroupfsDriver with negative memory: got %v, want Config", err)
	}
}

func TestSystemdPropertiesIncludeMemoryAndCPU(t *testing.T) {
	d := &systemdDriver{unit: "lfi-go-test.scope"}
	props := d.properties(1234, Limits{MemoryBytes: 2 << 20, CPUQuota: 25000, CPUPeriod: 100000})
	var sawMem, sawCPU bool
	for _, p := range props {
		switch p.Name {
		case "MemoryMax":
			sawMem = true
		case "CPUQuotaPerSecUSec":
			sawCPU = true
		}
	}
	if !sawMem {
		t.Fatalf("properties did not include MemoryMax: %+v", props)
	}
	if !sawCPU {
		t.Fatalf("properties did not include CPUQuotaPerSecUSec: %+v", props)
	}
}
