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

// Package hostlimits places the host process hosting one or more Procs
// under a cgroup memory/CPU limit, the way a container runtime bounds
// its sandbox process before the first guest ever runs. Two drivers are
// available: a direct cgroupfs driver and a systemd-managed one,
// selected the same way runsc's SystemdCgroup config flag picks between
// them.
package hostlimits

import (
	"fmt"

	"github.com/containerd/cgroups"
	"github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/lfi-project/lfi-go/pkg/lfierr"
	"github.com/lfi-project/lfi-go/pkg/lfilog"
)

// Limits bounds the resources a Driver confines the host process to.
// Zero fields mean "no limit" on that axis.
type Limits struct {
	MemoryBytes int64
	CPUQuota    int64
	CPUPeriod   uint64
}

func (l Limits) toResources() *specs.LinuxResources {
	r := &specs.LinuxResources{}
	if l.MemoryBytes > 0 {
		mem := l.MemoryBytes
		r.Memory = &specs.LinuxMemory{Limit: &mem}
	}
	if l.CPUQuota > 0 || l.CPUPeriod > 0 {
		cpu := &specs.LinuxCPU{}
		if l.CPUQuota > 0 {
			q := l.CPUQuota
			cpu.Quota = &q
		}
		if l.CPUPeriod > 0 {
			p := l.CPUPeriod
			cpu.Period = &p
		}
		r.CPU = cpu
	}
	return r
}

// Driver places a host pid under a resource-limited group and tears the
// group down afterward.
type Driver interface {
	// Apply moves pid into the limited group.
	Apply(pid int) error
	// Destroy removes the group. It is an error to call Apply again
	// afterward.
	Destroy() error
}

// cgroupfsDriver writes cgroupfs control files directly via
// github.com/containerd/cgroups, the same library runc's default
// (non-systemd) cgroup manager uses.
type cgroupfsDriver struct {
	name string
	cg   cgroups.Cgroup
}

// NewCgroupfsDriver creates (but does not populate) a cgroup named
// "lfi-go/"+name with the given resource limits.
func NewCgroupfsDriver(name string, limits Limits) (Driver, error) {
	const op = "hostlimits.NewCgroupfsDriver"
	if limits.MemoryBytes < 0 || limits.CPUQuota < 0 {
		return nil, lfierr.New(op, lfierr.Config)
	}
	cg, err := cgroups.New(cgroups.V1, cgroups.StaticPath("/lfi-go/"+name), limits.toResources())
	if err != nil {
		return nil, lfierr.Wrap(op, lfierr.Config, err)
	}
	lfilog.Infof("hostlimits: created cgroupfs group lfi-go/%s mem=%d cpu_quota=%d", name, limits.MemoryBytes, limits.CPUQuota)
	return &cgroupfsDriver{name: name, cg: cg}, nil
}

func (d *cgroupfsDriver) Apply(pid int) error {
	const op = "hostlimits.cgroupfsDriver.Apply"
	if err := d.cg.Add(cgroups.Process{Pid: pid}); err != nil {
		return lfierr.Wrap(op, lfierr.Config, err)
	}
	return nil
}

func (d *cgroupfsDriver) Destroy() error {
	const op = "hostlimits.cgroupfsDriver.Destroy"
	if err := d.cg.Delete(); err != nil {
		return lfierr.Wrap(op, lfierr.Config, err)
	}
	return nil
}

// systemdDriver confines the host process to a transient systemd scope
// unit instead of writing cgroupfs files directly, for hosts that
// require systemd to own the cgroup tree (the same constraint runc's
// SystemdCgroup driver exists for).
type systemdDriver struct {
	conn   *dbus.Conn
	unit   string
	limits Limits
}

// NewSystemdDriver connects to the system bus and prepares a transient
// scope unit named "lfi-go-"+name+".scope".
func NewSystemdDriver(name string, limits Limits) (Driver, error) {
	const op = "hostlimits.NewSystemdDriver"
	if limits.MemoryBytes < 0 || limits.CPUQuota < 0 {
		return nil, lfierr.New(op, lfierr.Config)
	}
	conn, err := dbus.New()
	if err != nil {
		return nil, lfierr.Wrap(op, lfierr.Config, err)
	}
	return &systemdDriver{conn: conn, unit: fmt.Sprintf("lfi-go-%s.scope", name), limits: limits}, nil
}

func (d *systemdDriver) properties(pid int, limits Limits) []dbus.Property {
	props := []dbus.Property{
		dbus.PropDescription("lfi-go sandbox host limit"),
		dbus.PropPids(uint32(pid)),
	}
	if limits.MemoryBytes > 0 {
		props = append(props, dbus.Property{
			Name:  "MemoryMax",
			Value: godbus.MakeVariant(uint64(limits.MemoryBytes)),
		})
	}
	if limits.CPUQuota > 0 && limits.CPUPeriod > 0 {
		quotaUSecPerSec := uint64(limits.CPUQuota) * 1000000 / limits.CPUPeriod
		props = append(props, dbus.Property{
			Name:  "CPUQuotaPerSecUSec",
			Value: godbus.MakeVariant(quotaUSecPerSec),
		})
	}
	return props
}

func (d *systemdDriver) Apply(pid int) error {
	const op = "hostlimits.systemdDriver.Apply"
	ch := make(chan string, 1)
	if _, err := d.conn.StartTransientUnit(d.unit, "replace", d.properties(pid, d.limits), ch); err != nil {
		return lfierr.Wrap(op, lfierr.Config, err)
	}
	if res := <-ch; res != "done" {
		return lfierr.New(op, lfierr.Config)
	}
	lfilog.Infof("hostlimits: started systemd scope %s for pid %d", d.unit, pid)
	return nil
}

func (d *systemdDriver) Destroy() error {
	const op = "hostlimits.systemdDriver.Destroy"
	ch := make(chan string, 1)
	if _, err := d.conn.StopUnit(d.unit, "replace", ch); err != nil {
		return lfierr.Wrap(op, lfierr.Config, err)
	}
	<-ch
	d.conn.Close()
	return nil
}
