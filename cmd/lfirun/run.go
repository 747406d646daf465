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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/console"
	"github.com/google/subcommands"
	"github.com/kr/pty"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/lfi-project/lfi-go/pkg/hostlimits"
	"github.com/lfi-project/lfi-go/pkg/lfilog"
	"github.com/lfi-project/lfi-go/pkg/platform"
	"github.com/lfi-project/lfi-go/pkg/proc"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	console       bool
	systemdCgroup bool
	memBytes      int64
	cpuQuota      int64
	cpuPeriod     uint64
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "load and run a guest ELF image from an OCI-style bundle" }
func (*runCmd) Usage() string {
	return `run [flags] <bundle directory> - run the guest named by the bundle's config.json.
`
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.console, "console", false, "allocate a pseudo-terminal for the guest's stdio")
	f.BoolVar(&c.systemdCgroup, "systemd-cgroup", false, "use the systemd cgroup driver instead of cgroupfs")
	f.Int64Var(&c.memBytes, "memory", 0, "host memory limit in bytes for the lfirun process (0 = unlimited)")
	f.Int64Var(&c.cpuQuota, "cpu-quota", 0, "host CPU quota in microseconds per period (0 = unlimited)")
	f.Uint64Var(&c.cpuPeriod, "cpu-period", 100000, "host CPU period in microseconds")
}

// loadBundle reads config.json from dir and returns the OCI spec plus
// the resolved path to the guest's entry ELF.
func loadBundle(dir string) (*specs.Spec, string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, "", fmt.Errorf("reading config.json: %w", err)
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, "", fmt.Errorf("parsing config.json: %w", err)
	}
	if spec.Process == nil || len(spec.Process.Args) == 0 {
		return nil, "", fmt.Errorf("config.json: process.args must name the guest binary")
	}
	root := dir
	if spec.Root != nil && spec.Root.Path != "" {
		root = filepath.Join(dir, spec.Root.Path)
	}
	return &spec, filepath.Join(root, spec.Process.Args[0]), nil
}

func (c *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	bundleDir := f.Arg(0)

	spec, elfPath, err := loadBundle(bundleDir)
	if err != nil {
		lfilog.Warningf("lfirun run: %v", err)
		return subcommands.ExitFailure
	}
	img, err := os.ReadFile(elfPath)
	if err != nil {
		lfilog.Warningf("lfirun run: reading guest image %q: %v", elfPath, err)
		return subcommands.ExitFailure
	}

	opts, err := platform.ConfigFromEnv(platform.DefaultOptions())
	if err != nil {
		lfilog.Warningf("lfirun run: loading LFI_CONFIG: %v", err)
		return subcommands.ExitFailure
	}
	if diff, err := platform.DiffConfig(platform.DefaultOptions(), opts); err == nil && len(diff) > 0 {
		lfilog.Infof("lfirun run: config overrides default in %d field(s)", len(diff))
	}

	if c.memBytes > 0 || c.cpuQuota > 0 {
		limits := hostlimits.Limits{MemoryBytes: c.memBytes, CPUQuota: c.cpuQuota, CPUPeriod: c.cpuPeriod}
		var driver hostlimits.Driver
		if c.systemdCgroup {
			driver, err = hostlimits.NewSystemdDriver(filepath.Base(bundleDir), limits)
		} else {
			driver, err = hostlimits.NewCgroupfsDriver(filepath.Base(bundleDir), limits)
		}
		if err != nil {
			lfilog.Warningf("lfirun run: setting up host limits: %v", err)
			return subcommands.ExitFailure
		}
		if err := driver.Apply(os.Getpid()); err != nil {
			lfilog.Warningf("lfirun run: applying host limits: %v", err)
			return subcommands.ExitFailure
		}
		defer driver.Destroy()
	}

	if c.console {
		ptm, pts, err := pty.Open()
		if err != nil {
			lfilog.Warningf("lfirun run: opening pty: %v", err)
			return subcommands.ExitFailure
		}
		defer ptm.Close()
		defer pts.Close()
		con, err := console.ConsoleFromFile(ptm)
		if err != nil {
			lfilog.Warningf("lfirun run: wrapping pty as console: %v", err)
		} else if err := con.SetRaw(); err != nil {
			lfilog.Warningf("lfirun run: setting console raw mode: %v", err)
		}
	}

	plat, err := platform.New(opts)
	if err != nil {
		lfilog.Warningf("lfirun run: %v", err)
		return subcommands.ExitFailure
	}
	if err := plat.AddVASpaces(1); err != nil {
		lfilog.Warningf("lfirun run: %v", err)
		return subcommands.ExitFailure
	}

	p, err := proc.New(plat, proc.NewBridge())
	if err != nil {
		lfilog.Warningf("lfirun run: %v", err)
		return subcommands.ExitFailure
	}
	defer p.Free()

	if err := p.LoadELF(img, nil); err != nil {
		lfilog.Warningf("lfirun run: loading %q: %v", spec.Process.Args[0], err)
		return subcommands.ExitFailure
	}
	if err := p.InitRegs(); err != nil {
		lfilog.Warningf("lfirun run: initializing registers: %v", err)
		return subcommands.ExitFailure
	}

	if _, err := p.Start(); err != nil {
		lfilog.Warningf("lfirun run: %v (no host<->guest trampoline is wired into this build)", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
