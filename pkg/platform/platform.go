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

// Package platform owns the process-wide configuration and the single
// BoxMap shared by every AddrSpace in the process. An embedder creates
// exactly one Platform, configures it, then derives AddrSpaces from it
// for each guest it wants to run.
package platform

import (
	"encoding/json"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/mattbaird/jsonpatch"
	"github.com/mohae/deepcopy"

	"github.com/lfi-project/lfi-go/pkg/boxmap"
	"github.com/lfi-project/lfi-go/pkg/lfierr"
	"github.com/lfi-project/lfi-go/pkg/lfilog"
	"github.com/lfi-project/lfi-go/pkg/verifier"
)

// SyscallHandler is invoked for every guest syscall trap, with the
// syscall number and up to six arguments already extracted from the
// guest's registers. It returns the value to place back in the
// syscall-return register.
type SyscallHandler func(ctx interface{}, sysno uint64, args [6]uint64) uint64

// Options configures a Platform. Zero values are not valid defaults
// for PageSize/SandboxSize/StackSize; use DefaultOptions as a base.
type Options struct {
	// PageSize is the host page granularity mappings are rounded to.
	PageSize uintptr
	// SandboxSize is the size of one guest's address space (one
	// BoxMap box), also called vm_size in the reference runtime.
	SandboxSize uintptr
	// StackSize is the default guest stack size ElfLoader reserves
	// when a caller doesn't specify one explicitly.
	StackSize uintptr
	// TagBits is the pointer-tagging width (p2size); 32 means guest
	// pointers are tagged with the full 32 low bits, 0 means no
	// masking is applied at all.
	TagBits int
	// Gas is the initial instruction budget installed into Regs.Gas()
	// on every Proc init, or 0 to disable gas metering.
	Gas uint64
	// Verifier is consulted before any range becomes executable. A
	// nil Verifier disables verification entirely (every range is
	// trusted), matching the reference runtime's "no verifier"
	// configuration.
	Verifier verifier.Verifier
	// SysHandler answers guest syscalls routed through rtcall[0].
	SysHandler SyscallHandler
	// Arch names the target architecture ("amd64" or "arm64").
	Arch string
}

// DefaultOptions returns an Options with conservative, commonly-used
// defaults: a 4 KiB page, a 4 GiB sandbox (full 32-bit tag), an 8 MiB
// stack, and no verifier or gas metering.
func DefaultOptions() Options {
	return Options{
		PageSize:    4096,
		SandboxSize: 1 << 32,
		StackSize:   8 << 20,
		TagBits:     32,
		Arch:        "amd64",
	}
}

// Clone deep-copies o, including its Verifier and SysHandler closures
// by reference (interfaces/functions are not deep-copied, only the
// struct's value fields are).
func (o Options) Clone() Options {
	v, h, a := o.Verifier, o.SysHandler, o.Arch
	cp := deepcopy.Copy(o).(Options)
	cp.Verifier, cp.SysHandler, cp.Arch = v, h, a
	return cp
}

// configFile is the TOML-serializable subset of Options: Verifier and
// SysHandler can't round-trip through a file and are left to the
// embedder to set programmatically after loading.
type configFile struct {
	PageSize    uintptr `toml:"page_size" json:"page_size"`
	SandboxSize uintptr `toml:"sandbox_size" json:"sandbox_size"`
	StackSize   uintptr `toml:"stack_size" json:"stack_size"`
	TagBits     int     `toml:"tag_bits" json:"tag_bits"`
	Gas         uint64  `toml:"gas" json:"gas"`
	Arch        string  `toml:"arch" json:"arch"`
}

// LoadConfigFile reads a TOML configuration file and overlays it onto
// base, returning the merged Options. Verifier and SysHandler are
// carried over from base unchanged.
func LoadConfigFile(path string, base Options) (Options, error) {
	const op = "platform.LoadConfigFile"
	var cf configFile
	if _, err := toml.DecodeFile(path, &cf); err != nil {
		return Options{}, lfierr.Wrap(op, lfierr.Config, err)
	}
	out := base
	if cf.PageSize != 0 {
		out.PageSize = cf.PageSize
	}
	if cf.SandboxSize != 0 {
		out.SandboxSize = cf.SandboxSize
	}
	if cf.StackSize != 0 {
		out.StackSize = cf.StackSize
	}
	if cf.TagBits != 0 {
		out.TagBits = cf.TagBits
	}
	if cf.Gas != 0 {
		out.Gas = cf.Gas
	}
	if cf.Arch != "" {
		out.Arch = cf.Arch
	}
	return out, nil
}

// DiffConfig reports the JSON Patch (RFC 6902) operations that would
// turn from's TOML-serializable fields into to's, for logging what an
// environment-specific override actually changed relative to a base
// configuration (cmd/lfirun logs this at startup when LFI_CONFIG is
// set over DefaultOptions).
func DiffConfig(from, to Options) ([]jsonpatch.JsonPatchOperation, error) {
	const op = "platform.DiffConfig"
	a, err := json.Marshal(toConfigFile(from))
	if err != nil {
		return nil, lfierr.Wrap(op, lfierr.Config, err)
	}
	b, err := json.Marshal(toConfigFile(to))
	if err != nil {
		return nil, lfierr.Wrap(op, lfierr.Config, err)
	}
	ops, err := jsonpatch.CreatePatch(a, b)
	if err != nil {
		return nil, lfierr.Wrap(op, lfierr.Config, err)
	}
	return ops, nil
}

func toConfigFile(o Options) configFile {
	return configFile{
		PageSize:    o.PageSize,
		SandboxSize: o.SandboxSize,
		StackSize:   o.StackSize,
		TagBits:     o.TagBits,
		Gas:         o.Gas,
		Arch:        o.Arch,
	}
}

// Platform owns the configuration and BoxMap shared by every AddrSpace
// created under it.
type Platform struct {
	opts Options
	bm   *boxmap.BoxMap

	procs int // number of live Procs registered against this Platform
}

// New constructs a Platform with the given options and a fresh BoxMap
// sized to opts.SandboxSize.
func New(opts Options) (*Platform, error) {
	const op = "platform.New"
	if opts.PageSize == 0 || opts.SandboxSize == 0 {
		return nil, lfierr.New(op, lfierr.Config)
	}
	lfilog.Infof("platform: new platform arch=%s sandbox_size=%#x page_size=%#x",
		opts.Arch, opts.SandboxSize, opts.PageSize)
	return &Platform{
		opts: opts,
		bm:   boxmap.New(opts.SandboxSize, nil),
	}, nil
}

// Options returns a copy of the Platform's current configuration.
func (p *Platform) Options() Options { return p.opts }

// BoxMap returns the Platform's shared box allocator, for AddrSpace.
func (p *Platform) BoxMap() *boxmap.BoxMap { return p.bm }

// AddVASpaces reserves additional host address space capable of
// holding n more sandboxes, growing the Platform's box supply.
func (p *Platform) AddVASpaces(n int) error {
	const op = "platform.AddVASpaces"
	if n <= 0 {
		return lfierr.New(op, lfierr.Config)
	}
	_, err := p.bm.AddRegion(uintptr(n) * p.opts.SandboxSize)
	if err != nil {
		return lfierr.Wrap(op, lfierr.NoMem, err)
	}
	return nil
}

// MaxProcs returns the number of additional guests this Platform can
// currently host without a further AddVASpaces call.
func (p *Platform) MaxProcs() int {
	return p.bm.NumFree()
}

// AddProc registers a live Proc against this Platform; it is called by
// pkg/proc, not directly by embedders.
func (p *Platform) AddProc() { p.procs++ }

// RemoveProc unregisters a Proc, called by pkg/proc on Destroy.
func (p *Platform) RemoveProc() { p.procs-- }

// Free releases the Platform. It is an error to call Free while any
// AddrSpace or Proc created under this Platform is still alive.
func (p *Platform) Free() error {
	const op = "platform.Free"
	if p.procs > 0 {
		return lfierr.New(op, lfierr.Config)
	}
	return nil
}

// configFromEnv is a small convenience used by cmd/lfirun: if the
// LFI_CONFIG environment variable names a readable file, load it over
// base; otherwise return base unchanged.
func configFromEnv(base Options) (Options, error) {
	path := os.Getenv("LFI_CONFIG")
	if path == "" {
		return base, nil
	}
	return LoadConfigFile(path, base)
}

// ConfigFromEnv is the exported form of configFromEnv, used by
// cmd/lfirun's run, info and bench subcommands.
func ConfigFromEnv(base Options) (Options, error) { return configFromEnv(base) }
