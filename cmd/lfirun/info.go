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
	"flag"
	"fmt"
	"runtime"

	"github.com/google/subcommands"

	"github.com/lfi-project/lfi-go/pkg/platform"
)

// infoCmd implements subcommands.Command for the "info" command.
type infoCmd struct{}

func (*infoCmd) Name() string     { return "info" }
func (*infoCmd) Synopsis() string { return "print the effective platform configuration" }
func (*infoCmd) Usage() string {
	return `info - print GOOS/GOARCH and the effective platform configuration (defaults overlaid with LFI_CONFIG).
`
}
func (*infoCmd) SetFlags(*flag.FlagSet) {}

func (*infoCmd) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	fmt.Printf("GOOS: %s\n", runtime.GOOS)
	fmt.Printf("GOARCH: %s\n", runtime.GOARCH)

	base := platform.DefaultOptions()
	opts, err := platform.ConfigFromEnv(base)
	if err != nil {
		fmt.Printf("error loading LFI_CONFIG: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("arch: %s\n", opts.Arch)
	fmt.Printf("page_size: %d\n", opts.PageSize)
	fmt.Printf("sandbox_size: %d\n", opts.SandboxSize)
	fmt.Printf("stack_size: %d\n", opts.StackSize)
	fmt.Printf("tag_bits: %d\n", opts.TagBits)
	fmt.Printf("gas: %d\n", opts.Gas)

	if diff, err := platform.DiffConfig(base, opts); err == nil && len(diff) > 0 {
		fmt.Println("overrides from LFI_CONFIG:")
		for _, op := range diff {
			fmt.Printf("  %s %s -> %v\n", op.Operation, op.Path, op.Value)
		}
	}
	return subcommands.ExitSuccess
}
