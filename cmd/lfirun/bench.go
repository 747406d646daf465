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
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/lfi-project/lfi-go/pkg/platform"
	"github.com/lfi-project/lfi-go/pkg/proc"
)

// benchCmd implements subcommands.Command for the "bench" command. It
// is the Go analogue of the reference runtime's example/run.c timing
// loop: load the guest once, then repeatedly InitRegs+Start the same
// Proc, generalized to N Procs running concurrently.
type benchCmd struct {
	iterations int
	procs      int
}

func (*benchCmd) Name() string { return "bench" }
func (*benchCmd) Synopsis() string {
	return "time repeated init_regs+start cycles on N concurrent, already-loaded Procs"
}
func (*benchCmd) Usage() string {
	return `bench [flags] <bundle directory> - benchmark the repeat-start cycle.
`
}

func (c *benchCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.iterations, "n", 100000, "iterations per Proc")
	f.IntVar(&c.procs, "procs", 1, "number of Procs to run concurrently")
}

func (c *benchCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	bundleDir := f.Arg(0)

	_, elfPath, err := loadBundle(bundleDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		return subcommands.ExitFailure
	}
	img, err := os.ReadFile(elfPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: reading guest image: %v\n", err)
		return subcommands.ExitFailure
	}

	opts, err := platform.ConfigFromEnv(platform.DefaultOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		return subcommands.ExitFailure
	}
	plat, err := platform.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := plat.AddVASpaces(c.procs); err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		return subcommands.ExitFailure
	}

	// Each Proc is loaded exactly once; the timed loop below only
	// repeats InitRegs+Start, matching example/run.c's driver loop
	// rather than re-loading the guest every cycle.
	procs := make([]*proc.Proc, c.procs)
	for i := range procs {
		p, err := proc.New(plat, proc.NewBridge())
		if err != nil {
			fmt.Fprintf(os.Stderr, "bench: %v\n", err)
			return subcommands.ExitFailure
		}
		if err := p.LoadELF(img, nil); err != nil {
			p.Free()
			fmt.Fprintf(os.Stderr, "bench: loading guest: %v\n", err)
			return subcommands.ExitFailure
		}
		procs[i] = p
	}
	defer func() {
		for _, p := range procs {
			p.Free()
		}
	}()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range procs {
		p := p
		g.Go(func() error {
			for n := 0; n < c.iterations; n++ {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				if err := p.InitRegs(); err != nil {
					return err
				}
				// No host<->guest trampoline is wired into this build
				// (see Bridge), so Start always reports lfierr.Config
				// rather than actually running the guest; this still
				// measures the per-cycle InitRegs+Start call overhead
				// the reference runtime's driver loop times.
				p.Start()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		return subcommands.ExitFailure
	}
	elapsed := time.Since(start)
	total := c.procs * c.iterations
	fmt.Printf("%d cycles across %d proc(s) in %s (%s/cycle)\n",
		total, c.procs, elapsed, elapsed/time.Duration(total))
	return subcommands.ExitSuccess
}
