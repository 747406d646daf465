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

// Binary lfirun loads and runs a guest ELF image under the sandbox
// runtime from a small OCI-flavored bundle.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/lfi-project/lfi-go/pkg/lfilog"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&infoCmd{}, "")
	subcommands.Register(&benchCmd{}, "")

	if lvl := os.Getenv("LFI_LOG_LEVEL"); lvl != "" {
		if err := lfilog.SetLevel(lvl); err != nil {
			lfilog.Warningf("lfirun: invalid LFI_LOG_LEVEL %q: %v", lvl, err)
		}
	}

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
