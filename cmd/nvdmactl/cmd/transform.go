// Copyright 2026 The gVisor Authors.
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

package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/dma/dmaconfig"
)

// Transform implements subcommands.Command for the "transform" command.
type Transform struct {
	scheme     string
	decompress bool
}

// Name implements subcommands.Command.Name.
func (*Transform) Name() string {
	return "transform"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Transform) Synopsis() string {
	return "compress or decompress interconnect addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Transform) Usage() string {
	return `transform [-scheme=<identity|nvlink>] [-decompress] <address>... - prints each address after the configured interconnect transform
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Transform) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.scheme, "scheme", "", "transform scheme; empty means the configured one")
	f.BoolVar(&t.decompress, "decompress", false, "decompress instead of compressing")
}

// Execute implements subcommands.Command.Execute.
func (t *Transform) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*dmaconfig.Config)
	if t.scheme != "" {
		conf = conf.Clone()
		conf.Transform.Scheme = t.scheme
		if err := conf.Validate(); err != nil {
			Fatalf("%v", err)
		}
	}
	tr := conf.NewTransform()
	bf, _ := tr.(*dma.BitFieldTransform)
	for _, arg := range f.Args() {
		addr, err := parseAddr(arg)
		if err != nil {
			Fatalf("invalid address %q: %v", arg, err)
		}
		if t.decompress {
			fmt.Printf("%#016x -> %#016x\n", addr, tr.Decompress(addr))
			continue
		}
		note := ""
		if bf != nil && !bf.Representable(addr) {
			note = "  (not representable, high bits dropped)"
		}
		fmt.Printf("%#016x -> %#016x%s\n", addr, tr.Compress(addr), note)
	}
	return subcommands.ExitSuccess
}
