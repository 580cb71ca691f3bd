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
	"gvisor.dev/nvdma/pkg/dma/dmaconfig"
)

// Limits implements subcommands.Command for the "limits" command.
type Limits struct {
	pages uint64
}

// Name implements subcommands.Command.Name.
func (*Limits) Name() string {
	return "limits"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Limits) Synopsis() string {
	return "print the platform limits and the submap layout they imply"
}

// Usage implements subcommands.Command.Usage.
func (*Limits) Usage() string {
	return `limits [-pages=<count>] - prints the configured platform limits and, if -pages is set, the submaps a mapping of that many pages is split into
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Limits) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&l.pages, "pages", 0, "page count of a hypothetical mapping")
}

// Execute implements subcommands.Command.Execute.
func (l *Limits) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*dmaconfig.Config)
	limits := conf.Limits()
	if err := limits.Validate(); err != nil {
		Fatalf("invalid limits: %v", err)
	}

	maxPages := limits.SubmapMaxPages()
	fmt.Printf("page size:          %#x\n", limits.PageSize)
	fmt.Printf("I/O page size:      %#x\n", conf.Platform.IOPageSize)
	fmt.Printf("max segment length: %#x\n", limits.MaxSegmentLength)
	fmt.Printf("max physical pages: %d\n", limits.MaxPhysicalPages)
	fmt.Printf("submap max pages:   %d\n", maxPages)
	if l.pages == 0 {
		return subcommands.ExitSuccess
	}
	if l.pages > limits.MaxPhysicalPages {
		Fatalf("%d pages exceed the host limit of %d", l.pages, limits.MaxPhysicalPages)
	}
	full := l.pages / uint64(maxPages)
	rem := l.pages % uint64(maxPages)
	n := full
	if rem != 0 {
		n++
	}
	fmt.Printf("submaps for %d pages: %d", l.pages, n)
	if full > 0 {
		fmt.Printf(" (%d x %d pages", full, maxPages)
		if rem != 0 {
			fmt.Printf(", 1 x %d pages", rem)
		}
		fmt.Printf(")")
	}
	fmt.Println()
	return subcommands.ExitSuccess
}
