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
	"os"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/dma/dmaconfig"
	"gvisor.dev/nvdma/pkg/dma/dmatest"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	device string
	keep   bool
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "map a sequence of requests on the simulated platform and print engine metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [-keep] <page count>... - maps one request per page count and prints the resulting metrics in Prometheus text format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.device, "device", "gpu0", "name of the device to map for")
	f.BoolVar(&s.keep, "keep", false, "keep the mappings live while printing metrics")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	counts := make([]int, 0, f.NArg())
	for _, arg := range f.Args() {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			f.Usage()
			return subcommands.ExitUsageError
		}
		counts = append(counts, n)
	}
	conf := args[0].(*dmaconfig.Config)
	dev, err := lookupDevice(conf, s.device)
	if err != nil {
		Fatalf("%v", err)
	}
	e, closeEngine, err := newEngine(conf, platformSim)
	if err != nil {
		Fatalf("creating DMA engine: %v", err)
	}
	defer closeEngine()

	pageSize := conf.Platform.PageSize
	base := uint64(dmatest.DefaultBase)
	for _, n := range counts {
		// Failed requests are counted by kind; keep going.
		h, _, err := e.Map(dev, dma.MapRequest{Pages: dmatest.Pages(base, n, 2*pageSize)})
		if err != nil {
			Infof("Mapping %d pages: %v", n, err)
			continue
		}
		base += 2 * uint64(n) * pageSize
		if !s.keep {
			if err := e.Unmap(dev, h); err != nil {
				Fatalf("unmapping: %v", err)
			}
		}
	}
	if _, err := e.Metrics().WriteTo(os.Stdout); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
