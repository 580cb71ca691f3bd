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
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/dma/dmaconfig"
	"gvisor.dev/nvdma/pkg/dma/dmatest"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers  int
	rounds   int
	maxPages int
	metrics  bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "map and unmap concurrently against the simulated platform"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-workers=<n>] [-rounds=<n>] [-max-pages=<n>] [-metrics] - runs concurrent map/unmap rounds and checks every mapping
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers")
	f.IntVar(&s.rounds, "rounds", 100, "map/unmap rounds per worker")
	f.IntVar(&s.maxPages, "max-pages", 64, "largest mapping, in pages")
	f.BoolVar(&s.metrics, "metrics", false, "print engine metrics in Prometheus text format when done")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.rounds <= 0 || s.maxPages <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*dmaconfig.Config)
	e, closeEngine, err := newEngine(conf, platformSim)
	if err != nil {
		Fatalf("creating DMA engine: %v", err)
	}
	defer closeEngine()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		dev := dmatest.Device(fmt.Sprintf("gpu%d", w))
		base := uint64(w+1) << 40
		g.Go(func() error {
			return s.work(ctx, e, dev, base, w, conf.Platform.PageSize)
		})
	}
	if err := g.Wait(); err != nil {
		Fatalf("stress: %v", err)
	}
	if n := e.Len(); n != 0 {
		Fatalf("stress: %d mappings leaked", n)
	}
	snap := e.Metrics().Snapshot()
	var maps uint64
	for _, n := range snap.Maps {
		maps += n
	}
	Infof("%d workers x %d rounds in %v: %d maps, %d pages, %d submaps", s.workers, s.rounds, time.Since(start), maps, snap.Pages, snap.Submaps)
	if s.metrics {
		if _, err := e.Metrics().WriteTo(os.Stdout); err != nil {
			Fatalf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

func (s *Stress) work(ctx context.Context, e *dma.Engine, dev *dma.Device, base uint64, w int, pageSize uint64) error {
	for i := 0; i < s.rounds; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := 1 + (w*s.rounds+i)%s.maxPages
		// Odd rounds use discontiguous pages.
		stride := pageSize
		if i%2 == 1 {
			stride = 2 * pageSize
		}
		pages := dmatest.Pages(base, n, stride)
		h, addrs, err := e.Map(dev, dma.MapRequest{Pages: pages})
		if err != nil {
			return fmt.Errorf("%s round %d: map %d pages: %w", dev, i, n, err)
		}
		if len(addrs) != n {
			return fmt.Errorf("%s round %d: got %d addresses for %d pages", dev, i, len(addrs), n)
		}
		if err := e.Unmap(dev, h); err != nil {
			return fmt.Errorf("%s round %d: unmap: %w", dev, i, err)
		}
	}
	return nil
}
