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

// Map implements subcommands.Command for the "map" command.
type Map struct {
	platform   string
	device     string
	contiguous bool
	cacheType  string
	sync       bool
	segments   bool
	source     pageSource
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "map pages for a device and print their device addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return `map [flags] [<page address>...] - maps the given pages, or -count synthesized pages, prints one device address per page and unmaps them
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Map) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.platform, "platform", platformSim, "DMA platform: sim or vfio")
	f.StringVar(&m.device, "device", "gpu0", "name of the device to map for")
	f.BoolVar(&m.contiguous, "contiguous", false, "map the pages as a single contiguous range")
	f.StringVar(&m.cacheType, "cache", dma.CacheTypeCached.String(), "CPU cache type: cached, uncached, write-combined, uncached-weak or default")
	f.BoolVar(&m.sync, "sync", false, "flush CPU caches for the device after mapping")
	f.BoolVar(&m.segments, "segments", false, "print runs of contiguous device addresses instead of one line per page")
	m.source.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (m *Map) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*dmaconfig.Config)
	cacheType, err := dma.ParseCacheType(m.cacheType)
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}
	dev, err := lookupDevice(conf, m.device)
	if err != nil {
		Fatalf("%v", err)
	}

	pages, release, err := m.source.pages(conf, m.platform, f.Args())
	if err != nil {
		Fatalf("%v", err)
	}
	defer release()

	e, closeEngine, err := newEngine(conf, m.platform)
	if err != nil {
		Fatalf("creating DMA engine: %v", err)
	}
	defer closeEngine()

	h, addrs, err := e.Map(dev, dma.MapRequest{
		Pages:      pages,
		Contiguous: m.contiguous,
		CacheType:  cacheType,
	})
	if err != nil {
		Fatalf("mapping %d pages for %s: %v", len(pages), dev, err)
	}
	if m.sync {
		if err := e.SyncForDevice(dev, h); err != nil {
			Fatalf("sync: %v", err)
		}
	}

	pageSize := conf.Platform.PageSize
	if m.segments {
		printSegments(addrs, pageSize)
	} else {
		for k, a := range addrs {
			fmt.Printf("%6d  %#016x -> %#016x\n", k, pages[k].PhysAddr, a)
		}
	}

	if err := e.Unmap(dev, h); err != nil {
		Fatalf("unmapping: %v", err)
	}
	return subcommands.ExitSuccess
}

// printSegments prints maximal runs of consecutive device addresses.
func printSegments(addrs []uint64, pageSize uint64) {
	for i := 0; i < len(addrs); {
		j := i + 1
		for j < len(addrs) && addrs[j] == addrs[j-1]+pageSize {
			j++
		}
		fmt.Printf("[%#016x, %#016x)  %d pages\n", addrs[i], addrs[j-1]+pageSize, j-i)
		i = j
	}
}
