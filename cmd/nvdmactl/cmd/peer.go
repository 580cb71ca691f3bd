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
	"gvisor.dev/nvdma/pkg/dma/pcisysfs"
)

// Peer implements subcommands.Command for the "peer" command.
type Peer struct {
	platform  string
	device    string
	bar       int
	offset    uint64
	pages     uint64
	busOffset uint64
	list      bool
}

// Name implements subcommands.Command.Name.
func (*Peer) Name() string {
	return "peer"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Peer) Synopsis() string {
	return "map a span of a peer PCI device's BAR for a device"
}

// Usage implements subcommands.Command.Usage.
func (*Peer) Usage() string {
	return `peer [flags] <peer PCI address> - resolves the peer's BARs from sysfs, maps -pages pages at -offset into BAR -bar and prints the device address
peer -list - prints the memory BARs of every PCI device
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Peer) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.platform, "platform", platformSim, "DMA platform: sim or vfio")
	f.StringVar(&p.device, "device", "gpu0", "name of the device to map for")
	f.IntVar(&p.bar, "bar", 0, "BAR index of the peer")
	f.Uint64Var(&p.offset, "offset", 0, "byte offset into the BAR")
	f.Uint64Var(&p.pages, "pages", 1, "number of pages to map")
	f.Uint64Var(&p.busOffset, "bus-offset", 0, "offset from CPU physical to PCI bus addresses")
	f.BoolVar(&p.list, "list", false, "list PCI devices and their memory BARs")
}

// Execute implements subcommands.Command.Execute.
func (p *Peer) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*dmaconfig.Config)
	r := &pcisysfs.Resolver{Root: conf.Peer.SysfsRoot, BusOffset: p.busOffset}
	if p.list {
		if err := listPeers(r); err != nil {
			Fatalf("%v", err)
		}
		return subcommands.ExitSuccess
	}
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	peer, err := r.Peer(f.Arg(0))
	if err != nil {
		Fatalf("resolving peer: %v", err)
	}
	dev, err := lookupDevice(conf, p.device)
	if err != nil {
		Fatalf("%v", err)
	}
	e, closeEngine, err := newEngine(conf, p.platform)
	if err != nil {
		Fatalf("creating DMA engine: %v", err)
	}
	defer closeEngine()

	bar := peer.BAR(p.bar)
	h, addr, err := e.MapPeer(dev, peer, p.bar, p.pages, bar.Start+p.offset)
	if err != nil {
		Fatalf("mapping BAR%d of %s for %s: %v", p.bar, peer.Name, dev, err)
	}
	fmt.Printf("%s BAR%d [%#x, +%#x) -> %#016x\n", peer.Name, p.bar, bar.Start+p.offset, p.pages*conf.Platform.PageSize, addr)
	if err := e.UnmapPeer(dev, h); err != nil {
		Fatalf("unmapping: %v", err)
	}
	return subcommands.ExitSuccess
}

func listPeers(r *pcisysfs.Resolver) error {
	addrs, err := r.List()
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		peer, err := r.Peer(addr)
		if err != nil {
			Infof("Skipping %s: %v", addr, err)
			continue
		}
		for i, b := range peer.BARs {
			if b.Size == 0 {
				continue
			}
			fmt.Printf("%s BAR%d [%#x, +%#x) bus %#x\n", addr, i, b.Start, b.Size, b.BusAddr)
		}
	}
	return nil
}
