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

// Package dmatest provides an in-memory dma.Platform for tests.
//
// The fake behaves like an IOMMU: every mapping is assigned a fresh range of
// I/O virtual addresses from a bump allocator, so device addresses never
// equal physical addresses. Failures can be injected per call.
package dmatest

import (
	"fmt"

	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/hostarch"
	"gvisor.dev/nvdma/pkg/sync"
)

// DefaultBase is the first IOVA handed out by a Platform with a zero Base.
const DefaultBase = 0x1_0000_0000

// Platform is a fake dma.Platform. It also implements dma.ResourceMapper,
// dma.DeviceSyncer and dma.BounceBufferer.
//
// Configuration fields must be set before first use.
type Platform struct {
	// Base is the first IOVA to allocate. Zero means DefaultBase.
	Base uint64

	// PageSize is the page size of SG table entries. Zero means
	// hostarch.PageSize.
	PageSize uint64

	// MergeAdjacent makes MapSG merge every pair of adjacent entries into a
	// single DMA segment, as an IOMMU would for contiguous IOVAs.
	MergeAdjacent bool

	// Bounce is returned by UsesBounceBuffers.
	Bounce bool

	// MapSGErr, if set, is called with the zero-based index of every MapSG
	// call; a non-nil result fails the call.
	MapSGErr func(call int) error

	// MapPageErr is MapSGErr for MapPage.
	MapPageErr func(call int) error

	// MapResourceErr is MapSGErr for MapResource.
	MapResourceErr func(call int) error

	mu sync.Mutex

	// next is the next IOVA to allocate.
	//
	// +checklocks:mu
	next uint64

	// iova maps physical pages to the IOVA they were last mapped at.
	//
	// +checklocks:mu
	iova map[uint64]uint64

	// live is the number of outstanding mappings.
	//
	// +checklocks:mu
	live int

	// +checklocks:mu
	calls Calls

	// unmapSGNents records the nents argument of every UnmapSG call.
	//
	// +checklocks:mu
	unmapSGNents []int
}

// Calls counts calls into a Platform.
type Calls struct {
	MapSG         int
	UnmapSG       int
	MapPage       int
	UnmapPage     int
	MapResource   int
	UnmapResource int
	SyncSingle    int
	SyncSG        int
}

// +checklocks:p.mu
func (p *Platform) initLocked() {
	if p.iova == nil {
		p.iova = make(map[uint64]uint64)
		p.next = p.Base
		if p.next == 0 {
			p.next = DefaultBase
		}
	}
}

func (p *Platform) pageSize() uint64 {
	if p.PageSize == 0 {
		return hostarch.PageSize
	}
	return p.PageSize
}

// +checklocks:p.mu
func (p *Platform) allocLocked(phys, size uint64) uint64 {
	p.initLocked()
	addr := p.next
	ps := p.pageSize()
	for off := uint64(0); off < size; off += ps {
		p.iova[phys+off] = addr + off
	}
	rounded, _ := hostarch.PageRoundUp(size, ps)
	p.next += rounded
	return addr
}

// MapSG implements dma.Platform.MapSG.
func (p *Platform) MapSG(dev *dma.Device, t *dma.SGTable, attrs dma.Attrs) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.calls.MapSG
	p.calls.MapSG++
	if p.MapSGErr != nil {
		if err := p.MapSGErr(call); err != nil {
			return 0, err
		}
	}
	if t.Len() == 0 {
		return 0, fmt.Errorf("empty table")
	}

	addrs := make([]uint64, t.Len())
	for i, e := range t.Entries {
		addrs[i] = p.allocLocked(e.PhysAddr, e.Length)
	}
	n := 0
	for i := 0; i < t.Len(); i++ {
		seg := dma.SGEntry{DMAAddr: addrs[i], DMALength: t.Entries[i].Length}
		if p.MergeAdjacent && i+1 < t.Len() {
			i++
			seg.DMALength += t.Entries[i].Length
		}
		t.Entries[n].DMAAddr = seg.DMAAddr
		t.Entries[n].DMALength = seg.DMALength
		n++
	}
	for i := n; i < t.Len(); i++ {
		t.Entries[i].DMAAddr = 0
		t.Entries[i].DMALength = 0
	}
	p.live++
	return n, nil
}

// UnmapSG implements dma.Platform.UnmapSG.
func (p *Platform) UnmapSG(dev *dma.Device, t *dma.SGTable, nents int, attrs dma.Attrs) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.UnmapSG++
	p.unmapSGNents = append(p.unmapSGNents, nents)
	p.live--
}

// MapPage implements dma.Platform.MapPage.
func (p *Platform) MapPage(dev *dma.Device, phys, size uint64, attrs dma.Attrs) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.calls.MapPage
	p.calls.MapPage++
	if p.MapPageErr != nil {
		if err := p.MapPageErr(call); err != nil {
			return 0, err
		}
	}
	p.live++
	return p.allocLocked(phys, size), nil
}

// UnmapPage implements dma.Platform.UnmapPage.
func (p *Platform) UnmapPage(dev *dma.Device, dmaAddr, size uint64, attrs dma.Attrs) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.UnmapPage++
	p.live--
}

// MapResource implements dma.ResourceMapper.MapResource.
func (p *Platform) MapResource(dev *dma.Device, phys, size uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.calls.MapResource
	p.calls.MapResource++
	if p.MapResourceErr != nil {
		if err := p.MapResourceErr(call); err != nil {
			return 0, err
		}
	}
	p.live++
	return p.allocLocked(phys, size), nil
}

// UnmapResource implements dma.ResourceMapper.UnmapResource.
func (p *Platform) UnmapResource(dev *dma.Device, dmaAddr, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.UnmapResource++
	p.live--
}

// SyncSingleForDevice implements dma.DeviceSyncer.SyncSingleForDevice.
func (p *Platform) SyncSingleForDevice(dev *dma.Device, dmaAddr, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.SyncSingle++
}

// SyncSGForDevice implements dma.DeviceSyncer.SyncSGForDevice.
func (p *Platform) SyncSGForDevice(dev *dma.Device, t *dma.SGTable, nents int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.SyncSG++
}

// UsesBounceBuffers implements dma.BounceBufferer.UsesBounceBuffers.
func (p *Platform) UsesBounceBuffers(dev *dma.Device) bool {
	return p.Bounce
}

// Calls returns the number of calls made so far.
func (p *Platform) Calls() Calls {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// UnmapSGNents returns the nents argument of every UnmapSG call, in order.
func (p *Platform) UnmapSGNents() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.unmapSGNents...)
}

// Live returns the number of outstanding mappings.
func (p *Platform) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// IOVAOf returns the IOVA the page at phys was last mapped at.
func (p *Platform) IOVAOf(phys uint64) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.iova[phys]
	return addr, ok
}

// Allocator is a dma.TableAllocator that counts allocations and can fail on
// demand.
type Allocator struct {
	// PageSize is the page size of table entries. Zero means
	// hostarch.PageSize.
	PageSize uint64

	// Coalesce selects coalescing of contiguous pages.
	Coalesce bool

	// AllocErr, if set, is called with the zero-based index of every
	// AllocTable call; a non-nil result fails the call.
	AllocErr func(call int) error

	mu sync.Mutex

	// +checklocks:mu
	allocs int

	// +checklocks:mu
	frees int
}

// AllocTable implements dma.TableAllocator.AllocTable.
func (a *Allocator) AllocTable(pages []dma.Page) (*dma.SGTable, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	call := a.allocs
	a.allocs++
	if a.AllocErr != nil {
		if err := a.AllocErr(call); err != nil {
			return nil, err
		}
	}
	ps := a.PageSize
	if ps == 0 {
		ps = hostarch.PageSize
	}
	return dma.NewSGTable(pages, ps, a.Coalesce), nil
}

// FreeTable implements dma.TableAllocator.FreeTable.
func (a *Allocator) FreeTable(t *dma.SGTable) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frees++
	t.Entries = nil
}

// Allocs returns the number of AllocTable calls, failed ones included.
func (a *Allocator) Allocs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}

// Frees returns the number of FreeTable calls.
func (a *Allocator) Frees() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frees
}

// FailAt returns an injection hook failing call number n with err.
func FailAt(n int, err error) func(int) error {
	return func(call int) error {
		if call == n {
			return err
		}
		return nil
	}
}

// Pages returns count pages starting at phys. If stride is zero the pages
// are contiguous; otherwise consecutive pages are stride bytes apart.
func Pages(phys uint64, count int, stride uint64) []dma.Page {
	if stride == 0 {
		stride = hostarch.PageSize
	}
	pages := make([]dma.Page, count)
	for i := range pages {
		pages[i] = dma.Page{PhysAddr: phys + uint64(i)*stride}
	}
	return pages
}

// Device returns a device able to address the full 64-bit space.
func Device(name string) *dma.Device {
	return &dma.Device{
		Name:             name,
		AddressableRange: hostarch.AddrRange{Start: 0, Limit: ^uint64(0)},
	}
}
