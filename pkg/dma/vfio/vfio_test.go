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

package vfio

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/errors/nverr"
	"gvisor.dev/nvdma/pkg/hostarch"
)

const (
	testBase = 0x1_0000_0000
	testSize = 64 * hostarch.PageSize
)

// fakeIOMMU records IOMMU mappings by IOVA.
type fakeIOMMU struct {
	mapped map[uint64]span
	// failAt fails the n-th mapDMA call, counting from 1.
	failAt int
	calls  int
	closed bool
}

func (f *fakeIOMMU) mapDMA(vaddr, iova, size uint64) error {
	f.calls++
	if f.calls == f.failAt {
		return fmt.Errorf("injected failure")
	}
	if f.mapped == nil {
		f.mapped = make(map[uint64]span)
	}
	f.mapped[iova] = span{start: vaddr, size: size}
	return nil
}

func (f *fakeIOMMU) unmapDMA(iova, size uint64) error {
	// Type1 unmaps every mapping within the range.
	for start, s := range f.mapped {
		if start >= iova && start+s.size <= iova+size {
			delete(f.mapped, start)
		}
	}
	return nil
}

func (f *fakeIOMMU) close() { f.closed = true }

func newTestPlatform(t *testing.T, io *fakeIOMMU) *Platform {
	t.Helper()
	p, err := newPlatform(io, Config{IOVABase: testBase, IOVASize: testSize})
	if err != nil {
		t.Fatalf("newPlatform: %v", err)
	}
	return p
}

func TestIOVAAllocator(t *testing.T) {
	const ps = hostarch.PageSize
	a, err := newIOVAAllocator(testBase, 16*ps, ps)
	if err != nil {
		t.Fatalf("newIOVAAllocator: %v", err)
	}

	x, err := a.alloc(4 * ps)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	y, err := a.alloc(ps + 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	z, err := a.alloc(2 * ps)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if diff := cmp.Diff([]uint64{testBase, testBase + 4*ps, testBase + 6*ps}, []uint64{x, y, z}); diff != "" {
		t.Errorf("allocations mismatch (-want +got):\n%s", diff)
	}
	if _, err := a.alloc(9 * ps); !nverr.Equals(nverr.NoMemory, err) {
		t.Errorf("alloc(9 pages) = %v, want %v", err, nverr.NoMemory)
	}

	// Free the middle range, then the first: they merge.
	if size, err := a.release(y); err != nil || size != 2*ps {
		t.Errorf("release(y) = %#x, %v, want %#x", size, err, 2*ps)
	}
	if _, err := a.release(x); err != nil {
		t.Errorf("release(x): %v", err)
	}
	if got := a.freeRanges(); got != 2 {
		t.Errorf("got %d free ranges, want 2", got)
	}
	if got, err := a.alloc(6 * ps); err != nil || got != testBase {
		t.Errorf("alloc(6 pages) = %#x, %v, want %#x", got, err, uint64(testBase))
	}
	if _, err := a.release(testBase + ps); !nverr.Equals(nverr.InvalidArgument, err) {
		t.Errorf("release(unallocated) = %v, want %v", err, nverr.InvalidArgument)
	}

	if _, err := a.release(testBase); err != nil {
		t.Errorf("release: %v", err)
	}
	if _, err := a.release(z); err != nil {
		t.Errorf("release: %v", err)
	}
	if got := a.freeRanges(); got != 1 {
		t.Errorf("got %d free ranges after releasing everything, want 1", got)
	}
	if got := a.freeBytes(); got != 16*ps {
		t.Errorf("freeBytes() = %#x, want %#x", got, 16*ps)
	}
}

func TestIOVAAllocatorInvalid(t *testing.T) {
	const ps = hostarch.PageSize
	for _, tc := range []struct {
		base, size uint64
	}{
		{testBase + 1, 16 * ps},
		{testBase, 16*ps + 1},
		{testBase, 0},
		{^uint64(0) - ps + 1, 2 * ps},
	} {
		if _, err := newIOVAAllocator(tc.base, tc.size, ps); !nverr.Equals(nverr.InvalidArgument, err) {
			t.Errorf("newIOVAAllocator(%#x, %#x) = %v, want %v", tc.base, tc.size, err, nverr.InvalidArgument)
		}
	}
}

func TestMapSG(t *testing.T) {
	io := &fakeIOMMU{}
	p := newTestPlatform(t, io)
	dev := &dma.Device{Name: "gpu0"}
	pages := []dma.Page{{PhysAddr: 0x7f00_0000_0000}, {PhysAddr: 0x7f00_0000_1000}, {PhysAddr: 0x7f00_0010_0000}}
	table := dma.NewSGTable(pages, hostarch.PageSize, true)

	n, err := p.MapSG(dev, table, 0)
	if err != nil {
		t.Fatalf("MapSG: %v", err)
	}
	if n != 1 {
		t.Errorf("MapSG returned %d segments, want 1", n)
	}
	if got := table.Entries[0]; got.DMAAddr != testBase || got.DMALength != 3*hostarch.PageSize {
		t.Errorf("segment = [%#x, +%#x), want [%#x, +%#x)", got.DMAAddr, got.DMALength, uint64(testBase), 3*hostarch.PageSize)
	}
	want := map[uint64]span{
		testBase:                      {start: 0x7f00_0000_0000, size: 2 * hostarch.PageSize},
		testBase + 2*hostarch.PageSize: {start: 0x7f00_0010_0000, size: hostarch.PageSize},
	}
	if diff := cmp.Diff(want, io.mapped, cmp.AllowUnexported(span{})); diff != "" {
		t.Errorf("IOMMU mappings mismatch (-want +got):\n%s", diff)
	}

	p.UnmapSG(dev, table, n, 0)
	if len(io.mapped) != 0 {
		t.Errorf("IOMMU mappings left after UnmapSG: %v", io.mapped)
	}
	if got := p.FreeIOVA(); got != testSize {
		t.Errorf("FreeIOVA() = %#x, want %#x", got, uint64(testSize))
	}
}

func TestMapSGFailure(t *testing.T) {
	io := &fakeIOMMU{failAt: 3}
	p := newTestPlatform(t, io)
	dev := &dma.Device{Name: "gpu0"}
	var pages []dma.Page
	for i := uint64(0); i < 4; i++ {
		pages = append(pages, dma.Page{PhysAddr: 0x7f00_0000_0000 + 2*i*hostarch.PageSize})
	}
	table := dma.NewSGTable(pages, hostarch.PageSize, true)

	if _, err := p.MapSG(dev, table, 0); err == nil {
		t.Fatalf("MapSG succeeded")
	}
	if len(io.mapped) != 0 {
		t.Errorf("IOMMU mappings left after failed MapSG: %v", io.mapped)
	}
	if got := p.FreeIOVA(); got != testSize {
		t.Errorf("FreeIOVA() = %#x, want %#x", got, uint64(testSize))
	}
}

// The VFIO platform merges every submap into a single segment; the mapper
// still yields one address per page.
func TestMapperOverVFIO(t *testing.T) {
	io := &fakeIOMMU{}
	p := newTestPlatform(t, io)
	m, err := dma.NewMapper(dma.Options{
		Platform: p,
		Limits: dma.Limits{
			PageSize:         hostarch.PageSize,
			MaxSegmentLength: 4 * hostarch.PageSize,
		},
	})
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	dev := &dma.Device{Name: "gpu0", AddressableRange: hostarch.AddrRange{Start: 0, Limit: 1<<48 - 1}}
	var pages []dma.Page
	for i := uint64(0); i < 10; i++ {
		pages = append(pages, dma.Page{PhysAddr: 0x7f00_0000_0000 + 3*i*hostarch.PageSize})
	}

	dm, addrs, err := m.MapPages(dev, pages, false, dma.CacheTypeCached)
	if err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	for k, a := range addrs {
		if want := testBase + uint64(k)*hostarch.PageSize; a != want {
			t.Errorf("addrs[%d] = %#x, want %#x", k, a, want)
		}
	}
	if len(io.mapped) != len(pages) {
		t.Errorf("got %d IOMMU mappings, want %d", len(io.mapped), len(pages))
	}
	m.Unmap(dm)
	if len(io.mapped) != 0 || p.FreeIOVA() != testSize {
		t.Errorf("after Unmap: %d IOMMU mappings, %#x free IOVA bytes", len(io.mapped), p.FreeIOVA())
	}

	p.Close()
	if !io.closed {
		t.Errorf("Close did not close the container")
	}
}

func TestMapResource(t *testing.T) {
	io := &fakeIOMMU{}
	p := newTestPlatform(t, io)
	pm := dma.NewPeerMapper(dma.PeerOptions{Resources: p})
	dev := &dma.Device{Name: "gpu0"}

	m, err := pm.MapMMIO(dev, 0x7f80_0000_0000, 4)
	if err != nil {
		t.Fatalf("MapMMIO: %v", err)
	}
	if m.Addr != testBase {
		t.Errorf("got address %#x, want %#x", m.Addr, uint64(testBase))
	}
	pm.UnmapMMIO(m)
	if len(io.mapped) != 0 {
		t.Errorf("IOMMU mappings left after UnmapMMIO: %v", io.mapped)
	}
}
