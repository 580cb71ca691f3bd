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

package dma

// Attrs are hints passed to the platform mapping primitive.
type Attrs uint32

const (
	// AttrSkipCPUSync tells the platform not to perform CPU cache
	// maintenance when mapping or unmapping, because the CPU never accesses
	// the memory through a cacheable mapping.
	AttrSkipCPUSync Attrs = 1 << iota
)

// Platform is the host DMA mapping primitive. All mappings are
// bidirectional.
//
// Implementations may block.
type Platform interface {
	// MapSG maps every entry of t for dev and fills in the DMA address and
	// DMA length of the resulting segments, starting at t.Entries[0]. It
	// returns the number of DMA segments, which may be smaller than
	// len(t.Entries) if the platform merged adjacent entries. A zero count
	// with a nil error is treated as a failure.
	MapSG(dev *Device, t *SGTable, attrs Attrs) (int, error)

	// UnmapSG reverses a MapSG call that returned nents segments.
	UnmapSG(dev *Device, t *SGTable, nents int, attrs Attrs)

	// MapPage maps size bytes of physically contiguous memory starting at
	// phys, and returns the device-visible address of the first byte.
	MapPage(dev *Device, phys, size uint64, attrs Attrs) (uint64, error)

	// UnmapPage reverses a MapPage call.
	UnmapPage(dev *Device, dmaAddr, size uint64, attrs Attrs)
}

// ResourceMapper is implemented by platforms that can create IOMMU entries
// for MMIO resources, i.e. memory that is not backed by struct pages.
type ResourceMapper interface {
	// MapResource maps size bytes of MMIO space starting at phys.
	MapResource(dev *Device, phys, size uint64) (uint64, error)

	// UnmapResource reverses a MapResource call.
	UnmapResource(dev *Device, dmaAddr, size uint64)
}

// DeviceSyncer is implemented by platforms whose CPU caches are not coherent
// with device DMA.
type DeviceSyncer interface {
	// SyncSingleForDevice flushes CPU caches for a contiguous mapping.
	SyncSingleForDevice(dev *Device, dmaAddr, size uint64)

	// SyncSGForDevice flushes CPU caches for the first nents segments of a
	// mapped table.
	SyncSGForDevice(dev *Device, t *SGTable, nents int)
}

// BounceBufferer is implemented by platforms that can route DMA through
// bounce buffers (e.g. SWIOTLB), which breaks the assumption that the
// device sees the caller's memory directly.
type BounceBufferer interface {
	// UsesBounceBuffers returns true if mappings for dev may be bounced.
	UsesBounceBuffers(dev *Device) bool
}

// TableAllocator builds and frees scatter-gather tables.
type TableAllocator interface {
	// AllocTable returns a table describing pages, in order.
	AllocTable(pages []Page) (*SGTable, error)

	// FreeTable releases a table returned by AllocTable.
	FreeTable(t *SGTable)
}

// pageTableAllocator is the default TableAllocator.
type pageTableAllocator struct {
	pageSize uint64
	coalesce bool
}

// NewTableAllocator returns a TableAllocator. If coalesce is true,
// physically contiguous pages share one entry; otherwise every page gets
// its own entry, which some hypervisor platforms require.
func NewTableAllocator(pageSize uint64, coalesce bool) TableAllocator {
	return &pageTableAllocator{pageSize: pageSize, coalesce: coalesce}
}

// AllocTable implements TableAllocator.AllocTable.
func (a *pageTableAllocator) AllocTable(pages []Page) (*SGTable, error) {
	return NewSGTable(pages, a.pageSize, a.coalesce), nil
}

// FreeTable implements TableAllocator.FreeTable.
func (a *pageTableAllocator) FreeTable(t *SGTable) {
	t.Entries = nil
}
