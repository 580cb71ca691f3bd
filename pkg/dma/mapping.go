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

import (
	"fmt"
	"time"

	"gvisor.dev/nvdma/pkg/cleanup"
	"gvisor.dev/nvdma/pkg/errors/nverr"
	"gvisor.dev/nvdma/pkg/hostarch"
	"gvisor.dev/nvdma/pkg/log"
	"gvisor.dev/nvdma/pkg/sync"
)

// Mapping is one logical DMA mapping: either a single contiguous range, or a
// list of submaps.
//
// A Mapping owns its submap array and the page array it was built from when
// that array was created by PagesFromAddrs, but never the underlying page
// memory. It is mutated only while it is built and torn down.
type Mapping struct {
	device     *Device
	pages      []Page
	pageCount  uint64
	contiguous bool
	cacheType  CacheType

	// importTable is the exporter's table for mappings created by
	// MapExternalTable.
	importTable *SGTable

	// contigAddr is the device address of a contiguous mapping, before any
	// address compression.
	contigAddr uint64

	// submaps is the submap array of a discontiguous mapping.
	submaps []submap
}

// Device returns the device m was built against.
func (dm *Mapping) Device() *Device { return dm.device }

// PageCount returns the number of pages in m.
func (dm *Mapping) PageCount() uint64 { return dm.pageCount }

// Contiguous returns true if m is a single contiguous range.
func (dm *Mapping) Contiguous() bool { return dm.contiguous }

// Imported returns true if m wraps an exporter's table.
func (dm *Mapping) Imported() bool { return dm.importTable != nil }

// CacheType returns the cache type m was created with.
func (dm *Mapping) CacheType() CacheType { return dm.cacheType }

// SubmapCount returns the number of submaps of a discontiguous mapping.
func (dm *Mapping) SubmapCount() int { return len(dm.submaps) }

// SubmapPages returns the page count of every submap, in order.
func (dm *Mapping) SubmapPages() []uint32 {
	counts := make([]uint32, len(dm.submaps))
	for i := range dm.submaps {
		counts[i] = dm.submaps[i].pageCount
	}
	return counts
}

func (dm *Mapping) attrs() Attrs {
	if dm.cacheType.deviceOwned() {
		return AttrSkipCPUSync
	}
	return 0
}

// PagesFromAddrs returns a page array mirroring addrs, which must be page
// aligned.
func PagesFromAddrs(addrs []uint64, pageSize uint64) ([]Page, error) {
	pages := make([]Page, len(addrs))
	for i, a := range addrs {
		if !hostarch.IsPageAligned(a, pageSize) {
			return nil, fmt.Errorf("address %d (%#x) is not page aligned: %w", i, a, nverr.InvalidArgument)
		}
		pages[i] = Page{PhysAddr: a}
	}
	return pages, nil
}

// Options configures a Mapper.
type Options struct {
	// Platform is the host DMA primitive. Required.
	Platform Platform

	// Limits bounds mappings. The zero value is invalid; use DefaultLimits.
	Limits Limits

	// Allocator builds scatter-gather tables. If nil, a TableAllocator
	// coalescing contiguous pages iff Coalesce is set is used.
	Allocator TableAllocator

	// Coalesce selects the default allocator's behavior.
	Coalesce bool

	// Transform encodes addresses for devices with CompressedInterconnect
	// set. If nil, IdentityTransform is used.
	Transform Transform

	// CheckIdentity makes the Mapper verify that Transform leaves the
	// addresses of other devices unchanged, and warn if it does not.
	CheckIdentity bool

	// NonCoherent is true if CPU caches are not coherent with device DMA,
	// in which case SyncForDevice flushes through the platform.
	NonCoherent bool

	// Metrics receives mapping counters. May be nil.
	Metrics *Metrics
}

// Mapper maps pages for devices.
//
// A Mapper is safe for concurrent use; the Mappings it returns are not.
type Mapper struct {
	platform       Platform
	allocator      TableAllocator
	limits         Limits
	submapMaxPages uint32
	transform      Transform
	checkIdentity  bool
	nonCoherent    bool
	metrics        *Metrics

	// divergence is rate limited: one misconfigured platform would
	// otherwise log once per page.
	divergence log.Logger

	// bounceWarned records devices already warned about bounce buffers.
	bounceMu     sync.Mutex
	bounceWarned map[*Device]struct{}
}

// NewMapper returns a Mapper.
func NewMapper(opts Options) (*Mapper, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("no platform: %w", nverr.InvalidArgument)
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	m := &Mapper{
		platform:       opts.Platform,
		allocator:      opts.Allocator,
		limits:         opts.Limits,
		submapMaxPages: opts.Limits.SubmapMaxPages(),
		transform:      opts.Transform,
		checkIdentity:  opts.CheckIdentity,
		nonCoherent:    opts.NonCoherent,
		metrics:        opts.Metrics,
		divergence:     log.BasicRateLimitedLogger(time.Minute),
		bounceWarned:   make(map[*Device]struct{}),
	}
	if m.allocator == nil {
		m.allocator = NewTableAllocator(opts.Limits.PageSize, opts.Coalesce)
	}
	if m.transform == nil {
		m.transform = IdentityTransform{}
	}
	log.Debugf("DMA mapper: page size %#x, I/O page size %#x, %d pages per submap", m.limits.PageSize, m.limits.ioPageSize(), m.submapMaxPages)
	return m, nil
}

// Limits returns the limits m was created with.
func (m *Mapper) Limits() Limits { return m.limits }

// SubmapMaxPages returns the capacity of a submap.
func (m *Mapper) SubmapMaxPages() uint32 { return m.submapMaxPages }

// Transform returns the address transform of m.
func (m *Mapper) Transform() Transform { return m.transform }

// MapPages maps pages for dev and returns the mapping together with one
// device address per page, in page order.
//
// A single page, or any page set when contiguous is true, is mapped with a
// single platform call over the whole span; pages must then be physically
// contiguous. Otherwise pages are mapped through submaps. On failure nothing
// remains mapped.
func (m *Mapper) MapPages(dev *Device, pages []Page, contiguous bool, cacheType CacheType) (*Mapping, []uint64, error) {
	dm, addrs, err := m.mapPages(dev, pages, contiguous, cacheType)
	m.metrics.recordMap(dm, err)
	return dm, addrs, err
}

func (m *Mapper) mapPages(dev *Device, pages []Page, contiguous bool, cacheType CacheType) (*Mapping, []uint64, error) {
	pageCount := uint64(len(pages))
	if err := m.checkPageCount(dev, pageCount); err != nil {
		return nil, nil, err
	}
	m.warnBounceBuffers(dev)

	dm := &Mapping{
		device:    dev,
		pages:     pages,
		pageCount: pageCount,
		cacheType: cacheType,
		// Single pages are always mapped contiguously, which avoids the
		// overhead of a scatter-gather table.
		contiguous: contiguous || pageCount == 1,
	}

	var addrs []uint64
	var err error
	if dm.contiguous {
		addrs, err = m.mapContiguous(dm)
	} else {
		addrs, err = m.mapDiscontiguous(dm)
	}
	if err != nil {
		dm.release()
		return nil, nil, err
	}
	m.compressAddresses(dev, addrs)
	log.Debugf("%s: mapped %d pages (contiguous %t, %d submaps, %v)", dev.Name, pageCount, dm.contiguous, len(dm.submaps), cacheType)
	return dm, addrs, nil
}

// MapExternalTable wraps a table already mapped by an exporter. The table is
// not mapped again, and is neither unmapped nor freed by Unmap; it must hold
// at least pageCount pages and fit in a single submap.
func (m *Mapper) MapExternalTable(dev *Device, t *SGTable, pageCount uint64, cacheType CacheType) (*Mapping, []uint64, error) {
	dm, addrs, err := m.mapExternalTable(dev, t, pageCount, cacheType)
	m.metrics.recordMap(dm, err)
	return dm, addrs, err
}

func (m *Mapper) mapExternalTable(dev *Device, t *SGTable, pageCount uint64, cacheType CacheType) (*Mapping, []uint64, error) {
	if t == nil {
		return nil, nil, fmt.Errorf("no table to import: %w", nverr.InvalidArgument)
	}
	if err := m.checkPageCount(dev, pageCount); err != nil {
		return nil, nil, err
	}
	dm := &Mapping{
		device:      dev,
		pageCount:   pageCount,
		cacheType:   cacheType,
		importTable: t,
	}
	addrs, err := m.mapDiscontiguous(dm)
	if err != nil {
		dm.release()
		return nil, nil, err
	}
	m.compressAddresses(dev, addrs)
	log.Debugf("%s: imported table of %d entries for %d pages", dev.Name, t.Len(), pageCount)
	return dm, addrs, nil
}

func (m *Mapper) checkPageCount(dev *Device, pageCount uint64) error {
	if pageCount == 0 {
		return fmt.Errorf("%s: empty mapping: %w", dev.Name, nverr.InvalidArgument)
	}
	if max := m.limits.MaxPhysicalPages; max != 0 && pageCount > max {
		log.Warningf("%s: DMA mapping request too large: %d pages, host has %d", dev.Name, pageCount, max)
		return fmt.Errorf("%s: %d pages exceeds host memory: %w", dev.Name, pageCount, nverr.InvalidRequest)
	}
	return nil
}

func (m *Mapper) mapContiguous(dm *Mapping) ([]uint64, error) {
	dev := dm.device
	size := dm.pageCount * m.limits.PageSize
	addr, err := m.platform.MapPage(dev, dm.pages[0].PhysAddr, size, dm.attrs())
	if err != nil {
		log.Warningf("%s: failed to map %#x bytes at %#x: %v", dev.Name, size, dm.pages[0].PhysAddr, err)
		return nil, fmt.Errorf("%s: mapping contiguous range: %v: %w", dev.Name, err, nverr.OperatingSystem)
	}
	if !dev.IsAddressable(addr, size) {
		log.Warningf("%s: DMA address range [%#x, %#x) not in addressable range %v", dev.Name, addr, addr+size, dev.AddressableRange)
		m.platform.UnmapPage(dev, addr, size, dm.attrs())
		return nil, fmt.Errorf("%s: DMA address %#x: %w", dev.Name, addr, nverr.InvalidAddress)
	}
	dm.contigAddr = addr
	return []uint64{addr}, nil
}

// mapDiscontiguous runs create, map, load and verify over the submaps of
// dm, unwinding everything on failure.
func (m *Mapper) mapDiscontiguous(dm *Mapping) ([]uint64, error) {
	dev := dm.device
	cu := cleanup.Make(func() { m.destroySubmaps(dm) })
	defer cu.Clean()

	if err := m.createSubmaps(dm); err != nil {
		return nil, err
	}
	if err := m.mapSubmaps(dm); err != nil {
		return nil, err
	}
	cu.Add(func() { m.unmapSubmaps(dm) })

	addrs := make([]uint64, dm.pageCount)
	if n := m.loadAddresses(dm, addrs); n != dm.pageCount {
		log.Warningf("%s: mapped segments cover %d of %d pages", dev.Name, n, dm.pageCount)
		if dm.importTable != nil {
			return nil, fmt.Errorf("%s: imported table covers %d of %d pages: %w", dev.Name, n, dm.pageCount, nverr.InvalidArgument)
		}
		return nil, fmt.Errorf("%s: mapped segments cover %d of %d pages: %w", dev.Name, n, dm.pageCount, nverr.OperatingSystem)
	}

	// Reject the whole mapping if any single page is out of range.
	for i, addr := range addrs {
		if !dev.IsAddressable(addr, m.limits.PageSize) {
			log.Warningf("%s: DMA address %#x of page %d not in addressable range %v", dev.Name, addr, i, dev.AddressableRange)
			return nil, fmt.Errorf("%s: DMA address %#x of page %d: %w", dev.Name, addr, i, nverr.InvalidAddress)
		}
	}

	cu.Release()
	return addrs, nil
}

// compressAddresses applies the interconnect transform to addrs in place
// when dev requires it. For other devices, the transform is expected to be
// the identity and is only checked.
func (m *Mapper) compressAddresses(dev *Device, addrs []uint64) {
	if dev.CompressedInterconnect {
		for i, addr := range addrs {
			addrs[i] = m.transform.Compress(addr)
		}
		return
	}
	if !m.checkIdentity {
		return
	}
	for _, addr := range addrs {
		if c := m.transform.Compress(addr); c != addr {
			m.divergence.Warningf("%s: address transform changes %#x to %#x on a device without compressed addressing; platform configuration is inconsistent", dev.Name, addr, c)
			return
		}
	}
}

// warnBounceBuffers warns, once per device, that the platform may bounce
// DMA for dev. Bounced addresses do not point at the caller's pages, so
// they are unusable for GPU page tables.
func (m *Mapper) warnBounceBuffers(dev *Device) {
	bb, ok := m.platform.(BounceBufferer)
	if !ok || !bb.UsesBounceBuffers(dev) {
		return
	}
	m.bounceMu.Lock()
	defer m.bounceMu.Unlock()
	if _, ok := m.bounceWarned[dev]; ok {
		return
	}
	m.bounceWarned[dev] = struct{}{}
	log.Warningf("%s: DMA mappings may use bounce buffers; device accesses will not reach the mapped pages", dev.Name)
}

// Unmap tears down dm. It is idempotent.
func (m *Mapper) Unmap(dm *Mapping) {
	if dm.device == nil {
		return
	}
	if dm.contiguous {
		m.platform.UnmapPage(dm.device, dm.contigAddr, dm.pageCount*m.limits.PageSize, dm.attrs())
	} else {
		m.unmapSubmaps(dm)
		m.destroySubmaps(dm)
	}
	log.Debugf("%s: unmapped %d pages", dm.device.Name, dm.pageCount)
	m.metrics.recordUnmap()
	dm.release()
}

// release drops the buffers owned by dm.
func (dm *Mapping) release() {
	dm.pages = nil
	dm.submaps = nil
	dm.importTable = nil
	dm.contigAddr = 0
	dm.pageCount = 0
	dm.device = nil
}

// SyncForDevice flushes CPU caches for dm on platforms that are not cache
// coherent with device DMA. It is a no-op elsewhere.
func (m *Mapper) SyncForDevice(dm *Mapping) {
	if !m.nonCoherent || dm.device == nil {
		return
	}
	s, ok := m.platform.(DeviceSyncer)
	if !ok {
		return
	}
	if dm.contiguous {
		s.SyncSingleForDevice(dm.device, dm.contigAddr, dm.pageCount*m.limits.PageSize)
		return
	}
	for i := range dm.submaps {
		sm := &dm.submaps[i]
		if sm.mappedCount == 0 {
			break
		}
		s.SyncSGForDevice(dm.device, sm.table, int(sm.mappedCount))
	}
}
