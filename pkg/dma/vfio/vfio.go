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

// Package vfio implements dma.Platform on top of a VFIO type1 IOMMU
// container, for devices bound to vfio-pci and driven from user space.
//
// Page addresses handed to this platform are host virtual addresses of
// memory pinned by the caller (or of mmapped BARs, for MMIO resources):
// VFIO pins and translates them when mapping. Every table is mapped at a
// single contiguous range of I/O virtual addresses, so MapSG always returns
// a single DMA segment.
package vfio

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/nvdma/pkg/cleanup"
	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/hostarch"
	"gvisor.dev/nvdma/pkg/log"
	"gvisor.dev/nvdma/pkg/sync"
)

// Config configures a Platform.
type Config struct {
	// ContainerPath is the path of the VFIO container, usually
	// /dev/vfio/vfio.
	ContainerPath string

	// GroupPath is the path of the IOMMU group of the device, e.g.
	// /dev/vfio/12.
	GroupPath string

	// IOVABase and IOVASize bound the I/O virtual addresses handed out.
	IOVABase uint64
	IOVASize uint64

	// PageSize is the IOMMU mapping granularity. Zero means
	// hostarch.PageSize.
	PageSize uint64
}

// iommu programs the IOMMU of a container.
type iommu interface {
	mapDMA(vaddr, iova, size uint64) error
	unmapDMA(iova, size uint64) error
	close()
}

// container is a VFIO container file descriptor.
type container struct {
	fd int32
}

func (c *container) mapDMA(vaddr, iova, size uint64) error {
	m := dmaMap{
		Argsz: sizeofDMAMap(),
		Flags: vfioDMAMapFlagRead | vfioDMAMapFlagWrite,
		Vaddr: vaddr,
		IOVA:  iova,
		Size:  size,
	}
	_, err := ioctlInvokePtrArg(c.fd, vfioIOMMUMapDMA, &m)
	return err
}

func (c *container) unmapDMA(iova, size uint64) error {
	u := dmaUnmap{
		Argsz: sizeofDMAUnmap(),
		IOVA:  iova,
		Size:  size,
	}
	_, err := ioctlInvokePtrArg(c.fd, vfioIOMMUUnmapDMA, &u)
	return err
}

func (c *container) close() {
	unix.Close(int(c.fd))
}

// Platform is a dma.Platform and dma.ResourceMapper backed by a VFIO
// container.
type Platform struct {
	iommu    iommu
	pageSize uint64

	// groupFD is the group file descriptor, or -1.
	groupFD int32

	mu sync.Mutex

	// +checklocks:mu
	iova *iovaAllocator
}

// Open opens the VFIO group of cfg, attaches it to a new container with a
// type1v2 IOMMU, and returns a Platform mapping through it.
func Open(cfg Config) (*Platform, error) {
	containerFD, err := unix.Open(cfg.ContainerPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening VFIO container %q: %w", cfg.ContainerPath, err)
	}
	c := &container{fd: int32(containerFD)}
	cu := cleanup.Make(c.close)
	defer cu.Clean()

	if v, err := ioctlInvoke(c.fd, vfioGetAPIVersion, 0); err != nil || v != vfioAPIVersion {
		return nil, fmt.Errorf("VFIO API version %d, want %d: %v", v, vfioAPIVersion, err)
	}
	if ok, err := ioctlInvoke(c.fd, vfioCheckExtension, vfioType1v2IOMMU); err != nil || ok != 1 {
		return nil, fmt.Errorf("VFIO container does not support the type1v2 IOMMU: %v", err)
	}

	groupFD, err := unix.Open(cfg.GroupPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening VFIO group %q: %w", cfg.GroupPath, err)
	}
	cu.Add(func() { unix.Close(groupFD) })

	status := groupStatus{Argsz: sizeofGroupStatus()}
	if _, err := ioctlInvokePtrArg(int32(groupFD), vfioGroupGetStatus, &status); err != nil {
		return nil, fmt.Errorf("VFIO_GROUP_GET_STATUS: %w", err)
	}
	if status.Flags&vfioGroupFlagsViable == 0 {
		return nil, fmt.Errorf("VFIO group %q is not viable; are all its devices bound to vfio-pci?", cfg.GroupPath)
	}
	if _, err := ioctlInvokePtrArg(int32(groupFD), vfioGroupSetContainer, &c.fd); err != nil {
		return nil, fmt.Errorf("VFIO_GROUP_SET_CONTAINER: %w", err)
	}
	if _, err := ioctlInvoke(c.fd, vfioSetIOMMU, vfioType1v2IOMMU); err != nil {
		return nil, fmt.Errorf("VFIO_SET_IOMMU: %w", err)
	}

	p, err := newPlatform(c, cfg)
	if err != nil {
		return nil, err
	}
	p.groupFD = int32(groupFD)
	cu.Release()
	log.Infof("VFIO group %s attached, IOVA window [%#x, +%#x)", cfg.GroupPath, cfg.IOVABase, cfg.IOVASize)
	return p, nil
}

func newPlatform(io iommu, cfg Config) (*Platform, error) {
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = hostarch.PageSize
	}
	iova, err := newIOVAAllocator(cfg.IOVABase, cfg.IOVASize, pageSize)
	if err != nil {
		return nil, err
	}
	return &Platform{iommu: io, pageSize: pageSize, groupFD: -1, iova: iova}, nil
}

// Close releases the container and group. All mappings must have been
// unmapped.
func (p *Platform) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.iova.inUse); n > 0 {
		log.Warningf("Closing VFIO container with %d live mappings", n)
	}
	if p.groupFD >= 0 {
		unix.Close(int(p.groupFD))
		p.groupFD = -1
	}
	p.iommu.close()
}

// FreeIOVA returns the number of unallocated bytes of the IOVA window.
func (p *Platform) FreeIOVA() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iova.freeBytes()
}

// mapRange maps size bytes at vaddr to a new IOVA range.
func (p *Platform) mapRange(vaddr, size uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	iova, err := p.iova.alloc(size)
	if err != nil {
		return 0, err
	}
	if err := p.iommu.mapDMA(vaddr, iova, size); err != nil {
		p.iova.release(iova)
		return 0, fmt.Errorf("VFIO_IOMMU_MAP_DMA %#x -> %#x (%#x bytes): %w", vaddr, iova, size, err)
	}
	return iova, nil
}

// unmapRange unmaps the IOVA range allocated at iova.
func (p *Platform) unmapRange(dev *dma.Device, iova uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size, ok := p.iova.sizeOf(iova)
	if !ok {
		log.Warningf("%s: unmapping unknown IOVA %#x", dev.Name, iova)
		return
	}
	if err := p.iommu.unmapDMA(iova, size); err != nil {
		// The range is leaked rather than reused while still mapped.
		log.Warningf("%s: VFIO_IOMMU_UNMAP_DMA %#x (%#x bytes): %v", dev.Name, iova, size, err)
		return
	}
	p.iova.release(iova)
}

// MapSG implements dma.Platform.MapSG. The whole table is mapped at one
// IOVA range and described by t.Entries[0].
func (p *Platform) MapSG(dev *dma.Device, t *dma.SGTable, attrs dma.Attrs) (int, error) {
	var total uint64
	for _, e := range t.Entries {
		if !hostarch.IsPageAligned(e.PhysAddr, p.pageSize) || !hostarch.IsPageAligned(e.Length, p.pageSize) {
			return 0, fmt.Errorf("entry [%#x, +%#x) is not page aligned", e.PhysAddr, e.Length)
		}
		total += e.Length
	}
	if total == 0 {
		return 0, fmt.Errorf("empty table")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	iova, err := p.iova.alloc(total)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { p.iova.release(iova) })
	defer cu.Clean()

	off := uint64(0)
	for _, e := range t.Entries {
		if err := p.iommu.mapDMA(e.PhysAddr, iova+off, e.Length); err != nil {
			return 0, fmt.Errorf("VFIO_IOMMU_MAP_DMA %#x -> %#x (%#x bytes): %w", e.PhysAddr, iova+off, e.Length, err)
		}
		entryIOVA, entrySize := iova+off, e.Length
		cu.Add(func() {
			if err := p.iommu.unmapDMA(entryIOVA, entrySize); err != nil {
				log.Warningf("%s: VFIO_IOMMU_UNMAP_DMA %#x: %v", dev.Name, entryIOVA, err)
			}
		})
		off += e.Length
	}
	cu.Release()

	for i := range t.Entries {
		t.Entries[i].DMAAddr = 0
		t.Entries[i].DMALength = 0
	}
	t.Entries[0].DMAAddr = iova
	t.Entries[0].DMALength = total
	return 1, nil
}

// UnmapSG implements dma.Platform.UnmapSG.
func (p *Platform) UnmapSG(dev *dma.Device, t *dma.SGTable, nents int, attrs dma.Attrs) {
	for i := 0; i < nents && i < t.Len(); i++ {
		if t.Entries[i].DMALength == 0 {
			continue
		}
		p.unmapRange(dev, t.Entries[i].DMAAddr)
	}
}

// MapPage implements dma.Platform.MapPage.
func (p *Platform) MapPage(dev *dma.Device, phys, size uint64, attrs dma.Attrs) (uint64, error) {
	return p.mapRange(phys, size)
}

// UnmapPage implements dma.Platform.UnmapPage.
func (p *Platform) UnmapPage(dev *dma.Device, dmaAddr, size uint64, attrs dma.Attrs) {
	p.unmapRange(dev, dmaAddr)
}

// MapResource implements dma.ResourceMapper.MapResource. phys must be the
// address of an mmapped BAR.
func (p *Platform) MapResource(dev *dma.Device, phys, size uint64) (uint64, error) {
	return p.mapRange(phys, size)
}

// UnmapResource implements dma.ResourceMapper.UnmapResource.
func (p *Platform) UnmapResource(dev *dma.Device, dmaAddr, size uint64) {
	p.unmapRange(dev, dmaAddr)
}
