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

	"gvisor.dev/nvdma/pkg/errors/nverr"
	"gvisor.dev/nvdma/pkg/hostarch"
	"gvisor.dev/nvdma/pkg/log"
)

// BAR is one PCI base address register resource of a peer device.
type BAR struct {
	// Start is the CPU physical address of the resource.
	Start uint64

	// Size is the length of the resource in bytes. Zero means unset.
	Size uint64

	// BusAddr is the PCI bus address of the resource, used by the static
	// translation fallback.
	BusAddr uint64
}

// Contains returns true if [addr, addr+size) lies within b.
func (b BAR) Contains(addr, size uint64) bool {
	if b.Size == 0 {
		return false
	}
	return hostarch.AddrRange{Start: b.Start, Limit: b.Start + b.Size - 1}.ContainsSpan(addr, size)
}

// PeerDevice is a device whose MMIO resources are mapped for direct access
// by another device.
type PeerDevice struct {
	Name string
	BARs []BAR
}

// BAR returns BAR i of p, or an unset BAR if p has no such resource.
func (p *PeerDevice) BAR(i int) BAR {
	if i < 0 || i >= len(p.BARs) {
		return BAR{}
	}
	return p.BARs[i]
}

// PeerMapping is a peer MMIO span mapped for a device.
type PeerMapping struct {
	// Device is the device the span was mapped for.
	Device *Device

	// Addr is the address handed to the device, after compression.
	Addr uint64

	// Size is the byte length of the span.
	Size uint64

	// dmaAddr is the address returned by the resource mapper.
	dmaAddr uint64

	// dynamic is true if the span has an IOMMU entry to undo.
	dynamic bool
}

// Dynamic returns true if pm was mapped through the platform's resource
// mapper rather than the static bus address translation.
func (pm PeerMapping) Dynamic() bool { return pm.dynamic }

// PeerOptions configures a PeerMapper.
type PeerOptions struct {
	// Resources creates IOMMU entries for MMIO spans. If nil, only the
	// static fallback is available.
	Resources ResourceMapper

	// StaticFallback enables translating peer addresses to PCI bus
	// addresses without an IOMMU entry when Resources is nil. This is only
	// correct on platforms where devices reach each other's BARs at their
	// bus address.
	StaticFallback bool

	// Transform encodes addresses for devices with CompressedInterconnect
	// set. If nil, IdentityTransform is used.
	Transform Transform

	// PageSize is the unit of page counts. Zero means hostarch.PageSize.
	PageSize uint64

	// Metrics receives peer mapping counters. May be nil.
	Metrics *Metrics
}

// PeerMapper maps peer MMIO resources for devices.
type PeerMapper struct {
	resources      ResourceMapper
	staticFallback bool
	transform      Transform
	pageSize       uint64
	metrics        *Metrics
}

// NewPeerMapper returns a PeerMapper.
func NewPeerMapper(opts PeerOptions) *PeerMapper {
	pm := &PeerMapper{
		resources:      opts.Resources,
		staticFallback: opts.StaticFallback,
		transform:      opts.Transform,
		pageSize:       opts.PageSize,
		metrics:        opts.Metrics,
	}
	if pm.transform == nil {
		pm.transform = IdentityTransform{}
	}
	if pm.pageSize == 0 {
		pm.pageSize = hostarch.PageSize
	}
	return pm
}

// MapPeerBAR maps pageCount pages of peer's BAR bar, starting at the CPU
// physical address addr, for dev.
func (p *PeerMapper) MapPeerBAR(dev *Device, peer *PeerDevice, bar int, pageCount, addr uint64) (PeerMapping, error) {
	pm, err := p.mapPeerBAR(dev, peer, bar, pageCount, addr)
	p.metrics.recordPeer(err)
	return pm, err
}

func (p *PeerMapper) mapPeerBAR(dev *Device, peer *PeerDevice, bar int, pageCount, addr uint64) (PeerMapping, error) {
	res := peer.BAR(bar)
	if res.Size == 0 {
		log.Warningf("%s: peer %s BAR %d is unset", dev.Name, peer.Name, bar)
		return PeerMapping{}, fmt.Errorf("peer %s BAR %d is unset: %w", peer.Name, bar, nverr.InvalidRequest)
	}
	size := pageCount * p.pageSize
	if pageCount == 0 || size/p.pageSize != pageCount || !res.Contains(addr, size) {
		log.Warningf("%s: peer %s span [%#x, +%d pages) outside BAR %d [%#x, +%#x)", dev.Name, peer.Name, addr, pageCount, bar, res.Start, res.Size)
		return PeerMapping{}, fmt.Errorf("peer %s span %#x+%d pages outside BAR %d: %w", peer.Name, addr, pageCount, bar, nverr.InvalidRequest)
	}

	if p.resources != nil {
		return p.mapResource(dev, addr, size)
	}
	if !p.staticFallback {
		return PeerMapping{}, fmt.Errorf("%s: platform cannot map MMIO and static translation is disabled: %w", dev.Name, nverr.NotSupported)
	}
	bus := res.BusAddr + (addr - res.Start)
	log.Debugf("%s: peer %s BAR %d: static translation %#x -> %#x", dev.Name, peer.Name, bar, addr, bus)
	return PeerMapping{Device: dev, Addr: bus, Size: size}, nil
}

// UnmapPeerBAR reverses MapPeerBAR. Statically translated spans have
// nothing to undo.
func (p *PeerMapper) UnmapPeerBAR(pm PeerMapping) {
	if !pm.dynamic || p.resources == nil {
		return
	}
	p.resources.UnmapResource(pm.Device, pm.dmaAddr, pm.Size)
	log.Debugf("%s: unmapped MMIO %#x (%#x bytes)", pm.Device.Name, pm.dmaAddr, pm.Size)
}

// MapMMIO maps pageCount pages of MMIO space starting at the CPU physical
// address phys for dev. Unlike MapPeerBAR, there is no resource to check the
// span against and no fallback.
func (p *PeerMapper) MapMMIO(dev *Device, phys, pageCount uint64) (PeerMapping, error) {
	pm, err := p.mapMMIO(dev, phys, pageCount)
	p.metrics.recordPeer(err)
	return pm, err
}

func (p *PeerMapper) mapMMIO(dev *Device, phys, pageCount uint64) (PeerMapping, error) {
	if p.resources == nil {
		return PeerMapping{}, fmt.Errorf("%s: platform cannot map MMIO: %w", dev.Name, nverr.NotSupported)
	}
	size := pageCount * p.pageSize
	if pageCount == 0 || size/p.pageSize != pageCount {
		return PeerMapping{}, fmt.Errorf("%s: invalid MMIO page count %d: %w", dev.Name, pageCount, nverr.InvalidArgument)
	}
	return p.mapResource(dev, phys, size)
}

// UnmapMMIO reverses MapMMIO.
func (p *PeerMapper) UnmapMMIO(pm PeerMapping) {
	p.UnmapPeerBAR(pm)
}

func (p *PeerMapper) mapResource(dev *Device, phys, size uint64) (PeerMapping, error) {
	dmaAddr, err := p.resources.MapResource(dev, phys, size)
	if err != nil {
		log.Warningf("%s: failed to map MMIO %#x (%#x bytes): %v", dev.Name, phys, size, err)
		return PeerMapping{}, fmt.Errorf("%s: mapping MMIO %#x: %v: %w", dev.Name, phys, err, nverr.OperatingSystem)
	}
	addr := dmaAddr
	if dev.CompressedInterconnect {
		addr = p.transform.Compress(addr)
	}
	log.Debugf("%s: mapped MMIO %#x (%#x bytes) at %#x", dev.Name, phys, size, addr)
	return PeerMapping{Device: dev, Addr: addr, Size: size, dmaAddr: dmaAddr, dynamic: true}, nil
}
