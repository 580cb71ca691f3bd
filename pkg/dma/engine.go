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
	"gvisor.dev/nvdma/pkg/log"
	"gvisor.dev/nvdma/pkg/sync"
)

// Handle identifies a mapping owned by an Engine. The zero Handle is never
// valid.
type Handle uint64

// MapRequest describes pages to map through an Engine.
type MapRequest struct {
	// Pages are the pages to map, in order. Ignored if Import is set.
	Pages []Page

	// Import is a table already mapped by its exporter.
	Import *SGTable

	// PageCount is the number of pages described by Import.
	PageCount uint64

	// Contiguous forces a single contiguous mapping of Pages.
	Contiguous bool

	// CacheType is the CPU caching attribute of the memory.
	CacheType CacheType
}

// Engine owns mappings on behalf of callers that refer to them by Handle.
//
// Building and tearing down a mapping happens under a single lock, so a
// partially built mapping is never visible to concurrent callers.
type Engine struct {
	mapper  *Mapper
	peer    *PeerMapper
	metrics *Metrics

	mu sync.Mutex

	// next is the next Handle to allocate.
	//
	// +checklocks:mu
	next Handle

	// mappings are the live mappings.
	//
	// +checklocks:mu
	mappings map[Handle]*Mapping

	// peers are the live peer mappings.
	//
	// +checklocks:mu
	peers map[Handle]PeerMapping

	// closed is set by Close.
	//
	// +checklocks:mu
	closed bool
}

// NewEngine returns an Engine. If metrics is nil, the Engine allocates its
// own; either way the same counters are shared by mapper and peer.
func NewEngine(opts Options, peerOpts PeerOptions) (*Engine, error) {
	if opts.Metrics == nil {
		opts.Metrics = &Metrics{}
	}
	if peerOpts.Metrics == nil {
		peerOpts.Metrics = opts.Metrics
	}
	if peerOpts.Transform == nil {
		peerOpts.Transform = opts.Transform
	}
	if peerOpts.PageSize == 0 {
		peerOpts.PageSize = opts.Limits.PageSize
	}
	mapper, err := NewMapper(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{
		mapper:   mapper,
		peer:     NewPeerMapper(peerOpts),
		metrics:  opts.Metrics,
		next:     1,
		mappings: make(map[Handle]*Mapping),
		peers:    make(map[Handle]PeerMapping),
	}, nil
}

// Mapper returns the Mapper used by e.
func (e *Engine) Mapper() *Mapper { return e.mapper }

// Metrics returns the counters of e.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// +checklocks:e.mu
func (e *Engine) allocHandle() Handle {
	h := e.next
	e.next++
	return h
}

// Map maps req for dev and returns the mapping's Handle and one device
// address per page.
func (e *Engine) Map(dev *Device, req MapRequest) (Handle, []uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, nil, fmt.Errorf("engine closed: %w", nverr.InvalidRequest)
	}

	var (
		dm    *Mapping
		addrs []uint64
		err   error
	)
	if req.Import != nil {
		dm, addrs, err = e.mapper.MapExternalTable(dev, req.Import, req.PageCount, req.CacheType)
	} else {
		dm, addrs, err = e.mapper.MapPages(dev, req.Pages, req.Contiguous, req.CacheType)
	}
	if err != nil {
		return 0, nil, err
	}
	h := e.allocHandle()
	e.mappings[h] = dm
	return h, addrs, nil
}

// Unmap tears down the mapping h, which must have been created for dev.
func (e *Engine) Unmap(dev *Device, h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	dm, ok := e.mappings[h]
	if !ok {
		return fmt.Errorf("unknown mapping handle %d: %w", h, nverr.InvalidArgument)
	}
	if dm.device != dev {
		return fmt.Errorf("mapping handle %d belongs to %s, not %s: %w", h, dm.device.Name, dev.Name, nverr.InvalidArgument)
	}
	delete(e.mappings, h)
	e.mapper.Unmap(dm)
	return nil
}

// SyncForDevice flushes CPU caches for the mapping h.
func (e *Engine) SyncForDevice(dev *Device, h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	dm, ok := e.mappings[h]
	if !ok || dm.device != dev {
		return fmt.Errorf("unknown mapping handle %d for %s: %w", h, dev.Name, nverr.InvalidArgument)
	}
	e.mapper.SyncForDevice(dm)
	return nil
}

// MapPeer maps pageCount pages of peer's BAR bar at addr for dev, and
// returns the Handle and device address of the span.
func (e *Engine) MapPeer(dev *Device, peer *PeerDevice, bar int, pageCount, addr uint64) (Handle, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, 0, fmt.Errorf("engine closed: %w", nverr.InvalidRequest)
	}
	pm, err := e.peer.MapPeerBAR(dev, peer, bar, pageCount, addr)
	if err != nil {
		return 0, 0, err
	}
	h := e.allocHandle()
	e.peers[h] = pm
	return h, pm.Addr, nil
}

// MapMMIO maps pageCount pages of MMIO space at phys for dev.
func (e *Engine) MapMMIO(dev *Device, phys, pageCount uint64) (Handle, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, 0, fmt.Errorf("engine closed: %w", nverr.InvalidRequest)
	}
	pm, err := e.peer.MapMMIO(dev, phys, pageCount)
	if err != nil {
		return 0, 0, err
	}
	h := e.allocHandle()
	e.peers[h] = pm
	return h, pm.Addr, nil
}

// UnmapPeer reverses MapPeer or MapMMIO.
func (e *Engine) UnmapPeer(dev *Device, h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pm, ok := e.peers[h]
	if !ok || pm.Device != dev {
		return fmt.Errorf("unknown peer mapping handle %d for %s: %w", h, dev.Name, nverr.InvalidArgument)
	}
	delete(e.peers, h)
	e.peer.UnmapPeerBAR(pm)
	return nil
}

// Len returns the number of live mappings, peer mappings included.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.mappings) + len(e.peers)
}

// Close tears down every live mapping. Subsequent map requests fail.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if n := len(e.mappings) + len(e.peers); n > 0 {
		log.Infof("Tearing down %d live DMA mappings", n)
	}
	for h, dm := range e.mappings {
		e.mapper.Unmap(dm)
		delete(e.mappings, h)
	}
	for h, pm := range e.peers {
		e.peer.UnmapPeerBAR(pm)
		delete(e.peers, h)
	}
}
