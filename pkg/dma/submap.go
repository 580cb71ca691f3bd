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
)

// submap is one bounded chunk of a discontiguous mapping, small enough for a
// single platform scatter-gather call.
//
// The Linux scatterlist code uses unsigned int lengths throughout, so
// mappings of 4GB or more are split into submaps of at most
// Limits.SubmapMaxPages pages and managed separately.
type submap struct {
	// pageCount is the number of pages in this submap. Zero marks a slot
	// whose table was never built.
	pageCount uint32

	// mappedCount is the number of DMA segments returned by the platform.
	// Zero marks a submap that is not mapped.
	mappedCount uint32

	table *SGTable

	// imported is true if table belongs to an exporter, in which case it is
	// neither unmapped nor freed here.
	imported bool
}

// submapCount returns the number of submaps needed for pageCount pages.
func submapCount(pageCount uint64, maxPages uint32) uint64 {
	n := uint64(maxPages)
	return (pageCount + n - 1) / n
}

// submapRange returns the page offset and page count of submap i.
func submapRange(i, pageCount uint64, maxPages uint32) (offset uint64, count uint32) {
	offset = i * uint64(maxPages)
	return offset, uint32(min(uint64(maxPages), pageCount-offset))
}

// createSubmaps builds the submap array of dm.
//
// On failure, the failed submap's page count is reset to zero and the
// remaining slots are left empty; the caller must call destroySubmaps to
// release the tables built so far.
func (m *Mapper) createSubmaps(dm *Mapping) error {
	count := submapCount(dm.pageCount, m.submapMaxPages)
	if dm.importTable != nil && count != 1 {
		return fmt.Errorf("imported table of %d pages needs %d submaps: %w", dm.pageCount, count, nverr.InvalidArgument)
	}

	dm.submaps = make([]submap, count)
	for i := range dm.submaps {
		sm := &dm.submaps[i]
		offset, pages := submapRange(uint64(i), dm.pageCount, m.submapMaxPages)
		sm.pageCount = pages

		if dm.importTable != nil {
			sm.table = dm.importTable
			sm.imported = true
			continue
		}

		t, err := m.allocator.AllocTable(dm.pages[offset : offset+uint64(pages)])
		if err != nil {
			sm.pageCount = 0
			return fmt.Errorf("allocating table for submap %d: %v: %w", i, err, nverr.OperatingSystem)
		}
		sm.table = t
	}
	return nil
}

// mapSubmaps maps every submap of dm in order. Imported submaps are already
// mapped by their exporter. On failure, the submaps mapped so far are
// unmapped.
func (m *Mapper) mapSubmaps(dm *Mapping) error {
	attrs := dm.attrs()
	for i := range dm.submaps {
		sm := &dm.submaps[i]
		if sm.imported {
			sm.mappedCount = uint32(sm.table.Len())
			continue
		}

		n, err := m.platform.MapSG(dm.device, sm.table, attrs)
		if err == nil && n == 0 {
			err = fmt.Errorf("no segments mapped")
		}
		if err != nil {
			log.Warningf("%s: failed to map submap %d of %d (%d pages): %v", dm.device.Name, i, len(dm.submaps), sm.pageCount, err)
			m.unmapSubmaps(dm)
			return fmt.Errorf("mapping submap %d: %v: %w", i, err, nverr.OperatingSystem)
		}
		sm.mappedCount = uint32(n)
	}
	return nil
}

// unmapSubmaps unmaps dm's submaps. Submaps are mapped in order, so the
// first unmapped submap marks the end of the mapped ones.
func (m *Mapper) unmapSubmaps(dm *Mapping) {
	attrs := dm.attrs()
	for i := range dm.submaps {
		sm := &dm.submaps[i]
		if sm.mappedCount == 0 {
			break
		}
		if !sm.imported {
			m.platform.UnmapSG(dm.device, sm.table, int(sm.mappedCount), attrs)
		}
		sm.mappedCount = 0
	}
}

// destroySubmaps frees the tables of dm's submaps and drops the submap
// array. It is safe to call on a partially built or already destroyed
// mapping.
func (m *Mapper) destroySubmaps(dm *Mapping) {
	for i := range dm.submaps {
		sm := &dm.submaps[i]
		if sm.pageCount == 0 || sm.imported {
			continue
		}
		m.allocator.FreeTable(sm.table)
		sm.table = nil
		sm.pageCount = 0
	}
	dm.submaps = nil
}

// loadAddresses writes the device address of every page of dm into out, in
// page order, and returns the number of addresses written. Segments merged
// by the platform are expanded back into one address per page.
func (m *Mapper) loadAddresses(dm *Mapping, out []uint64) uint64 {
	pageSize := m.limits.PageSize
	var k uint64
	for i := range dm.submaps {
		sm := &dm.submaps[i]
		for addr, pages := range sm.table.DMASegments(int(sm.mappedCount), pageSize) {
			for ; pages > 0 && k < dm.pageCount; pages-- {
				out[k] = addr
				addr += pageSize
				k++
			}
		}
	}
	return k
}
