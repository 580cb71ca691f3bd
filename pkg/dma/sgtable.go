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
	"iter"

	"gvisor.dev/nvdma/pkg/hostarch"
)

// SGEntry is one scatter-gather entry.
//
// PhysAddr and Length describe the input; DMAAddr and DMALength are filled
// in by the platform when the table is mapped. After mapping, the first n
// entries (n being the count returned by Platform.MapSG) describe the DMA
// segments; a segment may cover the input of several entries.
type SGEntry struct {
	PhysAddr  uint64
	Length    uint64
	DMAAddr   uint64
	DMALength uint64
}

// SGTable is an ordered list of scatter-gather entries.
type SGTable struct {
	Entries []SGEntry
}

// NewSGTable returns a table describing pages in order. If coalesce is true,
// runs of physically contiguous pages are described by a single entry.
func NewSGTable(pages []Page, pageSize uint64, coalesce bool) *SGTable {
	t := &SGTable{Entries: make([]SGEntry, 0, len(pages))}
	for _, p := range pages {
		if n := len(t.Entries); coalesce && n > 0 {
			last := &t.Entries[n-1]
			if last.PhysAddr+last.Length == p.PhysAddr {
				last.Length += pageSize
				continue
			}
		}
		t.Entries = append(t.Entries, SGEntry{PhysAddr: p.PhysAddr, Length: pageSize})
	}
	return t
}

// Len returns the number of input entries.
func (t *SGTable) Len() int {
	return len(t.Entries)
}

// Pages returns the number of pageSize pages described by the input
// entries.
func (t *SGTable) Pages(pageSize uint64) uint64 {
	var n uint64
	for _, e := range t.Entries {
		n += hostarch.PagesRoundUp(e.Length, pageSize)
	}
	return n
}

// DMASegments returns an iterator over the first nents DMA segments of the
// table, yielding each segment's device address and the number of pageSize
// pages it covers. Segments with a zero DMA length yield no pages.
func (t *SGTable) DMASegments(nents int, pageSize uint64) iter.Seq2[uint64, uint64] {
	return func(yield func(uint64, uint64) bool) {
		n := min(nents, len(t.Entries))
		for i := 0; i < n; i++ {
			e := &t.Entries[i]
			if e.DMALength == 0 {
				continue
			}
			if !yield(e.DMAAddr, hostarch.PagesRoundUp(e.DMALength, pageSize)) {
				return
			}
		}
	}
}
