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

	"github.com/google/btree"
	"gvisor.dev/nvdma/pkg/errors/nverr"
	"gvisor.dev/nvdma/pkg/hostarch"
)

// span is a range of I/O virtual addresses [start, start+size).
type span struct {
	start uint64
	size  uint64
}

func (s span) end() uint64 { return s.start + s.size }

// iovaAllocator hands out page-aligned ranges of I/O virtual addresses from
// a fixed window, first fit. Free ranges are kept in a B-tree ordered by
// start address and are merged with their neighbors when released.
//
// iovaAllocator is not thread-safe.
type iovaAllocator struct {
	pageSize uint64
	window   span
	free     *btree.BTreeG[span]
	inUse    map[uint64]uint64
}

func newIOVAAllocator(base, size, pageSize uint64) (*iovaAllocator, error) {
	if !hostarch.IsPageAligned(base, pageSize) || !hostarch.IsPageAligned(size, pageSize) || size == 0 {
		return nil, fmt.Errorf("IOVA window [%#x, +%#x) is not page aligned: %w", base, size, nverr.InvalidArgument)
	}
	if base+size < base {
		return nil, fmt.Errorf("IOVA window [%#x, +%#x) wraps: %w", base, size, nverr.InvalidArgument)
	}
	a := &iovaAllocator{
		pageSize: pageSize,
		window:   span{start: base, size: size},
		free: btree.NewG(8, func(a, b span) bool {
			return a.start < b.start
		}),
		inUse: make(map[uint64]uint64),
	}
	a.free.ReplaceOrInsert(a.window)
	return a, nil
}

// alloc returns the start of a free range of at least size bytes.
func (a *iovaAllocator) alloc(size uint64) (uint64, error) {
	rounded, ok := hostarch.PageRoundUp(size, a.pageSize)
	if !ok || rounded == 0 {
		return 0, fmt.Errorf("invalid IOVA allocation size %#x: %w", size, nverr.InvalidArgument)
	}
	size = rounded
	var found span
	a.free.Ascend(func(s span) bool {
		if s.size >= size {
			found = s
			return false
		}
		return true
	})
	if found.size == 0 {
		return 0, fmt.Errorf("no free IOVA range of %#x bytes: %w", size, nverr.NoMemory)
	}
	a.free.Delete(found)
	if found.size > size {
		a.free.ReplaceOrInsert(span{start: found.start + size, size: found.size - size})
	}
	a.inUse[found.start] = size
	return found.start, nil
}

// release returns the range allocated at start, and its size.
func (a *iovaAllocator) release(start uint64) (uint64, error) {
	size, ok := a.inUse[start]
	if !ok {
		return 0, fmt.Errorf("IOVA %#x is not allocated: %w", start, nverr.InvalidArgument)
	}
	delete(a.inUse, start)

	s := span{start: start, size: size}
	// Merge with the preceding free range.
	var (
		prev    span
		hasPrev bool
	)
	a.free.DescendLessOrEqual(span{start: start}, func(p span) bool {
		prev, hasPrev = p, true
		return false
	})
	if hasPrev && prev.end() == s.start {
		a.free.Delete(prev)
		s = span{start: prev.start, size: prev.size + s.size}
	}
	// Merge with the following free range.
	if next, ok := a.free.Get(span{start: s.end()}); ok {
		a.free.Delete(next)
		s.size += next.size
	}
	a.free.ReplaceOrInsert(s)
	return size, nil
}

// sizeOf returns the size of the range allocated at start.
func (a *iovaAllocator) sizeOf(start uint64) (uint64, bool) {
	size, ok := a.inUse[start]
	return size, ok
}

// freeBytes returns the number of unallocated bytes in the window.
func (a *iovaAllocator) freeBytes() uint64 {
	var n uint64
	a.free.Ascend(func(s span) bool {
		n += s.size
		return true
	})
	return n
}

// freeRanges returns the number of disjoint free ranges.
func (a *iovaAllocator) freeRanges() int {
	return a.free.Len()
}
