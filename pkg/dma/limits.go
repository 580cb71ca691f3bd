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
	"math"

	"gvisor.dev/nvdma/pkg/errors/nverr"
	"gvisor.dev/nvdma/pkg/hostarch"
)

// Limits are the platform constants that bound a mapping.
type Limits struct {
	// PageSize is the CPU page size. Every Page describes PageSize bytes.
	PageSize uint64

	// IOPageSize is the IOMMU page size. If it is larger than PageSize,
	// submaps are kept aligned to it. Zero means PageSize.
	IOPageSize uint64

	// MaxSegmentLength is the largest byte length a single scatter-gather
	// table may describe. Zero means math.MaxUint32, the limit imposed by
	// the 32-bit lengths of Linux scatterlists.
	MaxSegmentLength uint64

	// MaxPhysicalPages bounds the page count of a single mapping. Zero means
	// unbounded.
	MaxPhysicalPages uint64
}

// DefaultLimits returns the limits of the host.
func DefaultLimits() Limits {
	return Limits{
		PageSize:         hostarch.PageSize,
		IOPageSize:       hostarch.PageSize,
		MaxSegmentLength: math.MaxUint32,
		MaxPhysicalPages: hostPhysicalPages(hostarch.PageSize),
	}
}

func (l Limits) ioPageSize() uint64 {
	if l.IOPageSize == 0 {
		return l.PageSize
	}
	return l.IOPageSize
}

func (l Limits) maxSegmentLength() uint64 {
	if l.MaxSegmentLength == 0 {
		return math.MaxUint32
	}
	return l.MaxSegmentLength
}

// Validate checks that l describes a usable platform.
func (l Limits) Validate() error {
	if !hostarch.IsPowerOfTwo(l.PageSize) {
		return fmt.Errorf("page size %#x is not a power of two: %w", l.PageSize, nverr.InvalidArgument)
	}
	if io := l.ioPageSize(); !hostarch.IsPowerOfTwo(io) || io < l.PageSize {
		return fmt.Errorf("I/O page size %#x is not a power of two multiple of page size %#x: %w", io, l.PageSize, nverr.InvalidArgument)
	}
	if l.SubmapMaxPages() == 0 {
		return fmt.Errorf("max segment length %#x cannot hold a submap: %w", l.maxSegmentLength(), nverr.InvalidArgument)
	}
	return nil
}

// SubmapMaxPages returns the number of pages a single submap may hold.
//
// This is floor(MaxSegmentLength / PageSize). When the IOMMU page is larger
// than the CPU page, the count is rounded down to a whole number of IOMMU
// pages and reduced by one more IOMMU page, so that every submap starts on
// an IOMMU page boundary and a segment never needs to extend into a
// partial coarse page.
func (l Limits) SubmapMaxPages() uint32 {
	if l.PageSize == 0 {
		return 0
	}
	pages := min(l.maxSegmentLength()/l.PageSize, math.MaxUint32)
	if io := l.ioPageSize(); io > l.PageSize {
		coarse := io / l.PageSize
		pages = hostarch.PageRoundDown(pages, coarse)
		if pages <= coarse {
			return 0
		}
		pages -= coarse
	}
	return uint32(pages)
}
