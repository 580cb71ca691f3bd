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

// Package dma prepares ranges of physical memory for access by a GPU's DMA
// engine.
//
// A Mapper turns an ordered set of page-sized buffers (or a scatter-gather
// table imported from another subsystem) into an array of device-visible
// addresses, one per page, in the order the pages were supplied. Large
// requests are split into submaps that each fit the platform's
// scatter-gather length limit. Every multi-step operation unwinds completely
// on failure: callers observe either a fully mapped result or no mapping at
// all.
//
// The host DMA primitive is supplied by a Platform; optional capabilities
// (MMIO resource mapping, cache maintenance, bounce-buffer detection) are
// discovered through the interfaces declared in platform.go.
//
// None of the operations here start goroutines, and all of them may block
// in the platform. A Mapping is owned by its creator; Engine provides the
// shared, handle-based entry points.
package dma

import "fmt"

// CacheType is the CPU caching attribute requested for a mapping.
type CacheType uint32

// Cache types. CacheTypeDefault leaves the choice to the platform.
const (
	CacheTypeCached CacheType = iota
	CacheTypeUncached
	CacheTypeWriteCombined
	CacheTypeUncachedWeak
	CacheTypeDefault
)

// String implements fmt.Stringer.String.
func (c CacheType) String() string {
	switch c {
	case CacheTypeCached:
		return "cached"
	case CacheTypeUncached:
		return "uncached"
	case CacheTypeWriteCombined:
		return "write-combined"
	case CacheTypeUncachedWeak:
		return "uncached-weak"
	case CacheTypeDefault:
		return "default"
	default:
		return fmt.Sprintf("CacheType(%d)", uint32(c))
	}
}

// ParseCacheType parses the String form of a CacheType.
func ParseCacheType(s string) (CacheType, error) {
	for c := CacheTypeCached; c <= CacheTypeDefault; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown cache type %q", s)
}

// deviceOwned returns true if the CPU never touches the memory through a
// cacheable mapping, in which case CPU cache maintenance can be skipped when
// mapping.
func (c CacheType) deviceOwned() bool {
	return c == CacheTypeUncached || c == CacheTypeUncachedWeak
}

// Page describes one page-sized buffer.
type Page struct {
	// PhysAddr is the address of the page as understood by the Platform:
	// a host physical address for kernel-style platforms, or the pinned
	// host virtual address for user-space IOMMU platforms such as VFIO.
	PhysAddr uint64
}
