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

// Package hostarch describes properties of the host architecture relevant to
// DMA mappings.
package hostarch

import "golang.org/x/exp/constraints"

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the system huge page size.
	HugePageShift = 21

	// HugePageSize is the system huge page size.
	HugePageSize = 1 << HugePageShift
)

// PageRoundDown returns x rounded down to the nearest multiple of pageSize,
// which must be a power of two.
func PageRoundDown[T constraints.Unsigned](x, pageSize T) T {
	return x &^ (pageSize - 1)
}

// PageRoundUp returns x rounded up to the nearest multiple of pageSize, which
// must be a power of two. ok is false if rounding up overflows.
func PageRoundUp[T constraints.Unsigned](x, pageSize T) (val T, ok bool) {
	val = PageRoundDown(x+pageSize-1, pageSize)
	ok = val >= x
	return
}

// IsPageAligned returns true if x is a multiple of pageSize.
func IsPageAligned[T constraints.Unsigned](x, pageSize T) bool {
	return x&(pageSize-1) == 0
}

// IsPowerOfTwo returns true if x is a non-zero power of two.
func IsPowerOfTwo[T constraints.Unsigned](x T) bool {
	return x != 0 && x&(x-1) == 0
}

// PagesRoundUp returns the number of pageSize pages needed to hold length
// bytes.
func PagesRoundUp[T constraints.Unsigned](length, pageSize T) T {
	return length/pageSize + min(length%pageSize, 1)
}
