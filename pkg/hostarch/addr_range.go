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

package hostarch

import "fmt"

// AddrRange is a range of device-visible addresses with an inclusive upper
// bound. An inclusive Limit lets a range cover the top of the 64-bit space.
type AddrRange struct {
	// Start is the first address in the range.
	Start uint64

	// Limit is the last address in the range.
	Limit uint64
}

// WellFormed returns true if r.Start <= r.Limit.
func (r AddrRange) WellFormed() bool {
	return r.Start <= r.Limit
}

// ContainsSpan returns true if [addr, addr+size-1] lies inside r. A zero
// size or a span that wraps the 64-bit space is never contained.
func (r AddrRange) ContainsSpan(addr, size uint64) bool {
	if size == 0 {
		return false
	}
	last := addr + size - 1
	return addr >= r.Start && last <= r.Limit && last >= addr
}

// String implements fmt.Stringer.String.
func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x]", r.Start, r.Limit)
}
