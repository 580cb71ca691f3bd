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
	"math/bits"
)

// Transform encodes device addresses for an interconnect that uses a
// narrower address format than the CPU.
type Transform interface {
	// Compress encodes addr for the interconnect.
	Compress(addr uint64) uint64

	// Decompress reverses Compress.
	Decompress(addr uint64) uint64
}

// IdentityTransform leaves addresses unchanged.
type IdentityTransform struct{}

// Compress implements Transform.Compress.
func (IdentityTransform) Compress(addr uint64) uint64 { return addr }

// Decompress implements Transform.Decompress.
func (IdentityTransform) Decompress(addr uint64) uint64 { return addr }

// BitField moves Width bits starting at bit Src of an address to bit Dst of
// the compressed address.
type BitField struct {
	Src   uint
	Dst   uint
	Width uint
}

func (f BitField) mask() uint64 {
	if f.Width >= 64 {
		return ^uint64(0)
	}
	return (1 << f.Width) - 1
}

// BitFieldTransform compresses addresses by packing a set of bit fields.
// Bits outside of every source field are dropped by Compress, so the round
// trip only holds for addresses accepted by Representable.
type BitFieldTransform struct {
	fields []BitField
	src    uint64
}

// NewBitFieldTransform returns a transform packing fields. Source fields
// and destination fields must not overlap among themselves.
func NewBitFieldTransform(fields ...BitField) (*BitFieldTransform, error) {
	var src, dst uint64
	for _, f := range fields {
		if f.Width == 0 || f.Src+f.Width > 64 || f.Dst+f.Width > 64 {
			return nil, fmt.Errorf("bit field %+v out of range", f)
		}
		sm := f.mask() << f.Src
		dm := f.mask() << f.Dst
		if src&sm != 0 {
			return nil, fmt.Errorf("bit field %+v overlaps another source field", f)
		}
		if dst&dm != 0 {
			return nil, fmt.Errorf("bit field %+v overlaps another destination field", f)
		}
		src |= sm
		dst |= dm
	}
	return &BitFieldTransform{fields: append([]BitField(nil), fields...), src: src}, nil
}

// NVLinkFields packs a sparse CPU physical address map, which uses bits
// 0-42, 45-46 and 49-50 below bit 56, into the dense 47-bit address space
// seen by NVLink-attached GPUs. Bits 56-63 are carried through unchanged so
// that the PCIe DMA address is recovered on decompression.
var NVLinkFields = []BitField{
	{Src: 0, Dst: 0, Width: 43},
	{Src: 45, Dst: 43, Width: 2},
	{Src: 49, Dst: 45, Width: 2},
	{Src: 56, Dst: 56, Width: 8},
}

// NewNVLinkTransform returns the NVLinkFields transform.
func NewNVLinkTransform() *BitFieldTransform {
	t, err := NewBitFieldTransform(NVLinkFields...)
	if err != nil {
		panic(fmt.Sprintf("invalid NVLink fields: %v", err))
	}
	return t
}

// Compress implements Transform.Compress.
func (t *BitFieldTransform) Compress(addr uint64) uint64 {
	var out uint64
	for _, f := range t.fields {
		out |= ((addr >> f.Src) & f.mask()) << f.Dst
	}
	return out
}

// Decompress implements Transform.Decompress.
func (t *BitFieldTransform) Decompress(addr uint64) uint64 {
	var out uint64
	for _, f := range t.fields {
		out |= ((addr >> f.Dst) & f.mask()) << f.Src
	}
	return out
}

// Representable returns true if addr survives a Compress/Decompress round
// trip.
func (t *BitFieldTransform) Representable(addr uint64) bool {
	return addr&^t.src == 0
}

// CompressedWidth returns the number of significant bits of a compressed
// address.
func (t *BitFieldTransform) CompressedWidth() int {
	var dst uint64
	for _, f := range t.fields {
		dst |= f.mask() << f.Dst
	}
	return 64 - bits.LeadingZeros64(dst)
}
