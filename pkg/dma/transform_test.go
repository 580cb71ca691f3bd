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
	"math/rand"
	"testing"

	"gvisor.dev/nvdma/pkg/hostarch"
)

func TestNVLinkCompress(t *testing.T) {
	tr := NewNVLinkTransform()
	for _, tc := range []struct {
		addr, want uint64
	}{
		{0, 0},
		{0x1234_5000, 0x1234_5000},
		{1<<43 - 1, 1<<43 - 1},
		{1 << 45, 1 << 43},
		{1 << 46, 1 << 44},
		{1 << 49, 1 << 45},
		{1 << 50, 1 << 46},
		{1 << 56, 1 << 56},
		{1 << 63, 1 << 63},
		{0x0100_0000_0000_2000, 0x0100_0000_0000_2000},
		{1<<63 | 1<<49 | 1<<45 | 0xfff, 1<<63 | 1<<45 | 1<<43 | 0xfff},
		{0xff06_2200_0000_3000, 0xff00_6a00_0000_3000},
	} {
		if got := tr.Compress(tc.addr); got != tc.want {
			t.Errorf("Compress(%#x) = %#x, want %#x", tc.addr, got, tc.want)
		}
		if got := tr.Decompress(tc.want); got != tc.addr {
			t.Errorf("Decompress(%#x) = %#x, want %#x", tc.want, got, tc.addr)
		}
	}
	if got := tr.CompressedWidth(); got != 64 {
		t.Errorf("CompressedWidth() = %d, want 64", got)
	}
}

// nvlinkCompress and nvlinkExpand are the shift-and-mask form of the NVLink
// encoding used by the NVIDIA kernel driver.
func nvlinkCompress(addr uint64) uint64 {
	out := addr & (1<<43 - 1)
	out |= (addr & (3 << 45)) >> 2
	out |= (addr & (3 << 49)) >> 4
	out |= addr &^ (1<<56 - 1)
	return out
}

func nvlinkExpand(addr uint64) uint64 {
	out := addr & (1<<43 - 1)
	out |= (addr & (3 << 43)) << 2
	out |= (addr & (3 << 45)) << 4
	out |= addr &^ (1<<56 - 1)
	return out
}

func TestNVLinkMatchesDriverEncoding(t *testing.T) {
	tr := NewNVLinkTransform()
	r := rand.New(rand.NewSource(2))
	addrs := []uint64{1 << 63, 0x0100_0000_0000_2000, 0xff00_2000_0000_3000}
	for i := 0; i < 10000; i++ {
		addrs = append(addrs, r.Uint64()&(1<<43-1|3<<45|3<<49|0xff<<56))
	}
	for _, addr := range addrs {
		c := tr.Compress(addr)
		if want := nvlinkCompress(addr); c != want {
			t.Fatalf("Compress(%#x) = %#x, want %#x", addr, c, want)
		}
		if got, want := tr.Decompress(c), nvlinkExpand(c); got != want || got != addr {
			t.Fatalf("Decompress(%#x) = %#x, want %#x (from %#x)", c, got, want, addr)
		}
	}
}

func TestNVLinkRoundTrip(t *testing.T) {
	tr := NewNVLinkTransform()
	// The CPU physical address map of an NVLink-attached GPU.
	dev := Device{
		Name:                   "gpu0",
		AddressableRange:       hostarch.AddrRange{Start: 0, Limit: ^uint64(0)},
		CompressedInterconnect: true,
	}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		addr := r.Uint64() & (1<<43 - 1 | 3<<45 | 3<<49 | 0xff<<56)
		if !dev.IsAddressable(addr, 1) {
			t.Fatalf("%#x not addressable by %v", addr, &dev)
		}
		if !tr.Representable(addr) {
			t.Fatalf("Representable(%#x) = false", addr)
		}
		c := tr.Compress(addr)
		if low := c & (1<<56 - 1); low >= 1<<47 {
			t.Errorf("Compress(%#x) = %#x: low bits exceed 47 bits", addr, c)
		}
		if c>>56 != addr>>56 {
			t.Errorf("Compress(%#x) = %#x changed bits 56-63", addr, c)
		}
		if got := tr.Decompress(c); got != addr {
			t.Errorf("Decompress(Compress(%#x)) = %#x", addr, got)
		}
	}
	if tr.Representable(1 << 44) {
		t.Errorf("Representable(1<<44) = true, want false")
	}
}

func TestBitFieldTransformValidation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		fields []BitField
		ok     bool
	}{
		{"nvlink", NVLinkFields, true},
		{"empty", nil, true},
		{"zero width", []BitField{{Src: 0, Dst: 0, Width: 0}}, false},
		{"out of range", []BitField{{Src: 60, Dst: 0, Width: 8}}, false},
		{"overlapping sources", []BitField{{Src: 0, Dst: 0, Width: 8}, {Src: 4, Dst: 8, Width: 8}}, false},
		{"overlapping destinations", []BitField{{Src: 0, Dst: 0, Width: 8}, {Src: 16, Dst: 4, Width: 8}}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewBitFieldTransform(tc.fields...); (err == nil) != tc.ok {
				t.Errorf("NewBitFieldTransform() = %v, want ok %t", err, tc.ok)
			}
		})
	}
}

func TestIdentityTransform(t *testing.T) {
	var tr Transform = IdentityTransform{}
	for _, addr := range []uint64{0, 1 << 45, ^uint64(0)} {
		if got := tr.Compress(addr); got != addr {
			t.Errorf("Compress(%#x) = %#x", addr, got)
		}
		if got := tr.Decompress(addr); got != addr {
			t.Errorf("Decompress(%#x) = %#x", addr, got)
		}
	}
}

func TestIsAddressable(t *testing.T) {
	dev := &Device{Name: "gpu0", AddressableRange: hostarch.AddrRange{Start: 0x1000, Limit: 0xffff}}
	for _, tc := range []struct {
		addr, size uint64
		want       bool
	}{
		{0x1000, 0x1000, true},
		{0xf000, 0x1000, true},
		{0xf000, 0x1001, false},
		{0x0fff, 1, false},
		{0xffff, 1, true},
		{^uint64(0), 2, false},
	} {
		if got := dev.IsAddressable(tc.addr, tc.size); got != tc.want {
			t.Errorf("IsAddressable(%#x, %#x) = %t, want %t", tc.addr, tc.size, got, tc.want)
		}
	}

	wide := &Device{Name: "gpu1", AddressableRange: hostarch.AddrRange{Start: 0, Limit: ^uint64(0)}}
	if wide.IsAddressable(^uint64(0)-0xfff, 0x2000) {
		t.Errorf("IsAddressable accepted a range wrapping the address space")
	}
}

func TestParseCacheType(t *testing.T) {
	for c := CacheTypeCached; c <= CacheTypeDefault; c++ {
		got, err := ParseCacheType(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCacheType(%q) = %v, %v, want %v", c.String(), got, err, c)
		}
	}
	if _, err := ParseCacheType("writeback"); err == nil {
		t.Errorf("ParseCacheType(writeback) succeeded")
	}
}
