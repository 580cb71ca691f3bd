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

package cmd

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/hostarch"
)

// anonPages maps count pages of populated anonymous memory and returns them
// as Pages addressed by their virtual address, which is what the VFIO
// platform expects. The returned function unmaps the memory.
func anonPages(count uint64, pageSize uint64) ([]dma.Page, func(), error) {
	size := count * pageSize
	if count == 0 || size/pageSize != count {
		return nil, nil, fmt.Errorf("invalid page count %d", count)
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %#x bytes: %w", size, err)
	}
	base := uint64(uintptr(unsafe.Pointer(&b[0])))
	if !hostarch.IsPageAligned(base, pageSize) {
		unix.Munmap(b)
		return nil, nil, fmt.Errorf("mmap returned unaligned address %#x", base)
	}
	pages := make([]dma.Page, count)
	for i := range pages {
		pages[i] = dma.Page{PhysAddr: base + uint64(i)*pageSize}
	}
	return pages, func() { unix.Munmap(b) }, nil
}
