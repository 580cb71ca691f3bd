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

	"gvisor.dev/nvdma/pkg/hostarch"
)

// Device is a DMA-capable device. Devices are referenced by mappings, never
// owned by them; a mapping must not outlive the Device it was built
// against.
type Device struct {
	// Name identifies the device in logs, e.g. its PCI address.
	Name string

	// AddressableRange is the range of device-visible addresses the device
	// can generate.
	AddressableRange hostarch.AddrRange

	// CompressedInterconnect is true if addresses handed to this device must
	// be encoded with the platform's interconnect Transform.
	CompressedInterconnect bool
}

// IsAddressable returns true iff [addr, addr+size-1] lies within the
// device's addressable range without wrapping the 64-bit address space.
func (d *Device) IsAddressable(addr, size uint64) bool {
	return d.AddressableRange.ContainsSpan(addr, size)
}

// String implements fmt.Stringer.String.
func (d *Device) String() string {
	return fmt.Sprintf("%s %v", d.Name, d.AddressableRange)
}
