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

// Package pcisysfs resolves the BAR resources of PCI devices from sysfs.
package pcisysfs

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	regex "regexp"
	"sort"
	"strconv"
	"strings"

	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/log"
)

// DefaultRoot is the sysfs directory holding one entry per PCI device.
const DefaultRoot = "/sys/bus/pci/devices"

// NumBARs is the number of standard BARs of a PCI device.
const NumBARs = 6

// ioresourceMem is IORESOURCE_MEM, from include/linux/ioport.h.
const ioresourceMem = 0x200

// pciAddrRegex matches PCI device addresses.
var pciAddrRegex = regex.MustCompile(`^[[:xdigit:]]{4}:([[:xdigit:]]{2}|[[:xdigit:]]{4}):[[:xdigit:]]{2}\.[[:xdigit:]]{1,2}$`)

// Resolver reads PCI device resources from a sysfs tree.
type Resolver struct {
	// Root is the PCI devices directory. Empty means DefaultRoot.
	Root string

	// BusOffset is added to CPU physical addresses to obtain PCI bus
	// addresses. It is zero on platforms without a host bridge offset.
	BusOffset uint64
}

func (r *Resolver) root() string {
	if r.Root == "" {
		return DefaultRoot
	}
	return r.Root
}

// ValidAddress returns true if addr is a well-formed PCI address, e.g.
// 0000:41:00.0.
func ValidAddress(addr string) bool {
	return pciAddrRegex.MatchString(addr)
}

// List returns the addresses of every PCI device, sorted.
func (r *Resolver) List() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(r.root(), "*"))
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, p := range paths {
		if addr := filepath.Base(p); ValidAddress(addr) {
			addrs = append(addrs, addr)
		}
	}
	sort.Strings(addrs)
	return addrs, nil
}

// Peer returns the peer device at PCI address addr, with its memory BARs.
// I/O port and unset BARs are left zero.
func (r *Resolver) Peer(addr string) (*dma.PeerDevice, error) {
	if !ValidAddress(addr) {
		return nil, fmt.Errorf("invalid PCI address %q", addr)
	}
	path := filepath.Join(r.root(), addr, "resource")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	bars, err := parseResources(data, r.BusOffset)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	log.Debugf("PCI device %s: %d BARs", addr, len(bars))
	return &dma.PeerDevice{Name: addr, BARs: bars}, nil
}

// parseResources parses the contents of a sysfs resource file. Each line
// holds the start, end and flags of one resource; the first NumBARs lines
// are the standard BARs.
func parseResources(data []byte, busOffset uint64) ([]dma.BAR, error) {
	bars := make([]dma.BAR, 0, NumBARs)
	s := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; s.Scan() && len(bars) < NumBARs; line++ {
		fields := strings.Fields(s.Text())
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: got %d fields, want 3", line, len(fields))
		}
		var vals [3]uint64
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			vals[i] = v
		}
		start, end, flags := vals[0], vals[1], vals[2]
		switch {
		case flags&ioresourceMem == 0, start == 0 && end == 0:
			bars = append(bars, dma.BAR{})
		case end < start:
			return nil, fmt.Errorf("line %d: resource end %#x before start %#x", line, end, start)
		default:
			bars = append(bars, dma.BAR{
				Start:   start,
				Size:    end - start + 1,
				BusAddr: start + busOffset,
			})
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return bars, nil
}
