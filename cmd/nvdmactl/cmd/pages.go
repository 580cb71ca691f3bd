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
	"flag"
	"fmt"

	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/dma/dmaconfig"
	"gvisor.dev/nvdma/pkg/dma/dmatest"
)

// pageSource describes the pages a command maps.
type pageSource struct {
	count  uint64
	base   string
	stride uint64
}

func (s *pageSource) setFlags(f *flag.FlagSet) {
	f.Uint64Var(&s.count, "count", 1, "number of pages to map when no addresses are given")
	f.StringVar(&s.base, "base", "0x100000000", "physical address of the first synthesized page (sim platform)")
	f.Uint64Var(&s.stride, "stride", 0, "distance in bytes between synthesized pages; 0 means contiguous")
}

// pages returns the pages to map on platform: addrs if any, otherwise
// s.count synthesized pages, or anonymous memory on the VFIO platform. The
// returned function releases them.
func (s *pageSource) pages(conf *dmaconfig.Config, platform string, addrs []string) ([]dma.Page, func(), error) {
	pageSize := conf.Platform.PageSize
	if len(addrs) > 0 {
		vals := make([]uint64, 0, len(addrs))
		for _, a := range addrs {
			v, err := parseAddr(a)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid address %q: %w", a, err)
			}
			vals = append(vals, v)
		}
		pages, err := dma.PagesFromAddrs(vals, pageSize)
		if err != nil {
			return nil, nil, err
		}
		return pages, func() {}, nil
	}
	if platform == platformVFIO {
		return anonPages(s.count, pageSize)
	}
	base, err := parseAddr(s.base)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid -base %q: %w", s.base, err)
	}
	stride := s.stride
	if stride == 0 {
		stride = pageSize
	}
	return dmatest.Pages(base, int(s.count), stride), func() {}, nil
}
