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

package dma_test

import (
	"fmt"
	"testing"

	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/dma/dmatest"
	"gvisor.dev/nvdma/pkg/errors"
	"gvisor.dev/nvdma/pkg/errors/nverr"
)

var testPeer = &dma.PeerDevice{
	Name: "0000:41:00.0",
	BARs: []dma.BAR{
		{Start: 0xf000_0000, Size: 16 << 20, BusAddr: 0x9000_0000},
		{},
		{Start: 0x38_0000_0000, Size: 1 << 30, BusAddr: 0x38_0000_0000},
	},
}

func TestMapPeerBARDynamic(t *testing.T) {
	p := &dmatest.Platform{PageSize: pageSize}
	pm := dma.NewPeerMapper(dma.PeerOptions{Resources: p, PageSize: pageSize})
	dev := dmatest.Device("gpu0")

	m, err := pm.MapPeerBAR(dev, testPeer, 0, 4, 0xf000_2000)
	if err != nil {
		t.Fatalf("MapPeerBAR: %v", err)
	}
	if !m.Dynamic() {
		t.Errorf("mapping with a resource mapper is not dynamic")
	}
	if want, _ := p.IOVAOf(0xf000_2000); m.Addr != want {
		t.Errorf("got address %#x, want %#x", m.Addr, want)
	}
	if m.Size != 4*pageSize {
		t.Errorf("got size %#x, want %#x", m.Size, 4*pageSize)
	}
	pm.UnmapPeerBAR(m)
	calls := p.Calls()
	if calls.MapResource != 1 || calls.UnmapResource != 1 {
		t.Errorf("got %+v, want one MapResource and one UnmapResource call", calls)
	}
	if p.Live() != 0 {
		t.Errorf("%d mappings still live", p.Live())
	}
}

func TestMapPeerBARCompressed(t *testing.T) {
	p := &dmatest.Platform{PageSize: pageSize, Base: 1 << 49}
	pm := dma.NewPeerMapper(dma.PeerOptions{Resources: p, Transform: dma.NewNVLinkTransform(), PageSize: pageSize})
	dev := dmatest.Device("gpu0")
	dev.CompressedInterconnect = true

	m, err := pm.MapPeerBAR(dev, testPeer, 2, 1, 0x38_0000_0000)
	if err != nil {
		t.Fatalf("MapPeerBAR: %v", err)
	}
	if m.Addr != 1<<45 {
		t.Errorf("got address %#x, want %#x", m.Addr, uint64(1<<45))
	}
	pm.UnmapPeerBAR(m)
	if p.Live() != 0 {
		t.Errorf("%d mappings still live", p.Live())
	}
}

func TestMapPeerBARStatic(t *testing.T) {
	pm := dma.NewPeerMapper(dma.PeerOptions{StaticFallback: true, PageSize: pageSize})
	dev := dmatest.Device("gpu0")

	m, err := pm.MapPeerBAR(dev, testPeer, 0, 2, 0xf010_0000)
	if err != nil {
		t.Fatalf("MapPeerBAR: %v", err)
	}
	if m.Dynamic() {
		t.Errorf("static translation reported as dynamic")
	}
	if want := uint64(0x9010_0000); m.Addr != want {
		t.Errorf("got address %#x, want %#x", m.Addr, want)
	}
	pm.UnmapPeerBAR(m)
}

func TestMapPeerBARErrors(t *testing.T) {
	dev := dmatest.Device("gpu0")
	static := dma.NewPeerMapper(dma.PeerOptions{StaticFallback: true, PageSize: pageSize})
	for _, tc := range []struct {
		name      string
		mapper    *dma.PeerMapper
		bar       int
		pageCount uint64
		addr      uint64
		want      *errors.Error
	}{
		{"unset BAR", static, 1, 1, 0, nverr.InvalidRequest},
		{"missing BAR", static, 5, 1, 0, nverr.InvalidRequest},
		{"below BAR", static, 0, 1, 0xefff_f000, nverr.InvalidRequest},
		{"past BAR", static, 0, 2, 0xf0ff_f000, nverr.InvalidRequest},
		{"no pages", static, 0, 0, 0xf000_0000, nverr.InvalidRequest},
		{"whole BAR", static, 0, 16 << 8, 0xf000_0000, nil},
		{"fallback disabled", dma.NewPeerMapper(dma.PeerOptions{PageSize: pageSize}), 0, 1, 0xf000_0000, nverr.NotSupported},
		{
			"resource mapper failure",
			dma.NewPeerMapper(dma.PeerOptions{
				Resources: &dmatest.Platform{MapResourceErr: dmatest.FailAt(0, fmt.Errorf("busy"))},
				PageSize:  pageSize,
			}),
			0, 1, 0xf000_0000, nverr.OperatingSystem,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.mapper.MapPeerBAR(dev, testPeer, tc.bar, tc.pageCount, tc.addr)
			if !nverr.Equals(tc.want, err) {
				t.Errorf("MapPeerBAR = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestMapMMIO(t *testing.T) {
	dev := dmatest.Device("gpu0")
	if _, err := dma.NewPeerMapper(dma.PeerOptions{StaticFallback: true}).MapMMIO(dev, 0xf000_0000, 1); !nverr.Equals(nverr.NotSupported, err) {
		t.Errorf("MapMMIO without resource mapper = %v, want %v", err, nverr.NotSupported)
	}

	p := &dmatest.Platform{PageSize: pageSize}
	pm := dma.NewPeerMapper(dma.PeerOptions{Resources: p, PageSize: pageSize})
	if _, err := pm.MapMMIO(dev, 0xf000_0000, 0); !nverr.Equals(nverr.InvalidArgument, err) {
		t.Errorf("MapMMIO(0 pages) = %v, want %v", err, nverr.InvalidArgument)
	}
	m, err := pm.MapMMIO(dev, 0xfe00_0000, 2)
	if err != nil {
		t.Fatalf("MapMMIO: %v", err)
	}
	pm.UnmapMMIO(m)
	if p.Live() != 0 {
		t.Errorf("%d mappings still live", p.Live())
	}
}
