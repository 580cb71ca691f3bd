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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/dma/dmaconfig"
)

func TestParseAddr(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
	}{
		{"4096", 4096},
		{"0x1000", 0x1000},
		{"0x1_0000_0000", 0x1_0000_0000},
	} {
		got, err := parseAddr(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("parseAddr(%q) = %#x, %v, want %#x", tc.in, got, err, tc.want)
		}
	}
	if _, err := parseAddr("gpu"); err == nil {
		t.Errorf("parseAddr(\"gpu\") succeeded")
	}
}

func TestLookupDevice(t *testing.T) {
	conf := dmaconfig.Default()
	dev, err := lookupDevice(conf, "any")
	if err != nil {
		t.Fatalf("lookupDevice: %v", err)
	}
	if dev.Name != "any" || !dev.IsAddressable(^uint64(0)-4095, 4096) {
		t.Errorf("unconfigured device = %+v, want full address range", dev)
	}

	conf.Devices = []dmaconfig.Device{{Name: "gpu0", AddressBits: 40}}
	dev, err = lookupDevice(conf, "gpu0")
	if err != nil {
		t.Fatalf("lookupDevice: %v", err)
	}
	if dev.IsAddressable(1<<40, 4096) {
		t.Errorf("40-bit device addresses %#x", uint64(1<<40))
	}
	if _, err := lookupDevice(conf, "gpu1"); err == nil {
		t.Errorf("lookupDevice(gpu1) succeeded with only gpu0 configured")
	}
}

func TestPageSource(t *testing.T) {
	conf := dmaconfig.Default()
	ps := conf.Platform.PageSize

	s := pageSource{count: 3, base: "0x10000", stride: 2 * ps}
	pages, release, err := s.pages(conf, platformSim, nil)
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	release()
	want := []dma.Page{{PhysAddr: 0x10000}, {PhysAddr: 0x10000 + 2*ps}, {PhysAddr: 0x10000 + 4*ps}}
	if diff := cmp.Diff(want, pages); diff != "" {
		t.Errorf("synthesized pages mismatch (-want +got):\n%s", diff)
	}

	pages, _, err = s.pages(conf, platformSim, []string{"0x2000", "0x8000"})
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	if diff := cmp.Diff([]dma.Page{{PhysAddr: 0x2000}, {PhysAddr: 0x8000}}, pages); diff != "" {
		t.Errorf("explicit pages mismatch (-want +got):\n%s", diff)
	}

	if _, _, err := s.pages(conf, platformSim, []string{"0x2001"}); err == nil {
		t.Errorf("unaligned address accepted")
	}
}

func TestNewEngineUnknownPlatform(t *testing.T) {
	if _, _, err := newEngine(dmaconfig.Default(), "dom0"); err == nil {
		t.Errorf("newEngine(dom0) succeeded")
	}
}
