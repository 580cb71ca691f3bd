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

package dmaconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/hostarch"
	"gvisor.dev/nvdma/pkg/log"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nvdma.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const testConfig = `
[platform]
page_size = 4096
io_page_size = 65536
max_physical_pages = 1048576
coherent = false

[transform]
scheme = "nvlink"
check_identity = true

[peer]
static_fallback = true

[log]
level = "debug"
format = "json"

[[device]]
name = "gpu0"
pci = "0000:41:00.0"
address_bits = 47
compressed_interconnect = true

[[device]]
name = "gpu1"
address_start = 4096
`

func TestLoad(t *testing.T) {
	c, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Default()
	want.Platform.PageSize = 4096
	want.Platform.IOPageSize = 65536
	want.Platform.MaxPhysicalPages = 1 << 20
	want.Platform.Coherent = false
	want.Transform = Transform{Scheme: SchemeNVLink, CheckIdentity: true}
	want.Peer.StaticFallback = true
	want.Log = Log{Level: "debug", Format: FormatJSON}
	want.Devices = []Device{
		{Name: "gpu0", PCI: "0000:41:00.0", AddressBits: 47, CompressedInterconnect: true},
		{Name: "gpu1", AddressStart: 4096, AddressBits: 64},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}

	if got := c.Limits().SubmapMaxPages(); got != 1048544 {
		t.Errorf("SubmapMaxPages() = %d, want 1048544", got)
	}
	if level, err := c.LogLevel(); err != nil || level != log.Debug {
		t.Errorf("LogLevel() = %v, %v, want %v", level, err, log.Debug)
	}

	devs := c.NewDevices()
	wantDevs := map[string]*dma.Device{
		"gpu0": {Name: "gpu0", AddressableRange: hostarch.AddrRange{Start: 0, Limit: 1<<47 - 1}, CompressedInterconnect: true},
		"gpu1": {Name: "gpu1", AddressableRange: hostarch.AddrRange{Start: 4096, Limit: ^uint64(0)}},
	}
	if diff := cmp.Diff(wantDevs, devs); diff != "" {
		t.Errorf("NewDevices mismatch (-want +got):\n%s", diff)
	}

	opts, peer := c.Options(nil)
	if !opts.NonCoherent || !opts.CheckIdentity || opts.Coalesce != want.Platform.CoalescePages {
		t.Errorf("Options() = %+v", opts)
	}
	if !peer.StaticFallback || peer.Resources != nil {
		t.Errorf("peer Options() = %+v", peer)
	}
	if _, ok := opts.Transform.(*dma.BitFieldTransform); !ok {
		t.Errorf("Options() transform is %T, want *dma.BitFieldTransform", opts.Transform)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     string
	}{
		{"syntax", "[platform\n", "decode"},
		{"unknown key", "[platform]\npage_sise = 4096\n", "unknown keys platform.page_sise"},
		{"page size", "[platform]\npage_size = 1000\n", "platform"},
		{"scheme", "[transform]\nscheme = \"power9\"\n", "unknown scheme"},
		{"log format", "[log]\nformat = \"xml\"\n", "unknown format"},
		{"log level", "[log]\nlevel = \"trace\"\n", "unknown log level"},
		{"unnamed device", "[[device]]\naddress_bits = 32\n", "no name"},
		{"duplicate device", "[[device]]\nname = \"a\"\n[[device]]\nname = \"a\"\n", "duplicate"},
		{"address width", "[[device]]\nname = \"a\"\naddress_bits = 65\n", "address width"},
		{"address start", "[[device]]\nname = \"a\"\naddress_bits = 32\naddress_start = 8589934592\n", "beyond"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.contents))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load() = %v, want error containing %q", err, tc.want)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("Load(missing file) succeeded")
	}
}

func TestClone(t *testing.T) {
	c, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Fatalf("Clone mismatch (-want +got):\n%s", diff)
	}
	clone.Devices[0].Name = "changed"
	clone.Platform.PageSize = 65536
	if c.Devices[0].Name != "gpu0" || c.Platform.PageSize != 4096 {
		t.Errorf("modifying the clone changed the original: %+v", c)
	}
}

func TestToTOML(t *testing.T) {
	c, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	data, err := c.ToTOML()
	if err != nil {
		t.Fatalf("ToTOML: %v", err)
	}
	reloaded, err := Load(writeConfig(t, string(data)))
	if err != nil {
		t.Fatalf("Load(ToTOML()): %v\n%s", err, data)
	}
	if diff := cmp.Diff(c, reloaded); diff != "" {
		t.Errorf("reloaded config mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}
