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

package pcisysfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nvdma/pkg/dma"
)

const gpuResource = `0x00000000f0000000 0x00000000f0ffffff 0x0000000000040200
0x0000003800000000 0x0000003fffffffff 0x000000000014220c
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x0000004000000000 0x0000004001ffffff 0x000000000014220c
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x000000000000e000 0x000000000000e07f 0x0000000000040101
0x00000000f1000000 0x00000000f107ffff 0x0000000000046200
`

func makeTree(t *testing.T, devices map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for addr, resource := range devices {
		dir := filepath.Join(root, addr)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "resource"), []byte(resource), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return root
}

func TestPeer(t *testing.T) {
	r := &Resolver{
		Root:      makeTree(t, map[string]string{"0000:41:00.0": gpuResource}),
		BusOffset: 0x1000_0000_0000,
	}
	peer, err := r.Peer("0000:41:00.0")
	if err != nil {
		t.Fatalf("Peer: %v", err)
	}
	want := &dma.PeerDevice{
		Name: "0000:41:00.0",
		BARs: []dma.BAR{
			{Start: 0xf000_0000, Size: 16 << 20, BusAddr: 0x1000_f000_0000},
			{Start: 0x38_0000_0000, Size: 32 << 30, BusAddr: 0x1038_0000_0000},
			{},
			{Start: 0x40_0000_0000, Size: 32 << 20, BusAddr: 0x1040_0000_0000},
			{},
			// I/O ports.
			{},
		},
	}
	if diff := cmp.Diff(want, peer); diff != "" {
		t.Errorf("Peer mismatch (-want +got):\n%s", diff)
	}
}

func TestPeerErrors(t *testing.T) {
	r := &Resolver{Root: makeTree(t, map[string]string{
		"0000:01:00.0": "0x1000 0x2000\n",
		"0000:02:00.0": "0x2000 0x1000 0x200\n",
		"0000:03:00.0": "0x1000 0x2000 0xzz\n",
	})}
	for _, addr := range []string{"0000:01:00.0", "0000:02:00.0", "0000:03:00.0", "0000:04:00.0", "not-a-device"} {
		if _, err := r.Peer(addr); err == nil {
			t.Errorf("Peer(%q) succeeded", addr)
		}
	}
}

func TestList(t *testing.T) {
	root := makeTree(t, map[string]string{
		"0000:41:00.0": gpuResource,
		"0000:00:1f.3": gpuResource,
		"0000:c1:00.0": gpuResource,
	})
	if err := os.Mkdir(filepath.Join(root, "not-a-device"), 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	got, err := (&Resolver{Root: root}).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"0000:00:1f.3", "0000:41:00.0", "0000:c1:00.0"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}

func TestPeerMapping(t *testing.T) {
	r := &Resolver{Root: makeTree(t, map[string]string{"0000:41:00.0": gpuResource})}
	peer, err := r.Peer("0000:41:00.0")
	if err != nil {
		t.Fatalf("Peer: %v", err)
	}
	pm := dma.NewPeerMapper(dma.PeerOptions{StaticFallback: true, PageSize: 4096})
	dev := &dma.Device{Name: "gpu0"}
	m, err := pm.MapPeerBAR(dev, peer, 1, 16, 0x38_0010_0000)
	if err != nil {
		t.Fatalf("MapPeerBAR: %v", err)
	}
	if m.Addr != 0x38_0010_0000 {
		t.Errorf("got address %#x, want %#x", m.Addr, uint64(0x38_0010_0000))
	}
}
