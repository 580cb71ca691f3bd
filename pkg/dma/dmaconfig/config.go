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

// Package dmaconfig loads the configuration of the DMA mapping engine from a
// TOML file.
package dmaconfig

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/hostarch"
	"gvisor.dev/nvdma/pkg/log"
)

// Transform schemes.
const (
	SchemeIdentity = "identity"
	SchemeNVLink   = "nvlink"
)

// Log formats.
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatLogrus = "logrus"
)

// Config is the configuration of the DMA mapping engine.
type Config struct {
	Platform  Platform  `toml:"platform"`
	Transform Transform `toml:"transform"`
	Peer      Peer      `toml:"peer"`
	VFIO      VFIO      `toml:"vfio"`
	Log       Log       `toml:"log"`
	Devices   []Device  `toml:"device"`
}

// Platform holds the limits of the host DMA primitive.
type Platform struct {
	// PageSize is the CPU page size.
	PageSize uint64 `toml:"page_size"`

	// IOPageSize is the IOMMU page size. Zero means PageSize.
	IOPageSize uint64 `toml:"io_page_size"`

	// MaxSegmentLength is the largest byte length of one scatter-gather
	// table.
	MaxSegmentLength uint64 `toml:"max_segment_length"`

	// MaxPhysicalPages bounds the size of one mapping. Zero means the
	// host's memory size.
	MaxPhysicalPages uint64 `toml:"max_physical_pages"`

	// Coherent is false on hosts whose CPU caches must be flushed before
	// device access.
	Coherent bool `toml:"coherent"`

	// CoalescePages makes scatter-gather tables describe runs of
	// contiguous pages with a single entry.
	CoalescePages bool `toml:"coalesce_pages"`
}

// Transform selects the interconnect address transform.
type Transform struct {
	// Scheme is SchemeIdentity or SchemeNVLink.
	Scheme string `toml:"scheme"`

	// CheckIdentity warns when the transform would change the addresses
	// of devices that do not use it.
	CheckIdentity bool `toml:"check_identity"`
}

// Peer configures peer MMIO mappings.
type Peer struct {
	// StaticFallback enables mapping peer BARs at their PCI bus address
	// when the platform cannot map MMIO resources.
	StaticFallback bool `toml:"static_fallback"`

	// SysfsRoot is the root of the sysfs PCI device tree.
	SysfsRoot string `toml:"sysfs_root"`
}

// VFIO configures the VFIO platform.
type VFIO struct {
	// Container is the path of the VFIO container device.
	Container string `toml:"container"`

	// Group is the path of the VFIO group device, e.g. /dev/vfio/12.
	Group string `toml:"group"`

	// IOVABase and IOVASize bound the I/O virtual addresses handed out.
	IOVABase uint64 `toml:"iova_base"`
	IOVASize uint64 `toml:"iova_size"`
}

// Log configures logging.
type Log struct {
	// Level is "warning", "info" or "debug".
	Level string `toml:"level"`

	// Format is FormatText, FormatJSON or FormatLogrus.
	Format string `toml:"format"`
}

// Device describes a DMA-capable device.
type Device struct {
	Name string `toml:"name"`

	// PCI is the PCI address of the device, if any.
	PCI string `toml:"pci"`

	// AddressStart is the lowest address the device can generate.
	AddressStart uint64 `toml:"address_start"`

	// AddressBits is the width of the device's DMA addresses.
	AddressBits uint `toml:"address_bits"`

	// CompressedInterconnect is true if the device is reached through the
	// transform's interconnect.
	CompressedInterconnect bool `toml:"compressed_interconnect"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Platform: Platform{
			PageSize:         hostarch.PageSize,
			IOPageSize:       hostarch.PageSize,
			MaxSegmentLength: math.MaxUint32,
			Coherent:         true,
			CoalescePages:    true,
		},
		Transform: Transform{Scheme: SchemeIdentity},
		Peer:      Peer{SysfsRoot: "/sys/bus/pci/devices"},
		VFIO: VFIO{
			Container: "/dev/vfio/vfio",
			IOVABase:  1 << 32,
			IOVASize:  1 << 40,
		},
		Log: Log{Level: "info", Format: FormatText},
	}
}

// Load reads the configuration at path on top of Default.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config file %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	log.Debugf("Loaded DMA config from %q: %d devices", path, len(c.Devices))
	return c, nil
}

func (c *Config) setDefaults() {
	for i := range c.Devices {
		if c.Devices[i].AddressBits == 0 {
			c.Devices[i].AddressBits = 64
		}
	}
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	switch c.Transform.Scheme {
	case SchemeIdentity, SchemeNVLink:
	default:
		return fmt.Errorf("transform: unknown scheme %q", c.Transform.Scheme)
	}
	switch c.Log.Format {
	case FormatText, FormatJSON, FormatLogrus:
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.VFIO.IOVASize != 0 && c.VFIO.IOVABase+c.VFIO.IOVASize < c.VFIO.IOVABase {
		return fmt.Errorf("vfio: IOVA window [%#x, +%#x) wraps", c.VFIO.IOVABase, c.VFIO.IOVASize)
	}
	names := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("device %d: no name", i)
		}
		if _, ok := names[d.Name]; ok {
			return fmt.Errorf("device %q: duplicate name", d.Name)
		}
		names[d.Name] = struct{}{}
		if d.AddressBits == 0 || d.AddressBits > 64 {
			return fmt.Errorf("device %q: invalid address width %d", d.Name, d.AddressBits)
		}
		if r := d.addrRange(); !r.WellFormed() {
			return fmt.Errorf("device %q: address start %#x beyond %d-bit limit", d.Name, d.AddressStart, d.AddressBits)
		}
	}
	return nil
}

// Limits returns the platform limits. A zero MaxPhysicalPages is replaced
// with the host's memory size.
func (c *Config) Limits() dma.Limits {
	l := dma.Limits{
		PageSize:         c.Platform.PageSize,
		IOPageSize:       c.Platform.IOPageSize,
		MaxSegmentLength: c.Platform.MaxSegmentLength,
		MaxPhysicalPages: c.Platform.MaxPhysicalPages,
	}
	if l.MaxPhysicalPages == 0 {
		l.MaxPhysicalPages = dma.DefaultLimits().MaxPhysicalPages
	}
	return l
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() (log.Level, error) {
	switch c.Log.Level {
	case "warning":
		return log.Warning, nil
	case "info", "":
		return log.Info, nil
	case "debug":
		return log.Debug, nil
	default:
		return log.Info, fmt.Errorf("unknown log level %q", c.Log.Level)
	}
}

// NewTransform returns the configured address transform.
func (c *Config) NewTransform() dma.Transform {
	if c.Transform.Scheme == SchemeNVLink {
		return dma.NewNVLinkTransform()
	}
	return dma.IdentityTransform{}
}

// Options returns mapper and peer mapper options for platform p. If p
// implements dma.ResourceMapper, peer MMIO is mapped through it.
func (c *Config) Options(p dma.Platform) (dma.Options, dma.PeerOptions) {
	tr := c.NewTransform()
	opts := dma.Options{
		Platform:      p,
		Limits:        c.Limits(),
		Coalesce:      c.Platform.CoalescePages,
		Transform:     tr,
		CheckIdentity: c.Transform.CheckIdentity,
		NonCoherent:   !c.Platform.Coherent,
	}
	peer := dma.PeerOptions{
		StaticFallback: c.Peer.StaticFallback,
		Transform:      tr,
		PageSize:       c.Platform.PageSize,
	}
	if rm, ok := p.(dma.ResourceMapper); ok {
		peer.Resources = rm
	}
	return opts, peer
}

func (d Device) addrRange() hostarch.AddrRange {
	limit := ^uint64(0)
	if d.AddressBits < 64 {
		limit = 1<<d.AddressBits - 1
	}
	return hostarch.AddrRange{Start: d.AddressStart, Limit: limit}
}

// NewDevice returns the dma.Device described by d.
func (d Device) NewDevice() *dma.Device {
	return &dma.Device{
		Name:                   d.Name,
		AddressableRange:       d.addrRange(),
		CompressedInterconnect: d.CompressedInterconnect,
	}
}

// NewDevices returns the configured devices, keyed by name.
func (c *Config) NewDevices() map[string]*dma.Device {
	devs := make(map[string]*dma.Device, len(c.Devices))
	for _, d := range c.Devices {
		devs[d.Name] = d.NewDevice()
	}
	return devs
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// ToTOML returns c in TOML form.
func (c *Config) ToTOML() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
