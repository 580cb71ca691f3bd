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

// Package cmd holds the nvdmactl subcommands.
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gvisor.dev/nvdma/pkg/dma"
	"gvisor.dev/nvdma/pkg/dma/dmaconfig"
	"gvisor.dev/nvdma/pkg/dma/dmatest"
	"gvisor.dev/nvdma/pkg/dma/vfio"
	"gvisor.dev/nvdma/pkg/log"
)

// Platform names accepted by the -platform flag.
const (
	platformSim  = "sim"
	platformVFIO = "vfio"
)

// Fatalf logs the message, writes it to stderr and exits with status 1.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// Infof logs to the default logger and prints to stderr.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// parseAddr parses a hexadecimal or decimal address.
func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
}

// newPlatform returns the platform named name and a function releasing it.
func newPlatform(conf *dmaconfig.Config, name string) (dma.Platform, func(), error) {
	switch name {
	case platformSim:
		return &dmatest.Platform{PageSize: conf.Platform.PageSize}, func() {}, nil
	case platformVFIO:
		if conf.VFIO.Group == "" {
			return nil, nil, fmt.Errorf("vfio.group is not configured")
		}
		p, err := vfio.Open(vfio.Config{
			ContainerPath: conf.VFIO.Container,
			GroupPath:     conf.VFIO.Group,
			IOVABase:      conf.VFIO.IOVABase,
			IOVASize:      conf.VFIO.IOVASize,
			PageSize:      conf.Platform.IOPageSize,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown platform %q, must be %q or %q", name, platformSim, platformVFIO)
	}
}

// newEngine builds an Engine over the platform named name. The returned
// function closes the engine and then the platform.
func newEngine(conf *dmaconfig.Config, name string) (*dma.Engine, func(), error) {
	p, release, err := newPlatform(conf, name)
	if err != nil {
		return nil, nil, err
	}
	opts, peerOpts := conf.Options(p)
	e, err := dma.NewEngine(opts, peerOpts)
	if err != nil {
		release()
		return nil, nil, err
	}
	return e, func() {
		e.Close()
		release()
	}, nil
}

// lookupDevice returns the configured device called name. With no devices
// configured, any name resolves to a device addressing the full 64-bit
// range.
func lookupDevice(conf *dmaconfig.Config, name string) (*dma.Device, error) {
	if len(conf.Devices) == 0 {
		return dmaconfig.Device{Name: name, AddressBits: 64}.NewDevice(), nil
	}
	if dev, ok := conf.NewDevices()[name]; ok {
		return dev, nil
	}
	return nil, fmt.Errorf("unknown device %q", name)
}
