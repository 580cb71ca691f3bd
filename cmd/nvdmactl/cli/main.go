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

// Package cli is the main entrypoint for nvdmactl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/nvdma/cmd/nvdmactl/cmd"
	"gvisor.dev/nvdma/pkg/dma/dmaconfig"
	"gvisor.dev/nvdma/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to the TOML configuration file; empty means built-in defaults.")
	logFormat  = flag.String("log-format", "", "log format: text, json or logrus. Overrides the configuration.")
	logLevel   = flag.String("log-level", "", "log level: warning, info or debug. Overrides the configuration.")
	logFile    = flag.String("log", "", "file to append logs to; empty means stderr.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf := dmaconfig.Default()
	if *configPath != "" {
		var err error
		if conf, err = dmaconfig.Load(*configPath); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	if *logFormat != "" {
		conf.Log.Format = *logFormat
	}
	if *logLevel != "" {
		conf.Log.Level = *logLevel
	}
	if err := conf.Validate(); err != nil {
		cmd.Fatalf("%v", err)
	}

	var out io.Writer = os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", *logFile, err)
		}
		out = f
	}
	log.SetTarget(newEmitter(conf.Log.Format, out))
	level, _ := conf.LogLevel()
	log.SetLevel(level)

	log.Debugf("nvdmactl %s, %s, %d CPUs, page size %#x", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpagesize())
	log.Debugf("Args: %v", os.Args)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// forEachCmd invokes the passed callback for each command supported by
// nvdmactl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Map), "")
	cb(new(cmd.Peer), "")
	cb(new(cmd.Transform), "")

	const infoGroup = "info"
	cb(new(cmd.Limits), infoGroup)
	cb(new(cmd.Config), infoGroup)

	const testGroup = "testing"
	cb(new(cmd.Stress), testGroup)
	cb(new(cmd.Stats), testGroup)
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case dmaconfig.FormatText:
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
	case dmaconfig.FormatJSON:
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	case dmaconfig.FormatLogrus:
		return log.NewLogrusEmitter(w)
	}
	cmd.Fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic("unreachable")
}
