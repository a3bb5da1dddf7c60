// Copyright © 2020 Intel Corporation
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

// Command autoupdate runs one update session against a manifest URL and an
// installed application tree, printing state transitions until the
// controller reaches a terminal state.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/clearlinux/autoupdate/controller"
	"github.com/clearlinux/autoupdate/helpers"
	"github.com/clearlinux/autoupdate/log"
)

const pollInterval = 100 * time.Millisecond // ~10 Hz

func main() {
	manifestURL := flag.String("manifest-url", "", "URL of the update manifest (required)")
	base := flag.String("base", "", "root of the installed application tree (required)")
	force := flag.Bool("force", false, "update every module present in both snapshot and manifest, even if versions match")
	configPath := flag.String("config", "", "optional TOML file overriding log level, log file, and HTTP timeout")
	logLevel := flag.Int("log-level", log.LevelInfo, "log verbosity (1=error .. 5=verbose)")
	flag.Parse()

	if *manifestURL == "" || *base == "" {
		fmt.Fprintln(os.Stderr, "autoupdate: -manifest-url and -base are required")
		os.Exit(2)
	}

	cfg, err := loadFileConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autoupdate: couldn't load config %q: %s\n", *configPath, err)
		os.Exit(1)
	}

	level := *logLevel
	if cfg.LogLevel != 0 {
		level = cfg.LogLevel
	}

	if cfg.HTTPTimeoutSeconds > 0 {
		helpers.SetHTTPTimeout(time.Duration(cfg.HTTPTimeoutSeconds) * time.Second)
	}

	c, err := controller.New(*manifestURL, *base, *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autoupdate: %s\n", err)
		os.Exit(1)
	}

	log.SetLogLevel(level)
	if cfg.LogFile != "" {
		if _, err := log.SetOutputFilename(cfg.LogFile); err != nil {
			fmt.Fprintf(os.Stderr, "autoupdate: couldn't open log file %q: %s\n", cfg.LogFile, err)
			os.Exit(1)
		}
	}
	defer log.CloseLogHandler()

	go c.Run()

	proceeded := false
	for {
		snap := c.Snapshot()

		if snap.Progress != nil {
			fmt.Printf("%s: %s (%.0f%%)\n", snap.State, snap.Message, *snap.Progress*100)
		} else {
			fmt.Printf("%s: %s\n", snap.State, snap.Message)
		}

		if snap.State == controller.StateUpdateAvailable && !proceeded {
			proceeded = true
			c.Proceed()
		}

		if snap.State.IsTerminal() {
			if snap.State == controller.StateError {
				os.Exit(1)
			}
			return
		}

		time.Sleep(pollInterval)
	}
}
