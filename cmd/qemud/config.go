// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DaemonConfig is the root of the TOML configuration file, grounded on
// the teacher's dotted-table convention (katautils' tomlConfig).
type DaemonConfig struct {
	Daemon  DaemonSection  `toml:"daemon"`
	Cgroup  CgroupSection  `toml:"cgroup"`
	Logging LoggingSection `toml:"logging"`
}

// DaemonSection holds process-wide paths and limits.
type DaemonSection struct {
	RunDir       string `toml:"run_dir"`
	LogDir       string `toml:"log_dir"`
	StatusDir    string `toml:"status_dir"`
	JobWaitMs    int    `toml:"job_wait_ms"`
	MaxQueuedJob int    `toml:"max_queued_jobs"`
}

// CgroupSection mirrors cgroup.Config.
type CgroupSection struct {
	Partition         string `toml:"partition"`
	SandboxCgroupOnly bool   `toml:"sandbox_cgroup_only"`
}

// LoggingSection selects verbosity and format.
type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func defaultConfig() DaemonConfig {
	return DaemonConfig{
		Daemon: DaemonSection{
			RunDir:       "/var/run/qemud",
			LogDir:       "/var/log/qemud",
			StatusDir:    "/var/run/qemud/status",
			JobWaitMs:    30000,
			MaxQueuedJob: 0,
		},
		Cgroup: CgroupSection{Partition: "/machine"},
		Logging: LoggingSection{
			Level:  "warn",
			Format: "text",
		},
	}
}

// loadConfig decodes path over the defaults, matching katautils'
// decodeConfig idiom of "parse once, at startup, fail loudly".
func loadConfig(path string) (DaemonConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, fmt.Errorf("config file %s does not exist", path)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding config file %s: %w", path, err)
	}
	return cfg, nil
}
