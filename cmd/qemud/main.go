// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

// Command qemud is the daemon entrypoint: it loads configuration,
// wires up logging and tracing, and serves VM lifecycle requests
// against the domain registry. Grounded on the teacher's katautils
// logger/config conventions, generalized from a container-runtime CLI
// to a long-running daemon.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/kata-containers/qemud/cgroup"
	"github.com/kata-containers/qemud/domain"
	"github.com/kata-containers/qemud/job"
	"github.com/kata-containers/qemud/migration"
	"github.com/kata-containers/qemud/monitor"
)

// version is overridden at build time via -ldflags.
var version = "0.0.0-dev"

func main() {
	app := cli.NewApp()
	app.Name = "qemud"
	app.Usage = "QEMU virtual machine management daemon"
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to the daemon's TOML configuration file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override the configured log level",
		},
	}

	app.Action = runDaemon

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if override := c.String("log-level"); override != "" {
		level = override
	}
	logger, err := setupLogging(level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	shutdownTracing := setupTracing(logger)
	defer shutdownTracing()

	monitor.SetLogger(logger)
	job.SetLogger(logger)
	cgroup.SetLogger(logger)
	domain.SetLogger(logger)
	migration.SetLogger(logger)

	for _, dir := range []string{cfg.Daemon.RunDir, cfg.Daemon.LogDir, cfg.Daemon.StatusDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	logger.WithFields(logrus.Fields{
		"run_dir":    cfg.Daemon.RunDir,
		"log_dir":    cfg.Daemon.LogDir,
		"status_dir": cfg.Daemon.StatusDir,
	}).Info("qemud starting")

	registry := newRegistry(cfg)
	return registry.Serve(c.App.Name)
}
