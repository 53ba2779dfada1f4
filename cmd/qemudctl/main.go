// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

// Command qemudctl is the administrative CLI for qemud, built with the
// same urfave/cli command-tree shape the teacher's container-runtime
// CLI uses.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var version = "0.0.0-dev"

func main() {
	app := cli.NewApp()
	app.Name = "qemudctl"
	app.Usage = "control qemud-managed virtual machines"
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "socket",
			Usage: "path to qemud's administrative socket",
			Value: "/var/run/qemud/qemud.sock",
		},
	}

	app.Commands = []cli.Command{
		listCommand,
		statusCommand,
		migrateCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
