// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// setupLogging builds the daemon's root *logrus.Entry, grounded on the
// teacher's katautils.SetLogger convention of defaulting to Warn
// (logrus' own default of Info is noisier than wanted for a daemon).
func setupLogging(level, format string) (*logrus.Entry, error) {
	log := logrus.New()

	lvl := logrus.WarnLevel
	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	log.SetLevel(lvl)

	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{})
	}

	return log.WithField("source", "qemud"), nil
}
