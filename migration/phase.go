// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

// Package migration implements the live-migration orchestrator
// (component C5): the v2/v3 phase state machines, NBD disk-mirroring
// sub-protocol, tunneled migration, progress polling, and cancellation,
// grounded on libvirt's qemu_migration.c phase machine.
package migration

import (
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/qemud/job"
)

var migLog = logrus.WithField("source", "migration")

// SetLogger overrides the package-wide logger, preserving any fields
// already attached to it.
func SetLogger(logger *logrus.Entry) {
	fields := migLog.Data
	migLog = logger.WithFields(fields)
}

// Phase enumerates the migration job's sub-states, named directly
// after qemuMigrationJobPhase.
type Phase int

const (
	PhaseNone Phase = iota
	PhasePerform2
	PhaseBegin3
	PhasePerform3
	PhasePerform3Done
	PhaseConfirm3Cancelled
	PhaseConfirm3
	PhasePrepare
	PhaseFinish2
	PhaseFinish3
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhasePerform2:
		return "perform2"
	case PhaseBegin3:
		return "begin3"
	case PhasePerform3:
		return "perform3"
	case PhasePerform3Done:
		return "perform3_done"
	case PhaseConfirm3Cancelled:
		return "confirm3_cancelled"
	case PhaseConfirm3:
		return "confirm3"
	case PhasePrepare:
		return "prepare"
	case PhaseFinish2:
		return "finish2"
	case PhaseFinish3:
		return "finish3"
	default:
		return "unknown"
	}
}

// PhaseName adapts Phase to job.PhaseNamer, so the job coordinator can
// persist a stable phase name without depending on this package.
func PhaseName(kind job.AsyncKind, phase int) string {
	if kind != job.AsyncMigrationIn && kind != job.AsyncMigrationOut {
		return "none"
	}
	return Phase(phase).String()
}

// Direction distinguishes the source side (perform/confirm, v2's single
// perform2) from the destination side (prepare/finish) of a migration,
// since the two run very different phase sequences.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
)

// Protocol selects the v2 (perform2/finish2, no separate begin/confirm
// round trips) or v3 (begin3/perform3/confirm3, destination-driven
// finish3) wire protocol, per spec §4.5 "Protocol versions".
type Protocol int

const (
	ProtocolV2 Protocol = iota
	ProtocolV3
)
