// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

// Package job implements the per-domain job coordinator (component C2):
// exclusion between API calls against one VM, controlled nesting of
// short monitor calls inside long async operations, and persistence of
// the job's phase across daemon restarts.
package job

import (
	"fmt"
	"time"
)

// ShortKind enumerates the short, mutually-exclusive operation kinds
// that may hold the domain's active_job slot.
type ShortKind int

const (
	KindNone ShortKind = iota
	KindQuery
	KindDestroy
	KindSuspend
	KindModify
	KindAbort
	KindMigrationOp
	KindAsyncNested
)

func (k ShortKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindQuery:
		return "query"
	case KindDestroy:
		return "destroy"
	case KindSuspend:
		return "suspend"
	case KindModify:
		return "modify"
	case KindAbort:
		return "abort"
	case KindMigrationOp:
		return "migration-op"
	case KindAsyncNested:
		return "async-nested"
	default:
		return "unknown"
	}
}

// AsyncKind enumerates the long-running operations that may hold the
// domain's async_job slot.
type AsyncKind int

const (
	AsyncNone AsyncKind = iota
	AsyncMigrationIn
	AsyncMigrationOut
	AsyncSave
	AsyncDump
	AsyncSnapshot
)

func (k AsyncKind) String() string {
	switch k {
	case AsyncNone:
		return "none"
	case AsyncMigrationIn:
		return "migration-in"
	case AsyncMigrationOut:
		return "migration-out"
	case AsyncSave:
		return "save"
	case AsyncDump:
		return "dump"
	case AsyncSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// tracked is the set of operations whose transitions are persisted to
// the status file (spec §4.2 "Persistence").
var tracked = map[ShortKind]bool{
	KindDestroy:     true,
	KindSuspend:     true,
	KindModify:      true,
	KindMigrationOp: true,
}

// defaultAsyncMask is the mask installed by BeginAsync: query, destroy,
// modify, abort, migration-op may all nest inside any async job unless
// later narrowed by SetMask.
func defaultAsyncMask() uint32 {
	return bit(KindQuery) | bit(KindDestroy) | bit(KindModify) | bit(KindAbort) | bit(KindMigrationOp)
}

func bit(k ShortKind) uint32 { return 1 << uint(k) }

// Stats holds the subset of migration/save/dump/snapshot statistics
// tracked by the coordinator across the lifetime of one async job and
// snapshotted into CompletedStats when it ends.
type Stats struct {
	Started   time.Time
	Ended     time.Time
	Status    string
	ExtraInfo map[string]interface{}
}

// Record is the full state machine described in spec §3 "Job record".
// All fields are only ever mutated while the owning Coordinator's mutex
// is held; callers never touch Record directly.
type Record struct {
	ActiveJob   ShortKind
	ActiveOwner int64

	AsyncJob   AsyncKind
	AsyncOwner int64
	Phase      int
	Mask       uint32

	QueuedCount int

	CurrentStats   Stats
	CompletedStats Stats

	AsyncAbortRequested bool
}

// Snapshot is the externally visible, copyable view of a Record used
// for status-file persistence (spec §6 "Persisted per-VM status
// file").
type Snapshot struct {
	ActiveJob  string `toml:"active_job"`
	AsyncJob   string `toml:"async_job"`
	Phase      int    `toml:"phase"`
	PhaseName  string `toml:"phase_name"`
	QueuedJobs int    `toml:"queued_jobs"`
}

func (r *Record) snapshot(phaseName string) Snapshot {
	return Snapshot{
		ActiveJob:  r.ActiveJob.String(),
		AsyncJob:   r.AsyncJob.String(),
		Phase:      r.Phase,
		PhaseName:  phaseName,
		QueuedJobs: r.QueuedCount,
	}
}

// ErrTimeout is returned by Begin/BeginAsync when the configured wait
// budget elapses before a slot becomes available.
type ErrTimeout struct{ Kind fmt.Stringer }

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation-timeout: timed out waiting for job slot (%s)", e.Kind)
}

// ErrQueueFull is returned when the configurable queued-job cap is hit.
var ErrQueueFull = fmt.Errorf("operation-failed: too many queued jobs")
