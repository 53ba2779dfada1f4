// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package migration

import (
	"context"
	"fmt"

	"github.com/kata-containers/qemud/job"
	"github.com/kata-containers/qemud/monitor"
)

// Progress is the caller-facing snapshot of an in-flight migration's
// query-migrate statistics, spec §4.5 "Progress reporting".
type Progress struct {
	Status           string
	TotalTimeMillis  int64
	DataRemainingMB  int64
	DataProcessedMB  int64
}

// Query returns the most recently recorded stats from the job
// coordinator. waitForCompletion records only the status on every poll
// tick; the three counters are read from the ExtraInfo keys
// total_time_ms, remaining_mb and processed_mb, which waitForCompletion
// does not set, so they stay zero unless something else stores them.
// Query does not itself issue a query-migrate command, so it is
// safe to call from a concurrent status-reporting goroutine without
// contending with the monitor's single-in-flight-request rule.
func Query(jobs *job.Coordinator) Progress {
	stats := jobs.CurrentStats()
	p := Progress{Status: stats.Status}
	if stats.ExtraInfo == nil {
		return p
	}
	if v, ok := stats.ExtraInfo["total_time_ms"].(int64); ok {
		p.TotalTimeMillis = v
	}
	if v, ok := stats.ExtraInfo["remaining_mb"].(int64); ok {
		p.DataRemainingMB = v
	}
	if v, ok := stats.ExtraInfo["processed_mb"].(int64); ok {
		p.DataProcessedMB = v
	}
	return p
}

// Cancel requests cooperative cancellation of the in-flight migration:
// it sets the job coordinator's abort flag (observed by the next
// waitForCompletion poll tick) and, as a fast-path, issues
// migrate_cancel immediately rather than waiting for the next tick.
func Cancel(ctx context.Context, jobs *job.Coordinator, mon Monitor) error {
	jobs.RequestAbort()
	if _, err := mon.Send(ctx, monitor.Request{Command: "migrate_cancel"}); err != nil {
		return fmt.Errorf("operation-failed: migrate_cancel: %w", err)
	}
	return nil
}
