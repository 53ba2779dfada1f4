// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/kata-containers/qemud/monitor"
)

// NBDDisk identifies one disk to mirror over NBD during a storage-
// migration-enabled migrate, per spec §4.5 "NBD disk mirroring".
type NBDDisk struct {
	DriveID  string
	NodeName string
}

// NBDMirror drives the source side of NBD disk mirroring (drive-mirror,
// query-block-jobs polling, block-job-complete) against the destination's NBD
// export, matching the original's qemuMigrationSrcNBDStorageMigrate. It
// does not issue nbd-server-start; the destination starts its server.
type NBDMirror struct {
	mon     Monitor
	jobIDs  []string
}

// NewNBDMirror constructs a mirror driver bound to mon.
func NewNBDMirror(mon Monitor) *NBDMirror {
	return &NBDMirror{mon: mon}
}

// Start begins drive-mirror for every disk in disks against the
// destination's already-running NBD server (the destination starts
// nbd-server-start as part of its own Prepare phase before the URI is
// handed back in the migration cookie).
func (m *NBDMirror) Start(ctx context.Context, disks []NBDDisk) error {
	m.jobIDs = m.jobIDs[:0]
	for _, d := range disks {
		jobID := "migration-" + d.DriveID
		args := map[string]interface{}{
			"device": d.DriveID,
			"target": fmt.Sprintf("nbd:%s", d.NodeName),
			"sync":   "full",
			"mode":   "existing",
			"job-id": jobID,
		}
		if _, err := m.mon.Send(ctx, monitor.Request{Command: "drive-mirror", Args: args}); err != nil {
			return fmt.Errorf("operation-failed: drive-mirror for %s: %w", d.DriveID, err)
		}
		m.jobIDs = append(m.jobIDs, jobID)
	}
	return nil
}

// WaitReady polls query-block-jobs until every mirror job reports
// "ready" (source and destination converged to within the dirty-bitmap
// threshold QEMU itself enforces), then issues block-job-complete for
// each, handing storage ownership to the destination.
func (m *NBDMirror) WaitReady(ctx context.Context) error {
	if len(m.jobIDs) == 0 {
		return nil
	}

	const pollInterval = 500 * time.Millisecond
	for {
		reply, err := m.mon.Send(ctx, monitor.Request{Command: "query-block-jobs"})
		if err != nil {
			return fmt.Errorf("operation-failed: query-block-jobs: %w", err)
		}
		allReady, anyFailed := blockJobsStatus(reply, m.jobIDs)
		if anyFailed {
			return fmt.Errorf("operation-failed: a disk mirror job failed")
		}
		if allReady {
			return m.completeAll(ctx)
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *NBDMirror) completeAll(ctx context.Context) error {
	for _, jobID := range m.jobIDs {
		if _, err := m.mon.Send(ctx, monitor.Request{
			Command: "block-job-complete",
			Args:    map[string]interface{}{"device": jobID},
		}); err != nil {
			return fmt.Errorf("operation-failed: block-job-complete for %s: %w", jobID, err)
		}
	}
	return nil
}

// blockJobsStatus scans a query-block-jobs reply for the given job ids,
// reporting whether every one of them has reached "ready" and whether
// any reports an error state.
func blockJobsStatus(reply monitor.Reply, jobIDs []string) (allReady bool, anyFailed bool) {
	list, ok := reply.Return.([]interface{})
	if !ok {
		return false, false
	}
	want := map[string]bool{}
	for _, id := range jobIDs {
		want[id] = false
	}
	for _, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := obj["device"].(string)
		if _, tracked := want[id]; !tracked {
			continue
		}
		status, _ := obj["status"].(string)
		if status == "ready" {
			want[id] = true
		}
		if status == "failed" || status == "error" {
			return false, true
		}
	}
	for _, ready := range want {
		if !ready {
			return false, false
		}
	}
	return true, false
}
