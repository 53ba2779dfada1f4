// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/qemud/monitor"
)

func TestNBDMirrorStartIssuesDriveMirrorPerDisk(t *testing.T) {
	mon := newFakeMonitor()
	m := NewNBDMirror(mon)

	err := m.Start(context.Background(), []NBDDisk{
		{DriveID: "drive-virtio-disk0", NodeName: "nbd-disk0"},
		{DriveID: "drive-virtio-disk1", NodeName: "nbd-disk1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"drive-mirror", "drive-mirror"}, mon.received)
	assert.Equal(t, []string{"migration-drive-virtio-disk0", "migration-drive-virtio-disk1"}, m.jobIDs)
}

func TestNBDMirrorWaitReadyCompletesOnceAllJobsReady(t *testing.T) {
	mon := newFakeMonitor()
	m := NewNBDMirror(mon)
	require.NoError(t, m.Start(context.Background(), []NBDDisk{{DriveID: "drive0", NodeName: "nbd0"}}))

	mon.handlers["query-block-jobs"] = func(monitor.Request) (monitor.Reply, error) {
		return monitor.Reply{Return: []interface{}{
			map[string]interface{}{"device": "migration-drive0", "status": "ready"},
		}}, nil
	}

	err := m.WaitReady(context.Background())
	require.NoError(t, err)
	assert.Contains(t, mon.received, "block-job-complete")
}

func TestNBDMirrorWaitReadyFailsOnJobError(t *testing.T) {
	mon := newFakeMonitor()
	m := NewNBDMirror(mon)
	require.NoError(t, m.Start(context.Background(), []NBDDisk{{DriveID: "drive0", NodeName: "nbd0"}}))

	mon.handlers["query-block-jobs"] = func(monitor.Request) (monitor.Reply, error) {
		return monitor.Reply{Return: []interface{}{
			map[string]interface{}{"device": "migration-drive0", "status": "failed"},
		}}, nil
	}

	err := m.WaitReady(context.Background())
	assert.Error(t, err)
}

func TestNBDMirrorWaitReadyNoopWithoutTrackedJobs(t *testing.T) {
	mon := newFakeMonitor()
	m := NewNBDMirror(mon)
	require.NoError(t, m.WaitReady(context.Background()))
	assert.Empty(t, mon.received)
}
