// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package migration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/qemud/job"
)

func TestQueryReflectsCurrentStats(t *testing.T) {
	jobs := job.New(job.Config{JobWaitTimeout: time.Second, PhaseName: PhaseName})
	require.NoError(t, jobs.BeginAsync(context.Background(), job.AsyncMigrationOut, 1))

	jobs.UpdateStats(func(s *job.Stats) {
		s.Status = "active"
		s.ExtraInfo = map[string]interface{}{
			"total_time_ms": int64(1500),
			"remaining_mb":  int64(42),
			"processed_mb":  int64(58),
		}
	})

	p := Query(jobs)
	assert.Equal(t, "active", p.Status)
	assert.Equal(t, int64(1500), p.TotalTimeMillis)
	assert.Equal(t, int64(42), p.DataRemainingMB)
	assert.Equal(t, int64(58), p.DataProcessedMB)
}

func TestCancelSetsAbortAndSendsImmediateCancel(t *testing.T) {
	mon := newFakeMonitor()
	jobs := job.New(job.Config{JobWaitTimeout: time.Second, PhaseName: PhaseName})
	require.NoError(t, jobs.BeginAsync(context.Background(), job.AsyncMigrationOut, 1))

	require.NoError(t, Cancel(context.Background(), jobs, mon))
	assert.True(t, jobs.AbortRequested())
	assert.Contains(t, mon.received, "migrate_cancel")
}
