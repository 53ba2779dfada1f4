// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package migration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/qemud/job"
	"github.com/kata-containers/qemud/migration/cookie"
	"github.com/kata-containers/qemud/monitor"
)

// fakeMonitor answers Send according to a per-command function table and
// records every command it received, in order, for assertions on phase
// sequencing.
type fakeMonitor struct {
	mu       sync.Mutex
	handlers map[string]func(monitor.Request) (monitor.Reply, error)
	received []string
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{handlers: map[string]func(monitor.Request) (monitor.Reply, error){}}
}

func (f *fakeMonitor) Send(_ context.Context, req monitor.Request) (monitor.Reply, error) {
	f.mu.Lock()
	f.received = append(f.received, req.Command)
	h, ok := f.handlers[req.Command]
	f.mu.Unlock()
	if ok {
		return h(req)
	}
	return monitor.Reply{}, nil
}

func completedReply() (monitor.Reply, error) {
	return monitor.Reply{Return: map[string]interface{}{"status": "completed"}}, nil
}

// phaseRecorder is a job.Persister that keeps every persisted phase
// name. Out and In end their async job before returning, which resets
// the coordinator's phase, so the phase a run finished in is the one
// persisted just before that closing snapshot.
type phaseRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *phaseRecorder) PersistJob(s job.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, s.PhaseName)
	return nil
}

// finalPhase returns the phase persisted just before the closing
// EndAsync snapshot, or "" if fewer than two snapshots were persisted.
func (r *phaseRecorder) finalPhase() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.names) < 2 {
		return ""
	}
	return r.names[len(r.names)-2]
}

func TestOutRunsV3PhaseSequenceToConfirm3(t *testing.T) {
	assert := assert.New(t)
	mon := newFakeMonitor()
	mon.handlers["query-migrate"] = func(monitor.Request) (monitor.Reply, error) { return completedReply() }

	rec := &phaseRecorder{}
	jobs := job.New(job.Config{JobWaitTimeout: time.Second, PhaseName: PhaseName, Persist: rec})
	coord := NewCoordinator(jobs, mon)

	out := &cookie.Cookie{DomainUUID: uuid.New(), DomainName: "vm1"}
	_, err := coord.Out(context.Background(), 1, Params{URI: "tcp:host-b:49152", Protocol: ProtocolV3}, nil, out)
	require.NoError(t, err)

	assert.Equal(PhaseConfirm3.String(), rec.finalPhase())
	assert.Contains(mon.received, "migrate")
}

func TestOutCancelsToConfirm3CancelledOnMigrateFailure(t *testing.T) {
	assert := assert.New(t)
	mon := newFakeMonitor()
	mon.handlers["migrate"] = func(monitor.Request) (monitor.Reply, error) {
		return monitor.Reply{}, fmt.Errorf("hypervisor refused")
	}

	rec := &phaseRecorder{}
	jobs := job.New(job.Config{JobWaitTimeout: time.Second, PhaseName: PhaseName, Persist: rec})
	coord := NewCoordinator(jobs, mon)

	out := &cookie.Cookie{DomainUUID: uuid.New(), DomainName: "vm1"}
	_, err := coord.Out(context.Background(), 1, Params{URI: "tcp:host-b:49152", Protocol: ProtocolV3}, nil, out)
	assert.Error(err)
	assert.Equal(PhaseConfirm3Cancelled.String(), rec.finalPhase())
}

func TestInRefusesLocalHostCookie(t *testing.T) {
	mon := newFakeMonitor()
	jobs := job.New(job.Config{JobWaitTimeout: time.Second, PhaseName: PhaseName})
	coord := NewCoordinator(jobs, mon)

	local := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	in := &cookie.Cookie{RemoteHostname: "host-a", RemoteHostUUID: local}

	err := coord.In(context.Background(), 1, Params{Protocol: ProtocolV3}, "tcp:0.0.0.0:49152", in, "host-a", local)
	assert.Error(t, err)
	assert.Empty(t, mon.received, "no monitor command should be issued once local-host refusal fires")
}

func TestInRunsToFinish3ForV3(t *testing.T) {
	assert := assert.New(t)
	mon := newFakeMonitor()
	mon.handlers["query-migrate"] = func(monitor.Request) (monitor.Reply, error) { return completedReply() }

	rec := &phaseRecorder{}
	jobs := job.New(job.Config{JobWaitTimeout: time.Second, PhaseName: PhaseName, Persist: rec})
	coord := NewCoordinator(jobs, mon)

	in := &cookie.Cookie{RemoteHostname: "host-b", RemoteHostUUID: uuid.New()}
	err := coord.In(context.Background(), 1, Params{Protocol: ProtocolV3}, "tcp:0.0.0.0:49152", in, "host-a", uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"))
	require.NoError(t, err)
	assert.Equal(PhaseFinish3.String(), rec.finalPhase())
}

func TestWaitForCompletionCancelsOnAbortRequest(t *testing.T) {
	mon := newFakeMonitor()
	mon.handlers["query-migrate"] = func(monitor.Request) (monitor.Reply, error) {
		return monitor.Reply{Return: map[string]interface{}{"status": "active"}}, nil
	}

	jobs := job.New(job.Config{JobWaitTimeout: time.Second, PhaseName: PhaseName})
	coord := NewCoordinator(jobs, mon)
	require.NoError(t, jobs.BeginAsync(context.Background(), job.AsyncMigrationOut, 1))

	jobs.RequestAbort()
	err := coord.waitForCompletion(context.Background(), 1)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Contains(t, mon.received, "migrate_cancel")
}
