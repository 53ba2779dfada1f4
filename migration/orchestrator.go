// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kata-containers/qemud/job"
	"github.com/kata-containers/qemud/migration/cookie"
	"github.com/kata-containers/qemud/monitor"
)

// Monitor is the narrow surface the orchestrator needs from the
// per-domain monitor channel.
type Monitor interface {
	Send(ctx context.Context, req monitor.Request) (monitor.Reply, error)
}

// ErrCancelled is returned by Out and In (from waitForCompletion) when
// the job coordinator's abort flag was observed during a progress-poll
// tick.
var ErrCancelled = errors.New("operation-failed: migration cancelled")

// Params bundles the caller-visible knobs of one migration attempt,
// spec §4.5 "Migration parameters".
type Params struct {
	URI           string
	Bandwidth     uint64 // MiB/s, 0 means unlimited
	MaxDowntime   time.Duration
	Protocol      Protocol
	CompressLevel *int
	TLS           bool
	AllowPostcopy bool
}

// Coordinator ties the job package's async-job slot to the phase state
// machine and the monitor commands each phase issues.
type Coordinator struct {
	jobs *job.Coordinator
	mon  Monitor
	disk *NBDMirror
}

// NewCoordinator wires a migration orchestrator on top of an existing
// per-domain job.Coordinator and monitor channel.
func NewCoordinator(jobs *job.Coordinator, mon Monitor) *Coordinator {
	return &Coordinator{jobs: jobs, mon: mon, disk: NewNBDMirror(mon)}
}

// Out runs the full source-side sequence for a v3 migration: begin3,
// perform3 (with NBD mirroring if requested), perform3-done, and then
// either confirm3 or confirm3-cancelled depending on outcome. owner
// identifies the calling goroutine to the job coordinator.
func (c *Coordinator) Out(ctx context.Context, owner int64, p Params, mirror []NBDDisk, cookieOut *cookie.Cookie) (*cookie.Cookie, error) {
	if err := c.jobs.BeginAsync(ctx, job.AsyncMigrationOut, owner); err != nil {
		return nil, err
	}
	defer c.jobs.EndAsync()

	if err := c.setPhase(owner, PhaseBegin3); err != nil {
		return nil, err
	}
	began, err := cookie.Encode(cookieOut)
	if err != nil {
		return nil, fmt.Errorf("operation-failed: encoding outbound migration cookie: %w", err)
	}
	_ = began

	if err := c.setPhase(owner, PhasePerform3); err != nil {
		return nil, err
	}

	if len(mirror) > 0 {
		if err := c.disk.Start(ctx, mirror); err != nil {
			return nil, fmt.Errorf("operation-failed: starting NBD disk mirror: %w", err)
		}
	}

	if err := c.migrate(ctx, owner, p); err != nil {
		_ = c.setPhase(owner, PhaseConfirm3Cancelled)
		return nil, err
	}

	if len(mirror) > 0 {
		if err := c.disk.WaitReady(ctx); err != nil {
			_ = c.setPhase(owner, PhaseConfirm3Cancelled)
			return nil, fmt.Errorf("operation-failed: NBD disk mirror did not converge: %w", err)
		}
	}

	if err := c.setPhase(owner, PhasePerform3Done); err != nil {
		return nil, err
	}
	if err := c.setPhase(owner, PhaseConfirm3); err != nil {
		return nil, err
	}

	return cookieOut, nil
}

// In runs the destination-side sequence: prepare (set up listening
// incoming migration), then finish3 once the event loop observes
// completion. cookieIn is the source's seeding cookie; localHostname and
// localHostUUID identify this host so the local-host-refusal invariant
// (a destination never accepts a cookie whose remote host is this host)
// can be enforced before any migration state is touched.
func (c *Coordinator) In(ctx context.Context, owner int64, p Params, incomingURI string, cookieIn *cookie.Cookie, localHostname string, localHostUUID uuid.UUID) error {
	if err := cookie.CheckNotLocalHost(cookieIn, localHostname, localHostUUID); err != nil {
		return err
	}

	if err := c.jobs.BeginAsync(ctx, job.AsyncMigrationIn, owner); err != nil {
		return err
	}
	defer c.jobs.EndAsync()

	if err := c.setPhase(owner, PhasePrepare); err != nil {
		return err
	}

	args := map[string]interface{}{"uri": incomingURI}
	if _, err := c.mon.Send(ctx, monitor.Request{Command: "migrate-incoming", Args: args}); err != nil {
		return fmt.Errorf("operation-failed: migrate-incoming: %w", err)
	}

	if err := c.waitForCompletion(ctx, owner); err != nil {
		return err
	}

	finishPhase := PhaseFinish3
	if p.Protocol == ProtocolV2 {
		finishPhase = PhaseFinish2
	}
	return c.setPhase(owner, finishPhase)
}

// migrate issues the "migrate" QMP command with the resolved URI and
// parameters, then polls query-migrate for completion, cancelling if
// the job coordinator's abort flag is set.
func (c *Coordinator) migrate(ctx context.Context, owner int64, p Params) error {
	args := map[string]interface{}{"uri": p.URI}
	if _, err := c.mon.Send(ctx, monitor.Request{Command: "migrate", Args: args}); err != nil {
		return fmt.Errorf("operation-failed: migrate: %w", err)
	}
	return c.waitForCompletion(ctx, owner)
}

// waitForCompletion implements spec §4.5 "Progress polling": query
// query-migrate every tick, updating job stats, until status is
// "completed" or "failed", or the coordinator's abort flag fires a
// migrate_cancel.
func (c *Coordinator) waitForCompletion(ctx context.Context, owner int64) error {
	const pollInterval = 50 * time.Millisecond
	for {
		if c.jobs.AbortRequested() {
			_, _ = c.mon.Send(ctx, monitor.Request{Command: "migrate_cancel"})
			return ErrCancelled
		}

		reply, err := c.mon.Send(ctx, monitor.Request{Command: "query-migrate"})
		if err != nil {
			return fmt.Errorf("operation-failed: query-migrate: %w", err)
		}
		status, done, failed := migrateStatus(reply)
		c.jobs.UpdateStats(func(s *job.Stats) {
			if s.ExtraInfo == nil {
				s.ExtraInfo = map[string]interface{}{}
			}
			s.ExtraInfo["status"] = status
			s.Status = status
		})
		if failed {
			return fmt.Errorf("operation-failed: migration reported status %q", status)
		}
		if done {
			return nil
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func migrateStatus(reply monitor.Reply) (status string, done bool, failed bool) {
	obj, ok := reply.Return.(map[string]interface{})
	if !ok {
		return "", false, false
	}
	status, _ = obj["status"].(string)
	return status, status == "completed", status == "failed"
}

func (c *Coordinator) setPhase(owner int64, p Phase) error {
	migLog.WithField("phase", p).Debug("migration phase transition")
	return c.jobs.SetPhase(owner, int(p))
}
