// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package job

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var jobLog = logrus.WithField("source", "job")

// SetLogger overrides the package-wide logger, preserving any fields
// already attached to it.
func SetLogger(logger *logrus.Entry) {
	fields := jobLog.Data
	jobLog = logger.WithFields(fields)
}

// PhaseName maps an (AsyncKind, phase) pair to its stable persisted
// identifier (spec §6: "Phase names are stable identifiers"). Callers
// supply this so the coordinator stays decoupled from any particular
// async job's phase enumeration (migration's, save's, etc).
type PhaseNamer func(kind AsyncKind, phase int) string

// Persister is the narrow interface the coordinator uses to make every
// tracked transition durable (spec §4.2 "Persistence"). Implementations
// typically write a status file atomically; see domain/statusfile.go.
type Persister interface {
	PersistJob(snapshot Snapshot) error
}

type noopPersister struct{}

func (noopPersister) PersistJob(Snapshot) error { return nil }

// Config tunes the coordinator's timeouts and caps.
type Config struct {
	JobWaitTimeout time.Duration // default 30s
	MaxQueuedJobs  int           // 0 means unlimited
	PhaseName      PhaseNamer
	Persist        Persister
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.JobWaitTimeout <= 0 {
		out.JobWaitTimeout = 30 * time.Second
	}
	if out.PhaseName == nil {
		out.PhaseName = func(AsyncKind, int) string { return "none" }
	}
	if out.Persist == nil {
		out.Persist = noopPersister{}
	}
	return out
}

// Coordinator is the per-domain job coordinator (component C2). One
// Coordinator exists for the full lifetime of one domain object.
type Coordinator struct {
	cfg Config

	mu         sync.Mutex
	shortCond  *sync.Cond
	asyncCond  *sync.Cond
	rec        Record
}

// New constructs a Coordinator. The mask always includes KindDestroy
// once an async job starts, per spec §3's job-record invariant.
func New(cfg Config) *Coordinator {
	c := &Coordinator{cfg: cfg.withDefaults()}
	c.shortCond = sync.NewCond(&c.mu)
	c.asyncCond = sync.NewCond(&c.mu)
	return c
}

// Snapshot returns a copy of the current record's externally-visible
// state, safe to read without further synchronization.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.snapshot(c.cfg.PhaseName(c.rec.AsyncJob, c.rec.Phase))
}

func (c *Coordinator) allowedToNest(k ShortKind) bool {
	if c.rec.AsyncJob == AsyncNone {
		return true
	}
	return c.rec.Mask&bit(k) != 0
}

// Begin acquires the short job slot for kind, blocking until
// active_job == none and (async_job == none or k is in the mask), per
// spec §3's invariant table. owner is an opaque caller identifier
// (typically a goroutine-local request id) recorded for diagnostics.
func (c *Coordinator) Begin(ctx context.Context, kind ShortKind, owner int64) error {
	if kind == KindAsyncNested {
		return c.beginNestedLocked(ctx, AsyncNone, owner, true)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.admitLocked(); err != nil {
		return err
	}
	defer func() {
		c.rec.QueuedCount--
		queueDepth.Dec()
	}()

	deadline := time.Now().Add(c.cfg.JobWaitTimeout)
	for {
		// Re-check the async condition after every wake from the short
		// condition: a new async job may have started while the lock
		// was released (spec §4.2 "Waiting rules").
		for c.rec.AsyncJob != AsyncNone && !c.allowedToNest(kind) {
			if !c.waitUntil(c.asyncCond, deadline) {
				return &ErrTimeout{Kind: kind}
			}
		}
		if c.rec.ActiveJob == KindNone {
			break
		}
		if !c.waitUntil(c.shortCond, deadline) {
			return &ErrTimeout{Kind: kind}
		}
	}

	c.rec.ActiveJob = kind
	c.rec.ActiveOwner = owner
	return nil
}

// End releases the short job slot, signals waiters, and persists state
// if kind is in the tracked set.
func (c *Coordinator) End(kind ShortKind) {
	c.mu.Lock()
	c.rec.ActiveJob = KindNone
	c.rec.ActiveOwner = 0
	snap := c.rec.snapshot(c.cfg.PhaseName(c.rec.AsyncJob, c.rec.Phase))
	c.mu.Unlock()

	c.shortCond.Signal()

	if tracked[kind] {
		if err := c.cfg.Persist.PersistJob(snap); err != nil {
			jobLog.WithError(err).Warn("failed to persist job transition")
		}
	}
}

// BeginAsync acquires the async job slot, placing the domain into
// async mode with the default nesting mask and a fresh CurrentStats.
func (c *Coordinator) BeginAsync(ctx context.Context, kind AsyncKind, owner int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.admitLocked(); err != nil {
		return err
	}
	defer func() {
		c.rec.QueuedCount--
		queueDepth.Dec()
	}()

	deadline := time.Now().Add(c.cfg.JobWaitTimeout)
	for c.rec.ActiveJob != KindNone || c.rec.AsyncJob != AsyncNone {
		if !c.waitUntil(c.shortCond, deadline) {
			return &ErrTimeout{Kind: kind}
		}
	}

	c.rec.AsyncJob = kind
	c.rec.AsyncOwner = owner
	c.rec.Phase = 0
	c.rec.Mask = defaultAsyncMask()
	c.rec.AsyncAbortRequested = false
	c.rec.CurrentStats = Stats{Started: time.Now()}

	snap := c.rec.snapshot(c.cfg.PhaseName(kind, 0))
	c.mu.Unlock()
	if err := c.cfg.Persist.PersistJob(snap); err != nil {
		jobLog.WithError(err).Warn("failed to persist async job start")
	}
	c.mu.Lock()
	return nil
}

// EndAsync clears the async slot, broadcasts the async condition (since
// more than one short-job waiter may now be unblocked), and persists.
func (c *Coordinator) EndAsync() {
	c.mu.Lock()
	c.rec.CompletedStats = c.rec.CurrentStats
	c.rec.CompletedStats.Ended = time.Now()
	c.rec.AsyncJob = AsyncNone
	c.rec.AsyncOwner = 0
	c.rec.Phase = 0
	c.rec.Mask = 0
	c.rec.AsyncAbortRequested = false
	snap := c.rec.snapshot("none")
	c.mu.Unlock()

	c.asyncCond.Broadcast()

	if err := c.cfg.Persist.PersistJob(snap); err != nil {
		jobLog.WithError(err).Warn("failed to persist async job end")
	}
}

// BeginNested acquires the nested KindAsyncNested short slot; only the
// async owner may call it, and only while kind matches the currently
// active async job.
func (c *Coordinator) BeginNested(ctx context.Context, kind AsyncKind, owner int64) error {
	return c.beginNestedLocked(ctx, kind, owner, false)
}

func (c *Coordinator) beginNestedLocked(ctx context.Context, kind AsyncKind, owner int64, viaBegin bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !viaBegin {
		if c.rec.AsyncJob == AsyncNone || c.rec.AsyncJob != kind {
			return &ErrTimeout{Kind: KindAsyncNested}
		}
		if c.rec.AsyncOwner != owner {
			return &ErrTimeout{Kind: KindAsyncNested}
		}
	}

	deadline := time.Now().Add(c.cfg.JobWaitTimeout)
	for c.rec.ActiveJob != KindNone {
		if !c.waitUntil(c.shortCond, deadline) {
			return &ErrTimeout{Kind: KindAsyncNested}
		}
	}
	c.rec.ActiveJob = KindAsyncNested
	c.rec.ActiveOwner = owner
	return nil
}

// SetMask replaces the nesting mask for the active async job. KindDestroy
// is always forced on, per the job-record invariant.
func (c *Coordinator) SetMask(mask uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.Mask = mask | bit(KindDestroy)
}

// SetPhase records the current phase, persists it, and refuses backward
// transitions (logging a warning instead of applying them). Must be
// called by the async owner; a mismatched caller is logged but not
// rejected, matching the teacher's "warn, don't crash" posture on
// programmer-error paths.
func (c *Coordinator) SetPhase(owner int64, phase int) error {
	c.mu.Lock()
	if c.rec.AsyncJob == AsyncNone {
		c.mu.Unlock()
		return nil
	}
	if c.rec.AsyncOwner != owner {
		jobLog.Warnf("SetPhase called by non-owner goroutine %d (owner is %d)", owner, c.rec.AsyncOwner)
	}
	if phase < c.rec.Phase {
		jobLog.Warnf("refusing backward phase transition %d -> %d", c.rec.Phase, phase)
		c.mu.Unlock()
		return nil
	}
	c.rec.Phase = phase
	snap := c.rec.snapshot(c.cfg.PhaseName(c.rec.AsyncJob, phase))
	c.mu.Unlock()

	return c.cfg.Persist.PersistJob(snap)
}

// DiscardAsync resets the async slot without signalling success; used
// when a client disconnects mid-flight (spec §4.5 "change-protection").
func (c *Coordinator) DiscardAsync() {
	c.EndAsync()
}

// RequestAbort sets the async_abort flag; the running operation polls
// AbortRequested() cooperatively.
func (c *Coordinator) RequestAbort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec.AsyncJob != AsyncNone {
		c.rec.AsyncAbortRequested = true
	}
}

// AbortRequested reports whether RequestAbort has been called for the
// currently active async job.
func (c *Coordinator) AbortRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.AsyncAbortRequested
}

// CurrentStats returns a copy of the in-flight async job's stats.
func (c *Coordinator) CurrentStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.CurrentStats
}

// UpdateStats merges fields into the in-flight async job's stats.
func (c *Coordinator) UpdateStats(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.rec.CurrentStats)
}

// admitLocked enforces the queued-job cap; callers must hold c.mu.
func (c *Coordinator) admitLocked() error {
	if c.cfg.MaxQueuedJobs > 0 && c.rec.QueuedCount >= c.cfg.MaxQueuedJobs {
		return ErrQueueFull
	}
	c.rec.QueuedCount++
	queueDepth.Inc()
	return nil
}

// waitUntil waits on cond until signalled or the deadline passes,
// returning false on timeout. sync.Cond has no built-in deadline
// support, so a time.AfterFunc timer broadcasts on cond at the deadline
// to wake the waiter; callers re-check their own condition in a loop,
// so the extra wake-ups this gives other waiters are harmless.
func (c *Coordinator) waitUntil(cond *sync.Cond, deadline time.Time) bool {
	if time.Now().After(deadline) {
		return false
	}
	done := make(chan struct{})
	timer := time.AfterFunc(time.Until(deadline), func() {
		close(done)
		cond.Broadcast()
	})
	defer timer.Stop()

	cond.Wait()

	select {
	case <-done:
		return !time.Now().After(deadline)
	default:
		return true
	}
}
