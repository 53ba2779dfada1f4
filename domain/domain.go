// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package domain

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/qemud/cgroup"
	"github.com/kata-containers/qemud/hotplug"
	"github.com/kata-containers/qemud/job"
	"github.com/kata-containers/qemud/migration"
	"github.com/kata-containers/qemud/monitor"
)

var domainLog = logrus.WithField("source", "domain")

// SetLogger overrides the package-wide logger, preserving any fields
// already attached to it.
func SetLogger(logger *logrus.Entry) {
	fields := domainLog.Data
	domainLog = logger.WithFields(fields)
}

// RunState enumerates the values spec §3 names for the domain object's
// current runtime state.
type RunState string

const (
	StateShutoff      RunState = "shutoff"
	StateStarting     RunState = "starting"
	StateRunning      RunState = "running"
	StatePaused       RunState = "paused"
	StateMigratingIn  RunState = "migrating-in"
	StateMigratingOut RunState = "migrating-out"
	StateStopping     RunState = "stopping"
)

// PrivateData is the block spec §3 describes as "owned exclusively by
// the core": every component handle plus the bookkeeping fields that
// have no home in any one component.
type PrivateData struct {
	Monitor *monitor.Channel
	Cgroup  *cgroup.Handle
	Jobs    *job.Coordinator
	Migrate *migration.Coordinator

	VCPUPids     map[int]int
	IOThreadPids map[int]int

	Capabilities map[string]bool

	CleanupCallbacks []func()

	AutoDestroy bool

	// Migration-scoped fields, valid only while RunState is
	// migrating-in/migrating-out.
	NBDPort          int
	PreMigrationState RunState
	CompletedJobStats job.Stats

	DeviceAliases []string
	Buses         map[hotplug.BusKind]*hotplug.Bus
	Controllers   *hotplug.ControllerSet
	Deletes       *hotplug.DeleteRegistry
}

// Domain is the central aggregate of spec §3: one instance exists per
// uuid for the life of the daemon process, from definition/discovery
// until it is both inactive and non-persistent.
type Domain struct {
	mu sync.RWMutex

	UUID uuid.UUID
	Name string

	// Config is the live configuration snapshot; NextBoot, if non-nil,
	// overrides Config the next time the domain starts (spec's
	// "next-boot configuration").
	Config   interface{}
	NextBoot interface{}

	State      RunState
	StateReason string

	HypervisorPID int

	Priv PrivateData
}

// New constructs a Domain in the shutoff state, with an empty private
// data block ready for Start to populate.
func New(id uuid.UUID, name string) *Domain {
	return &Domain{
		UUID:  id,
		Name:  name,
		State: StateShutoff,
		Priv: PrivateData{
			VCPUPids:     map[int]int{},
			IOThreadPids: map[int]int{},
			Capabilities: map[string]bool{},
			Buses:        map[hotplug.BusKind]*hotplug.Bus{},
		},
	}
}

// RLock/RUnlock/Lock/Unlock expose the domain lock spec §3's job
// record relies on; callers that need a consistent read of State
// alongside PrivateData fields should hold RLock rather than reading
// State directly.
func (d *Domain) RLock()   { d.mu.RLock() }
func (d *Domain) RUnlock() { d.mu.RUnlock() }
func (d *Domain) Lock()    { d.mu.Lock() }
func (d *Domain) Unlock()  { d.mu.Unlock() }

// SetState transitions the domain's runtime state, recording a reason
// string for diagnostics (mirrors the teacher's state+reason pairing
// in virtcontainers' own sandbox state machine).
func (d *Domain) SetState(s RunState, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	domainLog.WithFields(logrus.Fields{
		"domain": d.Name,
		"from":   d.State,
		"to":     s,
		"reason": reason,
	}).Info("domain state transition")
	d.State = s
	d.StateReason = reason
}

// AddCleanup registers fn to run when the domain is torn down. Cleanup
// callbacks run in reverse-registration order, matching a defer stack.
func (d *Domain) AddCleanup(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Priv.CleanupCallbacks = append(d.Priv.CleanupCallbacks, fn)
}

// RunCleanups invokes every registered cleanup callback in reverse
// order and clears the list.
func (d *Domain) RunCleanups() {
	d.mu.Lock()
	callbacks := d.Priv.CleanupCallbacks
	d.Priv.CleanupCallbacks = nil
	d.mu.Unlock()

	for i := len(callbacks) - 1; i >= 0; i-- {
		callbacks[i]()
	}
}
