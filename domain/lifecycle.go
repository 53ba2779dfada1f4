// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package domain

import (
	"context"

	"github.com/kata-containers/qemud/cgroup"
	"github.com/kata-containers/qemud/hotplug"
	"github.com/kata-containers/qemud/job"
	"github.com/kata-containers/qemud/monitor"
)

// ownerID is a stand-in for a per-call thread/goroutine identifier;
// callers typically derive this from their own request context, but
// the aggregate only needs it to be unique per in-flight caller.
type ownerID = int64

// AttachDisk runs the hotplug engine's attach transaction for a disk
// device, then applies the cgroup allow rule for its backing chain, in
// the order spec §4.4/§4.3 require: bus allocation and device_add
// first, cgroup rule second, so a cgroup failure after a successful
// device_add is cleaned up by detaching the device again rather than
// leaving a half-attached disk with no cgroup access.
func (d *Domain) AttachDisk(ctx context.Context, owner ownerID, id string, chain []cgroup.DiskNode, bus hotplug.BusKind, buildArgs func(hotplug.Address) map[string]interface{}) (retErr error) {
	if err := d.Priv.Jobs.Begin(ctx, job.KindModify, owner); err != nil {
		return err
	}
	defer d.Priv.Jobs.End(job.KindModify)

	b, ok := d.Priv.Buses[bus]
	if !ok {
		b = hotplug.NewBus(id+"-bus", bus)
		d.Priv.Buses[bus] = b
	}

	addr, err := hotplug.AttachDevice(ctx, b, d.Priv.Monitor, id, false, nil, buildArgs)
	if err != nil {
		return Wrap(err, OperationFailed, "attaching disk device")
	}

	defer func() {
		if retErr != nil {
			_ = hotplug.DetachDevice(ctx, b, d.Priv.Monitor, d.Priv.Deletes, id, addr, hotplug.DeleteImmediate)
		}
	}()

	if d.Priv.Cgroup != nil {
		if err := d.Priv.Cgroup.SetupDiskCgroup(chain); err != nil {
			return Wrap(err, OperationFailed, "allowing disk cgroup rule")
		}
	}

	d.mu.Lock()
	d.Priv.DeviceAliases = append(d.Priv.DeviceAliases, id)
	d.mu.Unlock()
	return nil
}

// DetachDisk runs the symmetric teardown: deny the cgroup rule first
// (so the guest loses access even if the hypervisor is slow to
// acknowledge removal), then run the detach transaction, per spec §8's
// S4/S5 scenarios.
func (d *Domain) DetachDisk(ctx context.Context, owner ownerID, id string, chain []cgroup.DiskNode, bus hotplug.BusKind, addr hotplug.Address, mode hotplug.DeleteMode) error {
	if err := d.Priv.Jobs.Begin(ctx, job.KindModify, owner); err != nil {
		return err
	}
	defer d.Priv.Jobs.End(job.KindModify)

	if d.Priv.Cgroup != nil {
		if err := d.Priv.Cgroup.TeardownDiskCgroup(chain); err != nil {
			domainLog.WithError(err).Warn("failed to deny disk cgroup rule on detach")
		}
	}

	b := d.Priv.Buses[bus]
	if err := hotplug.DetachDevice(ctx, b, d.Priv.Monitor, d.Priv.Deletes, id, addr, mode); err != nil {
		return Wrap(err, OperationFailed, "detaching disk device")
	}

	d.mu.Lock()
	for i, alias := range d.Priv.DeviceAliases {
		if alias == id {
			d.Priv.DeviceAliases = append(d.Priv.DeviceAliases[:i], d.Priv.DeviceAliases[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	return nil
}

// UpdateNIC classifies old against updated and applies whichever live
// update spec §4.4 "NIC update" allows; a classification requiring a
// full reconnect is refused rather than attempted live. The returned
// kind tells the caller which host-side step (bridge membership,
// nwfilter rules, bandwidth shaping) it still needs to apply itself,
// since those have no QMP command of their own.
func (d *Domain) UpdateNIC(ctx context.Context, owner ownerID, deviceID string, old, updated hotplug.NICConfig) (hotplug.NICUpdateKind, error) {
	if err := d.Priv.Jobs.Begin(ctx, job.KindModify, owner); err != nil {
		return hotplug.NICUpdateNone, err
	}
	defer d.Priv.Jobs.End(job.KindModify)

	kind, err := hotplug.ApplyNICUpdate(ctx, d.Priv.Monitor, deviceID, old, updated)
	if err != nil {
		return kind, Wrap(err, OperationFailed, "updating NIC")
	}
	return kind, nil
}

// UpdateGraphics applies spec §4.4 "Graphics update": only password,
// password expiry, and password-on-connected action may change on an
// attached display; any other change is rejected.
func (d *Domain) UpdateGraphics(ctx context.Context, owner ownerID, protocol string, old, updated hotplug.GraphicsConfig) error {
	if err := d.Priv.Jobs.Begin(ctx, job.KindModify, owner); err != nil {
		return err
	}
	defer d.Priv.Jobs.End(job.KindModify)

	if err := hotplug.ApplyGraphicsUpdate(ctx, d.Priv.Monitor, protocol, old, updated); err != nil {
		return Wrap(err, OperationFailed, "updating graphics")
	}
	return nil
}

// Suspend pauses a running domain via the monitor's "stop" command and
// sets its state to paused with reason. The pre-suspend state is not
// recorded.
func (d *Domain) Suspend(ctx context.Context, owner ownerID, reason string) error {
	if err := d.Priv.Jobs.Begin(ctx, job.KindSuspend, owner); err != nil {
		return err
	}
	defer d.Priv.Jobs.End(job.KindSuspend)

	if d.State != StateRunning {
		return New(OperationInvalid, "domain is not running")
	}
	if _, err := d.Priv.Monitor.Send(ctx, monitor.Request{Command: "stop"}); err != nil {
		return Wrap(err, OperationFailed, "sending stop to monitor")
	}
	d.SetState(StatePaused, reason)
	return nil
}

// Resume unpauses a paused domain via "cont".
func (d *Domain) Resume(ctx context.Context, owner ownerID) error {
	if err := d.Priv.Jobs.Begin(ctx, job.KindModify, owner); err != nil {
		return err
	}
	defer d.Priv.Jobs.End(job.KindModify)

	if d.State != StatePaused {
		return New(OperationInvalid, "domain is not paused")
	}
	if _, err := d.Priv.Monitor.Send(ctx, monitor.Request{Command: "cont"}); err != nil {
		return Wrap(err, OperationFailed, "sending cont to monitor")
	}
	d.SetState(StateRunning, "resumed")
	return nil
}

// Destroy tears the domain down unconditionally: quit the hypervisor,
// release the cgroup tree, and run every registered cleanup callback.
// Per spec §7's propagation policy, the first error encountered is
// preserved across the remaining best-effort teardown steps.
func (d *Domain) Destroy(ctx context.Context, owner ownerID) (retErr error) {
	if err := d.Priv.Jobs.Begin(ctx, job.KindDestroy, owner); err != nil {
		return err
	}
	defer d.Priv.Jobs.End(job.KindDestroy)

	d.SetState(StateStopping, "destroy requested")

	if d.Priv.Monitor != nil {
		if _, err := d.Priv.Monitor.Send(ctx, monitor.Request{Command: "quit"}); err != nil {
			retErr = Wrap(err, OperationFailed, "sending quit to monitor")
		}
		preserveFirstError(&retErr, func() error { return d.Priv.Monitor.Close() })
	}

	if d.Priv.Cgroup != nil {
		preserveFirstError(&retErr, d.Priv.Cgroup.Destroy)
	}

	d.RunCleanups()
	d.SetState(StateShutoff, "destroyed")
	return retErr
}
