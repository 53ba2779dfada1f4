// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package hotplug

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kata-containers/qemud/monitor"
)

// DeleteMode selects which of the two device-removal protocols spec
// §4.4 describes applies to a device kind.
type DeleteMode int

const (
	// DeleteWaitForEvent issues device_del and blocks until the
	// hypervisor's DEVICE_DELETED event names the device, the normal
	// path for devices QEMU acknowledges removal of.
	DeleteWaitForEvent DeleteMode = iota
	// DeleteImmediate issues device_del and, since no DEVICE_DELETED
	// event is ever emitted for this device kind, treats success of the
	// command itself as completion.
	DeleteImmediate
)

// pendingState tracks which side resolved a PendingDelete first: the
// DEVICE_DELETED event arriving while DetachDevice still waits, or
// DetachDevice's own wait timing out before the event arrives. Whichever
// side wins the compare-and-swap is the one that performs bus release
// and deferred cleanup.
const (
	pendingWaiting int32 = iota
	pendingDelivered
	pendingTimedOut
)

// PendingDelete tracks one in-flight device_del awaiting its
// DEVICE_DELETED event; the monitor event dispatcher's DeviceDeleted
// callback resolves it by device id. bus/addr are carried so that, per
// spec §4.4/§5, a timeout can return success to the caller while still
// leaving the address release and cleanup hook to run whenever the
// event eventually arrives.
type PendingDelete struct {
	DeviceID string
	bus      *Bus
	addr     Address

	done  chan struct{}
	state int32
}

// DeleteRegistry correlates DEVICE_DELETED events (delivered
// asynchronously on the monitor's event-dispatch goroutine) with the
// transaction waiting on them, keyed by device id, per spec §4.4 "peer
// notifies on delete".
type DeleteRegistry struct {
	pending map[string]*PendingDelete
}

// NewDeleteRegistry constructs an empty registry. One registry is
// shared by every detach call against a single domain.
func NewDeleteRegistry() *DeleteRegistry {
	return &DeleteRegistry{pending: map[string]*PendingDelete{}}
}

// Register installs a waiter for deviceID before the device_del command
// is sent, so the event cannot race ahead of the wait.
func (r *DeleteRegistry) Register(deviceID string, bus *Bus, addr Address) *PendingDelete {
	p := &PendingDelete{DeviceID: deviceID, bus: bus, addr: addr, done: make(chan struct{})}
	r.pending[deviceID] = p
	return p
}

// OnDeviceDeleted is wired as the monitor's DeviceDeleted event
// callback; it resolves the matching pending delete, if any. If
// DetachDevice already gave up waiting on this device (the 5 s window
// elapsed first), the event's arrival is the trigger to finally release
// the bus address and run postDeletionCleanup, per spec §5 "exceeding
// it returns without error and leaves cleanup to the next event
// arrival".
func (r *DeleteRegistry) OnDeviceDeleted(deviceID string) {
	p, ok := r.pending[deviceID]
	if !ok {
		return
	}
	delete(r.pending, deviceID)

	resolvedByEvent := atomic.CompareAndSwapInt32(&p.state, pendingWaiting, pendingDelivered)
	close(p.done)
	if resolvedByEvent {
		// DetachDevice is still inside Wait and will do the release and
		// cleanup itself once it observes p.done closed.
		return
	}

	if p.addr.Kind == BusPCI {
		p.bus.ReleasePCI(p.addr)
	} else {
		p.bus.Release(p.DeviceID)
	}
	if err := postDeletionCleanup(p.DeviceID); err != nil {
		hotplugLog.WithError(err).WithField("device", p.DeviceID).Error("deferred detach cleanup failed")
	}
}

// Wait blocks until the event arrives or timeout elapses. It reports
// deleted=true when the DEVICE_DELETED event was observed within the
// window; a plain timeout reports deleted=false with a nil error, per
// spec §5 — the caller must not treat this as a failed detach.
func (p *PendingDelete) Wait(ctx context.Context, timeout time.Duration) (deleted bool, err error) {
	select {
	case <-p.done:
		return true, nil
	case <-time.After(timeout):
		if atomic.CompareAndSwapInt32(&p.state, pendingWaiting, pendingTimedOut) {
			return false, nil
		}
		// OnDeviceDeleted already claimed this pending delete concurrently.
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// DetachDevice runs device_del against ch and, per mode, either waits
// for the correlated DEVICE_DELETED event or treats command success as
// sufficient. A multifunction PCI slot refuses detaching one of its
// functions outright (spec §4.4 "Multifunction rule") without ever
// contacting the hypervisor. On success it also frees bus, matching the
// invariant that a bus address is never considered free until its
// device is actually gone; on a wait timeout the release and cleanup
// are deferred to OnDeviceDeleted instead of being treated as failure.
func DetachDevice(ctx context.Context, bus *Bus, ch Attacher, registry *DeleteRegistry, deviceID string, addr Address, mode DeleteMode) error {
	if addr.Kind == BusPCI && bus.FunctionCount(addr) > 1 {
		return fmt.Errorf("operation-failed: cannot hot unplug multifunction PCI device: %s", addr)
	}

	var wait *PendingDelete
	if mode == DeleteWaitForEvent {
		wait = registry.Register(deviceID, bus, addr)
	}

	if _, err := ch.Send(ctx, requestDeviceDel(deviceID)); err != nil {
		if wait != nil {
			delete(registry.pending, deviceID)
		}
		return fmt.Errorf("operation-failed: device_del %s: %w", deviceID, err)
	}

	if wait != nil {
		deleted, err := wait.Wait(ctx, DetachTimeout)
		if err != nil {
			return err
		}
		if !deleted {
			// Timed out: leave the bus address reserved and cleanup
			// pending until OnDeviceDeleted observes the event.
			return nil
		}
	}

	if addr.Kind == BusPCI {
		bus.ReleasePCI(addr)
	} else {
		bus.Release(deviceID)
	}
	return postDeletionCleanup(deviceID)
}

// postDeletionCleanup is the hook spec §4.4 names for releasing any
// host-side resources (tap fds, vhost-user socket listeners) tied to a
// device id once the hypervisor has confirmed its removal. The engine
// itself holds no such resources directly; callers that do register
// their own cleanup via RegisterCleanup.
var cleanupHooks = map[string]func(){}

// RegisterCleanup installs fn to run once deviceID's detach completes.
func RegisterCleanup(deviceID string, fn func()) {
	cleanupHooks[deviceID] = fn
}

func postDeletionCleanup(deviceID string) error {
	if fn, ok := cleanupHooks[deviceID]; ok {
		delete(cleanupHooks, deviceID)
		fn()
	}
	return nil
}

func requestDeviceDel(deviceID string) monitor.Request {
	return monitor.Request{Command: "device_del", Args: map[string]interface{}{"id": deviceID}}
}
