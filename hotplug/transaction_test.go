// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package hotplug

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/qemud/monitor"
)

// fakeAttacher answers Send according to a per-command function table,
// recording every command it received.
type fakeAttacher struct {
	handlers map[string]func(monitor.Request) (monitor.Reply, error)
	received []string
}

func newFakeAttacher() *fakeAttacher {
	return &fakeAttacher{handlers: map[string]func(monitor.Request) (monitor.Reply, error){}}
}

func (f *fakeAttacher) Send(_ context.Context, req monitor.Request) (monitor.Reply, error) {
	f.received = append(f.received, req.Command)
	if h, ok := f.handlers[req.Command]; ok {
		return h(req)
	}
	return monitor.Reply{}, nil
}

func TestAttachDeviceReleasesBusAddressOnFailure(t *testing.T) {
	assert := assert.New(t)
	bus := NewBus("pci0", BusPCI)
	ch := newFakeAttacher()
	ch.handlers["device_add"] = func(monitor.Request) (monitor.Reply, error) {
		return monitor.Reply{}, fmt.Errorf("hypervisor rejected device")
	}

	_, err := AttachDevice(context.Background(), bus, ch, "dev1", false, nil, func(Address) map[string]interface{} {
		return map[string]interface{}{}
	})
	assert.Error(err)

	// the address must be free again: a fresh allocate lands on function 0
	// of a new slot rather than erroring out.
	addr, err := bus.Allocate(context.Background(), "dev2", false, nil)
	require.NoError(t, err)
	assert.Equal(uint32(0), addr.Function)
}

func TestAttachDeviceKeepsBusAddressOnSuccess(t *testing.T) {
	assert := assert.New(t)
	bus := NewBus("pci0", BusPCI)
	ch := newFakeAttacher()

	addr, err := AttachDevice(context.Background(), bus, ch, "dev1", false, nil, func(a Address) map[string]interface{} {
		return map[string]interface{}{"addr": a.String()}
	})
	require.NoError(t, err)
	assert.NotZero(addr.Slot, "a valid PCI slot must be assigned")
	assert.Contains(ch.received, "device_add")
}

func TestDetachDeviceImmediateModeSkipsEventWait(t *testing.T) {
	assert := assert.New(t)
	bus := NewBus("pci0", BusPCI)
	ch := newFakeAttacher()
	registry := NewDeleteRegistry()

	addr, err := bus.Allocate(context.Background(), "dev1", false, nil)
	require.NoError(t, err)

	err = DetachDevice(context.Background(), bus, ch, registry, "dev1", addr, DeleteImmediate)
	assert.NoError(err)

	// the slot must be free again after an immediate-mode detach.
	again, err := bus.Allocate(context.Background(), "dev2", false, &addr.Slot)
	require.NoError(t, err)
	assert.Equal(uint32(0), again.Function)
}

func TestDetachDeviceWaitForEventModeBlocksUntilEventArrives(t *testing.T) {
	assert := assert.New(t)
	bus := NewBus("ccw0", BusCCW)
	ch := newFakeAttacher()
	registry := NewDeleteRegistry()

	addr, err := bus.Allocate(context.Background(), "dev1", false, nil)
	require.NoError(t, err)

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- DetachDevice(context.Background(), bus, ch, registry, "dev1", addr, DeleteWaitForEvent)
	}()

	// simulate the monitor's event dispatcher delivering DEVICE_DELETED.
	registry.OnDeviceDeleted("dev1")

	err = <-doneCh
	assert.NoError(err)
}

func TestDetachDeviceWaitForEventFailsOnCancelledContext(t *testing.T) {
	bus := NewBus("ccw0", BusCCW)
	ch := newFakeAttacher()
	registry := NewDeleteRegistry()

	addr, err := bus.Allocate(context.Background(), "dev1", false, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = DetachDevice(ctx, bus, ch, registry, "dev1", addr, DeleteWaitForEvent)
	assert.Error(t, err)
}

func TestDetachDeviceRefusesMultifunctionSlotWithoutContactingHypervisor(t *testing.T) {
	assert := assert.New(t)
	bus := NewBus("pci0", BusPCI)
	ch := newFakeAttacher()
	registry := NewDeleteRegistry()

	slot, err := bus.Allocate(context.Background(), "dev1", true, nil)
	require.NoError(t, err)
	second, err := bus.Allocate(context.Background(), "dev2", false, &slot.Slot)
	require.NoError(t, err)

	err = DetachDevice(context.Background(), bus, ch, registry, "dev2", second, DeleteWaitForEvent)
	assert.Error(err)
	assert.Contains(err.Error(), "cannot hot unplug multifunction PCI device")
	assert.Empty(ch.received, "a refused multifunction detach must never reach the hypervisor")

	// detaching the other function at the same slot must be refused too.
	err = DetachDevice(context.Background(), bus, ch, registry, "dev1", slot, DeleteWaitForEvent)
	assert.Error(err)
	assert.Empty(ch.received)
}

func TestDetachDeviceTimeoutReturnsSuccessAndDefersCleanupToLateEvent(t *testing.T) {
	assert := assert.New(t)

	saved := DetachTimeout
	DetachTimeout = 10 * time.Millisecond
	defer func() { DetachTimeout = saved }()

	bus := NewBus("ccw0", BusCCW)
	ch := newFakeAttacher()
	registry := NewDeleteRegistry()

	addr, err := bus.Allocate(context.Background(), "dev1", false, nil)
	require.NoError(t, err)

	cleaned := make(chan struct{})
	RegisterCleanup("dev1", func() { close(cleaned) })

	err = DetachDevice(context.Background(), bus, ch, registry, "dev1", addr, DeleteWaitForEvent)
	assert.NoError(err, "a DEVICE_DELETED wait timeout must not surface as a detach failure")

	// the address is still reserved: the event has not arrived yet.
	assert.Equal("dev1", bus.devices[addr.Slot], "a timed-out detach must not free the bus address early")

	// the event finally arrives; OnDeviceDeleted must finish the job.
	registry.OnDeviceDeleted("dev1")

	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatal("postDeletionCleanup never ran after the late DEVICE_DELETED event")
	}

	assert.NotContains(bus.devices, addr.Slot, "the late event must release the bus address")
}

func TestPostDeletionCleanupRunsRegisteredHook(t *testing.T) {
	ran := false
	RegisterCleanup("dev-cleanup-test", func() { ran = true })

	require.NoError(t, postDeletionCleanup("dev-cleanup-test"))
	assert.True(t, ran)

	// the hook must run exactly once.
	ran = false
	require.NoError(t, postDeletionCleanup("dev-cleanup-test"))
	assert.False(t, ran)
}
