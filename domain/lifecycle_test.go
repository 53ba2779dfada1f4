// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package domain

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/qemud/hotplug"
	"github.com/kata-containers/qemud/job"
)

func newTestDomain() *Domain {
	d := New(uuid.New(), "vm1")
	d.Priv.Jobs = job.New(job.Config{JobWaitTimeout: time.Second})
	return d
}

func TestSuspendRefusesWhenNotRunning(t *testing.T) {
	d := newTestDomain()
	err := d.Suspend(context.Background(), 1, "test")
	assert.Error(t, err)
	class, ok := ClassOf(err)
	require.True(t, ok)
	assert.Equal(t, OperationInvalid, class)
}

func TestResumeRefusesWhenNotPaused(t *testing.T) {
	d := newTestDomain()
	err := d.Resume(context.Background(), 1)
	assert.Error(t, err)
	class, ok := ClassOf(err)
	require.True(t, ok)
	assert.Equal(t, OperationInvalid, class)
}

func TestUpdateNICBridgeChangeNeedsNoMonitorCall(t *testing.T) {
	d := newTestDomain()
	old := hotplug.NICConfig{MAC: "52:54:00:00:00:01", Model: "virtio-net-pci", Bridge: "br0"}
	updated := old
	updated.Bridge = "br1"

	kind, err := d.UpdateNIC(context.Background(), 1, "net0", old, updated)
	require.NoError(t, err)
	assert.Equal(t, hotplug.NICUpdateBridgeChange, kind)
}

func TestUpdateNICFullReconnectIsRefused(t *testing.T) {
	d := newTestDomain()
	old := hotplug.NICConfig{MAC: "52:54:00:00:00:01", Model: "virtio-net-pci"}
	updated := old
	updated.MAC = "52:54:00:00:00:02"

	kind, err := d.UpdateNIC(context.Background(), 1, "net0", old, updated)
	assert.Error(t, err)
	assert.Equal(t, hotplug.NICUpdateFullReconnect, kind)
}

func TestUpdateGraphicsRejectsListenAddressChange(t *testing.T) {
	d := newTestDomain()
	old := hotplug.GraphicsConfig{ListenAddr: "127.0.0.1"}
	updated := old
	updated.ListenAddr = "0.0.0.0"

	err := d.UpdateGraphics(context.Background(), 1, "vnc", old, updated)
	assert.Error(t, err)
	class, ok := ClassOf(err)
	require.True(t, ok)
	assert.Equal(t, OperationFailed, class)
}

func TestUpdateGraphicsNoopWhenNothingChanges(t *testing.T) {
	d := newTestDomain()
	cfg := hotplug.GraphicsConfig{ListenAddr: "127.0.0.1", Keymap: "en-us"}

	err := d.UpdateGraphics(context.Background(), 1, "vnc", cfg, cfg)
	require.NoError(t, err)
}

func TestDestroySkipsNilMonitorAndCgroupAndRunsCleanups(t *testing.T) {
	d := newTestDomain()
	d.SetState(StateRunning, "started")

	cleaned := false
	d.AddCleanup(func() { cleaned = true })

	err := d.Destroy(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, cleaned)
	assert.Equal(t, StateShutoff, d.State)
}
