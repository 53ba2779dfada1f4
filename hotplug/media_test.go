// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package hotplug

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/qemud/monitor"
)

func TestChangeMediaEjectsInsertsAndConfirmsViaPoll(t *testing.T) {
	ch := newFakeAttacher()
	ch.handlers["query-block"] = func(monitor.Request) (monitor.Reply, error) {
		return monitor.Reply{Return: []interface{}{
			map[string]interface{}{
				"device":   "drive-virtio-disk1",
				"inserted": map[string]interface{}{"file": "/var/vm/new.qcow2"},
			},
		}}, nil
	}

	err := ChangeMedia(context.Background(), ch, "drive-virtio-disk1", "/var/vm/new.qcow2", "qcow2")
	require.NoError(t, err)
	assert.Equal(t, []string{"eject", "blockdev-change-medium", "query-block"}, ch.received)
}

func TestChangeMediaFailsWhenEjectRejected(t *testing.T) {
	ch := newFakeAttacher()
	ch.handlers["eject"] = func(monitor.Request) (monitor.Reply, error) {
		return monitor.Reply{}, assert.AnError
	}

	err := ChangeMedia(context.Background(), ch, "drive-virtio-disk1", "/var/vm/new.qcow2", "qcow2")
	assert.Error(t, err)
	assert.NotContains(t, ch.received, "blockdev-change-medium")
}

func TestMediaLoadedMatchesByDeviceOrQdev(t *testing.T) {
	reply := monitor.Reply{Return: []interface{}{
		map[string]interface{}{
			"qdev":     "virtio-disk1",
			"inserted": map[string]interface{}{"file": "/var/vm/x.qcow2"},
		},
	}}
	assert.True(t, mediaLoaded(reply, "virtio-disk1", "/var/vm/x.qcow2"))
	assert.False(t, mediaLoaded(reply, "virtio-disk1", "/var/vm/other.qcow2"))
	assert.False(t, mediaLoaded(reply, "other-drive", "/var/vm/x.qcow2"))
}
