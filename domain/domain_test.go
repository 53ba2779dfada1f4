// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewDomainStartsShutoffWithEmptyPrivateData(t *testing.T) {
	assert := assert.New(t)
	d := New(uuid.New(), "vm1")

	assert.Equal(StateShutoff, d.State)
	assert.NotNil(d.Priv.VCPUPids)
	assert.NotNil(d.Priv.IOThreadPids)
	assert.NotNil(d.Priv.Capabilities)
	assert.NotNil(d.Priv.Buses)
}

func TestSetStateRecordsReason(t *testing.T) {
	assert := assert.New(t)
	d := New(uuid.New(), "vm1")

	d.SetState(StateRunning, "started")
	assert.Equal(StateRunning, d.State)
	assert.Equal("started", d.StateReason)
}

func TestCleanupsRunInReverseOrder(t *testing.T) {
	d := New(uuid.New(), "vm1")

	var order []int
	d.AddCleanup(func() { order = append(order, 1) })
	d.AddCleanup(func() { order = append(order, 2) })
	d.AddCleanup(func() { order = append(order, 3) })

	d.RunCleanups()
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestRunCleanupsClearsTheList(t *testing.T) {
	d := New(uuid.New(), "vm1")
	calls := 0
	d.AddCleanup(func() { calls++ })

	d.RunCleanups()
	d.RunCleanups()

	assert.Equal(t, 1, calls, "a second RunCleanups call must not re-run already-cleared callbacks")
}
