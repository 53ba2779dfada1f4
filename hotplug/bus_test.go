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
)

func TestAllocateNonPCIBusAssignsDistinctSlots(t *testing.T) {
	assert := assert.New(t)
	b := NewBus("ccw0", BusCCW)

	a1, err := b.Allocate(context.Background(), "dev1", false, nil)
	require.NoError(t, err)
	a2, err := b.Allocate(context.Background(), "dev2", false, nil)
	require.NoError(t, err)

	assert.NotEqual(a1.Slot, a2.Slot)
}

func TestAllocatePCIPlacesEachDeviceAtFunctionZeroByDefault(t *testing.T) {
	assert := assert.New(t)
	b := NewBus("pci0", BusPCI)

	a, err := b.Allocate(context.Background(), "dev1", false, nil)
	require.NoError(t, err)
	assert.Equal(uint32(0), a.Function)
}

func TestMultifunctionSlotAcceptsAdditionalFunctions(t *testing.T) {
	assert := assert.New(t)
	b := NewBus("pci0", BusPCI)

	slot, err := b.Allocate(context.Background(), "dev1", true, nil)
	require.NoError(t, err)

	second, err := b.Allocate(context.Background(), "dev2", false, &slot.Slot)
	require.NoError(t, err)
	assert.Equal(slot.Slot, second.Slot)
	assert.Equal(uint32(1), second.Function)
}

func TestNonMultifunctionSlotRefusesSecondFunction(t *testing.T) {
	b := NewBus("pci0", BusPCI)

	slot, err := b.Allocate(context.Background(), "dev1", false, nil)
	require.NoError(t, err)

	_, err = b.Allocate(context.Background(), "dev2", false, &slot.Slot)
	assert.ErrorIs(t, err, ErrMultifunctionRefused)
}

func TestAllocateExhaustsCapacity(t *testing.T) {
	b := NewBus("usb0", BusUSB)
	for i := 0; i < usbMaxPorts; i++ {
		_, err := b.Allocate(context.Background(), "dev", false, nil)
		require.NoError(t, err)
	}
	_, err := b.Allocate(context.Background(), "overflow", false, nil)
	assert.ErrorIs(t, err, ErrNoSlot)
}

func TestReleasePCIFreesSlotForReuse(t *testing.T) {
	assert := assert.New(t)
	b := NewBus("pci0", BusPCI)

	addr, err := b.Allocate(context.Background(), "dev1", false, nil)
	require.NoError(t, err)

	b.ReleasePCI(addr)

	again, err := b.Allocate(context.Background(), "dev2", false, &addr.Slot)
	require.NoError(t, err)
	assert.Equal(uint32(0), again.Function, "a freed slot accepts a fresh function 0 device")
}
