// Copyright (c) 2017 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package types holds the small set of bus-capacity constants shared
// between the device address allocator (hotplug.NewBus) and anything
// that needs to reason about a bus kind's maximum size without
// depending on the hotplug package itself.
package types

// PCIBridgeMaxCapacity is the maximum number of slots on one PCI/PCIe
// bridge, used by hotplug.NewBus as the default capacity for BusPCI.
const PCIBridgeMaxCapacity = 30

// CCWBridgeMaxCapacity is the maximum subchannel device number on a
// CCW bus, used by hotplug.NewBus as the default capacity for BusCCW.
const CCWBridgeMaxCapacity = 0xffff
