// Copyright (c) 2017 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBridgeCapacityConstants(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint32(30), uint32(PCIBridgeMaxCapacity))
	assert.Equal(uint32(0xffff), uint32(CCWBridgeMaxCapacity))
}
