// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultAsyncMaskAlwaysIncludesDestroy(t *testing.T) {
	assert := assert.New(t)
	mask := defaultAsyncMask()
	assert.NotZero(mask & bit(KindDestroy))
	assert.NotZero(mask & bit(KindQuery))
	assert.NotZero(mask & bit(KindModify))
	assert.NotZero(mask & bit(KindAbort))
	assert.NotZero(mask & bit(KindMigrationOp))
	assert.Zero(mask & bit(KindSuspend))
}

func TestTrackedSetMatchesSpec(t *testing.T) {
	assert := assert.New(t)
	assert.True(tracked[KindDestroy])
	assert.True(tracked[KindSuspend])
	assert.True(tracked[KindModify])
	assert.True(tracked[KindMigrationOp])
	assert.False(tracked[KindQuery])
	assert.False(tracked[KindAbort])
}

func TestShortKindString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("destroy", KindDestroy.String())
	assert.Equal("async-nested", KindAsyncNested.String())
	assert.Equal("unknown", ShortKind(99).String())
}
