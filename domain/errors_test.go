// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOfExtractsWrappedTaxonomy(t *testing.T) {
	err := Wrap(fmt.Errorf("connection refused"), OperationFailed, "connecting monitor")
	class, ok := ClassOf(err)
	assert.True(t, ok)
	assert.Equal(t, OperationFailed, class)
}

func TestClassOfFalseForPlainError(t *testing.T) {
	_, ok := ClassOf(fmt.Errorf("plain error"))
	assert.False(t, ok)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, OperationFailed, "never happens"))
}

func TestPreserveFirstErrorKeepsOriginalWhenCleanupSucceeds(t *testing.T) {
	first := fmt.Errorf("original failure")
	err := first
	preserveFirstError(&err, func() error { return nil })
	assert.Equal(t, first, err)
}

func TestPreserveFirstErrorAdoptsCleanupErrorWhenNoneExisted(t *testing.T) {
	var err error
	cleanupErr := fmt.Errorf("cleanup failed")
	preserveFirstError(&err, func() error { return cleanupErr })
	assert.Equal(t, cleanupErr, err)
}

func TestPreserveFirstErrorIgnoresCleanupErrorWhenOriginalExists(t *testing.T) {
	original := fmt.Errorf("original failure")
	err := original
	preserveFirstError(&err, func() error { return fmt.Errorf("cleanup also failed") })
	assert.Equal(t, original, err)
}
