// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package job

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginEndMutualExclusion(t *testing.T) {
	assert := assert.New(t)
	c := New(Config{JobWaitTimeout: time.Second})

	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(owner int64) {
			defer wg.Done()
			ctx := context.Background()
			if err := c.Begin(ctx, KindQuery, owner); err != nil {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			c.End(KindQuery)
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(int32(1), maxActive, "at most one thread should observe active_job != none at a time")
}

func TestAsyncMaskBlocksNonNestedShortJob(t *testing.T) {
	assert := assert.New(t)
	c := New(Config{JobWaitTimeout: 200 * time.Millisecond})

	require.NoError(t, c.BeginAsync(context.Background(), AsyncMigrationOut, 1))
	c.SetMask(bit(KindQuery)) // destroy is force-included, suspend is not

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Begin(context.Background(), KindSuspend, 2)
	}()

	select {
	case err := <-errCh:
		assert.Error(err, "suspend should not be able to nest while not in the mask")
	case <-time.After(100 * time.Millisecond):
		// still blocked, as expected; unblock it below
	}

	c.EndAsync()

	select {
	case err := <-errCh:
		assert.NoError(err, "suspend should proceed once the async job ends")
		c.End(KindSuspend)
	case <-time.After(time.Second):
		t.Fatal("suspend never unblocked after EndAsync")
	}
}

func TestQueryNestsInsideDefaultMask(t *testing.T) {
	c := New(Config{JobWaitTimeout: time.Second})
	ctx := context.Background()

	require.NoError(t, c.BeginAsync(ctx, AsyncMigrationOut, 1))
	err := c.Begin(ctx, KindQuery, 2)
	require.NoError(t, err)
	c.End(KindQuery)
	c.EndAsync()
}

func TestBeginTimesOutUnderFullQueue(t *testing.T) {
	assert := assert.New(t)
	c := New(Config{JobWaitTimeout: 50 * time.Millisecond, MaxQueuedJobs: 1})
	ctx := context.Background()

	require.NoError(t, c.Begin(ctx, KindQuery, 1))

	err := c.Begin(ctx, KindQuery, 2)
	assert.Error(err)
	var timeoutErr *ErrTimeout
	assert.ErrorAs(err, &timeoutErr)

	c.End(KindQuery)
}

func TestSetPhasePersistsAndRefusesBackward(t *testing.T) {
	assert := assert.New(t)
	var persisted []Snapshot
	var mu sync.Mutex

	c := New(Config{
		JobWaitTimeout: time.Second,
		PhaseName:      func(AsyncKind, int) string { return "migrating" },
		Persist: persistFunc(func(s Snapshot) error {
			mu.Lock()
			persisted = append(persisted, s)
			mu.Unlock()
			return nil
		}),
	})
	ctx := context.Background()
	require.NoError(t, c.BeginAsync(ctx, AsyncMigrationOut, 1))

	require.NoError(t, c.SetPhase(1, 3))
	require.NoError(t, c.SetPhase(1, 2)) // backward, should be a no-op

	assert.Equal(3, c.Snapshot().Phase)

	// BeginAsync and the forward SetPhase persist; the backward one does not.
	mu.Lock()
	assert.Len(persisted, 2)
	assert.Equal(3, persisted[len(persisted)-1].Phase)
	mu.Unlock()

	c.EndAsync()
}

type persistFunc func(Snapshot) error

func (f persistFunc) PersistJob(s Snapshot) error { return f(s) }
