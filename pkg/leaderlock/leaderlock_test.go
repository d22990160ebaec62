package leaderlock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/leaderlock"
	"github.com/codeready-toolchain/pulse/test/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTaskFailed = errors.New("task failed")

func TestTryAcquire_SecondHolderIsRejectedWhileLeaseCurrent(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()

	a := leaderlock.New(pool, "outbox-relay", "pod-a", time.Second, time.Minute)
	b := leaderlock.New(pool, "outbox-relay", "pod-b", time.Second, time.Minute)

	acquired, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = b.TryAcquire(ctx)
	assert.ErrorIs(t, err, leaderlock.ErrNotLeader)
	assert.False(t, acquired)
}

func TestTryAcquire_SameHolderRenewsItsOwnLease(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()

	a := leaderlock.New(pool, "outbox-relay", "pod-a", time.Second, time.Minute)
	acquired, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "the current holder must be able to renew its own lease")
}

func TestTryAcquire_AnotherHolderSucceedsAfterLeaseExpires(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()

	a := leaderlock.New(pool, "outbox-relay", "pod-a", 0, 30*time.Millisecond)
	b := leaderlock.New(pool, "outbox-relay", "pod-b", time.Second, time.Minute)

	acquired, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	require.Eventually(t, func() bool {
		acquired, err := b.TryAcquire(ctx)
		return err == nil && acquired
	}, 2*time.Second, 10*time.Millisecond, "a new holder should acquire the lease once the old one's lock_until elapses")
}

func TestRelease_NeverBeforeAtLeastForButRunsAfter(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()

	atLeastFor := 100 * time.Millisecond
	a := leaderlock.New(pool, "fanout-orchestrator", "pod-a", atLeastFor, time.Minute)
	b := leaderlock.New(pool, "fanout-orchestrator", "pod-b", time.Second, time.Minute)

	acquired, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, a.Release(ctx))

	acquired, err = b.TryAcquire(ctx)
	assert.ErrorIs(t, err, leaderlock.ErrNotLeader)
	assert.False(t, acquired, "another holder must not acquire before atLeastFor has elapsed since the lease was taken")

	require.Eventually(t, func() bool {
		acquired, err := b.TryAcquire(ctx)
		return err == nil && acquired
	}, 2*time.Second, 10*time.Millisecond, "another holder should acquire once atLeastFor has elapsed")
}

func TestRelease_RunsImmediatelyOnceAtLeastForHasAlreadyElapsed(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()

	a := leaderlock.New(pool, "fanout-orchestrator", "pod-a", 10*time.Millisecond, time.Minute)
	b := leaderlock.New(pool, "fanout-orchestrator", "pod-b", time.Second, time.Minute)

	acquired, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Release(ctx))

	acquired, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "once atLeastFor has already elapsed, Release should free the lease immediately")
}

func TestRunIfLeader_SkipsWhenAnotherPodHoldsTheLease(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()

	a := leaderlock.New(pool, "activator", "pod-a", time.Second, time.Minute)
	b := leaderlock.New(pool, "activator", "pod-b", time.Second, time.Minute)

	acquired, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	var ran bool
	err = b.RunIfLeader(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran, "RunIfLeader must be a silent no-op when another pod holds the lease")
}

func TestRunIfLeader_RunsAndPropagatesError(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	ctx := context.Background()

	a := leaderlock.New(pool, "activator", "pod-a", time.Second, time.Minute)

	var ran bool
	err := a.RunIfLeader(ctx, func(ctx context.Context) error {
		ran = true
		return errTaskFailed
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, errTaskFailed)
}
