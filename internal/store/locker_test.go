package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ojtrack/internal/store"
	"ojtrack/internal/store/storetest"
)

func TestLockerReleasesOnlyItsOwnLease(t *testing.T) {
	r := storetest.Redis(t)
	l := store.NewLocker(r)
	ctx := context.Background()
	t.Cleanup(func() { r.Client.Del(ctx, r.Key("lock", "k")) })

	first, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Simulate the first lease expiring and another submission taking over.
	require.NoError(t, r.Client.Del(ctx, r.Key("lock", "k")).Err())
	second, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Unlock(ctx, "k", first))
	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "stale unlock released the new holder")

	require.NoError(t, l.Unlock(ctx, "k", second))
	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
