package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bvas-bills/internal/repository"
)

func newTestCache(t *testing.T, ttl time.Duration) (*DashboardCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewDashboardCache(rdb, ttl), mr
}

func TestDashboardCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	_, gen, ok, err := c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, gen)

	want := &repository.DashboardSummary{Pending: 3, Approved: 2, Rejected: 1, Locked: 1, TotalVendors: 4, TotalVerifiers: 2}
	require.NoError(t, c.Set(ctx, gen, want))

	got, _, ok, err := c.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, c.Invalidate(ctx))
	_, gen, ok, err = c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 1, gen)
}

func TestDashboardCacheStaleFillIsOrphaned(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	// A reader misses, a commit invalidates, then the reader fills.
	_, before, ok, err := c.Get(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, c.Invalidate(ctx))
	require.NoError(t, c.Set(ctx, before, &repository.DashboardSummary{Pending: 1}))

	_, gen, ok, err := c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fill from an older generation must not be served")
	assert.NotEqual(t, before, gen)

	require.NoError(t, c.Set(ctx, gen, &repository.DashboardSummary{Pending: 2}))
	got, _, ok, err := c.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Pending)
}

func TestDashboardCacheExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, 10*time.Second)

	require.NoError(t, c.Set(ctx, 0, &repository.DashboardSummary{Pending: 1}))
	mr.FastForward(11 * time.Second)

	_, _, ok, err := c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDashboardCacheDropsCorruptEntry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)

	require.NoError(t, mr.Set(entryKey(0), "not-json"))

	_, _, ok, err := c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(entryKey(0)))
}
