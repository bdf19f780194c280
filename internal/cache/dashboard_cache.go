// Package cache holds the short-lived Redis cache for HQ dashboard counts.
package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-bvas-bills/internal/repository"
)

const (
	dashboardKey  = "bvas:dashboard:v1"
	generationKey = dashboardKey + ":gen"
)

// DashboardCache stores the dashboard summary in Redis.
//
// Entries are keyed by a generation counter. Invalidate advances the
// generation, so a fill computed before a commit is written under a
// generation no reader looks at any more and simply expires.
type DashboardCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDashboardCache wraps rdb. A zero ttl defaults to 30 seconds.
func NewDashboardCache(rdb *redis.Client, ttl time.Duration) *DashboardCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DashboardCache{rdb: rdb, ttl: ttl}
}

func entryKey(gen uint64) string {
	return dashboardKey + ":" + strconv.FormatUint(gen, 10)
}

// Get returns the cached summary and the generation it was looked up
// under; ok is false on a miss. Pass gen to Set when filling the miss.
func (c *DashboardCache) Get(ctx context.Context) (d *repository.DashboardSummary, gen uint64, ok bool, err error) {
	gen, err = c.rdb.Get(ctx, generationKey).Uint64()
	if err != nil && !stderrors.Is(err, redis.Nil) {
		return nil, 0, false, err
	}

	key := entryKey(gen)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, gen, false, err
	}

	var out repository.DashboardSummary
	if err := json.Unmarshal(raw, &out); err != nil {
		// Drop an entry we can no longer read.
		_ = c.rdb.Del(ctx, key).Err()
		return nil, gen, false, nil
	}
	return &out, gen, true, nil
}

// Set stores d under generation gen for the cache TTL.
func (c *DashboardCache) Set(ctx context.Context, gen uint64, d *repository.DashboardSummary) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, entryKey(gen), raw, c.ttl).Err()
}

// Invalidate advances the generation, orphaning every earlier entry.
func (c *DashboardCache) Invalidate(ctx context.Context) error {
	return c.rdb.Incr(ctx, generationKey).Err()
}
