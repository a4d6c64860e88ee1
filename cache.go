package offline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// CacheManager is a TTL-bounded cache over the store's cache collection.
// Expiry is enforced on read even if no sweep has run yet.
type CacheManager struct {
	store *Store
	opts  options
}

// NewCacheManager creates a cache manager over store.
func NewCacheManager(store *Store, opts ...Option) *CacheManager {
	return &CacheManager{store: store, opts: buildOptions(opts)}
}

func (c *CacheManager) nowMillis() int64 {
	return c.opts.now().UnixMilli()
}

// CacheData stores data under key for ttl (DefaultCacheTTL when ttl <= 0),
// overwriting any previous entry.
func (c *CacheManager) CacheData(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.put(ctx, &CacheEntry{Key: key, Data: data}, ttl)
}

// CacheResponse stores a response body together with its status and
// headers so it can be served again later.
func (c *CacheManager) CacheResponse(ctx context.Context, key string, resp *Response, ttl time.Duration) error {
	return c.put(ctx, &CacheEntry{
		Key:    key,
		Data:   resp.Body,
		Status: resp.StatusCode,
		Header: resp.Header,
	}, ttl)
}

func (c *CacheManager) put(ctx context.Context, entry *CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.ttl
	}
	entry.Timestamp = c.nowMillis()
	entry.Expires = entry.Timestamp + ttl.Milliseconds()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, CollectionCache, &Record{
		Key:       entry.Key,
		Data:      data,
		Timestamp: entry.Timestamp,
		Expires:   entry.Expires,
	})
}

// GetCachedEntry returns the live entry under key. An expired entry is
// deleted and reported as a miss. Storage failures are misses too.
func (c *CacheManager) GetCachedEntry(ctx context.Context, key string) (*CacheEntry, bool) {
	rec, err := c.store.Get(ctx, CollectionCache, key)
	if err != nil {
		c.opts.metrics.cacheHit(false)
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(rec.Data, &entry); err != nil {
		c.opts.log.Warn("discarding unreadable cache entry", zap.String("key", key), zap.Error(err))
		_ = c.store.Delete(ctx, CollectionCache, key)
		c.opts.metrics.cacheHit(false)
		return nil, false
	}

	if entry.Expired(c.nowMillis()) {
		_ = c.store.Delete(ctx, CollectionCache, key)
		c.opts.metrics.cacheExpired(1)
		c.opts.metrics.cacheHit(false)
		return nil, false
	}

	c.opts.metrics.cacheHit(true)
	return &entry, true
}

// GetCachedData returns the cached payload under key, if still live.
func (c *CacheManager) GetCachedData(ctx context.Context, key string) ([]byte, bool) {
	entry, ok := c.GetCachedEntry(ctx, key)
	if !ok {
		return nil, false
	}
	return entry.Data, true
}

// ClearExpiredCache deletes every entry whose expiry is at or before now and
// returns how many were removed. Entries are scanned in expiry order, so the
// scan stops at the first live one.
func (c *CacheManager) ClearExpiredCache(ctx context.Context) (int, error) {
	recs, err := c.store.GetAll(ctx, CollectionCache)
	if err != nil {
		return 0, err
	}

	now := c.nowMillis()
	removed := 0
	for _, rec := range recs {
		if rec.Expires > now {
			break
		}
		if err := c.store.Delete(ctx, CollectionCache, rec.Key); err != nil {
			c.opts.metrics.cacheExpired(removed)
			return removed, err
		}
		removed++
	}

	c.opts.metrics.cacheExpired(removed)
	if removed > 0 {
		c.opts.log.Info("expired cache entries removed", zap.Int("removed", removed))
	}
	return removed, nil
}

// Entries lists every stored entry, expired or not, in expiry order.
func (c *CacheManager) Entries(ctx context.Context) ([]*CacheEntry, error) {
	recs, err := c.store.GetAll(ctx, CollectionCache)
	if err != nil {
		return nil, err
	}
	out := make([]*CacheEntry, 0, len(recs))
	for _, rec := range recs {
		var entry CacheEntry
		if err := json.Unmarshal(rec.Data, &entry); err != nil {
			continue
		}
		out = append(out, &entry)
	}
	return out, nil
}

// Clear removes every cache entry.
func (c *CacheManager) Clear(ctx context.Context) error {
	return c.store.Clear(ctx, CollectionCache)
}

// RunSweeper calls ClearExpiredCache every interval until ctx is cancelled.
// It blocks and should typically be run in a separate goroutine.
func (c *CacheManager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.opts.sweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.ClearExpiredCache(ctx); err != nil {
				c.opts.log.Debug("cache sweep skipped", zap.Error(err))
			}
		case <-ctx.Done():
			c.opts.log.Debug("cache sweeper stopped")
			return
		}
	}
}
