package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"poscart/internal/kv"
	"poscart/internal/metrics"
	"poscart/pkg/logging"
)

const (
	valuePrefix = "cache:"
	indexPrefix = "cacheidx:"
)

// itemMeta is the per-entry bookkeeping kept in the group index: estimated
// size and last access time, which drives the LRU eviction ordering.
type itemMeta struct {
	Size       int   `json:"size"`
	LastAccess int64 `json:"last_access"` // unix nanos
}

// groupIndex is the accounting record for one cache group, stored under a
// single kv key and mutated through kv.Update so concurrent workers do not
// clobber each other's bookkeeping.
type groupIndex struct {
	Items      map[string]itemMeta `json:"items"`
	TotalBytes int64               `json:"total_bytes"`
}

// GroupLimits caps one group. Zero values fall back to the cache defaults.
type GroupLimits struct {
	MaxItems int
	MaxBytes int64
}

type Config struct {
	DefaultMaxItems int           // per group (default: 1000)
	DefaultMaxBytes int64         // per group (default: 8 MiB)
	DefaultTTL      time.Duration // used by Set when ttl <= 0 (default: 5m)
	GroupLimits     map[string]GroupLimits
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c
	if cfg.DefaultMaxItems <= 0 {
		cfg.DefaultMaxItems = 1000
	}
	if cfg.DefaultMaxBytes <= 0 {
		cfg.DefaultMaxBytes = 8 << 20
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	return cfg
}

// Cache is the group/key TTL cache with size-bounded approximate-LRU
// eviction. Values live in the kv store under cache:<group>:<key>; each group
// additionally carries an index record with per-item size and access times.
//
// Caching is best-effort end to end: a broken backend costs latency, never
// correctness, so Set reports failure instead of returning an error and Get
// treats backend errors as misses.
type Cache struct {
	store   kv.Store
	cfg     Config
	stats   *statsCollector
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func New(store kv.Store, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:   store,
		cfg:     cfg.WithDefaults(),
		stats:   newStatsCollector(),
		metrics: m,
		logger:  logger.Named("cache"),
		now:     time.Now,
	}
}

func (c *Cache) limits(group string) GroupLimits {
	l := c.cfg.GroupLimits[group]
	if l.MaxItems <= 0 {
		l.MaxItems = c.cfg.DefaultMaxItems
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = c.cfg.DefaultMaxBytes
	}
	return l
}

func valueKey(group, key string) string { return valuePrefix + group + ":" + key }
func indexKey(group string) string      { return indexPrefix + group }

// Get unmarshals the cached value for (group, key) into dest and reports
// whether it was found. A hit refreshes the entry's access time.
func (c *Cache) Get(ctx context.Context, group, key string, dest any) bool {
	raw, ok, err := c.store.Get(ctx, valueKey(group, key))
	if err != nil {
		logging.L(ctx).Warn("cache get failed, treating as miss",
			zap.String("group", group), zap.String("key", key), zap.Error(err))
	}
	if err != nil || !ok {
		if err == nil {
			// Confirmed absent: the value's TTL lapsed out from under the
			// index, so its accounting entry is a phantom. Drop it.
			c.dropIndexEntry(ctx, group, key)
		}
		c.stats.miss(group)
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.WithLabelValues(group).Inc()
		}
		return false
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		logging.L(ctx).Warn("cache entry unmarshal failed, invalidating",
			zap.String("group", group), zap.String("key", key), zap.Error(err))
		_ = c.InvalidateKey(ctx, group, key)
		c.stats.miss(group)
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.WithLabelValues(group).Inc()
		}
		return false
	}

	c.stats.hit(group)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(group).Inc()
	}
	c.touch(ctx, group, key)
	return true
}

// dropIndexEntry removes a key's accounting record. Best-effort.
func (c *Cache) dropIndexEntry(ctx context.Context, group, key string) {
	err := c.updateIndex(ctx, group, func(idx *groupIndex) {
		if meta, ok := idx.Items[key]; ok {
			idx.TotalBytes -= int64(meta.Size)
			delete(idx.Items, key)
		}
	})
	if err != nil {
		logging.L(ctx).Warn("cache index prune failed",
			zap.String("group", group), zap.Error(err))
	}
}

// touch refreshes the LRU access time in the group index. Best-effort.
func (c *Cache) touch(ctx context.Context, group, key string) {
	err := c.updateIndex(ctx, group, func(idx *groupIndex) {
		if meta, ok := idx.Items[key]; ok {
			meta.LastAccess = c.now().UnixNano()
			idx.Items[key] = meta
		}
	})
	if err != nil {
		logging.L(ctx).Warn("cache index touch failed",
			zap.String("group", group), zap.Error(err))
	}
}

// Set stores value under (group, key). If the group's projected byte size
// would exceed its cap, or its item count has reached the cap, the
// oldest-accessed quartile of the group (minimum 1 entry) is evicted first.
// The insert itself always goes through once eviction has made room; a
// backend failure is logged and reported as false, never an error.
func (c *Cache) Set(ctx context.Context, group, key string, value any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	raw, err := json.Marshal(value)
	if err != nil {
		logging.L(ctx).Warn("cache set: value not serializable",
			zap.String("group", group), zap.String("key", key), zap.Error(err))
		return false
	}
	size := len(raw)
	limits := c.limits(group)

	var evicted []string
	err = c.updateIndex(ctx, group, func(idx *groupIndex) {
		prior := idx.Items[key]

		projected := idx.TotalBytes - int64(prior.Size) + int64(size)
		count := len(idx.Items)
		if _, exists := idx.Items[key]; exists {
			count-- // overwrite does not grow the count
		}

		if projected > limits.MaxBytes || count >= limits.MaxItems {
			evicted = evictOldestQuartile(idx)
		}

		idx.TotalBytes -= int64(idx.Items[key].Size)
		idx.Items[key] = itemMeta{Size: size, LastAccess: c.now().UnixNano()}
		idx.TotalBytes += int64(size)
	})
	if err != nil {
		logging.L(ctx).Warn("cache set: index update failed",
			zap.String("group", group), zap.Error(err))
		return false
	}

	for _, victim := range evicted {
		if victim == key {
			continue
		}
		_ = c.store.Delete(ctx, valueKey(group, victim))
	}
	if n := len(evicted); n > 0 {
		c.stats.evict(group, n)
		if c.metrics != nil {
			c.metrics.CacheEvictionsTotal.WithLabelValues(group).Add(float64(n))
		}
	}

	if err := c.store.Set(ctx, valueKey(group, key), raw, ttl); err != nil {
		logging.L(ctx).Warn("cache set failed",
			zap.String("group", group), zap.String("key", key), zap.Error(err))
		return false
	}

	c.stats.set(group)
	return true
}

// evictOldestQuartile drops the oldest-accessed 25% of the group (minimum 1)
// from the index and returns the evicted keys. Coarse approximate-LRU: sort
// by last access ascending, cut the head. Eviction is rare relative to reads,
// so O(n log n) here beats carrying a true LRU list in shared storage.
func evictOldestQuartile(idx *groupIndex) []string {
	if len(idx.Items) == 0 {
		return nil
	}

	type cand struct {
		key        string
		lastAccess int64
	}
	cands := make([]cand, 0, len(idx.Items))
	for k, m := range idx.Items {
		cands = append(cands, cand{key: k, lastAccess: m.LastAccess})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].lastAccess < cands[j].lastAccess })

	n := len(cands) / 4
	if n < 1 {
		n = 1
	}

	evicted := make([]string, 0, n)
	for _, v := range cands[:n] {
		idx.TotalBytes -= int64(idx.Items[v.key].Size)
		delete(idx.Items, v.key)
		evicted = append(evicted, v.key)
	}
	return evicted
}

// Invalidate removes every entry in a group and resets its accounting.
func (c *Cache) Invalidate(ctx context.Context, group string) error {
	entries, err := c.store.ScanPrefix(ctx, valuePrefix+group+":")
	if err != nil {
		return fmt.Errorf("cache invalidate scan: %w", err)
	}
	for k := range entries {
		if err := c.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("cache invalidate delete: %w", err)
		}
	}
	if err := c.store.Delete(ctx, indexKey(group)); err != nil {
		return fmt.Errorf("cache invalidate index: %w", err)
	}
	c.stats.deleteN(group, len(entries))
	return nil
}

// InvalidateKey removes one entry and its index side record.
func (c *Cache) InvalidateKey(ctx context.Context, group, key string) error {
	if err := c.store.Delete(ctx, valueKey(group, key)); err != nil {
		return fmt.Errorf("cache invalidate key: %w", err)
	}
	err := c.updateIndex(ctx, group, func(idx *groupIndex) {
		if meta, ok := idx.Items[key]; ok {
			idx.TotalBytes -= int64(meta.Size)
			delete(idx.Items, key)
		}
	})
	if err != nil {
		return fmt.Errorf("cache invalidate key index: %w", err)
	}
	c.stats.deleteN(group, 1)
	return nil
}

// updateIndex applies fn to a group's index record inside the kv store's
// atomic read-modify-write.
func (c *Cache) updateIndex(ctx context.Context, group string, fn func(idx *groupIndex)) error {
	return c.store.Update(ctx, indexKey(group), 0, func(old []byte) ([]byte, error) {
		idx := groupIndex{Items: make(map[string]itemMeta)}
		if old != nil {
			if err := json.Unmarshal(old, &idx); err != nil {
				// Corrupt index record: start accounting over rather than
				// wedging the group.
				idx = groupIndex{Items: make(map[string]itemMeta)}
			}
		}
		fn(&idx)
		if len(idx.Items) == 0 {
			return nil, nil
		}
		return json.Marshal(idx)
	})
}

// GroupSize returns the tracked item count and byte size of a group.
func (c *Cache) GroupSize(ctx context.Context, group string) (items int, bytes int64) {
	raw, ok, err := c.store.Get(ctx, indexKey(group))
	if err != nil || !ok {
		return 0, 0
	}
	var idx groupIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return 0, 0
	}
	return len(idx.Items), idx.TotalBytes
}
