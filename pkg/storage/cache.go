package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/pkg/database"
)

// recordCache is the transaction-scoped field value cache. Values live as
// canonical (decoded) Go values keyed model, id, field.
type recordCache struct {
	mu     sync.RWMutex
	values map[string]map[int64]map[string]any
}

func newRecordCache() *recordCache {
	return &recordCache{values: make(map[string]map[int64]map[string]any)}
}

func (c *recordCache) get(model string, id int64, field string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[model][id][field]
	return v, ok
}

func (c *recordCache) set(model string, id int64, values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.values[model]
	if byID == nil {
		byID = make(map[int64]map[string]any)
		c.values[model] = byID
	}
	row := byID[id]
	if row == nil {
		row = make(map[string]any, len(values))
		byID[id] = row
	}
	for k, v := range values {
		row[k] = v
	}
}

// invalidate drops cached rows of a model; with ids empty, all of them.
func (c *recordCache) invalidate(model string, ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 {
		delete(c.values, model)
		return
	}
	for _, id := range ids {
		delete(c.values[model], id)
	}
}

// SharedCache is the process-wide record cache shared across transactions.
// Entries are keyed by model epoch so invalidation is O(1): bumping a model's
// counter orphans all of its entries, which age out of the LRU naturally.
// With Redis configured, counter bumps are broadcast so sibling processes
// invalidate too.
type SharedCache struct {
	lru   *lru.Cache[string, map[string]any]
	rdb   *redis.Client
	log   *zap.Logger
	mu    sync.RWMutex
	epoch map[string]uint64
}

const invalidationChannel = "quarry:invalidate"

// NewSharedCache builds a cache holding up to size rows. rdb may be nil for
// single-process deployments.
func NewSharedCache(size int, rdb *redis.Client, log *zap.Logger) (*SharedCache, error) {
	l, err := lru.New[string, map[string]any](size)
	if err != nil {
		return nil, fmt.Errorf("failed to build record cache: %w", err)
	}
	return &SharedCache{
		lru:   l,
		rdb:   rdb,
		log:   log,
		epoch: make(map[string]uint64),
	}, nil
}

func (c *SharedCache) key(model string, id int64) string {
	c.mu.RLock()
	e := c.epoch[model]
	c.mu.RUnlock()
	return model + "@" + strconv.FormatUint(e, 10) + ":" + strconv.FormatInt(id, 10)
}

// Get returns the cached row for a record, if current.
func (c *SharedCache) Get(model string, id int64) (map[string]any, bool) {
	return c.lru.Get(c.key(model, id))
}

// Set stores a row under the model's current epoch.
func (c *SharedCache) Set(model string, id int64, values map[string]any) {
	row := make(map[string]any, len(values))
	for k, v := range values {
		row[k] = v
	}
	c.lru.Add(c.key(model, id), row)
}

// Invalidate orphans all cached rows of a model and broadcasts the bump.
func (c *SharedCache) Invalidate(ctx context.Context, model string) {
	c.bump(model)
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Publish(ctx, invalidationChannel, model).Err(); err != nil {
		c.log.Warn("failed to broadcast cache invalidation",
			zap.String("model", model), zap.Error(err))
	}
}

func (c *SharedCache) bump(model string) {
	c.mu.Lock()
	c.epoch[model]++
	c.mu.Unlock()
}

// Listen consumes invalidation broadcasts until ctx is done. Call it in a
// goroutine when Redis is configured.
func (c *SharedCache) Listen(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	sub := c.rdb.Subscribe(ctx, invalidationChannel)
	defer sub.Close()
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("cache invalidation subscription error", zap.Error(err))
			continue
		}
		c.bump(msg.Payload)
	}
}

// StatsCache caches planner row estimates from pg_class for the join-versus-
// subquery decision. Estimates are allowed to be stale; they only steer query
// shape, never correctness.
type StatsCache struct {
	db  *database.DB
	ttl *gocache.Cache
	log *zap.Logger
}

// NewStatsCache builds an estimator with the given entry lifetime.
func NewStatsCache(db *database.DB, ttl time.Duration, log *zap.Logger) *StatsCache {
	return &StatsCache{
		db:  db,
		ttl: gocache.New(ttl, 2*ttl),
		log: log,
	}
}

// EstimateRows implements query.RowEstimator.
func (s *StatsCache) EstimateRows(ctx context.Context, table string) int64 {
	if v, ok := s.ttl.Get(table); ok {
		return v.(int64)
	}
	var estimate int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(reltuples::bigint, 0) FROM pg_class WHERE relname = $1`,
		table).Scan(&estimate)
	if err != nil {
		// Unknown tables estimate small, which keeps the compiler on the
		// join path.
		s.log.Debug("row estimate lookup failed", zap.String("table", table), zap.Error(err))
		estimate = 0
	}
	if estimate < 0 {
		estimate = 0
	}
	s.ttl.Set(table, estimate, gocache.DefaultExpiration)
	return estimate
}
