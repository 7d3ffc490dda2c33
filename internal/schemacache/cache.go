// Package schemacache caches discovered DatabaseSchema results keyed by
// connection ID, with TTL expiry, hit counting, and LRU eviction under
// capacity pressure (spec.md §4.9).
package schemacache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pgai-platform/gateway/internal/database"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/rs/zerolog"
)

// entry is one cached schema plus the bookkeeping spec.md §4.9 requires.
type entry struct {
	schema     domain.DatabaseSchema
	insertedAt time.Time
	expiresAt  time.Time
	hits       int64
	lastHitAt  time.Time
}

// Stats is the cache-wide snapshot spec.md §4.9 exposes to monitoring.
type Stats struct {
	Entries       int       `json:"entries"`
	ApproxBytes   int64     `json:"approx_bytes"`
	HitRate       float64   `json:"hit_rate"`
	OldestInsert  time.Time `json:"oldest_insert,omitempty"`
	NewestInsert  time.Time `json:"newest_insert,omitempty"`
}

// Cache is an in-process LRU with an optional Redis L2 mirror so entries
// survive a process restart. Grounded on the db-bouncer pool's
// single-mutex-guarded-map style, applied here to schema entries instead
// of connections.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
	ttl        time.Duration
	redis      *database.Redis
	redisTTL   time.Duration
	logger     zerolog.Logger
}

// New creates a Cache. redis may be nil, in which case the cache is
// in-process only.
func New(maxEntries int, ttl time.Duration, redis *database.Redis, logger zerolog.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Cache{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		ttl:        ttl,
		redis:      redis,
		redisTTL:   ttl,
		logger:     logger,
	}
}

// Get returns the cached schema for connectionID and whether it was a hit.
// A hit increments the entry's hit counter and refreshes last_hit_at, the
// LRU tiebreaker. Expired entries are treated as a miss and evicted.
func (c *Cache) Get(ctx context.Context, connectionID string) (domain.DatabaseSchema, bool) {
	c.mu.Lock()
	e, ok := c.entries[connectionID]
	if ok && time.Now().Before(e.expiresAt) {
		e.hits++
		e.lastHitAt = time.Now()
		schema := e.schema
		c.mu.Unlock()
		return schema, true
	}
	if ok {
		delete(c.entries, connectionID)
	}
	c.mu.Unlock()

	if c.redis == nil {
		return domain.DatabaseSchema{}, false
	}
	return c.getFromRedis(ctx, connectionID)
}

func (c *Cache) getFromRedis(ctx context.Context, connectionID string) (domain.DatabaseSchema, bool) {
	raw, err := c.redis.Get(ctx, redisKey(connectionID))
	if err != nil {
		return domain.DatabaseSchema{}, false
	}
	schema, err := decodeSchema([]byte(raw))
	if err != nil {
		c.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("failed to decode cached schema from redis")
		return domain.DatabaseSchema{}, false
	}

	c.mu.Lock()
	c.insertLocked(connectionID, schema)
	c.mu.Unlock()
	return schema, true
}

// Set writes schema under connectionID with the cache's configured TTL,
// evicting the least-recently-hit ~20% of entries first if this insert
// would exceed MaxEntries.
func (c *Cache) Set(ctx context.Context, connectionID string, schema domain.DatabaseSchema) {
	c.mu.Lock()
	c.insertLocked(connectionID, schema)
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	encoded, err := encodeSchema(schema)
	if err != nil {
		c.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("failed to encode schema for redis mirror")
		return
	}
	if err := c.redis.Set(ctx, redisKey(connectionID), encoded, c.redisTTL); err != nil {
		c.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("failed to mirror schema to redis")
	}
}

func (c *Cache) insertLocked(connectionID string, schema domain.DatabaseSchema) {
	if _, exists := c.entries[connectionID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	now := time.Now()
	c.entries[connectionID] = &entry{
		schema:     schema,
		insertedAt: now,
		expiresAt:  now.Add(c.ttl),
		lastHitAt:  now,
	}
}

// evictLocked drops the least-recently-hit ~20% of entries in one pass.
// Called with mu held.
func (c *Cache) evictLocked() {
	if len(c.entries) == 0 {
		return
	}
	target := len(c.entries) / 5
	if target == 0 {
		target = 1
	}

	candidates := make([]evictionCandidate, 0, len(c.entries))
	for id, e := range c.entries {
		candidates = append(candidates, evictionCandidate{id: id, lastHitAt: e.lastHitAt})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastHitAt.Before(candidates[j].lastHitAt) })

	for i := 0; i < target && i < len(candidates); i++ {
		delete(c.entries, candidates[i].id)
	}
}

type evictionCandidate struct {
	id        string
	lastHitAt time.Time
}

// Invalidate removes connectionID from both cache tiers.
func (c *Cache) Invalidate(ctx context.Context, connectionID string) {
	c.mu.Lock()
	delete(c.entries, connectionID)
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.redis.Del(ctx, redisKey(connectionID)); err != nil {
			c.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("failed to invalidate redis mirror")
		}
	}
}

// Stats returns the cache-wide snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalHits int64
	var oldest, newest time.Time
	for _, e := range c.entries {
		totalHits += e.hits
		if oldest.IsZero() || e.insertedAt.Before(oldest) {
			oldest = e.insertedAt
		}
		if newest.IsZero() || e.insertedAt.After(newest) {
			newest = e.insertedAt
		}
	}

	var hitRate float64
	if len(c.entries) > 0 {
		hitRate = float64(totalHits) / float64(len(c.entries))
	}

	return Stats{
		Entries:      len(c.entries),
		ApproxBytes:  c.approxBytesLocked(),
		HitRate:      hitRate,
		OldestInsert: oldest,
		NewestInsert: newest,
	}
}

func (c *Cache) approxBytesLocked() int64 {
	var total int64
	for _, e := range c.entries {
		encoded, err := json.Marshal(e.schema)
		if err != nil {
			continue
		}
		total += int64(len(encoded))
	}
	return total
}

func redisKey(connectionID string) string {
	return "schemacache:" + connectionID
}

// encodeSchema serializes and gzip-compresses a schema for the Redis
// mirror; compression is allowed but not required by spec.md §4.9.
func encodeSchema(schema domain.DatabaseSchema) (string, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func decodeSchema(compressed []byte) (domain.DatabaseSchema, error) {
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return domain.DatabaseSchema{}, err
	}
	defer gz.Close()

	var schema domain.DatabaseSchema
	dec := json.NewDecoder(gz)
	if err := dec.Decode(&schema); err != nil {
		return domain.DatabaseSchema{}, err
	}
	return schema, nil
}
