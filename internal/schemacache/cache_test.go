package schemacache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pgai-platform/gateway/internal/config"
	"github.com/pgai-platform/gateway/internal/database"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testSchema(connectionID string) domain.DatabaseSchema {
	return domain.DatabaseSchema{
		ConnectionID: connectionID,
		VersionHash:  "abc123",
		Objects: []domain.SchemaObject{
			{Kind: domain.KindTable, Schema: "public", Name: "users"},
		},
	}
}

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New(10, time.Minute, nil, zerolog.Nop())
	if _, ok := c.Get(context.Background(), "missing"); ok {
		t.Fatal("expected a miss on an empty cache")
	}
}

func TestSetThenGetHitsAndCountsHits(t *testing.T) {
	c := New(10, time.Minute, nil, zerolog.Nop())
	schema := testSchema("conn-1")
	c.Set(context.Background(), "conn-1", schema)

	got, ok := c.Get(context.Background(), "conn-1")
	if !ok {
		t.Fatal("expected a hit after Set")
	}
	if got.VersionHash != schema.VersionHash {
		t.Errorf("version hash = %s, want %s", got.VersionHash, schema.VersionHash)
	}

	if _, ok := c.Get(context.Background(), "conn-1"); !ok {
		t.Fatal("expected a second hit")
	}

	stats := c.Stats()
	if stats.Entries != 1 {
		t.Errorf("entries = %d, want 1", stats.Entries)
	}
	if stats.HitRate != 2 {
		t.Errorf("hit rate = %f, want 2 (2 hits / 1 entry)", stats.HitRate)
	}
}

func TestGetExpiresEntriesPastTTL(t *testing.T) {
	c := New(10, time.Millisecond, nil, zerolog.Nop())
	c.Set(context.Background(), "conn-1", testSchema("conn-1"))

	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get(context.Background(), "conn-1"); ok {
		t.Fatal("expected a miss on an expired entry")
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := New(10, time.Minute, nil, zerolog.Nop())
	c.Set(context.Background(), "conn-1", testSchema("conn-1"))
	c.Invalidate(context.Background(), "conn-1")

	if _, ok := c.Get(context.Background(), "conn-1"); ok {
		t.Fatal("expected a miss after Invalidate")
	}
}

func TestSetEvictsLeastRecentlyHitOnCapacity(t *testing.T) {
	c := New(5, time.Minute, nil, zerolog.Nop())

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		c.Set(context.Background(), id, testSchema(id))
	}
	// Hit every entry except "a" so it is the clear LRU eviction target.
	for i := 1; i < 5; i++ {
		id := string(rune('a' + i))
		c.Get(context.Background(), id)
	}

	c.Set(context.Background(), "f", testSchema("f"))

	if _, ok := c.Get(context.Background(), "a"); ok {
		t.Error("expected the least-recently-hit entry to be evicted")
	}
	if stats := c.Stats(); stats.Entries > 5 {
		t.Errorf("entries = %d, want <= 5 after eviction", stats.Entries)
	}
}

func newMiniredisCache(t *testing.T, maxEntries int, ttl time.Duration) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	r := database.NewRedisFromClient(client, zerolog.Nop(), config.RedisConfig{})
	return New(maxEntries, ttl, r, zerolog.Nop())
}

func TestRedisMirrorSurvivesLocalEviction(t *testing.T) {
	c := newMiniredisCache(t, 10, time.Minute)
	schema := testSchema("conn-1")
	c.Set(context.Background(), "conn-1", schema)

	// Simulate a process restart by dropping the in-process entry only.
	c.mu.Lock()
	delete(c.entries, "conn-1")
	c.mu.Unlock()

	got, ok := c.Get(context.Background(), "conn-1")
	if !ok {
		t.Fatal("expected the redis mirror to serve the entry after local eviction")
	}
	if got.VersionHash != schema.VersionHash {
		t.Errorf("version hash = %s, want %s", got.VersionHash, schema.VersionHash)
	}
}

func TestInvalidateClearsRedisMirror(t *testing.T) {
	c := newMiniredisCache(t, 10, time.Minute)
	c.Set(context.Background(), "conn-1", testSchema("conn-1"))
	c.Invalidate(context.Background(), "conn-1")

	c.mu.Lock()
	delete(c.entries, "conn-1")
	c.mu.Unlock()

	if _, ok := c.Get(context.Background(), "conn-1"); ok {
		t.Fatal("expected redis mirror to be cleared by Invalidate")
	}
}
