// Package redis caches report key validity lookups so that hot report
// ingestion paths do not hit the database for every request. The cache
// degrades gracefully: any Redis failure is logged and treated as a
// miss, so authentication still works without Redis, just slower.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 60 * time.Second

type RevocationCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRevocationCache(client *redis.Client) *RevocationCache {
	return &RevocationCache{client: client, ttl: defaultTTL}
}

func (c *RevocationCache) makeKey(keyID uint32) string {
	return fmt.Sprintf("archodex:report_key:%d", keyID)
}

// Get returns the cached validity for a key id. The second return value
// is false on a miss or any Redis failure.
func (c *RevocationCache) Get(ctx context.Context, keyID uint32) (valid bool, ok bool) {
	key := c.makeKey(keyID)
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("Failed to GET key %s: %v", key, err)
		}
		return false, false
	}
	return data == "1", true
}

// Set caches the validity of a key id. Entries expire so that a
// revocation propagates within the TTL even if Invalidate is missed.
func (c *RevocationCache) Set(ctx context.Context, keyID uint32, valid bool) {
	key := c.makeKey(keyID)
	val := "0"
	if valid {
		val = "1"
	}
	if err := c.client.Set(ctx, key, val, c.ttl).Err(); err != nil {
		log.Printf("Failed to SET key %s: %v", key, err)
	}
}

// Invalidate drops the cached entry for a key id, forcing the next
// lookup through to the database. Called on revocation.
func (c *RevocationCache) Invalidate(ctx context.Context, keyID uint32) {
	key := c.makeKey(keyID)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		log.Printf("Failed to DEL key %s: %v", key, err)
	}
}
