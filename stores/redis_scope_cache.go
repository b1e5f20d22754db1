package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orgscope/datascope"
	"github.com/redis/go-redis/v9"
)

// RedisScopeCache is a ScopeCache backend for deployments that share
// resolved scopes across processes. Every backend failure degrades to a
// miss: the engine recomputes, it never fails a request on cache trouble.
type RedisScopeCache struct {
	client *redis.Client
}

func NewRedisScopeCache(client *redis.Client) *RedisScopeCache {
	return &RedisScopeCache{client: client}
}

func (r *RedisScopeCache) Get(key datascope.ScopeKey) (*datascope.ResolvedScope, bool) {
	data, err := r.client.Get(context.Background(), key.String()).Bytes()
	if err != nil {
		return nil, false
	}
	scope := &datascope.ResolvedScope{}
	if err := json.Unmarshal(data, scope); err != nil {
		return nil, false
	}
	return scope, true
}

func (r *RedisScopeCache) Put(key datascope.ScopeKey, scope *datascope.ResolvedScope, ttl time.Duration) {
	data, err := json.Marshal(scope)
	if err != nil {
		return
	}
	_ = r.client.Set(context.Background(), key.String(), data, ttl).Err()
}

func (r *RedisScopeCache) Purge() {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, "scope:*", 0).Iterator()
	for iter.Next(ctx) {
		_ = r.client.Del(ctx, iter.Val()).Err()
	}
}
