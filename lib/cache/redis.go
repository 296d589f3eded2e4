/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/gravitational/trace"
)

// RedisCache is the production Cache implementation (spec §4.3). Batch
// reads and deletes are pipelined into a single round trip.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client. The client's lifecycle is
// owned by the caller.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	return val, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (c *RedisCache) TakeOnce(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.GetDel(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	return val, true, nil
}

func (c *RedisCache) GetBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := c.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.Get(ctx, k)
	}
	// Individual Nil errors from missing keys are expected; only a
	// transport-level failure on Exec is surfaced.
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, trace.Wrap(err)
	}

	out := make(map[string][]byte, len(keys))
	for k, cmd := range cmds {
		val, err := cmd.Bytes()
		if err == nil {
			out[k] = val
		}
	}
	return out, nil
}

func (c *RedisCache) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return trace.Wrap(c.client.Close())
}
