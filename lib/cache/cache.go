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

// Package cache defines the write-through/read-through cache capability
// used by the Device Registry (spec §4.3, §9 "Dynamic dispatch").
package cache

import (
	"context"
	"time"
)

// Cache is the polymorphic capability set spec §9 names for caching:
// {get, put, delete, batch}. There are two implementations: Redis for
// production, and an in-process map for tests and single-node
// deployments.
type Cache interface {
	// Get returns the cached bytes for key, or ok=false on a miss. A miss
	// is never an error (spec §4.3 "reads never fail on cache misses") -
	// the caller falls through to the store.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put writes value for key with the given TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete invalidates key. Deleting a nonexistent key is not an error.
	Delete(ctx context.Context, key string) error

	// GetBatch pipelines multiple Gets into one round trip (spec §4.3 "Cache
	// batch operations are pipelined ... when the router fans out or
	// enumerates many devices"). The returned map contains only hits.
	GetBatch(ctx context.Context, keys []string) (map[string][]byte, error)

	// DeleteBatch pipelines multiple Deletes into one round trip.
	DeleteBatch(ctx context.Context, keys []string) error

	// TakeOnce atomically reads and deletes key in a single round trip
	// (Redis GETDEL semantics). The registry's challenge-response flow
	// uses this to consume a one-time registration token exactly once:
	// a second Solve on the same token observes ok=false (spec §4.3
	// "the temporary token is consumed atomically").
	TakeOnce(ctx context.Context, key string) (value []byte, ok bool, err error)

	Close() error
}
