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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestGetMissIsNotAnError(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache(nil)
	_, ok, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutThenGet(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache(nil)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "k", []byte("v"), time.Minute))

	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), val)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := NewMemoryCache(clock)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "k", []byte("v"), time.Second))

	clock.Advance(2 * time.Second)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTakeOnceConsumesEntry(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache(nil)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "token", []byte("challenge"), time.Minute))

	val, ok, err := c.TakeOnce(ctx, "token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("challenge"), val)

	_, ok, err = c.TakeOnce(ctx, "token")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetBatchReturnsOnlyHits(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache(nil)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "a", []byte("1"), time.Minute))

	got, err := c.GetBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte("1")}, got)
}
