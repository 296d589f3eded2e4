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

package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestAllowConsumesBurstThenBlocks(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l, err := New(Config{Rate: 1, Burst: 3, Clock: clock})
	require.NoError(t, err)

	require.True(t, l.Allow("client:a"))
	require.True(t, l.Allow("client:a"))
	require.True(t, l.Allow("client:a"))
	require.False(t, l.Allow("client:a"))
}

func TestAllowRefillsOverTime(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l, err := New(Config{Rate: 1, Burst: 1, Clock: clock})
	require.NoError(t, err)

	require.True(t, l.Allow("client:a"))
	require.False(t, l.Allow("client:a"))

	clock.Advance(time.Second)
	require.True(t, l.Allow("client:a"))
}

func TestBucketsAreIndependentPerKey(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l, err := New(Config{Rate: 1, Burst: 1, Clock: clock})
	require.NoError(t, err)

	require.True(t, l.Allow("client:a"))
	require.True(t, l.Allow("client:b"))
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l, err := New(Config{Rate: 1, Burst: 1, Clock: clock, IdleTTL: time.Minute})
	require.NoError(t, err)

	l.Allow("client:a")
	clock.Advance(2 * time.Minute)

	require.Equal(t, 1, l.Sweep())
	require.Len(t, l.buckets, 0)
}
