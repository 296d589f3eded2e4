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

package dedup

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestSeenMarksAndReportsDuplicates(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	w := New(clock, time.Minute)

	require.False(t, w.Seen("env-1"))
	require.True(t, w.Seen("env-1"))
}

func TestSeenExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	w := New(clock, time.Minute)

	require.False(t, w.Seen("env-1"))
	clock.Advance(2 * time.Minute)
	require.False(t, w.Seen("env-1"))
}

func TestForgetClearsEntry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	w := New(clock, time.Minute)

	require.False(t, w.Seen("env-1"))
	w.Forget("env-1")
	require.False(t, w.Seen("env-1"))
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	w := New(clock, time.Minute)

	w.Seen("env-1")
	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, w.Sweep())
}
